package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var TaskBucket = []byte("tasks")

type BoltStore struct {
	Db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(TaskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{Db: db}, nil
}

func (bs *BoltStore) Close() error {
	return bs.Db.Close()
}

func (bs *BoltStore) Put(key string, value []byte) error {
	return bs.Db.Update(func(tx *bolt.Tx) error {
		return bs.bucket(tx).Put([]byte(key), value)
	})
}

func (bs *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := bs.Db.View(func(tx *bolt.Tx) error {
		v := bs.bucket(tx).Get([]byte(key))
		if v == nil {
			return notFound(key)
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	return value, err
}

func (bs *BoltStore) Delete(key string) error {
	return bs.Db.Update(func(tx *bolt.Tx) error {
		return bs.bucket(tx).Delete([]byte(key))
	})
}

func (bs *BoltStore) List() ([][]byte, error) {
	var values [][]byte
	err := bs.Db.View(func(tx *bolt.Tx) error {
		return bs.bucket(tx).ForEach(func(_, v []byte) error {
			values = append(values, append([]byte(nil), v...))
			return nil
		})
	})
	return values, err
}

func (bs *BoltStore) Count() (int, error) {
	var n int
	err := bs.Db.View(func(tx *bolt.Tx) error {
		n = bs.bucket(tx).Stats().KeyN
		return nil
	})
	return n, err
}

func (bs *BoltStore) bucket(tx *bolt.Tx) *bolt.Bucket {
	b := tx.Bucket(TaskBucket)
	if b == nil {
		panic(fmt.Sprintf("bucket %s does not exist", TaskBucket))
	}
	return b
}

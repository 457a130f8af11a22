package store

import (
	"errors"
	"fmt"
)

var ErrKeyNotFound = errors.New("key not found")

// Store is a flat key/value space of encoded tasks.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	List() ([][]byte, error)
	Count() (int, error)
}

// Open returns the backend named by kind.
func Open(kind string, opts Options) (Store, error) {
	switch kind {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "bolt":
		return NewBoltStore(opts.BoltPath)
	case "redis":
		return NewRedisStore(opts.RedisAddr, opts.RedisPrefix)
	}
	return nil, fmt.Errorf("unknown store %q", kind)
}

type Options struct {
	BoltPath    string
	RedisAddr   string
	RedisPrefix string
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

package store

import (
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu sync.RWMutex
	Db map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		Db: make(map[string][]byte),
	}
}

func (i *InMemoryStore) Put(key string, value []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Db[key] = append([]byte(nil), value...)
	return nil
}

func (i *InMemoryStore) Get(key string) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.Db[key]
	if !ok {
		return nil, notFound(key)
	}
	return append([]byte(nil), v...), nil
}

func (i *InMemoryStore) Delete(key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.Db, key)
	return nil
}

func (i *InMemoryStore) List() ([][]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	keys := make([]string, 0, len(i.Db))
	for k := range i.Db {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([][]byte, 0, len(keys))
	for _, k := range keys {
		values = append(values, append([]byte(nil), i.Db[k]...))
	}
	return values, nil
}

func (i *InMemoryStore) Count() (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.Db), nil
}

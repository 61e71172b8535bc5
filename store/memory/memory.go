// Package memory provides an in-process store.Storage.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meigma/offline/store"
)

// Storage implements store.Storage in memory. Stores are listed in creation order.
type Storage struct {
	mu     sync.RWMutex
	names  []string
	stores map[string]*Store
}

// New returns an empty Storage.
func New() *Storage {
	return &Storage{stores: make(map[string]*Store)}
}

// Open returns the named store, creating it if absent.
func (s *Storage) Open(ctx context.Context, name string) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !store.ValidName(name) {
		return nil, store.ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	st := &Store{entries: make(map[string]*store.Response)}
	s.stores[name] = st
	s.names = append(s.names, name)
	return st, nil
}

// Delete removes the named store.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
	return true, nil
}

// Keys lists store names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...), nil
}

// Store is a single in-memory cache.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*store.Response
}

// Match returns a copy of the response stored under key.
func (s *Store) Match(_ context.Context, key string) (*store.Response, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return resp.Clone(), true
}

// Put stores a copy of resp under key.
func (s *Store) Put(ctx context.Context, key string, resp *store.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := resp.Clone()
	entry.URL = key
	entry.Seal(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Keys lists the stored keys in lexical order.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

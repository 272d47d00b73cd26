// Package memory provides an in-process implementation of storage.Store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-consistency-kit/storage"
)

// Store keeps values in a map. Values are copied on the way in and out.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	watchers []func(string)

	// FailWrites makes Set and Delete return the given error. Used to
	// exercise best-effort persistence paths.
	FailWrites error
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Watcher = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	if s.FailWrites != nil {
		return s.FailWrites
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	s.notifyLocked(key)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	if s.FailWrites != nil {
		return s.FailWrites
	}
	delete(s.data, key)
	s.notifyLocked(key)
	return nil
}

// Watch registers fn for every Set and Delete until ctx is done. Callbacks
// run on their own goroutine so they may use the store.
func (s *Store) Watch(ctx context.Context, fn func(key string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	idx := len(s.watchers)
	s.watchers = append(s.watchers, fn)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.watchers[idx] = nil
		s.mu.Unlock()
	}()
	return nil
}

func (s *Store) notifyLocked(key string) {
	for _, fn := range s.watchers {
		if fn != nil {
			go fn(key)
		}
	}
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

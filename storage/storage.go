// Package storage defines the durable key-value persistence the engines write
// their state to. Each engine owns one namespaced key and stores one JSON blob
// under it.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/c0deZ3R0/go-consistency-kit/errors"
)

var (
	// ErrNotFound is returned by Get when no value is stored under the key.
	ErrNotFound = stderrors.New("key not found")
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = stderrors.New("store is closed")
)

// Store is a pluggable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Watcher is implemented by stores shared between processes. Watch calls fn
// with the key of every changed entry until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(key string)) error
}

// Namespace prefixes every engine key so several registries can share one
// backing store.
const Namespace = "consistency:"

// Key returns the namespaced key for an engine.
func Key(engine string) string {
	return Namespace + engine
}

// SaveJSON encodes v and stores it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.E(errors.OpSave, errors.Component("storage"), errors.KindInvalid, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return errors.E(errors.OpSave, errors.Component("storage"), errors.KindPersistence, err,
			map[string]any{"key": key})
	}
	return nil
}

// LoadJSON decodes the value stored under key into v. Numbers inside untyped
// values decode as json.Number. It reports false, with a nil error, when the
// key is absent.
func LoadJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if stderrors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.E(errors.OpLoad, errors.Component("storage"), errors.KindPersistence, err,
			map[string]any{"key": key})
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return false, errors.E(errors.OpLoad, errors.Component("storage"), errors.KindInvalid, err,
			map[string]any{"key": key})
	}
	return true, nil
}

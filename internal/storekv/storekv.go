// Package storekv is the badger-backed persistence layer behind two
// components: listener-scoped storage (spec.md §3 "Listener-Scoped
// Storage" — a keyed store per (listener, thread) pair for stateful tools
// like a calculator memory) and the schema compiler's disk/cache-backed
// schema store (internal/schema.Cache).
//
// Keys are namespaced by the caller: listener storage uses
// "<listener>/<thread>", the schema cache uses "<name>/<version>". Both
// share one underlying database, opened once at bootstrap.
package storekv

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = fmt.Errorf("storekv: key not found")

// Store wraps a badger database with the narrow key/value surface the
// message plane needs. It does not expose badger's transaction API
// directly — callers outside this package see Get/Set/Delete/DeletePrefix
// only, matching the single-writer-per-scope discipline spec.md §5
// requires of listener-scoped storage.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if absent) a badger database at dir. An empty dir
// runs badger fully in-memory, used by tests and by organisms configured
// with no persisted state.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storekv: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Get returns the value stored at key. The bool result reports presence so
// callers (internal/schema's Cache interface in particular) can distinguish
// "absent" from "empty value" without inspecting an error type.
func (s *Store) Get(key string) ([]byte, bool) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	return value, true
}

// Set writes key/value, overwriting any existing entry.
func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// DeletePrefix removes every key under prefix in one transaction, e.g. a
// listener-scoped storage slot (keyed "<listener>/<thread>...") together
// with any keys nested beneath it. Pruning a thread in internal/pathreg
// does not call it, so a pruned thread's storage slots stay in place.
func (s *Store) DeletePrefix(prefix string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListenerKey builds the conventional key for a (listener, thread) storage
// slot.
func ListenerKey(listener, thread string) string {
	return listener + "/" + thread
}

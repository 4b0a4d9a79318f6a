// Package store provides durable persistence for users, lands, listings,
// bids, transactions, chat sessions, messages, biome markets, biome
// holdings, and the audit log.
//
// It is backed by a single embedded goleveldb database: every entity kind
// is a key prefix inside one keyspace (e.g. "user/<id>", "msg/<session>/
// <ts-id>"). Row-level pessimistic locking is implemented by LockManager
// rather than by the storage engine, since goleveldb itself has no
// row-lock primitive — callers acquire the rows an operation touches
// before reading or writing them.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is the durable persistence layer. All exported per-entity
// operations live in sibling files (users.go, lands.go, ...); this file
// holds the shared plumbing.
type Store struct {
	db    *leveldb.DB
	Locks *LockManager
}

// Open opens (creating if absent) the goleveldb database rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db, Locks: NewLockManager()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Put([]byte(key), data, nil)
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	data, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

// jsonUnmarshal is a thin wrapper so iteratePrefix callbacks across sibling
// files don't each re-import encoding/json.
func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// iteratePrefix calls fn for every value stored under the given key prefix,
// in key order, until fn returns false or the iterator is exhausted.
func (s *Store) iteratePrefix(prefix string, fn func(key, value []byte) bool) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

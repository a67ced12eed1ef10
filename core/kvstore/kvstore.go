// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package kvstore provides the ordered key-value store that backs the
// payment channel ledger.
package kvstore

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is the error returned when a key is absent.
var ErrNotFound = errors.New("kvstore: not found")

// Store is an ordered key-value store.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores value under key.  If sync is set the write is flushed
	// to stable storage before returning.
	Put(key, value []byte, sync bool) error

	// Delete removes key.  If sync is set the delete is flushed to stable
	// storage before returning.
	Delete(key []byte, sync bool) error

	// NewIterator returns an iterator over [start, limit) in key order.
	NewIterator(start, limit []byte) Iterator

	// Close closes the store.
	Close() error
}

// Iterator walks a range of a Store.
type Iterator interface {
	// Next moves the iterator to the next key.
	Next() bool

	// Key returns the current key.
	Key() []byte

	// Value returns the current value.
	Value() []byte

	// Error returns any accumulated error.
	Error() error

	// Release releases associated resources.
	Release()
}

// LevelDB is a Store backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

// Open opens (creating if needed) a LevelDB store at path.
func Open(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		ErrorIfMissing: false,
	})
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// OpenMemory opens a volatile, in-memory LevelDB store.
func OpenMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Get implements Store.
func (s *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// Put implements Store.
func (s *LevelDB) Put(key, value []byte, sync bool) error {
	return s.db.Put(key, value, &opt.WriteOptions{Sync: sync})
}

// Delete implements Store.
func (s *LevelDB) Delete(key []byte, sync bool) error {
	return s.db.Delete(key, &opt.WriteOptions{Sync: sync})
}

// NewIterator implements Store.
func (s *LevelDB) NewIterator(start, limit []byte) Iterator {
	return &levelIterator{it: s.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)}
}

// Close implements Store.
func (s *LevelDB) Close() error {
	return s.db.Close()
}

type levelIterator struct {
	it iterator.Iterator
}

func (i *levelIterator) Next() bool    { return i.it.Next() }
func (i *levelIterator) Error() error  { return i.it.Error() }
func (i *levelIterator) Release()      { i.it.Release() }
func (i *levelIterator) Key() []byte   { return append([]byte{}, i.it.Key()...) }
func (i *levelIterator) Value() []byte { return append([]byte{}, i.it.Value()...) }

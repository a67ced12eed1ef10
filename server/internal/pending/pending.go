// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pending implements the store of encrypted payments that are
// waiting for the next hop's acknowledgement to release their key.
package pending

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/packet"
	"github.com/katzenpost/porelay/core/transaction"
)

const (
	metadataBucket = "metadata"
	pendingBucket  = "pending"
	versionKey     = "version"

	recordSize = packet.KeyHalfSize + identity.DigestSize + transaction.Size + 8
)

// ErrUnknown is the error returned when no record is stored under a
// hashed key, either because it never was or because it was already
// consumed.
var ErrUnknown = errors.New("pending: unknown pending transaction")

// Record is a payment waiting for its key.
type Record struct {
	// OwnKeyHalf is the local node's key half for the packet.
	OwnKeyHalf [packet.KeyHalfSize]byte

	// HashedPubKey is the digest of the node expected to acknowledge.
	HashedPubKey [identity.DigestSize]byte

	// Transaction is the received payment, all zero if none was attached.
	Transaction transaction.Encrypted

	// StoredAt is when the record was stored.
	StoredAt time.Time
}

func (r *Record) bytes() []byte {
	b := make([]byte, 0, recordSize)
	b = append(b, r.OwnKeyHalf[:]...)
	b = append(b, r.HashedPubKey[:]...)
	b = append(b, r.Transaction[:]...)
	return binary.BigEndian.AppendUint64(b, uint64(r.StoredAt.UnixNano()))
}

func parseRecord(b []byte) (*Record, error) {
	if len(b) != recordSize {
		return nil, fmt.Errorf("pending: corrupt record, length %d", len(b))
	}
	r := new(Record)
	off := copy(r.OwnKeyHalf[:], b)
	off += copy(r.HashedPubKey[:], b[off:])
	off += copy(r.Transaction[:], b[off:])
	r.StoredAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[off:])))
	return r, nil
}

// Store is a bbolt backed pending transaction store.
type Store struct {
	db *bolt.DB
}

// Put stores r under hashedKey, the commitment to the key half the
// acknowledging node will release.
func (s *Store) Put(hashedKey *[packet.KeyHalfSize]byte, r *Record) error {
	if r.StoredAt.IsZero() {
		r.StoredAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingBucket)).Put(hashedKey[:], r.bytes())
	})
}

// Take atomically removes and returns the record stored under hashedKey.
// A record can be taken at most once.
func (s *Store) Take(hashedKey *[packet.KeyHalfSize]byte) (*Record, error) {
	var r *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(pendingBucket))
		b := bkt.Get(hashedKey[:])
		if b == nil {
			return ErrUnknown
		}
		var err error
		if r, err = parseRecord(b); err != nil {
			return err
		}
		return bkt.Delete(hashedKey[:])
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Prune removes every record stored before olderThan, and returns the
// number of records removed.
func (s *Store) Prune(olderThan time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(pendingBucket)).Cursor()
		for k, v := c.First(); k != nil; {
			r, err := parseRecord(v)
			if err == nil && !r.StoredAt.Before(olderThan) {
				k, v = c.Next()
				continue
			}
			key := append([]byte{}, k...)
			if err := c.Delete(); err != nil {
				return err
			}
			n++
			k, v = c.Seek(key)
		}
		return nil
	})
	return n, err
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(pendingBucket)).Stats().KeyN
		return nil
	})
	return n
}

// Close closes the store.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// New creates (or loads) a pending store with the given file name f.
func New(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(pendingBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("pending: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

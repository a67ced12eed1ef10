// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package replay implements the bounded challenge replay cache.
package replay

import (
	"crypto/rand"
	"errors"
	"sync"

	"github.com/yawning/bloom"
)

// TagLength is the replay tag length in bytes.
const TagLength = 32

const falsePositiveRate = 0.001

// Filter is a bounded replay cache.  It holds two generations of bloom
// filters: when the current generation saturates it becomes the previous
// one and a fresh filter takes its place, so memory stays fixed while
// recently seen tags are still remembered.
type Filter struct {
	sync.Mutex

	mLn2     int
	current  *bloom.Filter
	previous *bloom.Filter
	rotated  uint64
}

// New creates a Filter where each generation has 2^mLn2 bits.
func New(mLn2 int) (*Filter, error) {
	if mLn2 < 10 {
		return nil, errors.New("replay: filter size too small")
	}
	f, err := bloom.New(rand.Reader, mLn2, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &Filter{
		mLn2:    mLn2,
		current: f,
	}, nil
}

// IsReplay marks a given replay tag as seen, and returns true iff the tag
// has been seen previously (Test and Set).
func (f *Filter) IsReplay(rawTag []byte) bool {
	// Treat all pathologically malformed tags as replays.
	if len(rawTag) != TagLength {
		return true
	}

	f.Lock()
	defer f.Unlock()

	if f.current.Entries() >= f.current.MaxEntries() {
		next, err := bloom.New(rand.Reader, f.mLn2, falsePositiveRate)
		if err != nil {
			// The entropy source failing is not something we can recover
			// from in a sensible way.
			panic("replay: failed to allocate filter: " + err.Error())
		}
		f.previous, f.current = f.current, next
		f.rotated++
	}
	if f.previous != nil && f.previous.Test(rawTag) {
		return true
	}
	return f.current.TestAndSet(rawTag)
}

// Rotations returns the number of times the filter generations rotated.
func (f *Filter) Rotations() uint64 {
	f.Lock()
	defer f.Unlock()
	return f.rotated
}

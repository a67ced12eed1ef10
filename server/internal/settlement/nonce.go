// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import "sync"

// NonceSequence is the node's sequence of settlement ledger nonces.
// Every submission reserves exactly one nonce, whatever its outcome.
type NonceSequence struct {
	sync.Mutex
	next uint64
}

// NewNonceSequence creates a sequence starting at next.
func NewNonceSequence(next uint64) *NonceSequence {
	return &NonceSequence{next: next}
}

// Reserve returns the next nonce and advances the sequence.
func (s *NonceSequence) Reserve() uint64 {
	s.Lock()
	defer s.Unlock()
	n := s.next
	s.next++
	return n
}

// Peek returns the nonce the next Reserve will return.
func (s *NonceSequence) Peek() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.next
}

// Reset sets the next nonce, after resynchronizing with the ledger.
func (s *NonceSequence) Reset(next uint64) {
	s.Lock()
	defer s.Unlock()
	s.next = next
}

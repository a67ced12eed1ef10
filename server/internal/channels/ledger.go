// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package channels implements the payment channel ledger: the persisted
// per-channel state a node keeps about its counterparties.
package channels

import (
	"crypto/rand"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/kvstore"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/core/transaction"
)

var (
	// ErrNotFound is the error returned when no record exists for a
	// channel.
	ErrNotFound = errors.New("channels: channel not found")

	// ErrAmbiguousChannelID is the error returned when an update names no
	// channel and carries no funding transaction to derive one from.
	ErrAmbiguousChannelID = errors.New("channels: unable to compute channel id")

	// ErrStaleTransaction is the error returned when an update carries a
	// transaction that does not supersede the stored one.
	ErrStaleTransaction = errors.New("channels: stale transaction")

	// ErrCorruptRecord is the error returned when a stored record does
	// not have the expected length.
	ErrCorruptRecord = errors.New("channels: corrupt record")

	// ErrInsufficientFunds is the error returned when a payment exceeds
	// the payer's balance.
	ErrInsufficientFunds = errors.New("channels: insufficient funds")

	// ErrChannelExists is the error returned when opening a channel that
	// is already recorded.
	ErrChannelExists = errors.New("channels: channel already exists")

	// ErrInvalidFunding is the error returned when a funding transaction
	// is not a valid opening state of its channel.
	ErrInvalidFunding = errors.New("channels: invalid funding transaction")

	// ErrUnknownPeer is the error returned when a record holds no
	// transaction issued by the channel's counterparty.
	ErrUnknownPeer = errors.New("channels: unknown counterparty")
)

// LedgerIOError is the error returned when the backing store fails.
// Nothing is written when it is returned.
type LedgerIOError struct {
	Op  string
	Err error
}

func (e *LedgerIOError) Error() string {
	return fmt.Sprintf("channels: %s: %v", e.Op, e.Err)
}

func (e *LedgerIOError) Unwrap() error {
	return e.Err
}

// Update is a partial record.  Nil fields leave the stored value as is.
type Update struct {
	Tx           *transaction.Transaction
	RestoreTx    *transaction.Transaction
	Index        *uint64
	CurrentValue *uint256.Int
	TotalBalance *uint256.Int
}

// Unsubscriber is a subscription that ends when its channel is deleted.
type Unsubscriber interface {
	Unsubscribe()
}

// Ledger is the payment channel ledger.
type Ledger struct {
	store kvstore.Store
	key   *identity.PrivateKey
	log   *logging.Logger

	locks keyedMutex

	subsLock sync.Mutex
	subs     map[identity.ChannelID]Unsubscriber
}

// New creates a ledger over store for the node holding key.
func New(store kvstore.Store, key *identity.PrivateKey, logBackend *log.Backend) *Ledger {
	return &Ledger{
		store: store,
		key:   key,
		log:   logBackend.GetLogger("channels"),
		subs:  make(map[identity.ChannelID]Unsubscriber),
	}
}

// Self returns the local node's public key.
func (l *Ledger) Self() *identity.PublicKey {
	return l.key.PublicKey()
}

// IsPartyA returns true iff the local node is party A of a channel with
// other.
func (l *Ledger) IsPartyA(other *identity.PublicKey) bool {
	return identity.IsPartyA(l.Self(), other)
}

// ChannelID returns the identifier of the channel with other.
func (l *Ledger) ChannelID(other *identity.PublicKey) identity.ChannelID {
	return identity.DeriveChannelID(l.Self(), other)
}

func (l *Ledger) get(id identity.ChannelID) (*Record, error) {
	b, err := l.store.Get(Key(id))
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, &LedgerIOError{Op: "get", Err: err}
	}
	return UnmarshalRecord(b)
}

func (l *Ledger) put(id identity.ChannelID, r *Record) error {
	if err := l.store.Put(Key(id), MarshalRecord(r), true); err != nil {
		return &LedgerIOError{Op: "put", Err: err}
	}
	return nil
}

// GetChannel returns the record of channel id, or ErrNotFound.
func (l *Ledger) GetChannel(id identity.ChannelID) (*Record, error) {
	return l.get(id)
}

// SetChannel merges u over the stored record of channel id.  If id is
// nil it is derived from u.RestoreTx.
func (l *Ledger) SetChannel(u *Update, id *identity.ChannelID) error {
	if id == nil {
		if u.RestoreTx == nil {
			return ErrAmbiguousChannelID
		}
		derived, err := u.RestoreTx.ChannelID(l.Self())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAmbiguousChannelID, err)
		}
		id = &derived
	}
	return l.merge(*id, u, nil)
}

// merge applies u to the record of channel id under the channel's lock.
// If check is not nil it is called with the stored record, nil when
// absent, and a non-nil error aborts the update.
func (l *Ledger) merge(id identity.ChannelID, u *Update, check func(*Record) error) error {
	unlock := l.locks.lock(id)
	defer unlock()

	r, err := l.get(id)
	switch {
	case errors.Is(err, ErrNotFound):
		// Created below unless check refuses.
	case err != nil:
		return err
	}
	if check != nil {
		if err = check(r); err != nil {
			return err
		}
	}
	if r == nil {
		r = new(Record)
	}

	if u.Tx != nil {
		if r.Tx != nil && u.Tx.Index <= r.Tx.Index {
			return fmt.Errorf("%w: index %d <= %d", ErrStaleTransaction, u.Tx.Index, r.Tx.Index)
		}
		r.Tx = u.Tx
		if u.Tx.Index > r.Index {
			r.Index = u.Tx.Index
		}
	}
	if u.RestoreTx != nil {
		r.RestoreTx = u.RestoreTx
	}
	if u.Index != nil {
		r.Index = *u.Index
	}
	if u.CurrentValue != nil {
		r.CurrentValue.Set(u.CurrentValue)
	}
	if u.TotalBalance != nil {
		r.TotalBalance.Set(u.TotalBalance)
	}

	if err := l.put(id, r); err != nil {
		return err
	}
	l.log.Debugf("Updated channel %v: index %d", id, r.Index)
	return nil
}

// DeleteChannel durably removes the record of channel id and ends any
// subscription tracked for it.
func (l *Ledger) DeleteChannel(id identity.ChannelID) error {
	unlock := l.locks.lock(id)
	defer unlock()

	if err := l.store.Delete(Key(id), true); err != nil {
		return &LedgerIOError{Op: "delete", Err: err}
	}

	l.subsLock.Lock()
	sub, ok := l.subs[id]
	delete(l.subs, id)
	l.subsLock.Unlock()
	if ok {
		sub.Unsubscribe()
	}
	l.log.Debugf("Deleted channel %v", id)
	return nil
}

// Track registers sub to be ended when channel id is deleted.  A
// previously tracked subscription for the same channel is ended.
func (l *Ledger) Track(id identity.ChannelID, sub Unsubscriber) {
	l.subsLock.Lock()
	old, ok := l.subs[id]
	l.subs[id] = sub
	l.subsLock.Unlock()
	if ok && old != sub {
		old.Unsubscribe()
	}
}

// Channels returns every stored channel in key order.  The sequence is
// lazy and may be iterated more than once.
func (l *Ledger) Channels() iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		start, limit := keyRange()
		it := l.store.NewIterator(start, limit)
		defer it.Release()

		for it.Next() {
			k := it.Key()
			if len(k) != len(KeyPrefix)+identity.ChannelIDSize {
				continue
			}
			e := new(Entry)
			copy(e.ID[:], k[len(KeyPrefix):])
			r, err := UnmarshalRecord(it.Value())
			if err != nil {
				if !yield(nil, fmt.Errorf("channel %v: %w", e.ID, err)) {
					return
				}
				continue
			}
			e.Record = r
			if !yield(e, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(nil, &LedgerIOError{Op: "iterate", Err: err})
		}
	}
}

// NewPayment issues and signs the next transaction of the channel with
// peer, moving amount from the local node to peer.  The ledger is left
// untouched until the payment is handed to CommitPayment.
func (l *Ledger) NewPayment(peer *identity.PublicKey, amount *uint256.Int) (*transaction.Transaction, error) {
	id := l.ChannelID(peer)
	r, err := l.get(id)
	if err != nil {
		return nil, err
	}

	value := new(uint256.Int).Set(&r.CurrentValue)
	if l.IsPartyA(peer) {
		if value.Lt(amount) {
			return nil, ErrInsufficientFunds
		}
		value.Sub(value, amount)
	} else {
		sum, overflow := new(uint256.Int).AddOverflow(value, amount)
		if overflow || (!r.TotalBalance.IsZero() && sum.Gt(&r.TotalBalance)) {
			return nil, ErrInsufficientFunds
		}
		value = sum
	}

	tx, err := transaction.New(rand.Reader, r.Index+1, value)
	if err != nil {
		return nil, err
	}
	if err = tx.Sign(l.key, id); err != nil {
		return nil, err
	}
	return tx, nil
}

// CommitPayment records a payment issued by NewPayment once it has been
// sent to peer.  A payment that no longer follows the stored index is
// rejected with ErrStaleTransaction.
func (l *Ledger) CommitPayment(peer *identity.PublicKey, tx *transaction.Transaction) error {
	id := l.ChannelID(peer)
	err := l.merge(id, &Update{Index: &tx.Index, CurrentValue: &tx.Value}, func(r *Record) error {
		switch {
		case r == nil:
			return ErrNotFound
		case tx.Index <= r.Index:
			return fmt.Errorf("%w: index %d <= %d", ErrStaleTransaction, tx.Index, r.Index)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.log.Debugf("Committed payment %d on channel %v", tx.Index, id)
	return nil
}

// Open stores the record of a newly funded channel.  The channel id is
// derived from restoreTx, which must be issued by the peer.  Opening a
// channel that already exists fails with ErrChannelExists.
func (l *Ledger) Open(restoreTx *transaction.Transaction, totalBalance *uint256.Int) (identity.ChannelID, error) {
	id, err := restoreTx.ChannelID(l.Self())
	if err != nil {
		return id, err
	}
	if restoreTx.Counterparty == l.Self().PeerID() {
		return id, fmt.Errorf("%w: funding transaction is self issued", ErrInvalidFunding)
	}
	if err = restoreTx.Verify(id); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidFunding, err)
	}
	if restoreTx.Value.Gt(totalBalance) {
		return id, fmt.Errorf("%w: balance exceeds deposit", ErrInvalidFunding)
	}

	u := &Update{
		RestoreTx:    restoreTx,
		Index:        &restoreTx.Index,
		CurrentValue: &restoreTx.Value,
		TotalBalance: totalBalance,
	}
	err = l.merge(id, u, func(r *Record) error {
		if r != nil {
			return ErrChannelExists
		}
		return nil
	})
	if err != nil {
		return id, err
	}
	l.log.Noticef("Opened channel %v with %v, deposit %v.", id, restoreTx.Counterparty, totalBalance)
	return id, nil
}

// Peer returns the counterparty of the channel r is the record of, taken
// from the first of its transactions not issued by the local node.
func (l *Ledger) Peer(r *Record) (*identity.PublicKey, error) {
	self := l.Self().PeerID()
	for _, tx := range []*transaction.Transaction{r.Tx, r.RestoreTx} {
		if tx != nil && tx.Counterparty != self {
			return tx.Counterparty.PublicKey()
		}
	}
	return nil, ErrUnknownPeer
}

// EmbeddedMoney returns how much a received transaction moves to the
// local node relative to current, party A's previous balance.
func (l *Ledger) EmbeddedMoney(tx *transaction.Transaction, current *uint256.Int) (*big.Int, error) {
	other, err := tx.Counterparty.PublicKey()
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(tx.ValueBig(), current.ToBig())
	if !l.IsPartyA(other) {
		received.Neg(received)
	}
	return received, nil
}

type keyedMutex struct {
	sync.Mutex
	m map[identity.ChannelID]*keyedEntry
}

type keyedEntry struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id identity.ChannelID) func() {
	k.Lock()
	if k.m == nil {
		k.m = make(map[identity.ChannelID]*keyedEntry)
	}
	e, ok := k.m[id]
	if !ok {
		e = new(keyedEntry)
		k.m[id] = e
	}
	e.refs++
	k.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		k.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, id)
		}
		k.Unlock()
	}
}

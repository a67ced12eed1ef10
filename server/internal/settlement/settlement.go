// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package settlement closes payment channels on the settlement ledger
// and tracks channels closed by their counterparties.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/core/transaction"
	"github.com/katzenpost/porelay/core/worker"
	"github.com/katzenpost/porelay/server/internal/channels"
	"github.com/katzenpost/porelay/server/internal/instrument"
)

// DeltaBase selects the baseline a settlement's received money is
// measured against.
type DeltaBase string

const (
	// DeltaBaseRestore measures the submitted transaction against the
	// channel's funding transaction.
	DeltaBaseRestore DeltaBase = "restore"

	// DeltaBaseSubmitted measures the submitted transaction against the
	// latest accepted transaction.
	DeltaBaseSubmitted DeltaBase = "submitted"
)

var (
	// ErrCloseInProgress is the error returned when a close of the same
	// channel is already outstanding.
	ErrCloseInProgress = errors.New("settlement: close already in progress")

	// ErrNoTransaction is the error returned when the channel has no
	// transaction to submit.
	ErrNoTransaction = errors.New("settlement: no transaction to submit")
)

// SubmissionError is the error returned when a settlement ledger
// submission fails.  Nonce is the nonce the submission used, or for a
// submission that was never dispatched, the nonce it would have used.
type SubmissionError struct {
	Nonce      uint64
	Dispatched bool
	Err        error
}

func (e *SubmissionError) Error() string {
	if !e.Dispatched {
		return fmt.Sprintf("settlement: submission not dispatched (next nonce %d): %v", e.Nonce, e.Err)
	}
	return fmt.Sprintf("settlement: submission with nonce %d failed: %v", e.Nonce, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Receipt is the outcome of a mined submission.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// ClosedChannelEvent reports that a channel was closed on the ledger.
type ClosedChannelEvent struct {
	ChannelID     identity.ChannelID
	Nonce         [transaction.NonceSize]byte
	ReceivedMoney *big.Int
	TxHash        common.Hash
}

// Oracle is the settlement ledger.
type Oracle interface {
	// EstimateGas estimates the gas a call to the contract at to needs.
	EstimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error)

	// SendTransaction submits a call to the contract at to and waits for
	// it to be mined.
	SendTransaction(ctx context.Context, to common.Address, nonce, gas uint64, data []byte) (*Receipt, error)

	// PendingNonce returns the node account's next nonce.
	PendingNonce(ctx context.Context) (uint64, error)

	// SubscribeClosed delivers the ClosedChannel events of channel id to
	// sink.
	SubscribeClosed(ctx context.Context, id identity.ChannelID, sink chan<- *ClosedChannelEvent) (event.Subscription, error)
}

// Config is the settlement controller configuration.
type Config struct {
	Oracle    Oracle
	Ledger    *channels.Ledger
	Contract  common.Address
	DeltaBase DeltaBase
	Nonce     uint64
}

// Controller closes channels on the settlement ledger.
type Controller struct {
	worker.Worker

	log       *logging.Logger
	oracle    Oracle
	ledger    *channels.Ledger
	contract  common.Address
	deltaBase DeltaBase
	nonces    *NonceSequence

	closingLock sync.Mutex
	closing     map[identity.ChannelID]struct{}
}

// New creates a settlement controller.
func New(cfg *Config, logBackend *log.Backend) (*Controller, error) {
	switch cfg.DeltaBase {
	case "":
		cfg.DeltaBase = DeltaBaseRestore
	case DeltaBaseRestore, DeltaBaseSubmitted:
	default:
		return nil, fmt.Errorf("settlement: invalid delta base '%v'", cfg.DeltaBase)
	}
	if cfg.Oracle == nil || cfg.Ledger == nil {
		return nil, errors.New("settlement: missing oracle or ledger")
	}
	return &Controller{
		log:       logBackend.GetLogger("settlement"),
		oracle:    cfg.Oracle,
		ledger:    cfg.Ledger,
		contract:  cfg.Contract,
		deltaBase: cfg.DeltaBase,
		nonces:    NewNonceSequence(cfg.Nonce),
		closing:   make(map[identity.ChannelID]struct{}),
	}, nil
}

// Nonces returns the controller's nonce sequence.
func (c *Controller) Nonces() *NonceSequence {
	return c.nonces
}

// Resync resets the nonce sequence to the ledger's pending nonce.
func (c *Controller) Resync(ctx context.Context) error {
	n, err := c.oracle.PendingNonce(ctx)
	if err != nil {
		return fmt.Errorf("settlement: failed to query pending nonce: %w", err)
	}
	c.nonces.Reset(n)
	c.log.Debugf("Nonce resynchronized to %d", n)
	return nil
}

// ContractCall submits a call to the payment channel contract.  Exactly
// one nonce is consumed once the submission is dispatched, and failed
// submissions are never retried.
func (c *Controller) ContractCall(ctx context.Context, data []byte) (*Receipt, error) {
	gas, err := c.oracle.EstimateGas(ctx, c.contract, data)
	if err != nil {
		instrument.SubmissionFailed()
		return nil, &SubmissionError{Nonce: c.nonces.Peek(), Err: fmt.Errorf("estimate gas: %w", err)}
	}

	nonce := c.nonces.Reserve()
	receipt, err := c.oracle.SendTransaction(ctx, c.contract, nonce, gas, data)
	if err != nil {
		instrument.SubmissionFailed()
		c.log.Warningf("Submission with nonce %d failed: %v", nonce, err)
		return nil, &SubmissionError{Nonce: nonce, Dispatched: true, Err: err}
	}
	return receipt, nil
}

func (c *Controller) beginClose(id identity.ChannelID) bool {
	c.closingLock.Lock()
	defer c.closingLock.Unlock()
	if _, ok := c.closing[id]; ok {
		return false
	}
	c.closing[id] = struct{}{}
	return true
}

func (c *Controller) endClose(id identity.ChannelID) {
	c.closingLock.Lock()
	defer c.closingLock.Unlock()
	delete(c.closing, id)
}

// RequestClose closes channel id with its latest accepted transaction,
// or its funding transaction if useRestoreTx is set, and returns the
// money the local node receives relative to the configured baseline.
func (c *Controller) RequestClose(ctx context.Context, id identity.ChannelID, useRestoreTx bool) (*big.Int, error) {
	if !c.beginClose(id) {
		return nil, ErrCloseInProgress
	}
	defer c.endClose(id)

	r, err := c.ledger.GetChannel(id)
	if err != nil {
		return nil, err
	}
	last := r.Tx
	if useRestoreTx {
		last = r.RestoreTx
	}
	if last == nil {
		return nil, ErrNoTransaction
	}

	c.log.Noticef("Trying to close payment channel %v. Nonce is %d", id, c.nonces.Peek())
	data, err := PackCloseChannel(last)
	if err != nil {
		return nil, err
	}
	receipt, err := c.ContractCall(ctx, data)
	if err != nil {
		return nil, err
	}
	instrument.Settlement()

	received, err := c.receivedMoney(r, last)
	if err != nil {
		return nil, err
	}
	c.log.Noticef("Settled channel %v with txHash %v. Nonce is now %d", id, receipt.TxHash.Hex(), c.nonces.Peek())
	return received, nil
}

func (c *Controller) receivedMoney(r *channels.Record, submitted *transaction.Transaction) (*big.Int, error) {
	baseline := r.RestoreTx
	if c.deltaBase == DeltaBaseSubmitted {
		baseline = r.Tx
	}
	initial := new(big.Int)
	if baseline != nil {
		initial = baseline.ValueBig()
	}

	other, err := c.ledger.Peer(r)
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(submitted.ValueBig(), initial)
	if !c.ledger.IsPartyA(other) {
		received.Neg(received)
	}
	return received, nil
}

// Fund deposits funds into the channel with peer on the settlement
// ledger, committing restoreTx as the channel's opening state.
func (c *Controller) Fund(ctx context.Context, peer *identity.PublicKey, funds *uint256.Int, restoreTx *transaction.Transaction) (*Receipt, error) {
	data, err := PackCreateFunded(peer.Address(), funds, restoreTx)
	if err != nil {
		return nil, err
	}
	receipt, err := c.ContractCall(ctx, data)
	if err != nil {
		return nil, err
	}
	c.log.Noticef("Funded channel with %v in %v. Nonce is now %d", peer, receipt.TxHash.Hex(), c.nonces.Peek())
	return receipt, nil
}

// CloseAll requests the close of every known channel, and returns the
// total received money.  Channels that fail to close are reported in the
// returned error and do not stop the others.
func (c *Controller) CloseAll(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	var errs []error
	for e, err := range c.ledger.Channels() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		received, err := c.RequestClose(ctx, e.ID, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %v: %w", e.ID, err))
			continue
		}
		total.Add(total, received)
	}
	return total, errors.Join(errs...)
}

// Subscribe subscribes to the close of channel id on the ledger.  When
// the channel closes the controller deletes its record, which ends the
// subscription.
func (c *Controller) Subscribe(ctx context.Context, id identity.ChannelID) (*Subscription, error) {
	sink := make(chan *ClosedChannelEvent, 1)
	inner, err := c.oracle.SubscribeClosed(ctx, id, sink)
	if err != nil {
		return nil, fmt.Errorf("settlement: failed to subscribe to channel %v: %w", id, err)
	}
	s := newSubscription(id, inner)
	c.ledger.Track(id, s)
	c.log.Debugf("Listening to channel %v", id)

	c.Go(func() {
		c.watch(s, sink)
	})
	return s, nil
}

func (c *Controller) watch(s *Subscription, sink <-chan *ClosedChannelEvent) {
	defer s.Unsubscribe()
	select {
	case <-c.HaltCh():
	case <-s.done:
	case err := <-s.inner.Err():
		if err != nil {
			c.log.Warningf("Subscription to channel %v failed: %v", s.id, err)
		}
	case ev := <-sink:
		c.log.Noticef("Channel %v closed on the ledger in %v", s.id, ev.TxHash.Hex())
		s.deliver(ev)
		if err := c.ledger.DeleteChannel(s.id); err != nil {
			c.log.Errorf("Failed to delete closed channel %v: %v", s.id, err)
		}
	}
}

// Shutdown stops every watcher.
func (c *Controller) Shutdown() {
	c.Halt()
}

// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/kvstore"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/core/transaction"
	"github.com/katzenpost/porelay/server/internal/channels"
)

type fakeOracle struct {
	sync.Mutex

	gasErr  error
	sendErr error
	block   chan struct{}
	entered chan struct{}
	pending uint64

	nonces []uint64
	data   [][]byte
	sinks  map[identity.ChannelID]chan<- *ClosedChannelEvent
}

func (o *fakeOracle) EstimateGas(context.Context, common.Address, []byte) (uint64, error) {
	o.Lock()
	defer o.Unlock()
	return 21000, o.gasErr
}

func (o *fakeOracle) SendTransaction(ctx context.Context, to common.Address, nonce, gas uint64, data []byte) (*Receipt, error) {
	if o.block != nil {
		o.entered <- struct{}{}
		<-o.block
	}
	o.Lock()
	defer o.Unlock()
	o.nonces = append(o.nonces, nonce)
	o.data = append(o.data, data)
	if o.sendErr != nil {
		return nil, o.sendErr
	}
	return &Receipt{TxHash: common.Hash{0x01}, GasUsed: gas}, nil
}

func (o *fakeOracle) PendingNonce(context.Context) (uint64, error) {
	return o.pending, nil
}

func (o *fakeOracle) SubscribeClosed(_ context.Context, id identity.ChannelID, sink chan<- *ClosedChannelEvent) (event.Subscription, error) {
	o.Lock()
	defer o.Unlock()
	if o.sinks == nil {
		o.sinks = make(map[identity.ChannelID]chan<- *ClosedChannelEvent)
	}
	o.sinks[id] = sink
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (o *fakeOracle) close(id identity.ChannelID) {
	o.Lock()
	sink := o.sinks[id]
	o.Unlock()
	sink <- &ClosedChannelEvent{ChannelID: id, ReceivedMoney: big.NewInt(1)}
}

type fixture struct {
	ctrl   *Controller
	oracle *fakeOracle
	ledger *channels.Ledger
	self   *identity.PrivateKey
	peer   *identity.PrivateKey
	id     identity.ChannelID
}

// newFixture creates a controller whose node is party A of its channel
// iff partyA is set.
func newFixture(t *testing.T, partyA bool, base DeltaBase) *fixture {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store, err := kvstore.OpenMemory()
	require.NoError(err)
	t.Cleanup(func() { store.Close() })

	var self, peer *identity.PrivateKey
	for {
		self, err = identity.NewPrivateKey()
		require.NoError(err)
		peer, err = identity.NewPrivateKey()
		require.NoError(err)
		if identity.IsPartyA(self.PublicKey(), peer.PublicKey()) == partyA {
			break
		}
	}

	ledger := channels.New(store, self, logBackend)
	oracle := &fakeOracle{}
	ctrl, err := New(&Config{
		Oracle:    oracle,
		Ledger:    ledger,
		Contract:  common.Address{0x42},
		DeltaBase: base,
		Nonce:     7,
	}, logBackend)
	require.NoError(err)
	t.Cleanup(ctrl.Shutdown)

	f := &fixture{
		ctrl:   ctrl,
		oracle: oracle,
		ledger: ledger,
		self:   self,
		peer:   peer,
		id:     identity.DeriveChannelID(self.PublicKey(), peer.PublicKey()),
	}
	require.NoError(ledger.SetChannel(&channels.Update{
		RestoreTx:    f.tx(t, 1, 50),
		TotalBalance: uint256.NewInt(200),
	}, nil))
	tx := f.tx(t, 2, 140)
	require.NoError(ledger.SetChannel(&channels.Update{Tx: tx, CurrentValue: &tx.Value}, &f.id))
	return f
}

func (f *fixture) tx(t *testing.T, index, value uint64) *transaction.Transaction {
	tx, err := transaction.New(rand.Reader, index, uint256.NewInt(value))
	require.NoError(t, err)
	require.NoError(t, tx.Sign(f.peer, f.id))
	return tx
}

func TestRequestClose(t *testing.T) {
	for _, tc := range []struct {
		name         string
		partyA       bool
		base         DeltaBase
		useRestoreTx bool
		expected     int64
	}{
		{"party A", true, DeltaBaseRestore, false, 90},
		{"party B", false, DeltaBaseRestore, false, -90},
		{"restore tx", true, DeltaBaseRestore, true, 0},
		{"submitted base", true, DeltaBaseSubmitted, false, 0},
		{"submitted base with restore tx", true, DeltaBaseSubmitted, true, -90},
		{"submitted base party B", false, DeltaBaseSubmitted, true, 90},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			f := newFixture(t, tc.partyA, tc.base)

			received, err := f.ctrl.RequestClose(context.Background(), f.id, tc.useRestoreTx)
			require.NoError(err)
			require.Equal(tc.expected, received.Int64())
			require.Equal([]uint64{7}, f.oracle.nonces)
			require.Equal(uint64(8), f.ctrl.Nonces().Peek())
		})
	}
}

func TestPackCloseChannel(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, DeltaBaseRestore)

	_, err := f.ctrl.RequestClose(context.Background(), f.id, false)
	require.NoError(err)
	require.Len(f.oracle.data, 1)

	data := f.oracle.data[0]
	method := ContractABI.Methods["closeChannel"]
	require.Equal(method.ID, data[:4])
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(err)
	require.Len(args, 6)

	r, err := f.ledger.GetChannel(f.id)
	require.NoError(err)
	require.Equal(uint64(2), args[0].(*big.Int).Uint64())
	require.Equal(r.Tx.Nonce, args[1].([16]byte))
	require.Equal(int64(140), args[2].(*big.Int).Int64())
	require.Equal(r.Tx.Signature[:32], func() []byte { b := args[3].([32]byte); return b[:] }())
	require.Equal(r.Tx.Signature[32:], func() []byte { b := args[4].([32]byte); return b[:] }())
	require.Equal(r.Tx.Recovery+27, args[5].(uint8))
}

func TestSubmissionError(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, DeltaBaseRestore)
	ctx := context.Background()

	// A failed estimate never dispatches, so no nonce is consumed.
	f.oracle.gasErr = errors.New("execution reverted")
	_, err := f.ctrl.RequestClose(ctx, f.id, false)
	var subErr *SubmissionError
	require.ErrorAs(err, &subErr)
	require.False(subErr.Dispatched)
	require.Equal(uint64(7), subErr.Nonce)
	require.Equal(uint64(7), f.ctrl.Nonces().Peek())

	// A failed submission consumes its nonce and is not retried.
	f.oracle.gasErr = nil
	f.oracle.sendErr = errors.New("connection refused")
	_, err = f.ctrl.RequestClose(ctx, f.id, false)
	require.ErrorAs(err, &subErr)
	require.True(subErr.Dispatched)
	require.Equal(uint64(7), subErr.Nonce)
	require.Contains(err.Error(), "nonce 7")
	require.Equal([]uint64{7}, f.oracle.nonces)

	f.oracle.sendErr = nil
	_, err = f.ctrl.RequestClose(ctx, f.id, false)
	require.NoError(err)
	require.Equal([]uint64{7, 8}, f.oracle.nonces)

	f.oracle.pending = 3
	require.NoError(f.ctrl.Resync(ctx))
	require.Equal(uint64(3), f.ctrl.Nonces().Peek())
}

func TestCloseInProgress(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, DeltaBaseRestore)
	f.oracle.block = make(chan struct{})
	f.oracle.entered = make(chan struct{}, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.ctrl.RequestClose(context.Background(), f.id, false)
		errCh <- err
	}()

	select {
	case <-f.oracle.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("close was never submitted")
	}
	_, err := f.ctrl.RequestClose(context.Background(), f.id, false)
	require.ErrorIs(err, ErrCloseInProgress)

	close(f.oracle.block)
	require.NoError(<-errCh)

	// Once the first close completes the channel may be closed again.
	f.oracle.block = nil
	_, err = f.ctrl.RequestClose(context.Background(), f.id, false)
	require.NoError(err)
}

func TestNonceSequenceConcurrent(t *testing.T) {
	require := require.New(t)

	s := NewNonceSequence(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := s.Reserve()
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(seen, 64)
	require.Equal(uint64(64), s.Peek())
}

func TestSubscribe(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, DeltaBaseRestore)

	sub, err := f.ctrl.Subscribe(context.Background(), f.id)
	require.NoError(err)
	require.Equal(f.id, sub.ChannelID())

	f.oracle.close(f.id)
	ev, ok := <-sub.Events()
	require.True(ok)
	require.Equal(f.id, ev.ChannelID)

	<-sub.Done()
	_, err = f.ledger.GetChannel(f.id)
	require.ErrorIs(err, channels.ErrNotFound)

	_, ok = <-sub.Events()
	require.False(ok)
}

func TestCloseAll(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, DeltaBaseRestore)

	// A second channel with no transaction to submit.
	other, err := identity.NewPrivateKey()
	require.NoError(err)
	id := identity.DeriveChannelID(f.self.PublicKey(), other.PublicKey())
	require.NoError(f.ledger.SetChannel(&channels.Update{TotalBalance: uint256.NewInt(1)}, &id))

	total, err := f.ctrl.CloseAll(context.Background())
	require.ErrorIs(err, ErrNoTransaction)
	require.Equal(int64(90), total.Int64())
}

func TestReceivedMoneyCounterparty(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, DeltaBaseSubmitted)

	// A funding transaction issued by the local node still measures the
	// delta from the peer's side of the channel.
	restore, err := transaction.New(rand.Reader, 1, uint256.NewInt(50))
	require.NoError(err)
	require.NoError(restore.Sign(f.self, f.id))
	require.NoError(f.ledger.SetChannel(&channels.Update{RestoreTx: restore}, &f.id))

	received, err := f.ctrl.RequestClose(context.Background(), f.id, true)
	require.NoError(err)
	require.Equal(int64(-90), received.Int64())
}

func TestFund(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, DeltaBaseRestore)
	restore := f.tx(t, 1, 100)

	_, err := f.ctrl.Fund(context.Background(), f.peer.PublicKey(), uint256.NewInt(100), restore)
	require.NoError(err)
	require.Equal([]uint64{7}, f.oracle.nonces)

	data := f.oracle.data[0]
	method := ContractABI.Methods["createFunded"]
	require.Equal(method.ID, data[:4])
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(err)
	require.Len(args, 8)
	require.Equal(f.peer.PublicKey().Address(), args[0].(common.Address))
	require.Equal(int64(100), args[1].(*big.Int).Int64())
	require.Equal(uint64(1), args[2].(*big.Int).Uint64())
	require.Equal(restore.Nonce, args[3].([16]byte))
	require.Equal(int64(100), args[4].(*big.Int).Int64())
	require.Equal(restore.Recovery+27, args[7].(uint8))

	f.oracle.sendErr = errors.New("execution reverted")
	_, err = f.ctrl.Fund(context.Background(), f.peer.PublicKey(), uint256.NewInt(100), restore)
	var subErr *SubmissionError
	require.ErrorAs(err, &subErr)
	require.Equal(uint64(8), subErr.Nonce)
}

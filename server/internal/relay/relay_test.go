// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/porelay/core/ack"
	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/kvstore"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/core/packet"
	"github.com/katzenpost/porelay/core/replay"
	"github.com/katzenpost/porelay/core/transaction"
	"github.com/katzenpost/porelay/server/config"
	"github.com/katzenpost/porelay/server/internal/channels"
	"github.com/katzenpost/porelay/server/internal/glue"
	"github.com/katzenpost/porelay/server/internal/pending"
	"github.com/katzenpost/porelay/server/internal/settlement"
)

const testConfig = `
[Server]
Identifier = "%s"
DataDir = "%s"
IsBootstrapNode = %v

[Logging]
Disable = true
Level = "DEBUG"

[Payments]
Disable = true
RelayFee = "1"

[Debug]
AckTimeout = %d
`

type hub struct {
	sync.Mutex
	nodes map[identity.PeerID]*fakeNetwork
}

type fakeNetwork struct {
	sync.Mutex
	hub      *hub
	self     identity.PeerID
	handlers map[string]glue.StreamHandler
}

func (h *hub) join(id identity.PeerID) *fakeNetwork {
	n := &fakeNetwork{hub: h, self: id, handlers: make(map[string]glue.StreamHandler)}
	h.Lock()
	defer h.Unlock()
	h.nodes[id] = n
	return n
}

func (n *fakeNetwork) Halt() {}

func (n *fakeNetwork) FindPeer(_ context.Context, id identity.PeerID) (*glue.PeerInfo, error) {
	n.hub.Lock()
	defer n.hub.Unlock()
	if _, ok := n.hub.nodes[id]; !ok {
		return nil, errors.New("peer not found")
	}
	return &glue.PeerInfo{ID: id, Addrs: []string{"/memory/" + id.String()}}, nil
}

func (n *fakeNetwork) Dial(_ context.Context, p *glue.PeerInfo, protocol string) (io.ReadWriteCloser, error) {
	n.hub.Lock()
	remote := n.hub.nodes[p.ID]
	n.hub.Unlock()

	remote.Lock()
	h, ok := remote.handlers[protocol]
	remote.Unlock()
	if !ok {
		return nil, fmt.Errorf("protocol %v not supported", protocol)
	}
	local, other := net.Pipe()
	go h(n.self, other)
	return local, nil
}

func (n *fakeNetwork) SetStreamHandler(protocol string, h glue.StreamHandler) {
	n.Lock()
	defer n.Unlock()
	n.handlers[protocol] = h
}

func (n *fakeNetwork) RemoveStreamHandler(protocol string) {
	n.Lock()
	defer n.Unlock()
	delete(n.handlers, protocol)
}

type testNode struct {
	cfg        *config.Config
	logBackend *log.Backend
	key        *identity.PrivateKey
	network    *fakeNetwork
	pending    *pending.Store
	ledger     *channels.Ledger
	filter     *replay.Filter

	handler  *Handler
	messages chan *packet.Message
}

func (n *testNode) Config() *config.Config             { return n.cfg }
func (n *testNode) LogBackend() *log.Backend           { return n.logBackend }
func (n *testNode) IdentityKey() *identity.PrivateKey  { return n.key }
func (n *testNode) Network() glue.Network              { return n.network }
func (n *testNode) Pending() *pending.Store            { return n.pending }
func (n *testNode) Ledger() *channels.Ledger           { return n.ledger }
func (n *testNode) ReplayFilter() *replay.Filter       { return n.filter }
func (n *testNode) Settlement() *settlement.Controller { return nil }

func (n *testNode) pub() *identity.PublicKey {
	return n.key.PublicKey()
}

func newNode(t *testing.T, h *hub, bootstrap bool, ackTimeout int) *testNode {
	require := require.New(t)

	dir := t.TempDir()
	cfg, err := config.Load([]byte(fmt.Sprintf(testConfig, "node.example.org", dir, bootstrap, ackTimeout)))
	require.NoError(err)

	n := &testNode{cfg: cfg, messages: make(chan *packet.Message, 4)}
	n.logBackend, err = log.New("", "DEBUG", true)
	require.NoError(err)
	n.key, err = identity.NewPrivateKey()
	require.NoError(err)
	n.pending, err = pending.New(filepath.Join(dir, "pending.db"))
	require.NoError(err)
	store, err := kvstore.OpenMemory()
	require.NoError(err)
	n.ledger = channels.New(store, n.key, n.logBackend)
	n.filter, err = replay.New(16)
	require.NoError(err)
	n.network = h.join(n.key.PublicKey().PeerID())

	n.handler = New(n, func(m *packet.Message) { n.messages <- m })
	t.Cleanup(func() {
		n.handler.Halt()
		n.pending.Close()
		store.Close()
	})
	return n
}

// openChannel opens a channel from a to b funded with 100 by a.
func openChannel(t *testing.T, a, b *testNode) identity.ChannelID {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := a.handler.OpenChannel(ctx, b.pub(), uint256.NewInt(100))
	require.NoError(t, err)
	return id
}

// fundChannel records a channel with peer in n's ledger only, party A
// holding 50 of 100.
func fundChannel(t *testing.T, n *testNode, peer *identity.PublicKey) identity.ChannelID {
	id := identity.DeriveChannelID(n.pub(), peer)
	u := &channels.Update{
		CurrentValue: uint256.NewInt(50),
		TotalBalance: uint256.NewInt(100),
	}
	require.NoError(t, n.ledger.SetChannel(u, &id))
	return id
}

func newHub() *hub {
	return &hub{nodes: make(map[identity.PeerID]*fakeNetwork)}
}

func dialRaw(t *testing.T, from, to *testNode) io.ReadWriteCloser {
	s, err := from.network.Dial(context.Background(), &glue.PeerInfo{ID: to.pub().PeerID()}, ProtocolID)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRelayWithPayments(t *testing.T) {
	require := require.New(t)

	h := newHub()
	sender := newNode(t, h, false, 2000)
	relay := newNode(t, h, false, 2000)
	recipient := newNode(t, h, false, 2000)

	first := openChannel(t, sender, relay)
	second := openChannel(t, relay, recipient)

	msg := &packet.Message{Text: "hello", SentAt: time.Now()}
	err := sender.handler.Send(context.Background(), []*identity.PublicKey{relay.pub(), recipient.pub()}, msg)
	require.NoError(err)

	select {
	case m := <-recipient.messages:
		require.Equal("hello", m.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	// The recipient unlocked the relay's payment on delivery.
	require.Eventually(func() bool {
		r, err := recipient.ledger.GetChannel(second)
		return err == nil && r.Tx != nil && r.Tx.Index == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The relay unlocked the sender's payment with the recipient's
	// acknowledgement.
	require.Eventually(func() bool {
		r, err := relay.ledger.GetChannel(first)
		return err == nil && r.Tx != nil && r.Tx.Index == 2
	}, 5*time.Second, 10*time.Millisecond)

	paid, err := sender.ledger.GetChannel(first)
	require.NoError(err)
	received, err := relay.ledger.GetChannel(first)
	require.NoError(err)
	require.Equal(paid.CurrentValue, received.CurrentValue)
	require.Equal(uint64(2), paid.Index)
	require.Equal(0, relay.pending.Len())

	money, err := relay.ledger.EmbeddedMoney(received.Tx, &received.RestoreTx.Value)
	require.NoError(err)
	require.Equal(int64(1), money.Int64())
}

func TestOpenChannel(t *testing.T) {
	require := require.New(t)

	h := newHub()
	a := newNode(t, h, false, 2000)
	b := newNode(t, h, false, 2000)

	id := openChannel(t, a, b)
	require.Equal(identity.DeriveChannelID(b.pub(), a.pub()), id)

	// Each side holds the opening state signed by the other.
	own, err := a.ledger.GetChannel(id)
	require.NoError(err)
	require.Equal(b.pub().PeerID(), own.RestoreTx.Counterparty)
	require.NoError(own.RestoreTx.Verify(id))
	theirs, err := b.ledger.GetChannel(id)
	require.NoError(err)
	require.Equal(a.pub().PeerID(), theirs.RestoreTx.Counterparty)
	require.NoError(theirs.RestoreTx.Verify(id))

	for _, r := range []*channels.Record{own, theirs} {
		require.Equal(uint64(1), r.Index)
		require.Equal(uint64(100), r.TotalBalance.Uint64())
		require.Equal(own.RestoreTx.Value, r.CurrentValue)
	}
	if identity.IsPartyA(a.pub(), b.pub()) {
		require.Equal(uint64(100), own.CurrentValue.Uint64())
	} else {
		require.True(own.CurrentValue.IsZero())
	}

	ctx := context.Background()
	_, err = a.handler.OpenChannel(ctx, b.pub(), uint256.NewInt(100))
	require.ErrorIs(err, channels.ErrChannelExists)
	_, err = b.handler.OpenChannel(ctx, a.pub(), uint256.NewInt(100))
	require.ErrorIs(err, channels.ErrChannelExists)
}

func TestOpenChannelRefused(t *testing.T) {
	require := require.New(t)

	h := newHub()
	a := newNode(t, h, false, 2000)
	b := newNode(t, h, false, 2000)
	id := identity.DeriveChannelID(a.pub(), b.pub())

	// An opening state claiming the responder's deposit.
	claimed := uint256.NewInt(0)
	if !identity.IsPartyA(a.pub(), b.pub()) {
		claimed.SetUint64(100)
	}
	tx, err := transaction.New(rand.Reader, 1, claimed)
	require.NoError(err)
	require.NoError(tx.Sign(a.key, id))
	req, err := tx.MarshalBinary()
	require.NoError(err)
	deposit := uint256.NewInt(100).Bytes32()
	req = append(req, deposit[:]...)

	s, err := a.network.Dial(context.Background(), &glue.PeerInfo{ID: b.pub().PeerID()}, OpenProtocolID)
	require.NoError(err)
	defer s.Close()
	require.NoError(msgio.NewVarintWriter(s).WriteMsg(req))
	resp, err := msgio.NewVarintReaderSize(s, transaction.Size).ReadMsg()
	require.NoError(err)
	require.Len(resp, 0)

	_, err = b.ledger.GetChannel(id)
	require.ErrorIs(err, channels.ErrNotFound)
}

func TestPaymentCommittedOnlyWhenSent(t *testing.T) {
	require := require.New(t)

	h := newHub()
	sender := newNode(t, h, false, 2000)
	relay := newNode(t, h, false, 2000)
	ghost, err := identity.NewPrivateKey()
	require.NoError(err)
	id := fundChannel(t, relay, ghost.PublicKey())

	msg := &packet.Message{Text: "nowhere", SentAt: time.Now()}
	err = sender.handler.Send(context.Background(), []*identity.PublicKey{relay.pub(), ghost.PublicKey()}, msg)
	require.NoError(err)

	// Halting waits for the failed forward.
	relay.handler.Halt()
	r, err := relay.ledger.GetChannel(id)
	require.NoError(err)
	require.Equal(uint64(0), r.Index)
	require.Equal(uint64(50), r.CurrentValue.Uint64())
	require.Nil(r.Tx)
}

func TestRelayWithoutChannels(t *testing.T) {
	require := require.New(t)

	h := newHub()
	sender := newNode(t, h, false, 2000)
	relay := newNode(t, h, false, 2000)
	recipient := newNode(t, h, false, 2000)

	msg := &packet.Message{Text: "unpaid", SentAt: time.Now()}
	err := sender.handler.Send(context.Background(), []*identity.PublicKey{relay.pub(), recipient.pub()}, msg)
	require.NoError(err)

	select {
	case m := <-recipient.messages:
		require.Equal("unpaid", m.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	require.Eventually(func() bool {
		return relay.pending.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFrames(t *testing.T) {
	require := require.New(t)

	h := newHub()
	sender := newNode(t, h, false, 2000)
	recipient := newNode(t, h, false, 2000)

	pkt, _, err := packet.New([]*identity.PublicKey{recipient.pub()}, &packet.Message{Text: "twice", SentAt: time.Now()}, sender.key)
	require.NoError(err)
	raw, err := pkt.MarshalBinary()
	require.NoError(err)
	garbage := make([]byte, packet.Size)
	_, err = rand.Read(garbage)
	require.NoError(err)

	s := dialRaw(t, sender, recipient)
	w := msgio.NewVarintWriter(s)
	r := msgio.NewVarintReaderSize(s, ack.Size)

	go func() {
		w.WriteMsg([]byte("short"))
		w.WriteMsg(garbage)
		w.WriteMsg(raw)
		w.WriteMsg(raw)
	}()

	// The short frame is dropped silently, the garbage is answered with
	// an empty frame, and exactly one of the copies is acknowledged.
	b, err := r.ReadMsg()
	require.NoError(err)
	require.Len(b, 0)

	var sizes []int
	for range 2 {
		b, err = r.ReadMsg()
		require.NoError(err)
		sizes = append(sizes, len(b))
	}
	require.ElementsMatch([]int{0, ack.Size}, sizes)
	require.Len(recipient.messages, 1)
}

func TestHandleAcknowledgement(t *testing.T) {
	require := require.New(t)

	h := newHub()
	self := newNode(t, h, false, 2000)
	next, err := identity.NewPrivateKey()
	require.NoError(err)
	other, err := identity.NewPrivateKey()
	require.NoError(err)

	newAck := func(challenger, responder *identity.PrivateKey) (*ack.Acknowledgement, [packet.KeyHalfSize]byte) {
		var secret [packet.SecretSize]byte
		_, err := rand.Read(secret[:])
		require.NoError(err)
		half := packet.KeyHalf(&secret)
		hashed := packet.HashKeyHalf(&half)
		challenge, err := challenger.Sign(hashed[:])
		require.NoError(err)
		a, err := ack.Create(&challenge, &secret, responder)
		require.NoError(err)
		return a, hashed
	}

	// Challenge not issued by the local node.
	a, _ := newAck(other, next)
	require.ErrorIs(self.handler.handleAcknowledgement(a), ErrIdentityMismatch)

	// No pending transaction.
	a, _ = newAck(self.key, next)
	require.ErrorIs(self.handler.handleAcknowledgement(a), ErrUnknownPendingTransaction)

	// Acknowledged by a node other than the next hop: the record stays.
	a, hashed := newAck(self.key, other)
	rec := &pending.Record{HashedPubKey: next.PublicKey().Digest()}
	require.NoError(self.pending.Put(&hashed, rec))
	require.ErrorIs(self.handler.handleAcknowledgement(a), ErrIdentityMismatch)
	require.Equal(1, self.pending.Len())
}

func TestAcknowledgementConsumedOnce(t *testing.T) {
	require := require.New(t)

	h := newHub()
	self := newNode(t, h, false, 2000)
	next, err := identity.NewPrivateKey()
	require.NoError(err)

	var secret [packet.SecretSize]byte
	_, err = rand.Read(secret[:])
	require.NoError(err)
	half := packet.KeyHalf(&secret)
	hashed := packet.HashKeyHalf(&half)
	challenge, err := self.key.Sign(hashed[:])
	require.NoError(err)
	a, err := ack.Create(&challenge, &secret, next)
	require.NoError(err)

	// The next hop pays the local node 1 on a channel at 50.
	id := fundChannel(t, self, next.PublicKey())
	value := uint64(49)
	if identity.IsPartyA(self.pub(), next.PublicKey()) {
		value = 51
	}
	tx, err := transaction.New(rand.Reader, 1, uint256.NewInt(value))
	require.NoError(err)
	require.NoError(tx.Sign(next, id))

	var own [packet.KeyHalfSize]byte
	_, err = rand.Read(own[:])
	require.NoError(err)
	key := packet.PaymentKey(&own, &a.Key)
	enc, err := tx.Encrypt(&key)
	require.NoError(err)

	rec := &pending.Record{OwnKeyHalf: own, HashedPubKey: next.PublicKey().Digest(), Transaction: enc}
	require.NoError(self.pending.Put(&hashed, rec))
	require.NoError(self.handler.handleAcknowledgement(a))

	r, err := self.ledger.GetChannel(id)
	require.NoError(err)
	require.NotNil(r.Tx)
	require.Equal(uint64(1), r.Tx.Index)
	require.Equal(value, r.CurrentValue.Uint64())

	require.ErrorIs(self.handler.handleAcknowledgement(a), ErrUnknownPendingTransaction)
	r, err = self.ledger.GetChannel(id)
	require.NoError(err)
	require.Equal(uint64(1), r.Index)
	require.Equal(value, r.CurrentValue.Uint64())
}

func TestUnlockRejectsNonPositivePayment(t *testing.T) {
	require := require.New(t)

	h := newHub()
	self := newNode(t, h, false, 2000)
	next, err := identity.NewPrivateKey()
	require.NoError(err)
	id := fundChannel(t, self, next.PublicKey())

	// A transaction moving 1 from the local node to the issuer, and one
	// moving nothing.
	taken := uint64(51)
	if identity.IsPartyA(self.pub(), next.PublicKey()) {
		taken = 49
	}
	for i, value := range []uint64{taken, 50} {
		tx, err := transaction.New(rand.Reader, uint64(i+1), uint256.NewInt(value))
		require.NoError(err)
		require.NoError(tx.Sign(next, id))

		var key [transaction.KeySize]byte
		_, err = rand.Read(key[:])
		require.NoError(err)
		enc, err := tx.Encrypt(&key)
		require.NoError(err)
		require.ErrorIs(self.handler.unlock(&enc, &key, next.PublicKey()), ErrNonPositivePayment)
	}

	r, err := self.ledger.GetChannel(id)
	require.NoError(err)
	require.Nil(r.Tx)
	require.Equal(uint64(0), r.Index)
	require.Equal(uint64(50), r.CurrentValue.Uint64())
}

func TestBootstrapNode(t *testing.T) {
	require := require.New(t)

	h := newHub()
	sender := newNode(t, h, false, 2000)
	bootstrap := newNode(t, h, true, 2000)

	_, err := sender.network.Dial(context.Background(), &glue.PeerInfo{ID: bootstrap.pub().PeerID()}, ProtocolID)
	require.Error(err)
}

func TestHaltWithOpenStreams(t *testing.T) {
	require := require.New(t)

	h := newHub()
	sender := newNode(t, h, false, 2000)
	relay := newNode(t, h, false, 60000)
	sink, err := identity.NewPrivateKey()
	require.NoError(err)
	h.join(sink.PublicKey().PeerID()).SetStreamHandler(ProtocolID, func(_ identity.PeerID, s io.ReadWriteCloser) {
		defer s.Close()
		io.Copy(io.Discard, s)
	})

	// An idle inbound stream, and one whose packet is stuck forwarding to
	// a next hop that never answers.
	dialRaw(t, sender, relay)
	s := dialRaw(t, sender, relay)
	pkt, _, err := packet.New([]*identity.PublicKey{relay.pub(), sink.PublicKey()}, &packet.Message{Text: "stuck"}, sender.key)
	require.NoError(err)
	raw, err := pkt.MarshalBinary()
	require.NoError(err)
	require.NoError(msgio.NewVarintWriter(s).WriteMsg(raw))
	b, err := msgio.NewVarintReaderSize(s, ack.Size).ReadMsg()
	require.NoError(err)
	require.Len(b, ack.Size)

	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.handler.Halt()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Halt did not return")
	}

	// Streams arriving after Halt are closed at once.
	local, other := net.Pipe()
	defer local.Close()
	relay.handler.onStream(sender.pub().PeerID(), other)
	_, err = local.Read(make([]byte, 1))
	require.ErrorIs(err, io.EOF)
}

func TestAckTimeout(t *testing.T) {
	require := require.New(t)

	h := newHub()
	sender := newNode(t, h, false, 200)
	sink, err := identity.NewPrivateKey()
	require.NoError(err)
	h.join(sink.PublicKey().PeerID()).SetStreamHandler(ProtocolID, func(_ identity.PeerID, s io.ReadWriteCloser) {
		defer s.Close()
		io.Copy(io.Discard, s)
	})

	err = sender.handler.Send(context.Background(), []*identity.PublicKey{sink.PublicKey()}, &packet.Message{Text: "lost"})
	require.ErrorIs(err, context.DeadlineExceeded)
}

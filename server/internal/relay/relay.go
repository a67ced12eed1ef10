// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the proof-of-relay packet protocol.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/holiman/uint256"
	"github.com/libp2p/go-msgio"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/porelay/core/ack"
	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/packet"
	"github.com/katzenpost/porelay/core/transaction"
	"github.com/katzenpost/porelay/core/worker"
	"github.com/katzenpost/porelay/server/internal/channels"
	"github.com/katzenpost/porelay/server/internal/glue"
	"github.com/katzenpost/porelay/server/internal/instrument"
	"github.com/katzenpost/porelay/server/internal/pending"
)

// ProtocolID is the stream protocol packets are relayed over.
const ProtocolID = "/porelay/msg/0.0.1"

// maxInFlight bounds the frames of one stream being processed at once.
const maxInFlight = 16

var (
	// ErrIdentityMismatch is the error returned when an acknowledgement
	// is signed by a node other than the expected one.
	ErrIdentityMismatch = errors.New("relay: identity mismatch")

	// ErrUnknownPendingTransaction is the error returned when an
	// acknowledgement does not match any pending transaction.
	ErrUnknownPendingTransaction = pending.ErrUnknown

	// ErrPacketRejected is the error returned when the next hop answers
	// a packet with an empty frame.
	ErrPacketRejected = errors.New("relay: packet rejected by next hop")

	// ErrNonPositivePayment is the error returned when a received payment
	// does not move value to the local node.
	ErrNonPositivePayment = errors.New("relay: payment does not pay the local node")
)

// Sink receives the messages of packets the node is the final recipient
// of.
type Sink func(*packet.Message)

// Handler serves the relay protocol.
type Handler struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger
	sink Sink
	fee  *uint256.Int

	// inflight counts stream handlers and every goroutine they start.
	inflight  sync.WaitGroup
	haltLock  sync.Mutex
	isHalting bool
}

// New creates a Handler and, unless the node is a bootstrap node,
// registers it with the network.  A nil sink logs delivered messages.
func New(g glue.Glue, sink Sink) *Handler {
	h := &Handler{
		glue: g,
		log:  g.LogBackend().GetLogger("relay"),
		sink: sink,
		fee:  g.Config().Payments.Fee(),
	}
	if h.sink == nil {
		h.sink = h.logMessage
	}
	if g.Config().Server.IsBootstrapNode {
		h.log.Noticef("Bootstrap node, not relaying packets.")
		return h
	}
	g.Network().SetStreamHandler(ProtocolID, h.onStream)
	g.Network().SetStreamHandler(OpenProtocolID, h.onOpenStream)
	return h
}

// Halt stops the handler, closes its inbound streams and waits for them
// and for outstanding forwards.
func (h *Handler) Halt() {
	h.haltLock.Lock()
	h.isHalting = true
	h.haltLock.Unlock()

	if !h.glue.Config().Server.IsBootstrapNode {
		h.glue.Network().RemoveStreamHandler(ProtocolID)
		h.glue.Network().RemoveStreamHandler(OpenProtocolID)
	}
	h.Worker.Halt()
	h.inflight.Wait()
}

// enter counts a new stream handler, and returns false once the handler
// is halting.
func (h *Handler) enter() bool {
	h.haltLock.Lock()
	defer h.haltLock.Unlock()
	if h.isHalting {
		return false
	}
	h.inflight.Add(1)
	return true
}

// spawn runs fn on a counted goroutine.  The caller must itself be
// counted.
func (h *Handler) spawn(fn func()) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		fn()
	}()
}

func (h *Handler) logMessage(m *packet.Message) {
	h.log.Noticef("New message %q, latency %v.", m.Text, m.Latency())
}

func (h *Handler) onStream(remote identity.PeerID, s io.ReadWriteCloser) {
	defer s.Close()
	if !h.enter() {
		return
	}
	defer h.inflight.Done()
	stop := context.AfterFunc(h.Context(), func() { s.Close() })
	defer stop()

	r := msgio.NewVarintReaderSize(s, packet.Size)
	w := msgio.NewVarintWriter(s)

	// Responses are written in arrival order while the frames are
	// processed concurrently.
	results := make(chan chan []byte, maxInFlight)
	writerDone := make(chan struct{})
	h.spawn(func() {
		defer close(writerDone)
		var werr error
		for ch := range results {
			resp := <-ch
			if werr != nil {
				continue
			}
			if werr = w.WriteMsg(resp); werr != nil {
				h.log.Debugf("Peer %v: failed to write response: %v", remote, werr)
			}
		}
	})

	for {
		b, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.Debugf("Peer %v: stream closed: %v", remote, err)
			}
			break
		}
		if len(b) != packet.Size {
			h.log.Debugf("Peer %v: dropping frame of %d bytes.", remote, len(b))
			instrument.PacketDropped("frame")
			r.ReleaseMsg(b)
			continue
		}
		raw := make([]byte, len(b))
		copy(raw, b)
		r.ReleaseMsg(b)

		ch := make(chan []byte, 1)
		results <- ch
		h.spawn(func() {
			ch <- h.onPacket(raw)
		})
	}
	close(results)
	<-writerDone
}

// onPacket processes one packet and returns the response frame, the
// serialized acknowledgement or an empty frame on failure.
func (h *Handler) onPacket(raw []byte) []byte {
	instrument.PacketReceived()

	pkt, err := packet.Parse(raw)
	if err != nil {
		instrument.PacketDropped("frame")
		return []byte{}
	}
	key := h.glue.IdentityKey()
	hop, err := pkt.ForwardTransform(key, h.glue.ReplayFilter())
	if err != nil {
		if errors.Is(err, packet.ErrReplayedChallenge) {
			instrument.PacketReplayed()
		} else {
			instrument.PacketDropped("transform")
		}
		h.log.Debugf("Dropping packet: %v", err)
		return []byte{}
	}

	if hop.IsTerminal() {
		h.deliver(pkt, hop)
	} else {
		h.forward(pkt, hop)
	}

	a, err := ack.Create(&pkt.OldChallenge, &hop.DerivedSecret, key)
	if err != nil {
		h.log.Errorf("Failed to create acknowledgement: %v", err)
		return []byte{}
	}
	b, _ := a.MarshalBinary()
	return b
}

func (h *Handler) deliver(pkt *packet.Packet, hop *packet.Hop) {
	msg, err := pkt.Message()
	if err != nil {
		instrument.PacketDropped("payload")
		h.log.Debugf("Dropping undecodable message: %v", err)
	} else {
		instrument.PacketDelivered()
		h.sink(msg)
	}

	if pkt.Transaction.IsZero() {
		return
	}
	key := packet.FinalPaymentKey(&hop.KeyHalf)
	if err := h.unlock(&pkt.Transaction, &key, hop.Previous); err != nil {
		h.log.Warningf("Failed to accept payment from %v: %v", hop.Previous, err)
	}
}

func (h *Handler) forward(pkt *packet.Packet, hop *packet.Hop) {
	next, err := hop.NextHop.PublicKey()
	if err != nil {
		instrument.PacketDropped("next_hop")
		h.log.Debugf("Invalid next hop: %v", err)
		return
	}

	rec := &pending.Record{
		OwnKeyHalf:   hop.KeyHalf,
		HashedPubKey: next.Digest(),
		Transaction:  pkt.Transaction,
	}
	if err := h.glue.Pending().Put(&hop.NextHashedKeyHalf, rec); err != nil {
		h.log.Errorf("Failed to store pending transaction: %v", err)
		return
	}

	pkt.Transaction = transaction.Encrypted{}
	tx, err := h.pay(next)
	if err != nil {
		h.log.Debugf("Not paying %v: %v", next, err)
	} else if tx != nil {
		if pkt.Transaction, err = tx.Encrypt(&hop.NextPaymentKey); err != nil {
			h.log.Errorf("Failed to encrypt payment: %v", err)
			pkt.Transaction = transaction.Encrypted{}
			tx = nil
		}
	}

	var sent func()
	if tx != nil {
		sent = h.commit(next, tx)
	}
	raw, _ := pkt.MarshalBinary()
	h.spawn(func() {
		ctx, cancel := context.WithTimeout(h.Context(), h.glue.Config().Debug.AckTimeoutDuration())
		defer cancel()

		a, err := h.exchange(ctx, hop.NextHop, raw, sent)
		if err != nil {
			instrument.AckFailed("exchange")
			h.log.Warningf("Forwarding to %v failed: %v", hop.NextHop, err)
			return
		}
		instrument.PacketForwarded()
		if err := h.handleAcknowledgement(a); err != nil {
			instrument.AckFailed("invalid")
			h.log.Warningf("Acknowledgement from %v: %v", hop.NextHop, err)
		}
	})
}

// pay issues the relay fee to peer.  It returns nil when there is no
// channel with peer or the fee is zero.  The payment is recorded by the
// callback returned by commit once it is sent.
func (h *Handler) pay(peer *identity.PublicKey) (*transaction.Transaction, error) {
	if h.fee.IsZero() {
		return nil, nil
	}
	tx, err := h.glue.Ledger().NewPayment(peer, h.fee)
	if errors.Is(err, channels.ErrNotFound) {
		return nil, nil
	}
	return tx, err
}

// commit returns the callback recording tx in the ledger.
func (h *Handler) commit(peer *identity.PublicKey, tx *transaction.Transaction) func() {
	return func() {
		if err := h.glue.Ledger().CommitPayment(peer, tx); err != nil {
			h.log.Warningf("Failed to record payment %d to %v: %v", tx.Index, peer, err)
		}
	}
}

// exchange sends raw to the peer id and returns its acknowledgement.
// sent, if not nil, is called once the packet is written.
func (h *Handler) exchange(ctx context.Context, id identity.PeerID, raw []byte, sent func()) (*ack.Acknowledgement, error) {
	b, err := h.roundTrip(ctx, id, ProtocolID, raw, ack.Size, sent)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrPacketRejected
	}
	return ack.Parse(b)
}

// roundTrip writes raw to a new stream speaking proto to the peer id, and
// returns the first response frame that is either empty or size bytes
// long.  Frames of other sizes are skipped.
func (h *Handler) roundTrip(ctx context.Context, id identity.PeerID, proto string, raw []byte, size int, sent func()) ([]byte, error) {
	net := h.glue.Network()
	info, err := net.FindPeer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find peer: %w", err)
	}
	s, err := net.Dial(ctx, info, proto)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := msgio.NewVarintWriter(s).WriteMsg(raw); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if sent != nil {
		sent()
	}
	r := msgio.NewVarintReaderSize(s, size)
	for {
		b, err := r.ReadMsg()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if len(b) == 0 || len(b) == size {
			resp := make([]byte, len(b))
			copy(resp, b)
			r.ReleaseMsg(b)
			return resp, nil
		}
		r.ReleaseMsg(b)
	}
}

// handleAcknowledgement releases the payment stored for the packet a
// acknowledges and records it in the ledger.
func (h *Handler) handleAcknowledgement(a *ack.Acknowledgement) error {
	self := h.glue.IdentityKey().PublicKey()
	challenger, err := a.ChallengeSigningParty()
	if err != nil || !challenger.Equal(self) {
		return ErrIdentityMismatch
	}

	hashedKey := a.HashedKey()
	store := h.glue.Pending()
	rec, err := store.Take(&hashedKey)
	if err != nil {
		return err
	}
	responder, err := a.ResponseSigningParty()
	if err != nil || responder.Digest() != rec.HashedPubKey {
		if perr := store.Put(&hashedKey, rec); perr != nil {
			h.log.Errorf("Failed to restore pending transaction: %v", perr)
		}
		return ErrIdentityMismatch
	}
	instrument.AckHandled()

	if rec.Transaction.IsZero() {
		return nil
	}
	key := packet.PaymentKey(&rec.OwnKeyHalf, &a.Key)
	return h.unlock(&rec.Transaction, &key, nil)
}

// unlock decrypts a received payment and stores it as the latest state
// of its channel.  If from is not nil the payment must be issued by it.
func (h *Handler) unlock(enc *transaction.Encrypted, key *[packet.KeyHalfSize]byte, from *identity.PublicKey) error {
	ledger := h.glue.Ledger()
	self := ledger.Self()
	tx, err := enc.Decrypt(key, self)
	if err != nil {
		return err
	}
	if from != nil && tx.Counterparty != from.PeerID() {
		return ErrIdentityMismatch
	}
	id, err := tx.ChannelID(self)
	if err != nil {
		return err
	}
	r, err := ledger.GetChannel(id)
	if err != nil {
		return err
	}
	received, err := ledger.EmbeddedMoney(tx, &r.CurrentValue)
	if err != nil {
		return err
	}
	if received.Sign() <= 0 {
		return fmt.Errorf("%w: %v on channel %v", ErrNonPositivePayment, received, id)
	}
	if err = ledger.SetChannel(&channels.Update{Tx: tx, CurrentValue: &tx.Value}, &id); err != nil {
		return err
	}
	h.log.Infof("Channel %v: received %v with transaction %d.", id, received, tx.Index)
	return nil
}

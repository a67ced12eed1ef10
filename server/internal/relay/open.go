// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/holiman/uint256"
	"github.com/libp2p/go-msgio"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/transaction"
	"github.com/katzenpost/porelay/server/internal/channels"
)

// OpenProtocolID is the stream protocol channels are opened over.
const OpenProtocolID = "/porelay/open/0.0.1"

// openRequestSize is the size of an open request, the opener's signed
// restore transaction followed by the deposit.
const openRequestSize = transaction.Size + 32

// ErrChannelRejected is the error returned when the peer refuses to open
// a channel.
var ErrChannelRejected = errors.New("relay: channel rejected by peer")

// openingValue returns party A's balance in the restore transaction of a
// channel funded entirely by opener.
func openingValue(opener, other *identity.PublicKey, funds *uint256.Int) *uint256.Int {
	if identity.IsPartyA(opener, other) {
		return new(uint256.Int).Set(funds)
	}
	return new(uint256.Int)
}

// OpenChannel opens a channel with peer funded by the local node with
// funds.  Each side ends up holding a restore transaction signed by the
// other.  When payments are enabled the deposit is made on the
// settlement ledger before the channel is recorded.
func (h *Handler) OpenChannel(ctx context.Context, peer *identity.PublicKey, funds *uint256.Int) (identity.ChannelID, error) {
	ledger := h.glue.Ledger()
	self := h.glue.IdentityKey()
	id := ledger.ChannelID(peer)
	if _, err := ledger.GetChannel(id); err == nil {
		return id, fmt.Errorf("%w: %v", channels.ErrChannelExists, id)
	}

	tx, err := transaction.New(rand.Reader, 1, openingValue(self.PublicKey(), peer, funds))
	if err != nil {
		return id, err
	}
	if err = tx.Sign(self, id); err != nil {
		return id, err
	}
	req := make([]byte, 0, openRequestSize)
	b, _ := tx.MarshalBinary()
	req = append(req, b...)
	deposit := funds.Bytes32()
	req = append(req, deposit[:]...)

	ctx, cancel := context.WithTimeout(ctx, h.glue.Config().Debug.AckTimeoutDuration())
	defer cancel()
	resp, err := h.roundTrip(ctx, peer.PeerID(), OpenProtocolID, req, transaction.Size, nil)
	if err != nil {
		return id, err
	}
	if len(resp) == 0 {
		return id, ErrChannelRejected
	}
	counter, err := transaction.Parse(resp)
	if err != nil {
		return id, err
	}
	if counter.Counterparty != peer.PeerID() {
		return id, ErrIdentityMismatch
	}
	if counter.Index != tx.Index || counter.Nonce != tx.Nonce || !counter.Value.Eq(&tx.Value) {
		return id, fmt.Errorf("%w: countersigned state differs", ErrChannelRejected)
	}

	if c := h.glue.Settlement(); c != nil {
		if _, err = c.Fund(ctx, peer, funds, counter); err != nil {
			return id, err
		}
	}
	if _, err = ledger.Open(counter, funds); err != nil {
		return id, err
	}
	h.subscribe(id)
	return id, nil
}

func (h *Handler) subscribe(id identity.ChannelID) {
	c := h.glue.Settlement()
	if c == nil {
		return
	}
	if _, err := c.Subscribe(h.Context(), id); err != nil {
		h.log.Warningf("%v", err)
	}
}

func (h *Handler) onOpenStream(remote identity.PeerID, s io.ReadWriteCloser) {
	defer s.Close()
	if !h.enter() {
		return
	}
	defer h.inflight.Done()
	stop := context.AfterFunc(h.Context(), func() { s.Close() })
	defer stop()

	r := msgio.NewVarintReaderSize(s, openRequestSize)
	b, err := r.ReadMsg()
	if err != nil {
		h.log.Debugf("Peer %v: open stream closed: %v", remote, err)
		return
	}
	req := make([]byte, len(b))
	copy(req, b)
	r.ReleaseMsg(b)

	resp, err := h.acceptOpen(remote, req)
	if err != nil {
		h.log.Warningf("Peer %v: refusing channel: %v", remote, err)
		resp = []byte{}
	}
	if err = msgio.NewVarintWriter(s).WriteMsg(resp); err != nil {
		h.log.Debugf("Peer %v: failed to write open response: %v", remote, err)
	}
}

// acceptOpen validates an open request from remote, records the channel
// and returns the countersigned restore transaction.
func (h *Handler) acceptOpen(remote identity.PeerID, req []byte) ([]byte, error) {
	if len(req) != openRequestSize {
		return nil, fmt.Errorf("open request of %d bytes", len(req))
	}
	tx, err := transaction.Parse(req[:transaction.Size])
	if err != nil {
		return nil, err
	}
	funds := new(uint256.Int).SetBytes32(req[transaction.Size:])
	if tx.Counterparty != remote {
		return nil, ErrIdentityMismatch
	}
	opener, err := remote.PublicKey()
	if err != nil {
		return nil, err
	}
	self := h.glue.IdentityKey()
	if tx.Index != 1 || !tx.Value.Eq(openingValue(opener, self.PublicKey(), funds)) {
		return nil, fmt.Errorf("unexpected opening state %d/%v for deposit %v", tx.Index, &tx.Value, funds)
	}

	id, err := h.glue.Ledger().Open(tx, funds)
	if err != nil {
		return nil, err
	}
	counter := *tx
	if err = counter.Sign(self, id); err != nil {
		return nil, err
	}
	h.subscribe(id)
	return counter.MarshalBinary()
}

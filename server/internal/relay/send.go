// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"errors"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/packet"
)

// Send originates a packet carrying msg over route, paying the first hop
// if a channel with it exists, and waits for the first hop's
// acknowledgement.
func (h *Handler) Send(ctx context.Context, route []*identity.PublicKey, msg *packet.Message) error {
	key := h.glue.IdentityKey()
	pkt, secrets, err := packet.New(route, msg, key)
	if err != nil {
		return err
	}

	first := route[0]
	var sent func()
	tx, err := h.pay(first)
	if err != nil {
		h.log.Debugf("Not paying %v: %v", first, err)
	} else if tx != nil {
		if pkt.Transaction, err = tx.Encrypt(&secrets.PaymentKey); err != nil {
			return err
		}
		sent = h.commit(first, tx)
	}
	raw, _ := pkt.MarshalBinary()

	ctx, cancel := context.WithTimeout(ctx, h.glue.Config().Debug.AckTimeoutDuration())
	defer cancel()
	a, err := h.exchange(ctx, secrets.FirstHop, raw, sent)
	if err != nil {
		return err
	}

	if a.HashedKey() != secrets.HashedKeyHalf {
		return errors.New("relay: acknowledgement for another packet")
	}
	challenger, err := a.ChallengeSigningParty()
	if err != nil || !challenger.Equal(key.PublicKey()) {
		return ErrIdentityMismatch
	}
	responder, err := a.ResponseSigningParty()
	if err != nil || !responder.Equal(first) {
		return ErrIdentityMismatch
	}
	h.log.Debugf("Packet acknowledged by %v.", first)
	return nil
}

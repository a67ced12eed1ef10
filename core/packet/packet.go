// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the proof-of-relay packet format: a Sphinx
// style onion header over secp256k1, the per-hop challenge, the attached
// payment and the layered message payload.
package packet

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/transaction"
)

const (
	// ChallengeSize is the size of a challenge.
	ChallengeSize = identity.SignatureSize

	// Size is the size of a serialized Packet.
	Size = HeaderSize + ChallengeSize + transaction.Size + PayloadSize

	headerOff      = 0
	challengeOff   = headerOff + HeaderSize
	transactionOff = challengeOff + ChallengeSize
	payloadOff     = transactionOff + transaction.Size
)

var (
	// ErrMalformedFrame is the error returned when a frame is not exactly
	// Size bytes long.
	ErrMalformedFrame = errors.New("packet: malformed frame")

	// ErrMalformedHeader is the error returned when a header fails its
	// integrity check or carries an invalid challenge.
	ErrMalformedHeader = errors.New("packet: malformed header")

	// ErrReplayedChallenge is the error returned when a packet's challenge
	// has already been processed.
	ErrReplayedChallenge = errors.New("packet: replayed challenge")

	// ErrInvalidRoute is the error returned when a route is empty or too
	// long.
	ErrInvalidRoute = errors.New("packet: invalid route")
)

// ReplayFilter remembers the challenges a node has processed.
type ReplayFilter interface {
	// IsReplay marks tag as seen, and returns true iff it had been seen
	// before.
	IsReplay(tag []byte) bool
}

// Packet is the unit relayed between nodes.
type Packet struct {
	Header      Header
	Challenge   identity.Signature
	Transaction transaction.Encrypted
	Payload     [PayloadSize]byte

	// OldChallenge is the challenge as received, before ForwardTransform
	// replaced it.  It is never serialized.
	OldChallenge identity.Signature
}

// Secrets is what the originator of a packet needs to pay the first hop
// and to check its acknowledgement.
type Secrets struct {
	// HashedKeyHalf is the first hop's key half commitment.
	HashedKeyHalf [KeyHalfSize]byte

	// PaymentKey is the key the first hop's payment is encrypted under.
	PaymentKey [KeyHalfSize]byte

	// FirstHop is the identity the packet must be sent to.
	FirstHop identity.PeerID
}

// Hop is the outcome of ForwardTransform.
type Hop struct {
	*Transformed

	// Previous is the node that sent the packet, recovered from the
	// challenge.
	Previous *identity.PublicKey
}

// New creates a packet carrying msg over route, challenged by sender.
func New(route []*identity.PublicKey, msg *Message, sender *identity.PrivateKey) (*Packet, *Secrets, error) {
	if len(route) == 0 || len(route) > MaxHops {
		return nil, nil, ErrInvalidRoute
	}
	for _, pub := range route {
		if pub == nil {
			return nil, nil, ErrInvalidRoute
		}
	}

	hops, err := deriveHops(rand.Reader, route)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		for _, h := range hops {
			h.keys.reset()
		}
	}()

	pkt := new(Packet)
	hdr, err := createHeader(rand.Reader, hops)
	if err != nil {
		return nil, nil, err
	}
	pkt.Header = *hdr

	if err := msg.encode(pkt.Payload[:]); err != nil {
		return nil, nil, err
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hops[i].keys.payloadStream().XORKeyStream(pkt.Payload[:], pkt.Payload[:])
	}

	first := hops[0]
	if pkt.Challenge, err = sender.Sign(first.hashedKeyHalf[:]); err != nil {
		return nil, nil, err
	}
	return pkt, &Secrets{
		HashedKeyHalf: first.hashedKeyHalf,
		PaymentKey:    first.paymentKey,
		FirstHop:      first.peer,
	}, nil
}

// ForwardTransform processes the packet as the node holding key.  On
// success one layer of the payload has been removed, OldChallenge holds
// the challenge as received, and unless the node is the final recipient
// the header and challenge are replaced by the ones for the next hop.
func (p *Packet) ForwardTransform(key *identity.PrivateKey, filter ReplayFilter) (*Hop, error) {
	t, err := p.Header.Transform(key)
	if err != nil {
		return nil, err
	}

	prev, err := identity.RecoverPublicKey(&p.Challenge, t.HashedKeyHalf[:])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid challenge: %v", ErrMalformedHeader, err)
	}
	if filter.IsReplay(t.HashedKeyHalf[:]) {
		return nil, ErrReplayedChallenge
	}

	t.keys.payloadStream().XORKeyStream(p.Payload[:], p.Payload[:])
	p.OldChallenge = p.Challenge
	if !t.IsTerminal() {
		p.Header = *t.Next
		if p.Challenge, err = key.Sign(t.NextHashedKeyHalf[:]); err != nil {
			return nil, err
		}
	}
	return &Hop{Transformed: t, Previous: prev}, nil
}

// Message decodes the plaintext message of a packet that was transformed
// by its final recipient.
func (p *Packet) Message() (*Message, error) {
	return decodeMessage(p.Payload[:])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Packet) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, Size)
	b = append(b, p.Header.Bytes()...)
	b = append(b, p.Challenge[:]...)
	b = append(b, p.Transaction[:]...)
	b = append(b, p.Payload[:]...)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return ErrMalformedFrame
	}
	copy(p.Header.Alpha[:], b[headerOff:])
	copy(p.Header.Beta[:], b[headerOff+AlphaSize:])
	copy(p.Header.Gamma[:], b[headerOff+AlphaSize+RoutingInfoSize:challengeOff])
	copy(p.Challenge[:], b[challengeOff:transactionOff])
	copy(p.Transaction[:], b[transactionOff:payloadOff])
	copy(p.Payload[:], b[payloadOff:])
	p.OldChallenge = identity.Signature{}
	return nil
}

// Parse deserializes a packet.
func Parse(b []byte) (*Packet, error) {
	p := new(Packet)
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

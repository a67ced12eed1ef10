// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/porelay/core/identity"
)

const (
	// MaxHops is the maximum number of hops a packet can traverse.
	MaxHops = 3

	// AlphaSize is the size of the header's group element.
	AlphaSize = identity.PublicKeySize

	// MACSize is the size of the header MAC.
	MACSize = blake2b.Size256

	// PerHopSize is the size of the routing block of a single hop:
	// next hop, next MAC, next hashed key half, next payment key.
	PerHopSize = identity.PublicKeySize + MACSize + KeyHalfSize + KeyHalfSize

	// RoutingInfoSize is the size of the encrypted routing information.
	RoutingInfoSize = MaxHops * PerHopSize

	// HeaderSize is the size of a serialized Header.
	HeaderSize = AlphaSize + RoutingInfoSize + MACSize

	nextHopOff       = 0
	nextMACOff       = nextHopOff + identity.PublicKeySize
	nextHashedOff    = nextMACOff + MACSize
	nextPaymentOff   = nextHashedOff + KeyHalfSize
	perHopPaddingOff = nextPaymentOff + KeyHalfSize
)

// Header is the onion routed header of a packet.
type Header struct {
	Alpha [AlphaSize]byte
	Beta  [RoutingInfoSize]byte
	Gamma [MACSize]byte
}

// Transformed is the result of a hop peeling one layer off a Header.
type Transformed struct {
	// DerivedSecret is the secret shared between the hop and the packet's
	// originator.
	DerivedSecret [SecretSize]byte

	// KeyHalf is the hop's own key half, and HashedKeyHalf its commitment.
	KeyHalf       [KeyHalfSize]byte
	HashedKeyHalf [KeyHalfSize]byte

	// NextHop is the next hop's identity, all zero for the final
	// recipient.
	NextHop           identity.PeerID
	NextHashedKeyHalf [KeyHalfSize]byte
	NextPaymentKey    [KeyHalfSize]byte

	// Next is the header to forward, nil for the final recipient.
	Next *Header

	keys *hopKeys
}

// IsTerminal returns true iff the hop is the final recipient.
func (t *Transformed) IsTerminal() bool {
	return t.NextHop.IsZero()
}

// Bytes returns the serialized header.
func (h *Header) Bytes() []byte {
	b := make([]byte, 0, HeaderSize)
	b = append(b, h.Alpha[:]...)
	b = append(b, h.Beta[:]...)
	b = append(b, h.Gamma[:]...)
	return b
}

// Transform applies key to the header, verifying the MAC and decrypting
// this hop's routing block.  It is a pure function of the header and
// the key, and is safe to retry.
func (h *Header) Transform(key *identity.PrivateKey) (*Transformed, error) {
	alpha, err := btcec.ParsePubKey(h.Alpha[:])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid group element: %v", ErrMalformedHeader, err)
	}
	shared, err := scalarMult(&key.Key().Key, alpha)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	t := &Transformed{DerivedSecret: deriveSecret(shared)}
	keys := deriveKeys(&t.DerivedSecret)

	mac := keys.mac(h.Alpha[:], h.Beta[:])
	if subtle.ConstantTimeCompare(h.Gamma[:], mac) != 1 {
		keys.reset()
		return nil, fmt.Errorf("%w: MAC mismatch", ErrMalformedHeader)
	}
	t.keys = keys
	t.KeyHalf = keys.keyHalf
	t.HashedKeyHalf = HashKeyHalf(&t.KeyHalf)

	// Append padding to preserve length invariance, decrypt the (padded)
	// routing info, and extract the section for the current hop.
	var b [RoutingInfoSize + PerHopSize]byte
	copy(b[:RoutingInfoSize], h.Beta[:])
	keys.headerStream().XORKeyStream(b[:], b[:])

	block := b[:PerHopSize]
	copy(t.NextHop[:], block[nextHopOff:nextMACOff])
	copy(t.NextHashedKeyHalf[:], block[nextHashedOff:nextPaymentOff])
	copy(t.NextPaymentKey[:], block[nextPaymentOff:perHopPaddingOff])
	if t.IsTerminal() {
		return t, nil
	}

	blinded, err := scalarMult(&keys.blinding, alpha)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	next := new(Header)
	copy(next.Alpha[:], blinded.SerializeCompressed())
	copy(next.Beta[:], b[PerHopSize:])
	copy(next.Gamma[:], block[nextMACOff:nextHashedOff])
	t.Next = next
	return t, nil
}

// hop is the originator's view of one hop of a route.
type hop struct {
	peer          identity.PeerID
	alpha         [AlphaSize]byte
	secret        [SecretSize]byte
	keys          *hopKeys
	hashedKeyHalf [KeyHalfSize]byte
	paymentKey    [KeyHalfSize]byte
}

// deriveHops computes the per-hop secrets of a route from a fresh
// ephemeral key.
func deriveHops(rand io.Reader, route []*identity.PublicKey) ([]*hop, error) {
	var raw [32]byte
	var e btcec.ModNScalar
	for {
		if _, err := io.ReadFull(rand, raw[:]); err != nil {
			return nil, err
		}
		if overflow := e.SetBytes(&raw); overflow == 0 && !e.IsZero() {
			break
		}
	}
	clear(raw[:])
	defer e.Zero()

	hops := make([]*hop, len(route))
	for i, pub := range route {
		alpha, err := scalarBaseMult(&e)
		if err != nil {
			return nil, err
		}
		shared, err := scalarMult(&e, pub.Key())
		if err != nil {
			return nil, err
		}
		h := &hop{
			peer:   pub.PeerID(),
			secret: deriveSecret(shared),
		}
		copy(h.alpha[:], alpha.SerializeCompressed())
		h.keys = deriveKeys(&h.secret)
		h.hashedKeyHalf = HashKeyHalf(&h.keys.keyHalf)
		hops[i] = h

		e.Mul(&h.keys.blinding)
	}

	// Each relay's payment is unlocked by combining its own key half with
	// the one released by the following hop.
	for i, h := range hops {
		if i == len(hops)-1 {
			h.paymentKey = FinalPaymentKey(&h.keys.keyHalf)
		} else {
			h.paymentKey = PaymentKey(&h.keys.keyHalf, &hops[i+1].keys.keyHalf)
		}
	}
	return hops, nil
}

// createHeader builds the header addressed to the first hop.
func createHeader(rand io.Reader, hops []*hop) (*Header, error) {
	nrHops := len(hops)

	// Derive the routing info keystream and encrypted padding for each
	// hop.
	riKeyStream := make([][]byte, nrHops)
	riPadding := make([][]byte, nrHops)
	for i, h := range hops {
		keyStream := make([]byte, RoutingInfoSize+PerHopSize)
		h.keys.headerStream().XORKeyStream(keyStream, keyStream)

		ksLen := len(keyStream) - (i+1)*PerHopSize
		riKeyStream[i] = keyStream[:ksLen]
		riPadding[i] = keyStream[ksLen:]
		if i > 0 {
			prevPadLen := len(riPadding[i-1])
			xorBytes(riPadding[i][:prevPadLen], riPadding[i][:prevPadLen], riPadding[i-1])
		}
	}

	var routingInfo, mac []byte
	if skippedHops := MaxHops - nrHops; skippedHops > 0 {
		routingInfo = make([]byte, skippedHops*PerHopSize)
		if _, err := io.ReadFull(rand, routingInfo); err != nil {
			return nil, err
		}
	}
	for i := nrHops - 1; i >= 0; i-- {
		block := make([]byte, PerHopSize)
		if i != nrHops-1 {
			next := hops[i+1]
			copy(block[nextHopOff:], next.peer[:])
			copy(block[nextMACOff:], mac)
			copy(block[nextHashedOff:], next.hashedKeyHalf[:])
			copy(block[nextPaymentOff:], next.paymentKey[:])
		}

		routingInfo = append(block, routingInfo...)
		xorBytes(routingInfo, routingInfo, riKeyStream[i])

		beta := routingInfo
		if i > 0 {
			beta = append(append([]byte{}, routingInfo...), riPadding[i-1]...)
		}
		mac = hops[i].keys.mac(hops[i].alpha[:], beta)
	}

	h := new(Header)
	h.Alpha = hops[0].alpha
	copy(h.Beta[:], routingInfo)
	copy(h.Gamma[:], mac)
	return h, nil
}

// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ack implements the acknowledgement a relay returns to the
// previous hop once it has transformed a packet.  The acknowledgement
// releases the relay's key half, which the previous hop combines with
// its own to unlock its payment.
package ack

import (
	"crypto/sha256"
	"errors"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/packet"
)

const (
	keyOff       = 0
	challengeOff = keyOff + packet.KeyHalfSize
	responseOff  = challengeOff + packet.ChallengeSize

	// Size is the size of a serialized Acknowledgement.
	Size = responseOff + identity.SignatureSize
)

var errInvalidLength = errors.New("ack: invalid length")

// Acknowledgement is a relay's receipt for a transformed packet.
type Acknowledgement struct {
	// Key is the relay's key half.
	Key [packet.KeyHalfSize]byte

	// Challenge is the challenge the relay received with the packet.
	Challenge identity.Signature

	// Response is the relay's signature over the challenge and key.
	Response identity.Signature
}

func responseHash(challenge *identity.Signature, key *[packet.KeyHalfSize]byte) []byte {
	h := sha256.New()
	h.Write(challenge[:])
	h.Write(key[:])
	return h.Sum(nil)
}

// Create creates the acknowledgement for a packet that arrived with
// challenge, and that the node holding priv transformed into secret.
func Create(challenge *identity.Signature, secret *[packet.SecretSize]byte, priv *identity.PrivateKey) (*Acknowledgement, error) {
	a := &Acknowledgement{
		Key:       packet.KeyHalf(secret),
		Challenge: *challenge,
	}
	var err error
	if a.Response, err = priv.Sign(responseHash(&a.Challenge, &a.Key)); err != nil {
		return nil, err
	}
	return a, nil
}

// HashedKey returns the commitment to the released key half, which is
// what the receiver's pending record is stored under.
func (a *Acknowledgement) HashedKey() [packet.KeyHalfSize]byte {
	return packet.HashKeyHalf(&a.Key)
}

// ChallengeSigningParty recovers the node that issued the challenge,
// which must be the receiver of the acknowledgement.
func (a *Acknowledgement) ChallengeSigningParty() (*identity.PublicKey, error) {
	h := a.HashedKey()
	return identity.RecoverPublicKey(&a.Challenge, h[:])
}

// ResponseSigningParty recovers the relay that produced the
// acknowledgement.
func (a *Acknowledgement) ResponseSigningParty() (*identity.PublicKey, error) {
	return identity.RecoverPublicKey(&a.Response, responseHash(&a.Challenge, &a.Key))
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a *Acknowledgement) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, Size)
	b = append(b, a.Key[:]...)
	b = append(b, a.Challenge[:]...)
	b = append(b, a.Response[:]...)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *Acknowledgement) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return errInvalidLength
	}
	copy(a.Key[:], b[keyOff:challengeOff])
	copy(a.Challenge[:], b[challengeOff:responseOff])
	copy(a.Response[:], b[responseOff:])
	return nil
}

// Parse deserializes an acknowledgement.
func Parse(b []byte) (*Acknowledgement, error) {
	a := new(Acknowledgement)
	if err := a.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return a, nil
}

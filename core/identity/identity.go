// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity provides the secp256k1 node identities used to address
// relays, sign challenges and transactions, and derive payment channel
// identifiers.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// PublicKeySize is the size of a compressed public key, which doubles
	// as the node's peer identifier.
	PublicKeySize = 33

	// PrivateKeySize is the size of a serialized private key.
	PrivateKeySize = 32

	// SignatureSize is the size of a recoverable signature (r || s || v).
	SignatureSize = 65

	// DigestSize is the size of a public key digest.
	DigestSize = sha256.Size

	// ChannelIDSize is the size of a payment channel identifier.
	ChannelIDSize = 32

	// compactHeader is the offset btcec adds to the recovery code of a
	// compact signature over a compressed key.
	compactHeader = 27 + 4
)

var (
	// ErrInvalidSignature is the error returned when a signature is
	// malformed or does not recover to a public key.
	ErrInvalidSignature = errors.New("identity: invalid signature")

	// ErrInvalidPublicKey is the error returned when a public key fails
	// to parse.
	ErrInvalidPublicKey = errors.New("identity: invalid public key")
)

// PeerID identifies a node on the network.  It is the compressed form of
// the node's public key.
type PeerID [PublicKeySize]byte

// String returns the hex representation of the peer identifier.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true iff the identifier is all zero.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// PublicKey returns the parsed public key for the identifier.
func (id PeerID) PublicKey() (*PublicKey, error) {
	return ParsePublicKey(id[:])
}

// ChannelID identifies a payment channel between two parties.
type ChannelID [ChannelIDSize]byte

// String returns the hex representation of the channel identifier.
func (id ChannelID) String() string {
	return hex.EncodeToString(id[:])
}

// Signature is a recoverable secp256k1 signature, r || s || v with v in
// {0, 1}.
type Signature [SignatureSize]byte

// R returns the r component.
func (s *Signature) R() [32]byte {
	var r [32]byte
	copy(r[:], s[0:32])
	return r
}

// S returns the s component.
func (s *Signature) S() [32]byte {
	var v [32]byte
	copy(v[:], s[32:64])
	return v
}

// V returns the recovery identifier.
func (s *Signature) V() byte {
	return s[64]
}

// IsZero returns true iff the signature is all zero.
func (s *Signature) IsZero() bool {
	return *s == Signature{}
}

// PublicKey is a node's public key.
type PublicKey struct {
	k   *btcec.PublicKey
	raw [PublicKeySize]byte
}

// ParsePublicKey parses a compressed or uncompressed secp256k1 public key.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	k, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return NewPublicKey(k), nil
}

// NewPublicKey wraps a btcec public key.
func NewPublicKey(k *btcec.PublicKey) *PublicKey {
	pk := &PublicKey{k: k}
	copy(pk.raw[:], k.SerializeCompressed())
	return pk
}

// Bytes returns the compressed public key.
func (k *PublicKey) Bytes() []byte {
	return append([]byte{}, k.raw[:]...)
}

// PeerID returns the peer identifier of the key.
func (k *PublicKey) PeerID() PeerID {
	return PeerID(k.raw)
}

// Key returns the underlying btcec public key.
func (k *PublicKey) Key() *btcec.PublicKey {
	return k.k
}

// Digest returns the SHA-256 digest of the compressed public key.
func (k *PublicKey) Digest() [DigestSize]byte {
	return sha256.Sum256(k.raw[:])
}

// Address returns the settlement ledger address of the key.
func (k *PublicKey) Address() common.Address {
	return crypto.PubkeyToAddress(*k.k.ToECDSA())
}

// Equal returns true iff both keys are the same.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.raw == other.raw
}

// String returns the hex representation of the compressed key.
func (k *PublicKey) String() string {
	return hex.EncodeToString(k.raw[:])
}

// PrivateKey is a node's private key.
type PrivateKey struct {
	k   *btcec.PrivateKey
	pub *PublicKey
}

// NewPrivateKey generates a new private key.
func NewPrivateKey() (*PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newPrivateKey(k), nil
}

// PrivateKeyFromBytes deserializes a private key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("identity: invalid private key length %d", len(b))
	}
	k, _ := btcec.PrivKeyFromBytes(b)
	if k.Key.IsZero() {
		return nil, errors.New("identity: private key is zero")
	}
	return newPrivateKey(k), nil
}

func newPrivateKey(k *btcec.PrivateKey) *PrivateKey {
	return &PrivateKey{
		k:   k,
		pub: NewPublicKey(k.PubKey()),
	}
}

// PublicKey returns the public component of the key.
func (k *PrivateKey) PublicKey() *PublicKey {
	return k.pub
}

// Key returns the underlying btcec private key.
func (k *PrivateKey) Key() *btcec.PrivateKey {
	return k.k
}

// Bytes returns the serialized private key.
func (k *PrivateKey) Bytes() []byte {
	return k.k.Serialize()
}

// Reset clears the key material.
func (k *PrivateKey) Reset() {
	k.k.Zero()
}

// Sign produces a recoverable signature over a 32 byte hash.
func (k *PrivateKey) Sign(hash []byte) (Signature, error) {
	var sig Signature
	if len(hash) != 32 {
		return sig, fmt.Errorf("identity: invalid hash length %d", len(hash))
	}
	compact := ecdsa.SignCompact(k.k, hash, true)
	copy(sig[0:64], compact[1:65])
	sig[64] = compact[0] - compactHeader
	return sig, nil
}

// RecoverPublicKey recovers the public key that produced sig over hash.
func RecoverPublicKey(sig *Signature, hash []byte) (*PublicKey, error) {
	if len(hash) != 32 || sig.V() > 1 {
		return nil, ErrInvalidSignature
	}
	var compact [SignatureSize]byte
	compact[0] = sig.V() + compactHeader
	copy(compact[1:], sig[0:64])
	k, _, err := ecdsa.RecoverCompact(compact[:], hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return NewPublicKey(k), nil
}

// IsPartyA returns true iff self sorts before other in the canonical
// channel party ordering.
func IsPartyA(self, other *PublicKey) bool {
	a, b := self.Address(), other.Address()
	return bytes.Compare(a[:], b[:]) < 0
}

// DeriveChannelID returns the identifier of the channel between a and b.
// The result does not depend on argument order.
func DeriveChannelID(a, b *PublicKey) ChannelID {
	if !IsPartyA(a, b) {
		a, b = b, a
	}
	addrA, addrB := a.Address(), b.Address()
	return ChannelID(crypto.Keccak256Hash(addrA[:], addrB[:]))
}

// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// SecretSize is the size of a hop's derived secret.
	SecretSize = sha256.Size

	// KeyHalfSize is the size of a key half, its hash, and of a payment
	// key.
	KeyHalfSize = sha256.Size

	kdfHeader   = "porelay-v0-header-encryption"
	kdfMAC      = "porelay-v0-header-mac"
	kdfPayload  = "porelay-v0-payload-encryption"
	kdfBlinding = "porelay-v0-blinding-factor"
	kdfKeyHalf  = "porelay-v0-key-half"
)

var errPointAtInfinity = errors.New("packet: point at infinity")

// hopKeys is the key material derived from a hop's shared secret.
type hopKeys struct {
	headerKey   [chacha20.KeySize]byte
	headerNonce [chacha20.NonceSize]byte
	macKey      [blake2b.Size256]byte
	payloadKey  [chacha20.KeySize]byte
	payloadIV   [chacha20.NonceSize]byte
	blinding    btcec.ModNScalar
	keyHalf     [KeyHalfSize]byte
}

func (k *hopKeys) reset() {
	clear(k.headerKey[:])
	clear(k.headerNonce[:])
	clear(k.macKey[:])
	clear(k.payloadKey[:])
	clear(k.payloadIV[:])
	clear(k.keyHalf[:])
	k.blinding.Zero()
}

func expand(secret *[SecretSize]byte, label string, out ...[]byte) {
	r := hkdf.New(sha256.New, secret[:], nil, []byte(label))
	for _, b := range out {
		if _, err := io.ReadFull(r, b); err != nil {
			// HKDF-SHA256 can produce far more output than is ever
			// requested here.
			panic("packet: BUG: hkdf: " + err.Error())
		}
	}
}

func deriveKeys(secret *[SecretSize]byte) *hopKeys {
	k := new(hopKeys)
	expand(secret, kdfHeader, k.headerKey[:], k.headerNonce[:])
	expand(secret, kdfMAC, k.macKey[:])
	expand(secret, kdfPayload, k.payloadKey[:], k.payloadIV[:])
	var b [32]byte
	expand(secret, kdfBlinding, b[:])
	k.blinding.SetBytes(&b)
	expand(secret, kdfKeyHalf, k.keyHalf[:])
	return k
}

func (k *hopKeys) headerStream() *chacha20.Cipher {
	s, err := chacha20.NewUnauthenticatedCipher(k.headerKey[:], k.headerNonce[:])
	if err != nil {
		panic("packet: BUG: chacha20: " + err.Error())
	}
	return s
}

func (k *hopKeys) payloadStream() *chacha20.Cipher {
	s, err := chacha20.NewUnauthenticatedCipher(k.payloadKey[:], k.payloadIV[:])
	if err != nil {
		panic("packet: BUG: chacha20: " + err.Error())
	}
	return s
}

func (k *hopKeys) mac(alpha, beta []byte) []byte {
	m, err := blake2b.New256(k.macKey[:])
	if err != nil {
		panic("packet: BUG: blake2b: " + err.Error())
	}
	m.Write(alpha)
	m.Write(beta)
	return m.Sum(nil)
}

// deriveSecret returns the hop secret for a shared curve point.
func deriveSecret(shared *btcec.PublicKey) [SecretSize]byte {
	return sha256.Sum256(shared.SerializeCompressed())
}

// scalarMult returns k * p.
func scalarMult(k *btcec.ModNScalar, p *btcec.PublicKey) (*btcec.PublicKey, error) {
	var point, result btcec.JacobianPoint
	p.AsJacobian(&point)
	btcec.ScalarMultNonConst(k, &point, &result)
	if (result.X.IsZero() && result.Y.IsZero()) || result.Z.IsZero() {
		return nil, errPointAtInfinity
	}
	result.ToAffine()
	return btcec.NewPublicKey(&result.X, &result.Y), nil
}

// scalarBaseMult returns k * G.
func scalarBaseMult(k *btcec.ModNScalar) (*btcec.PublicKey, error) {
	var result btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k, &result)
	if (result.X.IsZero() && result.Y.IsZero()) || result.Z.IsZero() {
		return nil, errPointAtInfinity
	}
	result.ToAffine()
	return btcec.NewPublicKey(&result.X, &result.Y), nil
}

// KeyHalf returns the key half a hop releases in its acknowledgement.
func KeyHalf(secret *[SecretSize]byte) [KeyHalfSize]byte {
	var h [KeyHalfSize]byte
	expand(secret, kdfKeyHalf, h[:])
	return h
}

// HashKeyHalf returns the commitment to a key half.
func HashKeyHalf(half *[KeyHalfSize]byte) [KeyHalfSize]byte {
	return sha256.Sum256(half[:])
}

// PaymentKey combines a relay's own key half with the key half released
// by the next hop into the key that unlocks the relay's payment.
func PaymentKey(own, released *[KeyHalfSize]byte) [KeyHalfSize]byte {
	var x [KeyHalfSize]byte
	xorBytes(x[:], own[:], released[:])
	return sha256.Sum256(x[:])
}

// FinalPaymentKey returns the key that unlocks the payment of the final
// recipient, which has no next hop to wait for.
func FinalPaymentKey(own *[KeyHalfSize]byte) [KeyHalfSize]byte {
	return sha256.Sum256(own[:])
}

func xorBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(a) != len(dst) {
		panic("packet: BUG: xorBytes called with mismatched buffer sizes")
	}
	for i, v := range a {
		dst[i] = v ^ b[i]
	}
}

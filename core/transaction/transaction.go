// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transaction implements the signed, fixed-size payment channel
// state updates exchanged between relays.
package transaction

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/porelay/core/identity"
)

const (
	// SignatureSize is the size of the r || s signature components.
	SignatureSize = 64

	// NonceSize is the size of the per-transaction nonce.
	NonceSize = 16

	// ValueSize is the fixed width of a channel balance.
	ValueSize = 32

	// KeySize is the size of a transaction encryption key.
	KeySize = 32

	signatureOffset    = 0
	recoveryOffset     = signatureOffset + SignatureSize
	nonceOffset        = recoveryOffset + 1
	indexOffset        = nonceOffset + NonceSize
	valueOffset        = indexOffset + 8
	counterpartyOffset = valueOffset + ValueSize

	// Size is the size of a serialized Transaction.
	Size = counterpartyOffset + identity.PublicKeySize

	kdfInfo = "porelay-transaction-encryption-v0"
)

var (
	// ErrDecryptionFailed is the error returned when an encrypted
	// transaction does not decrypt to a transaction signed by its
	// counterparty, usually because the wrong key was supplied.
	ErrDecryptionFailed = errors.New("transaction: decryption failed")

	// ErrInvalidSignature is the error returned when a transaction's
	// signature does not recover to its counterparty.
	ErrInvalidSignature = errors.New("transaction: invalid signature")

	errInvalidLength = errors.New("transaction: invalid length")
)

// Transaction is a signed payment channel state update.  Value is the
// absolute balance of the channel's party A.  Counterparty is the party
// that issued and signed the update.
type Transaction struct {
	Signature    [SignatureSize]byte
	Recovery     byte
	Nonce        [NonceSize]byte
	Index        uint64
	Value        uint256.Int
	Counterparty identity.PeerID
}

// New creates an unsigned transaction with a fresh random nonce.
func New(rand io.Reader, index uint64, value *uint256.Int) (*Transaction, error) {
	tx := &Transaction{Index: index}
	if _, err := io.ReadFull(rand, tx.Nonce[:]); err != nil {
		return nil, err
	}
	if value != nil {
		tx.Value.Set(value)
	}
	return tx, nil
}

// ValueBig returns the value as a big.Int.
func (tx *Transaction) ValueBig() *big.Int {
	return tx.Value.ToBig()
}

// Hash returns the digest the counterparty signs for channel id.
func (tx *Transaction) Hash(id identity.ChannelID) []byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], tx.Index)
	value := tx.Value.Bytes32()
	return crypto.Keccak256(id[:], tx.Nonce[:], idx[:], value[:])
}

// Sign signs the transaction for channel id with key, and records the
// signer as the counterparty.
func (tx *Transaction) Sign(key *identity.PrivateKey, id identity.ChannelID) error {
	sig, err := key.Sign(tx.Hash(id))
	if err != nil {
		return err
	}
	copy(tx.Signature[:], sig[:SignatureSize])
	tx.Recovery = sig.V()
	tx.Counterparty = key.PublicKey().PeerID()
	return nil
}

// Signer recovers the public key that signed the transaction for
// channel id.
func (tx *Transaction) Signer(id identity.ChannelID) (*identity.PublicKey, error) {
	var sig identity.Signature
	copy(sig[:], tx.Signature[:])
	sig[SignatureSize] = tx.Recovery
	return identity.RecoverPublicKey(&sig, tx.Hash(id))
}

// Verify checks that the transaction was signed by its counterparty for
// channel id.
func (tx *Transaction) Verify(id identity.ChannelID) error {
	signer, err := tx.Signer(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer.PeerID() != tx.Counterparty {
		return ErrInvalidSignature
	}
	return nil
}

// ChannelID returns the identifier of the channel between self and the
// transaction's counterparty.
func (tx *Transaction) ChannelID(self *identity.PublicKey) (identity.ChannelID, error) {
	other, err := tx.Counterparty.PublicKey()
	if err != nil {
		return identity.ChannelID{}, err
	}
	return identity.DeriveChannelID(self, other), nil
}

// IsZero returns true iff tx is the zero transaction.
func (tx *Transaction) IsZero() bool {
	return *tx == Transaction{}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	b := make([]byte, Size)
	tx.put(b)
	return b, nil
}

func (tx *Transaction) put(b []byte) {
	copy(b[signatureOffset:], tx.Signature[:])
	b[recoveryOffset] = tx.Recovery
	copy(b[nonceOffset:], tx.Nonce[:])
	binary.BigEndian.PutUint64(b[indexOffset:], tx.Index)
	value := tx.Value.Bytes32()
	copy(b[valueOffset:], value[:])
	copy(b[counterpartyOffset:], tx.Counterparty[:])
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (tx *Transaction) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return errInvalidLength
	}
	copy(tx.Signature[:], b[signatureOffset:recoveryOffset])
	tx.Recovery = b[recoveryOffset]
	copy(tx.Nonce[:], b[nonceOffset:indexOffset])
	tx.Index = binary.BigEndian.Uint64(b[indexOffset:valueOffset])
	tx.Value.SetBytes32(b[valueOffset:counterpartyOffset])
	copy(tx.Counterparty[:], b[counterpartyOffset:])
	return nil
}

// Parse deserializes a transaction.
func Parse(b []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return tx, nil
}

// Encrypted is a transaction encrypted under a key derived from two key
// halves.  The zero value carries no payment.
type Encrypted [Size]byte

// IsZero returns true iff no payment is attached.
func (e *Encrypted) IsZero() bool {
	return *e == Encrypted{}
}

// Encrypt encrypts the transaction under key.
func (tx *Transaction) Encrypt(key *[KeySize]byte) (Encrypted, error) {
	var e Encrypted
	tx.put(e[:])
	if err := xorKeyStream(key, e[:]); err != nil {
		return Encrypted{}, err
	}
	return e, nil
}

// Decrypt decrypts the transaction with key and checks it against the
// channel between self and the recovered counterparty.
func (e *Encrypted) Decrypt(key *[KeySize]byte, self *identity.PublicKey) (*Transaction, error) {
	b := make([]byte, Size)
	copy(b, e[:])
	if err := xorKeyStream(key, b); err != nil {
		return nil, err
	}
	tx, err := Parse(b)
	if err != nil {
		return nil, err
	}
	id, err := tx.ChannelID(self)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if err := tx.Verify(id); err != nil {
		return nil, ErrDecryptionFailed
	}
	return tx, nil
}

func xorKeyStream(key *[KeySize]byte, b []byte) error {
	var material [chacha20.KeySize + chacha20.NonceSize]byte
	kdf := hkdf.New(sha256.New, key[:], nil, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, material[:]); err != nil {
		return err
	}
	s, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
	if err != nil {
		return err
	}
	s.XORKeyStream(b, b)
	return nil
}

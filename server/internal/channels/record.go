// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package channels

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/transaction"
)

const (
	// KeyPrefix is the namespace of channel records in the store.
	KeyPrefix = "payments-channel-"

	txOff           = 0
	restoreTxOff    = txOff + transaction.Size
	indexOff        = restoreTxOff + transaction.Size
	currentValueOff = indexOff + 8
	totalBalanceOff = currentValueOff + transaction.ValueSize

	// RecordSize is the size of a serialized Record.
	RecordSize = totalBalanceOff + transaction.ValueSize
)

// Record is the persisted state of a payment channel.
type Record struct {
	// Tx is the latest accepted transaction, nil if none.
	Tx *transaction.Transaction

	// RestoreTx is the transaction the channel was funded with, nil if
	// unknown.
	RestoreTx *transaction.Transaction

	// Index is the highest transaction index seen or issued.
	Index uint64

	// CurrentValue is party A's current balance.
	CurrentValue uint256.Int

	// TotalBalance is the channel's total deposit.
	TotalBalance uint256.Int
}

// Entry is a channel record together with its identifier.
type Entry struct {
	ID     identity.ChannelID
	Record *Record
}

// Key returns the store key of channel id.
func Key(id identity.ChannelID) []byte {
	k := make([]byte, 0, len(KeyPrefix)+identity.ChannelIDSize)
	k = append(k, KeyPrefix...)
	return append(k, id[:]...)
}

func keyRange() (start, limit []byte) {
	start = make([]byte, 0, len(KeyPrefix)+identity.ChannelIDSize)
	start = append(start, KeyPrefix...)
	start = append(start, make([]byte, identity.ChannelIDSize)...)

	limit = make([]byte, 0, len(KeyPrefix)+identity.ChannelIDSize+1)
	limit = append(limit, KeyPrefix...)
	for i := 0; i < identity.ChannelIDSize+1; i++ {
		limit = append(limit, 0xff)
	}
	return
}

// MarshalRecord serializes r into its fixed width form.  Absent
// transactions are zero filled.
func MarshalRecord(r *Record) []byte {
	b := make([]byte, RecordSize)
	if r.Tx != nil {
		tx, _ := r.Tx.MarshalBinary()
		copy(b[txOff:], tx)
	}
	if r.RestoreTx != nil {
		tx, _ := r.RestoreTx.MarshalBinary()
		copy(b[restoreTxOff:], tx)
	}
	binary.BigEndian.PutUint64(b[indexOff:], r.Index)
	v := r.CurrentValue.Bytes32()
	copy(b[currentValueOff:], v[:])
	v = r.TotalBalance.Bytes32()
	copy(b[totalBalanceOff:], v[:])
	return b
}

// UnmarshalRecord deserializes a record, failing with ErrCorruptRecord
// if b is not exactly RecordSize bytes.
func UnmarshalRecord(b []byte) (*Record, error) {
	if len(b) != RecordSize {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptRecord, len(b))
	}
	r := new(Record)
	var err error
	if r.Tx, err = parseOptional(b[txOff:restoreTxOff]); err != nil {
		return nil, err
	}
	if r.RestoreTx, err = parseOptional(b[restoreTxOff:indexOff]); err != nil {
		return nil, err
	}
	r.Index = binary.BigEndian.Uint64(b[indexOff:currentValueOff])
	r.CurrentValue.SetBytes32(b[currentValueOff:totalBalanceOff])
	r.TotalBalance.SetBytes32(b[totalBalanceOff:])
	return r, nil
}

func parseOptional(b []byte) (*transaction.Transaction, error) {
	tx, err := transaction.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if tx.IsZero() {
		return nil, nil
	}
	return tx, nil
}

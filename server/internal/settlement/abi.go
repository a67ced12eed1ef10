// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/katzenpost/porelay/core/transaction"
)

const contractABIJSON = `[
  {
    "type": "function",
    "name": "createFunded",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "counterparty", "type": "address"},
      {"name": "funds", "type": "uint256"},
      {"name": "index", "type": "uint128"},
      {"name": "nonce", "type": "bytes16"},
      {"name": "balanceA", "type": "uint256"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"},
      {"name": "v", "type": "uint8"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "closeChannel",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "index", "type": "uint128"},
      {"name": "nonce", "type": "bytes16"},
      {"name": "balanceA", "type": "uint256"},
      {"name": "r", "type": "bytes32"},
      {"name": "s", "type": "bytes32"},
      {"name": "v", "type": "uint8"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "ClosedChannel",
    "anonymous": false,
    "inputs": [
      {"name": "closingChannelId", "type": "bytes32", "indexed": true},
      {"name": "closingNonce", "type": "bytes16", "indexed": false},
      {"name": "receivedMoney", "type": "uint256", "indexed": false}
    ]
  }
]`

// recoveryOffset is added to a transaction's recovery id to match the
// contract's expected encoding.
const recoveryOffset = 27

// ContractABI is the ABI of the payment channel contract.
var ContractABI = mustParseABI(contractABIJSON)

// ClosedChannelTopic is the log topic of the ClosedChannel event.
var ClosedChannelTopic common.Hash = ContractABI.Events["ClosedChannel"].ID

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("settlement: BUG: invalid contract ABI: " + err.Error())
	}
	return a
}

func signatureParts(tx *transaction.Transaction) (r, s [32]byte, v uint8) {
	copy(r[:], tx.Signature[:32])
	copy(s[:], tx.Signature[32:])
	return r, s, tx.Recovery + recoveryOffset
}

// PackCreateFunded returns the call data depositing funds into the
// channel with counterparty, opened at restoreTx.
func PackCreateFunded(counterparty common.Address, funds *uint256.Int, restoreTx *transaction.Transaction) ([]byte, error) {
	r, s, v := signatureParts(restoreTx)
	return ContractABI.Pack("createFunded",
		counterparty,
		funds.ToBig(),
		new(big.Int).SetUint64(restoreTx.Index),
		restoreTx.Nonce,
		restoreTx.ValueBig(),
		r,
		s,
		v,
	)
}

// PackCloseChannel returns the call data closing a channel with tx.
func PackCloseChannel(tx *transaction.Transaction) ([]byte, error) {
	r, s, v := signatureParts(tx)
	return ContractABI.Pack("closeChannel",
		new(big.Int).SetUint64(tx.Index),
		tx.Nonce,
		tx.ValueBig(),
		r,
		s,
		v,
	)
}

// UnpackClosedChannel decodes the non-indexed fields of a ClosedChannel
// log.
func UnpackClosedChannel(data []byte) (nonce [transaction.NonceSize]byte, receivedMoney *big.Int, err error) {
	var out struct {
		ClosingNonce  [transaction.NonceSize]byte
		ReceivedMoney *big.Int
	}
	if err = ContractABI.UnpackIntoInterface(&out, "ClosedChannel", data); err != nil {
		return
	}
	return out.ClosingNonce, out.ReceivedMoney, nil
}

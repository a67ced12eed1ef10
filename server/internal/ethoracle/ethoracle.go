// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ethoracle implements the settlement oracle over an Ethereum
// JSON-RPC endpoint.
package ethoracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/porelay/core/identity"
	"github.com/katzenpost/porelay/core/log"
	"github.com/katzenpost/porelay/server/internal/settlement"
)

// ErrReverted is the error returned when a mined transaction failed.
var ErrReverted = errors.New("ethoracle: transaction reverted")

// Backend is the subset of an Ethereum client the oracle uses.
// *ethclient.Client implements it.
type Backend interface {
	bind.DeployBackend

	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Oracle is a settlement.Oracle backed by an Ethereum node.
type Oracle struct {
	log *logging.Logger

	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	signer   types.Signer

	client *ethclient.Client
}

// Dial connects to the JSON-RPC endpoint at url.
func Dial(ctx context.Context, url string, key *identity.PrivateKey, chainID *big.Int, contract common.Address, logBackend *log.Backend) (*Oracle, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ethoracle: failed to dial %v: %w", url, err)
	}
	o := New(c, key, chainID, contract, logBackend)
	o.client = c
	return o, nil
}

// Close closes the connection opened by Dial.
func (o *Oracle) Close() {
	if o.client != nil {
		o.client.Close()
	}
}

// New creates an oracle submitting calls to contract, signed by key.
func New(backend Backend, key *identity.PrivateKey, chainID *big.Int, contract common.Address, logBackend *log.Backend) *Oracle {
	return &Oracle{
		log:      logBackend.GetLogger("ethoracle"),
		backend:  backend,
		key:      key.Key().ToECDSA(),
		from:     key.PublicKey().Address(),
		contract: contract,
		signer:   types.LatestSignerForChainID(chainID),
	}
}

// From returns the account submissions are sent from.
func (o *Oracle) From() common.Address {
	return o.from
}

// EstimateGas implements settlement.Oracle.
func (o *Oracle) EstimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error) {
	return o.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: o.from,
		To:   &to,
		Data: data,
	})
}

// SendTransaction implements settlement.Oracle.
func (o *Oracle) SendTransaction(ctx context.Context, to common.Address, nonce, gas uint64, data []byte) (*settlement.Receipt, error) {
	gasPrice, err := o.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("ethoracle: failed to suggest gas price: %w", err)
	}
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), o.signer, o.key)
	if err != nil {
		return nil, err
	}
	if err = o.backend.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	o.log.Debugf("Sent transaction %v with nonce %d", tx.Hash().Hex(), nonce)

	receipt, err := bind.WaitMined(ctx, o.backend, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %v", ErrReverted, tx.Hash().Hex())
	}
	r := &settlement.Receipt{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return r, nil
}

// PendingNonce implements settlement.Oracle.
func (o *Oracle) PendingNonce(ctx context.Context) (uint64, error) {
	return o.backend.PendingNonceAt(ctx, o.from)
}

// SubscribeClosed implements settlement.Oracle.
func (o *Oracle) SubscribeClosed(ctx context.Context, id identity.ChannelID, sink chan<- *settlement.ClosedChannelEvent) (event.Subscription, error) {
	logs := make(chan types.Log, 4)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{o.contract},
		Topics:    [][]common.Hash{{settlement.ClosedChannelTopic}, {common.Hash(id)}},
	}
	sub, err := o.backend.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, err
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				return err
			case l := <-logs:
				ev, err := decodeClosed(&l)
				if err != nil {
					o.log.Warningf("Ignoring malformed ClosedChannel log in %v: %v", l.TxHash.Hex(), err)
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

func decodeClosed(l *types.Log) (*settlement.ClosedChannelEvent, error) {
	if len(l.Topics) != 2 || l.Topics[0] != settlement.ClosedChannelTopic {
		return nil, errors.New("unexpected topics")
	}
	nonce, received, err := settlement.UnpackClosedChannel(l.Data)
	if err != nil {
		return nil, err
	}
	return &settlement.ClosedChannelEvent{
		ChannelID:     identity.ChannelID(l.Topics[1]),
		Nonce:         nonce,
		ReceivedMoney: received,
		TxHash:        l.TxHash,
	}, nil
}

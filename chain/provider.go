// SPDX-License-Identifier: Apache-2.0

// Package chain is the engine's read-only EVM boundary: a provider
// interface satisfied by ethclient.Client, and the pure app state
// transitions evaluated through it.
package chain

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ErrCall an eth_call through the provider failed.
var ErrCall = errors.New("evm call failed")

// Provider is the subset of an EVM RPC client the engine consumes. The
// engine never sends transactions; commitments are handed to callers as
// MinimalTransactions instead.
type Provider interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var (
	bytesTy, _   = abi.NewType("bytes", "", nil)
	bytesArgs    = abi.Arguments{{Type: bytesTy}}
	twoBytesArgs = abi.Arguments{{Type: bytesTy}, {Type: bytesTy}}

	applyActionSelector    = crypto.Keccak256([]byte("applyAction(bytes,bytes)"))[:4]
	computeOutcomeSelector = crypto.Keccak256([]byte("computeOutcome(bytes)"))[:4]
)

// ApplyAction evaluates the app definition's pure applyAction(state, action)
// and returns the post-state bytes. The engine treats the state as opaque
// except for hashing.
func ApplyAction(ctx context.Context, provider Provider, appDefinition common.Address, state, action []byte) ([]byte, error) {
	args, err := twoBytesArgs.Pack(state, action)
	if err != nil {
		return nil, errors.Wrap(err, "encoding applyAction call")
	}
	data := append(append([]byte(nil), applyActionSelector...), args...)
	ret, err := provider.CallContract(ctx, ethereum.CallMsg{To: &appDefinition, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrCall, "applyAction: %v", err)
	}
	return unpackBytes(ret)
}

// ComputeOutcome evaluates the app definition's computeOutcome(state),
// yielding the interpreter input that settles the app.
func ComputeOutcome(ctx context.Context, provider Provider, appDefinition common.Address, state []byte) ([]byte, error) {
	args, err := bytesArgs.Pack(state)
	if err != nil {
		return nil, errors.Wrap(err, "encoding computeOutcome call")
	}
	data := append(append([]byte(nil), computeOutcomeSelector...), args...)
	ret, err := provider.CallContract(ctx, ethereum.CallMsg{To: &appDefinition, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrCall, "computeOutcome: %v", err)
	}
	return unpackBytes(ret)
}

func unpackBytes(ret []byte) ([]byte, error) {
	out, err := bytesArgs.Unpack(ret)
	if err != nil {
		return nil, errors.Wrap(err, "decoding call return")
	}
	return out[0].([]byte), nil
}

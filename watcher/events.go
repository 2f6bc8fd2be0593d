// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// EventName selects a registry event stream.
type EventName string

const (
	// ChallengeUpdatedEventName fires when a challenge is created, updated,
	// or finalized on the registry.
	ChallengeUpdatedEventName EventName = "ChallengeUpdated"
	// StateProgressedEventName fires when a state is progressed on chain
	// from a single-signed commitment.
	StateProgressedEventName EventName = "StateProgressed"
)

var (
	challengeUpdatedTopic = crypto.Keccak256Hash([]byte(
		"ChallengeUpdated(bytes32,uint8,bytes32,uint256,uint256)"))
	stateProgressedTopic = crypto.Keccak256Hash([]byte(
		"StateProgressed(bytes32,bytes,uint256,uint256,address,bytes)"))

	wUint8Ty, _   = abi.NewType("uint8", "", nil)
	wBytes32Ty, _ = abi.NewType("bytes32", "", nil)
	wUint256Ty, _ = abi.NewType("uint256", "", nil)
	wBytesTy, _   = abi.NewType("bytes", "", nil)
	wAddressTy, _ = abi.NewType("address", "", nil)

	challengeUpdatedData = abi.Arguments{
		{Type: wUint8Ty},   // status
		{Type: wBytes32Ty}, // appStateHash
		{Type: wUint256Ty}, // versionNumber
		{Type: wUint256Ty}, // finalizesAt
	}
	stateProgressedData = abi.Arguments{
		{Type: wBytesTy},   // action
		{Type: wUint256Ty}, // versionNumber
		{Type: wUint256Ty}, // timeout
		{Type: wAddressTy}, // turnTaker
		{Type: wBytesTy},   // signature
	}
)

type (
	// Event is a parsed registry event.
	Event interface {
		Name() EventName
		AppIdentityHash() common.Hash
	}

	// ChallengeUpdatedEvent mirrors the registry's ChallengeUpdated log.
	ChallengeUpdatedEvent struct {
		IdentityHash common.Hash
		Status       uint8
		AppStateHash common.Hash
		Version      *big.Int
		FinalizesAt  *big.Int
		Raw          types.Log
	}

	// StateProgressedEvent mirrors the registry's StateProgressed log.
	StateProgressedEvent struct {
		IdentityHash common.Hash
		Action       []byte
		Version      *big.Int
		Timeout      *big.Int
		TurnTaker    common.Address
		Signature    []byte
		Raw          types.Log
	}
)

func (e *ChallengeUpdatedEvent) Name() EventName              { return ChallengeUpdatedEventName }
func (e *ChallengeUpdatedEvent) AppIdentityHash() common.Hash { return e.IdentityHash }

func (e *StateProgressedEvent) Name() EventName              { return StateProgressedEventName }
func (e *StateProgressedEvent) AppIdentityHash() common.Hash { return e.IdentityHash }

// parseLog turns a registry log into a typed event, or (nil, nil) for logs
// of other contracts or events.
func parseLog(lg types.Log) (Event, error) {
	if len(lg.Topics) < 2 {
		return nil, nil
	}
	switch lg.Topics[0] {
	case challengeUpdatedTopic:
		out, err := challengeUpdatedData.Unpack(lg.Data)
		if err != nil {
			return nil, errors.Wrap(err, "unpacking ChallengeUpdated")
		}
		return &ChallengeUpdatedEvent{
			IdentityHash: lg.Topics[1],
			Status:       out[0].(uint8),
			AppStateHash: out[1].([32]byte),
			Version:      out[2].(*big.Int),
			FinalizesAt:  out[3].(*big.Int),
			Raw:          lg,
		}, nil
	case stateProgressedTopic:
		out, err := stateProgressedData.Unpack(lg.Data)
		if err != nil {
			return nil, errors.Wrap(err, "unpacking StateProgressed")
		}
		return &StateProgressedEvent{
			IdentityHash: lg.Topics[1],
			Action:       out[0].([]byte),
			Version:      out[1].(*big.Int),
			Timeout:      out[2].(*big.Int),
			TurnTaker:    out[3].(common.Address),
			Signature:    out[4].([]byte),
			Raw:          lg,
		}, nil
	default:
		return nil, nil
	}
}

// SPDX-License-Identifier: Apache-2.0

// Package commitments builds the signed transactions that settle a channel
// on chain. Digest layouts here mirror the multisig and ChallengeRegistry
// contracts byte for byte; a deviation makes every commitment unverifiable
// on dispute.
package commitments

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/wallet"
)

// Multisig operation codes.
const (
	OpCall         uint8 = 0
	OpDelegateCall uint8 = 1
)

var (
	// ErrMissingSignatures a signed transaction was requested before both
	// parties signed.
	ErrMissingSignatures = errors.New("commitment does not have both signatures")
	// ErrUnknownSigner a signature recovers to an address outside the
	// participant set.
	ErrUnknownSigner = errors.New("signature from unknown signer")
	// ErrDuplicateSigner two signatures recover to the same address.
	ErrDuplicateSigner = errors.New("duplicate signer")
)

// MinimalTransaction is a broadcast-ready transaction body.
type MinimalTransaction struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

// Commitment is the common contract of all commitment builders.
type Commitment interface {
	// Encode produces the commitment's canonical ABI bytes.
	Encode() ([]byte, error)
	// HashToSign is the 32-byte digest both parties sign.
	HashToSign() (common.Hash, error)
	// AddSignatures attaches one or two signatures, reordering ascending by
	// recovered address.
	AddSignatures(sigs ...[]byte) error
	// SignedTransaction yields the transaction once fully signed.
	SignedTransaction() (MinimalTransaction, error)
}

// orderSignatures verifies each signature against digest and returns them
// ordered ascending by recovered address. Every recovered address must be a
// distinct member of participants; the on-chain verifier walks signatures in
// ascending signer order.
func orderSignatures(digest common.Hash, participants []common.Address, sigs [][]byte) ([][]byte, error) {
	if len(sigs) == 0 || len(sigs) > len(participants) {
		return nil, errors.Errorf("expected 1..%d signatures, got %d", len(participants), len(sigs))
	}
	type signed struct {
		addr common.Address
		sig  []byte
	}
	recovered := make([]signed, len(sigs))
	for i, sig := range sigs {
		addr, err := wallet.RecoverSigner(digest, sig)
		if err != nil {
			return nil, err
		}
		member := false
		for _, p := range participants {
			if p == addr {
				member = true
				break
			}
		}
		if !member {
			return nil, errors.Wrap(ErrUnknownSigner, addr.Hex())
		}
		for _, prev := range recovered[:i] {
			if prev.addr == addr {
				return nil, errors.Wrap(ErrDuplicateSigner, addr.Hex())
			}
		}
		recovered[i] = signed{addr: addr, sig: append([]byte(nil), sig...)}
	}
	sort.Slice(recovered, func(i, j int) bool {
		return bytes.Compare(recovered[i].addr.Bytes(), recovered[j].addr.Bytes()) < 0
	})
	ordered := make([][]byte, len(recovered))
	for i, r := range recovered {
		ordered[i] = r.sig
	}
	return ordered, nil
}

// uint256Bytes left-pads v to 32 bytes, the packed-encoding layout of a
// uint256.
func uint256Bytes(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	var out [32]byte
	v.FillBytes(out[:])
	return out[:]
}

func uint64Bytes(v uint64) []byte {
	return uint256Bytes(new(big.Int).SetUint64(v))
}

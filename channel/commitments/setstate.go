// SPDX-License-Identifier: Apache-2.0

package commitments

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/channel"
)

var (
	appIdentityTy, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "channelNonce", Type: "uint256"},
		{Name: "participants", Type: "address[]"},
		{Name: "appDefinition", Type: "address"},
		{Name: "defaultTimeout", Type: "uint256"},
	})
	stateHashUpdateTy, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "appStateHash", Type: "bytes32"},
		{Name: "versionNumber", Type: "uint256"},
		{Name: "timeout", Type: "uint256"},
		{Name: "signatures", Type: "bytes[]"},
	})

	setStateArgs     = abi.Arguments{{Type: appIdentityTy}, {Type: stateHashUpdateTy}}
	setStateSelector = crypto.Keccak256([]byte(
		"setState((uint256,address[],address,uint256),(bytes32,uint256,uint256,bytes[]))"))[:4]
)

type abiAppIdentity struct {
	ChannelNonce   *big.Int         `abi:"channelNonce"`
	Participants   []common.Address `abi:"participants"`
	AppDefinition  common.Address   `abi:"appDefinition"`
	DefaultTimeout *big.Int         `abi:"defaultTimeout"`
}

type abiStateHashUpdate struct {
	AppStateHash  [32]byte `abi:"appStateHash"`
	VersionNumber *big.Int `abi:"versionNumber"`
	Timeout       *big.Int `abi:"timeout"`
	Signatures    [][]byte `abi:"signatures"`
}

// SetStateCommitment commits both parties to an app state hash at a version
// number. Submitting it calls ChallengeRegistry.setState.
type SetStateCommitment struct {
	ChallengeRegistry common.Address
	AppIdentity       channel.AppIdentity
	AppStateHash      common.Hash
	VersionNumber     uint64
	StateTimeout      *big.Int
	// Signatures are ordered ascending by signer address. One entry for a
	// single-signed commitment kept for the progressState path, two once
	// countersigned.
	Signatures [][]byte
}

var _ Commitment = (*SetStateCommitment)(nil)

// NewSetStateCommitment builds the unsigned commitment for an app at a
// state, version, and timeout.
func NewSetStateCommitment(registry common.Address, identity channel.AppIdentity, stateHash common.Hash, version uint64, timeout *big.Int) *SetStateCommitment {
	return &SetStateCommitment{
		ChallengeRegistry: registry,
		AppIdentity:       identity,
		AppStateHash:      stateHash,
		VersionNumber:     version,
		StateTimeout:      new(big.Int).Set(timeout),
	}
}

// HashToSign is keccak256(0x19 ‖ identityHash ‖ versionNumber ‖ timeout ‖
// appStateHash) under packed encoding, the digest the registry rebuilds.
func (c *SetStateCommitment) HashToSign() (common.Hash, error) {
	identityHash, err := c.AppIdentity.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(
		[]byte{0x19},
		identityHash.Bytes(),
		uint64Bytes(c.VersionNumber),
		uint256Bytes(c.StateTimeout),
		c.AppStateHash.Bytes(),
	), nil
}

// AddSignatures attaches signatures, reordered ascending by recovered
// address.
func (c *SetStateCommitment) AddSignatures(sigs ...[]byte) error {
	digest, err := c.HashToSign()
	if err != nil {
		return err
	}
	ordered, err := orderSignatures(digest, c.AppIdentity.Participants, sigs)
	if err != nil {
		return err
	}
	c.Signatures = ordered
	return nil
}

// Encode produces the canonical ABI encoding of the setState calldata
// arguments.
func (c *SetStateCommitment) Encode() ([]byte, error) {
	enc, err := setStateArgs.Pack(c.abiIdentity(), c.abiUpdate())
	return enc, errors.Wrap(err, "encoding setState commitment")
}

// SignedTransaction targets the ChallengeRegistry's setState with both
// ordered signatures attached.
func (c *SetStateCommitment) SignedTransaction() (MinimalTransaction, error) {
	if len(c.Signatures) != 2 {
		return MinimalTransaction{}, ErrMissingSignatures
	}
	enc, err := c.Encode()
	if err != nil {
		return MinimalTransaction{}, err
	}
	return MinimalTransaction{
		To:    c.ChallengeRegistry,
		Value: new(big.Int),
		Data:  append(append([]byte(nil), setStateSelector...), enc...),
	}, nil
}

func (c *SetStateCommitment) abiIdentity() abiAppIdentity {
	return abiAppIdentity{
		ChannelNonce:   c.AppIdentity.ChannelNonce,
		Participants:   c.AppIdentity.Participants,
		AppDefinition:  c.AppIdentity.AppDefinition,
		DefaultTimeout: c.AppIdentity.DefaultTimeout,
	}
}

func (c *SetStateCommitment) abiUpdate() abiStateHashUpdate {
	return abiStateHashUpdate{
		AppStateHash:  c.AppStateHash,
		VersionNumber: new(big.Int).SetUint64(c.VersionNumber),
		Timeout:       new(big.Int).Set(c.StateTimeout),
		Signatures:    c.Signatures,
	}
}

// DecodeSetStateCommitment parses bytes produced by Encode. The registry
// address is not part of the encoding and is taken as an argument.
func DecodeSetStateCommitment(registry common.Address, data []byte) (*SetStateCommitment, error) {
	out, err := setStateArgs.Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding setState commitment")
	}
	identity := *abi.ConvertType(out[0], new(abiAppIdentity)).(*abiAppIdentity)
	update := *abi.ConvertType(out[1], new(abiStateHashUpdate)).(*abiStateHashUpdate)
	return &SetStateCommitment{
		ChallengeRegistry: registry,
		AppIdentity: channel.AppIdentity{
			ChannelNonce:   identity.ChannelNonce,
			Participants:   identity.Participants,
			AppDefinition:  identity.AppDefinition,
			DefaultTimeout: identity.DefaultTimeout,
		},
		AppStateHash:  update.AppStateHash,
		VersionNumber: update.VersionNumber.Uint64(),
		StateTimeout:  update.Timeout,
		Signatures:    update.Signatures,
	}, nil
}

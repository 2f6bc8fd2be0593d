// SPDX-License-Identifier: Apache-2.0

package commitments

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Domain parameters of the minimum viable multisig.
const (
	DefaultDomainName    = "MinimumViableMultisig"
	DefaultDomainVersion = "1"
)

var (
	bytesTy, _         = abi.NewType("bytes", "", nil)
	bytesSliceTy, _    = abi.NewType("bytes[]", "", nil)
	stringTy, _        = abi.NewType("string", "", nil)
	bytes32Ty, _       = abi.NewType("bytes32", "", nil)
	msUint256Ty, _     = abi.NewType("uint256", "", nil)
	msAddressTy, _     = abi.NewType("address", "", nil)
	msUint8Ty, _       = abi.NewType("uint8", "", nil)

	execTransactionArgs = abi.Arguments{
		{Type: msAddressTy}, // to
		{Type: msUint256Ty}, // value
		{Type: bytesTy},     // data
		{Type: msUint8Ty},   // operation
		{Type: stringTy},    // domainName
		{Type: stringTy},    // domainVersion
		{Type: msUint256Ty}, // chainId
		{Type: bytes32Ty},   // domainSalt
		{Type: msUint256Ty}, // transactionNonce
		{Type: bytesSliceTy},
	}
	execTransactionSelector = crypto.Keccak256([]byte(
		"execTransaction(address,uint256,bytes,uint8,string,string,uint256,bytes32,uint256,bytes[])"))[:4]

	executeEffectOfFreeBalanceArgs = abi.Arguments{
		{Type: msAddressTy}, // challengeRegistry
		{Type: bytes32Ty},   // freeBalanceIdentityHash
		{Type: msAddressTy}, // interpreter
	}
	executeEffectOfFreeBalanceSelector = crypto.Keccak256([]byte(
		"executeEffectOfFreeBalance(address,bytes32,address)"))[:4]

	executeEffectOfAppOutcomeArgs = abi.Arguments{
		{Type: msAddressTy}, // challengeRegistry
		{Type: bytes32Ty},   // freeBalanceIdentityHash
		{Type: bytes32Ty},   // appIdentityHash
		{Type: msAddressTy}, // interpreter
		{Type: bytesTy},     // interpreterParams
	}
	executeEffectOfAppOutcomeSelector = crypto.Keccak256([]byte(
		"executeEffectOfInterpretedAppOutcome(address,bytes32,bytes32,address,bytes)"))[:4]

	erc20TransferArgs = abi.Arguments{
		{Type: msAddressTy},
		{Type: msUint256Ty},
	}
	erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
)

// MultisigCommitment is a commitment executed through the multisig's
// execTransaction. Setup, conditional, and withdraw commitments embed it.
type MultisigCommitment struct {
	MultisigAddress  common.Address
	MultisigOwners   []common.Address
	To               common.Address
	Value            *big.Int
	Data             []byte
	Operation        uint8
	DomainName       string
	DomainVersion    string
	ChainID          *big.Int
	DomainSalt       common.Hash
	TransactionNonce *big.Int
	// Signatures are ordered ascending by signer address.
	Signatures [][]byte
}

var _ Commitment = (*MultisigCommitment)(nil)

func newMultisigCommitment(multisig common.Address, owners []common.Address, chainID *big.Int, to common.Address, value *big.Int, data []byte, op uint8) *MultisigCommitment {
	return &MultisigCommitment{
		MultisigAddress:  multisig,
		MultisigOwners:   append([]common.Address(nil), owners...),
		To:               to,
		Value:            new(big.Int).Set(value),
		Data:             data,
		Operation:        op,
		DomainName:       DefaultDomainName,
		DomainVersion:    DefaultDomainVersion,
		ChainID:          new(big.Int).Set(chainID),
		TransactionNonce: new(big.Int),
	}
}

// DomainSeparatorHash is keccak256(abi.encodePacked(keccak256(name),
// keccak256(version), chainId, address(multisig), salt)).
func (c *MultisigCommitment) DomainSeparatorHash() common.Hash {
	return crypto.Keccak256Hash(
		crypto.Keccak256([]byte(c.DomainName)),
		crypto.Keccak256([]byte(c.DomainVersion)),
		uint256Bytes(c.ChainID),
		c.MultisigAddress.Bytes(),
		c.DomainSalt.Bytes(),
	)
}

// HashToSign is keccak256(abi.encodePacked(0x19, owners, to, value,
// keccak256(data), operation, domainSeparatorHash, nonce)), the digest the
// multisig rebuilds before checking signatures.
func (c *MultisigCommitment) HashToSign() (common.Hash, error) {
	packed := []byte{0x19}
	for _, owner := range c.MultisigOwners {
		packed = append(packed, owner.Bytes()...)
	}
	packed = append(packed, c.To.Bytes()...)
	packed = append(packed, uint256Bytes(c.Value)...)
	packed = append(packed, crypto.Keccak256(c.Data)...)
	packed = append(packed, c.Operation)
	packed = append(packed, c.DomainSeparatorHash().Bytes()...)
	packed = append(packed, uint256Bytes(c.TransactionNonce)...)
	return crypto.Keccak256Hash(packed), nil
}

// AddSignatures attaches signatures ordered ascending by recovered address.
// The multisig rejects out-of-order signature sets.
func (c *MultisigCommitment) AddSignatures(sigs ...[]byte) error {
	digest, err := c.HashToSign()
	if err != nil {
		return err
	}
	ordered, err := orderSignatures(digest, c.MultisigOwners, sigs)
	if err != nil {
		return err
	}
	c.Signatures = ordered
	return nil
}

// Encode produces the canonical ABI encoding of the execTransaction
// arguments.
func (c *MultisigCommitment) Encode() ([]byte, error) {
	enc, err := execTransactionArgs.Pack(
		c.To, c.Value, c.Data, c.Operation,
		c.DomainName, c.DomainVersion, c.ChainID,
		[32]byte(c.DomainSalt), c.TransactionNonce, c.Signatures,
	)
	return enc, errors.Wrap(err, "encoding multisig commitment")
}

// SignedTransaction wraps the inner call in execTransaction, targeted at the
// multisig.
func (c *MultisigCommitment) SignedTransaction() (MinimalTransaction, error) {
	if len(c.Signatures) != 2 {
		return MinimalTransaction{}, ErrMissingSignatures
	}
	enc, err := c.Encode()
	if err != nil {
		return MinimalTransaction{}, err
	}
	return MinimalTransaction{
		To:    c.MultisigAddress,
		Value: new(big.Int),
		Data:  append(append([]byte(nil), execTransactionSelector...), enc...),
	}, nil
}

// NewSetupCommitment binds the multisig to route the free balance outcome
// through the interpreter: a delegatecall to the conditional transaction
// target's executeEffectOfFreeBalance.
func NewSetupCommitment(multisig common.Address, owners []common.Address, chainID *big.Int, delegateTarget, registry common.Address, freeBalanceIdentityHash common.Hash, interpreter common.Address) (*MultisigCommitment, error) {
	inner, err := executeEffectOfFreeBalanceArgs.Pack(registry, [32]byte(freeBalanceIdentityHash), interpreter)
	if err != nil {
		return nil, errors.Wrap(err, "encoding setup inner call")
	}
	data := append(append([]byte(nil), executeEffectOfFreeBalanceSelector...), inner...)
	return newMultisigCommitment(multisig, owners, chainID, delegateTarget, new(big.Int), data, OpDelegateCall), nil
}

// NewConditionalTransactionCommitment binds the multisig to route one app's
// adjudicated outcome through an interpreter with the given params.
func NewConditionalTransactionCommitment(multisig common.Address, owners []common.Address, chainID *big.Int, delegateTarget, registry common.Address, freeBalanceIdentityHash, appIdentityHash common.Hash, interpreter common.Address, interpreterParams []byte) (*MultisigCommitment, error) {
	inner, err := executeEffectOfAppOutcomeArgs.Pack(
		registry, [32]byte(freeBalanceIdentityHash), [32]byte(appIdentityHash),
		interpreter, interpreterParams,
	)
	if err != nil {
		return nil, errors.Wrap(err, "encoding conditional inner call")
	}
	data := append(append([]byte(nil), executeEffectOfAppOutcomeSelector...), inner...)
	return newMultisigCommitment(multisig, owners, chainID, delegateTarget, new(big.Int), data, OpDelegateCall), nil
}

// NewWithdrawCommitment moves funds out of the multisig: a plain value
// transfer for ether, an ERC20 transfer call otherwise.
func NewWithdrawCommitment(multisig common.Address, owners []common.Address, chainID *big.Int, recipient common.Address, assetID common.Address, amount *big.Int) (*MultisigCommitment, error) {
	if assetID == (common.Address{}) {
		return newMultisigCommitment(multisig, owners, chainID, recipient, amount, nil, OpCall), nil
	}
	inner, err := erc20TransferArgs.Pack(recipient, amount)
	if err != nil {
		return nil, errors.Wrap(err, "encoding token transfer")
	}
	data := append(append([]byte(nil), erc20TransferSelector...), inner...)
	return newMultisigCommitment(multisig, owners, chainID, assetID, new(big.Int), data, OpCall), nil
}

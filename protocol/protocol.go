// SPDX-License-Identifier: Apache-2.0

// Package protocol runs the two-party channel protocols: the six core flows
// plus deposit and withdraw. Each protocol role is a plain function
// performing its effects through the Opcodes interface; of its five calls,
// Sign, SendAndWait and Persist are the suspension points, and Persist is
// the only write boundary, each call applied atomically.
package protocol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/chain"
	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/wallet"
	"github.com/counterfactual/go-node/wire"
)

// Name tags a protocol on the wire and in middleware dispatch.
type Name string

const (
	Setup      Name = "setup"
	Propose    Name = "propose"
	Install    Name = "install"
	Update     Name = "update"
	TakeAction Name = "takeAction"
	Uninstall  Name = "uninstall"
	Withdraw   Name = "withdraw"
	Deposit    Name = "deposit"
)

// Role distinguishes the two sides of an exchange.
type Role int

const (
	Initiator Role = iota
	Responder
)

var (
	// ErrSignatureMismatch a counterparty signature recovered to the wrong
	// address.
	ErrSignatureMismatch = errors.New("counterparty signature mismatch")
	// ErrReplay a commitment arrived at an already-committed version with a
	// different state.
	ErrReplay = errors.New("replayed version number with diverging state")
	// ErrStaleVersion a commitment skipped or lagged the expected version.
	ErrStaleVersion = errors.New("unexpected commitment version")
	// ErrBadCounterparty the message sender is not the channel peer.
	ErrBadCounterparty = errors.New("message not from channel counterparty")
)

// ContractAddresses locates the deployed contracts commitments target.
type ContractAddresses struct {
	ProxyFactory                         common.Address
	MultisigMasterCopy                   common.Address
	ChallengeRegistry                    common.Address
	ConditionalTransactionDelegateTarget common.Address
	MultiAssetInterpreter                common.Address
	FreeBalanceAppDefinition             common.Address
}

// Context bundles everything one protocol execution reads. Channel is the
// locked snapshot loaded by the engine; it is nil only for setup.
type Context struct {
	ProcessID string
	Channel   *channel.StateChannel
	Signer    wallet.Signer
	Provider  chain.Provider
	Contracts ContractAddresses
	ChainID   *big.Int
}

// Opcodes is the effect set a protocol may perform. Sign may be
// asynchronous (remote keys), SendAndWait suspends until the peer answers
// or the engine times out, and Persist is transactional.
type Opcodes interface {
	Sign(ctx context.Context, digest common.Hash) ([]byte, error)
	Validate(ctx context.Context, proto Name, mctx *MiddlewareContext) error
	Send(ctx context.Context, msg *wire.Envelope) error
	SendAndWait(ctx context.Context, msg *wire.Envelope) (*wire.Envelope, error)
	Persist(ctx context.Context, commit *Commit) error
}

// CommitKind selects which store transition a Commit maps to.
type CommitKind int

const (
	CommitCreateChannel CommitKind = iota + 1
	CommitCreateProposal
	CommitInstallApp
	CommitUpdateApp
	CommitUpdateAppSingleSigned
	CommitUninstallApp
	CommitUpdateFreeBalance
	CommitWithdraw
)

// WithdrawalEntry is one monitored pending withdrawal.
type WithdrawalEntry = channel.Withdrawal

// Commit is the atomic persistence payload of one protocol step. Every
// field named by the Kind must be written, or none.
type Commit struct {
	Kind                  CommitKind
	Channel               *channel.StateChannel
	AppIdentityHash       common.Hash
	Proposal              *channel.Proposal
	SetupCommitment       *commitments.MultisigCommitment
	FreeBalanceSetState   *commitments.SetStateCommitment
	AppSetState           *commitments.SetStateCommitment
	ConditionalCommitment *commitments.MultisigCommitment
	WithdrawCommitment    *commitments.MultisigCommitment
	Withdrawal            *WithdrawalEntry
}

// counterparty returns the peer identifier and its signer address, verifying
// the local signer is a channel participant.
func (c *Context) counterparty() (wallet.Identifier, common.Address, error) {
	me := c.Signer.PublicIdentifier()
	for i, id := range c.Channel.UserIdentifiers {
		if id == me {
			peer := c.Channel.UserIdentifiers[1-i]
			return peer, c.Channel.MultisigOwners[1-i], nil
		}
	}
	return "", common.Address{}, errors.New("local signer is not a channel participant")
}

// newEnvelope frames a protocol message to the peer.
func (c *Context) newEnvelope(name Name, seq int, to wallet.Identifier, params interface{}, sig, sig2 []byte) (*wire.Envelope, error) {
	env := &wire.Envelope{
		ProcessID:      c.ProcessID,
		Protocol:       string(name),
		Seq:            seq,
		ToIdentifier:   to,
		FromIdentifier: c.Signer.PublicIdentifier(),
		CustomData:     wire.CustomData{Signature: sig, Signature2: sig2},
	}
	if err := env.SetParams(params); err != nil {
		return nil, err
	}
	return env, nil
}

// signDigest signs a commitment's hash-to-sign.
func signDigest(ctx context.Context, op Opcodes, c commitments.Commitment) ([]byte, error) {
	digest, err := c.HashToSign()
	if err != nil {
		return nil, err
	}
	return op.Sign(ctx, digest)
}

// verifyCounterpartySig checks sig over the commitment digest against the
// peer's address.
func verifyCounterpartySig(c commitments.Commitment, sig []byte, peer common.Address) error {
	digest, err := c.HashToSign()
	if err != nil {
		return err
	}
	if err := wallet.VerifySigner(digest, sig, peer); err != nil {
		return errors.Wrap(ErrSignatureMismatch, err.Error())
	}
	return nil
}

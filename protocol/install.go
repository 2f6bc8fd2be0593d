// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/wire"
)

// InstallParams turns an accepted proposal into an installed app.
type InstallParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
}

var (
	ipAddressSliceTy, _ = abi.NewType("address[]", "", nil)
	ipUint256SliceTy, _ = abi.NewType("uint256[]", "", nil)
	interpreterParamArgs = abi.Arguments{{Type: ipAddressSliceTy}, {Type: ipUint256SliceTy}}
)

// interpreterParams caps what the interpreter may pay out of the multisig
// for this app: per token, the sum of both deposits.
func interpreterParams(p *channel.Proposal) ([]byte, error) {
	tokens := []common.Address{p.InitiatorDepositToken}
	limits := []*big.Int{new(big.Int).Set(p.InitiatorDeposit)}
	if p.ResponderDepositToken == p.InitiatorDepositToken {
		limits[0].Add(limits[0], p.ResponderDeposit)
	} else {
		tokens = append(tokens, p.ResponderDepositToken)
		limits = append(limits, new(big.Int).Set(p.ResponderDeposit))
	}
	enc, err := interpreterParamArgs.Pack(tokens, limits)
	return enc, errors.Wrap(err, "encoding interpreter params")
}

// installCommitments builds the post-install free balance SetState and the
// conditional transaction routing the app's outcome.
func installCommitments(pctx *Context, next *channel.StateChannel, p *channel.Proposal) (*commitments.SetStateCommitment, *commitments.MultisigCommitment, error) {
	fbSetState := commitments.NewSetStateCommitment(
		pctx.Contracts.ChallengeRegistry, next.FreeBalance.Identity,
		next.FreeBalance.StateHash(), next.FreeBalance.VersionNumber,
		next.FreeBalance.StateTimeout,
	)
	fbHash, err := next.FreeBalance.IdentityHash()
	if err != nil {
		return nil, nil, err
	}
	params, err := interpreterParams(p)
	if err != nil {
		return nil, nil, err
	}
	conditional, err := commitments.NewConditionalTransactionCommitment(
		next.MultisigAddress, next.MultisigOwners, pctx.ChainID,
		pctx.Contracts.ConditionalTransactionDelegateTarget,
		pctx.Contracts.ChallengeRegistry, fbHash, p.IdentityHash,
		pctx.Contracts.MultiAssetInterpreter, params,
	)
	if err != nil {
		return nil, nil, err
	}
	return fbSetState, conditional, nil
}

// InstallInitiate runs the initiator side of the install protocol.
func InstallInitiate(ctx context.Context, op Opcodes, pctx *Context, params *InstallParams) (*channel.StateChannel, error) {
	proposal, err := pctx.Channel.Proposal(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	next, err := pctx.Channel.InstallApp(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	err = op.Validate(ctx, Install, &MiddlewareContext{
		Protocol: Install,
		Role:     Initiator,
		Channel:  pctx.Channel,
		Proposal: proposal,
	})
	if err != nil {
		return nil, err
	}

	fbSetState, conditional, err := installCommitments(pctx, next, proposal)
	if err != nil {
		return nil, err
	}
	fbSig, err := signDigest(ctx, op, fbSetState)
	if err != nil {
		return nil, err
	}
	condSig, err := signDigest(ctx, op, conditional)
	if err != nil {
		return nil, err
	}

	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	msg, err := pctx.newEnvelope(Install, 1, peer, params, fbSig, condSig)
	if err != nil {
		return nil, err
	}
	reply, err := op.SendAndWait(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(fbSetState, reply.CustomData.Signature, peerAddr); err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(conditional, reply.CustomData.Signature2, peerAddr); err != nil {
		return nil, err
	}
	if err := fbSetState.AddSignatures(fbSig, reply.CustomData.Signature); err != nil {
		return nil, err
	}
	if err := conditional.AddSignatures(condSig, reply.CustomData.Signature2); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:                  CommitInstallApp,
		Channel:               next,
		AppIdentityHash:       params.AppIdentityHash,
		FreeBalanceSetState:   fbSetState,
		ConditionalCommitment: conditional,
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// InstallRespond runs the responder side of the install protocol.
func InstallRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, error) {
	var params InstallParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	if msg.FromIdentifier != peer {
		return nil, errors.Wrap(ErrBadCounterparty, "install initiator")
	}

	proposal, err := pctx.Channel.Proposal(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	next, err := pctx.Channel.InstallApp(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	err = op.Validate(ctx, Install, &MiddlewareContext{
		Protocol: Install,
		Role:     Responder,
		Channel:  pctx.Channel,
		Proposal: proposal,
	})
	if err != nil {
		return nil, err
	}

	fbSetState, conditional, err := installCommitments(pctx, next, proposal)
	if err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(fbSetState, msg.CustomData.Signature, peerAddr); err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(conditional, msg.CustomData.Signature2, peerAddr); err != nil {
		return nil, err
	}
	fbSig, err := signDigest(ctx, op, fbSetState)
	if err != nil {
		return nil, err
	}
	condSig, err := signDigest(ctx, op, conditional)
	if err != nil {
		return nil, err
	}
	if err := fbSetState.AddSignatures(msg.CustomData.Signature, fbSig); err != nil {
		return nil, err
	}
	if err := conditional.AddSignatures(msg.CustomData.Signature2, condSig); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:                  CommitInstallApp,
		Channel:               next,
		AppIdentityHash:       params.AppIdentityHash,
		FreeBalanceSetState:   fbSetState,
		ConditionalCommitment: conditional,
	})
	if err != nil {
		return nil, err
	}

	reply, err := pctx.newEnvelope(Install, 2, peer, &params, fbSig, condSig)
	if err != nil {
		return nil, err
	}
	if err := op.Send(ctx, reply); err != nil {
		return nil, err
	}
	return next, nil
}

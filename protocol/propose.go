// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/wallet"
	"github.com/counterfactual/go-node/wire"
)

// ProposeParams proposes installing a new app into an existing channel.
type ProposeParams struct {
	MultisigAddress       common.Address    `json:"multisigAddress"`
	InitiatorIdentifier   wallet.Identifier `json:"initiatorIdentifier"`
	ResponderIdentifier   wallet.Identifier `json:"responderIdentifier"`
	AppDefinition         common.Address    `json:"appDefinition"`
	InitiatorDeposit      *big.Int          `json:"initiatorDeposit"`
	ResponderDeposit      *big.Int          `json:"responderDeposit"`
	InitiatorDepositToken common.Address    `json:"initiatorDepositToken"`
	ResponderDepositToken common.Address    `json:"responderDepositToken"`
	InitialState          hexutil.Bytes     `json:"initialState"`
	StateTimeout          *big.Int          `json:"stateTimeout"`
	DefaultTimeout        *big.Int          `json:"defaultTimeout"`
}

// proposalFromParams shapes the proposal both parties derive; the channel
// assigns the nonce.
func proposalFromParams(ch *channel.StateChannel, params *ProposeParams) *channel.Proposal {
	return &channel.Proposal{
		Identity: channel.AppIdentity{
			Participants:   append([]common.Address(nil), ch.MultisigOwners...),
			AppDefinition:  params.AppDefinition,
			DefaultTimeout: new(big.Int).Set(params.DefaultTimeout),
		},
		InitiatorIdentifier:   params.InitiatorIdentifier,
		ResponderIdentifier:   params.ResponderIdentifier,
		InitiatorDeposit:      new(big.Int).Set(params.InitiatorDeposit),
		ResponderDeposit:      new(big.Int).Set(params.ResponderDeposit),
		InitiatorDepositToken: params.InitiatorDepositToken,
		ResponderDepositToken: params.ResponderDepositToken,
		InitialState:          append([]byte(nil), params.InitialState...),
		StateTimeout:          new(big.Int).Set(params.StateTimeout),
	}
}

// validateProposalFunding rejects proposals where either side's deposit
// exceeds that side's current free balance in the deposit token.
func validateProposalFunding(ch *channel.StateChannel, p *channel.Proposal) error {
	fb, err := ch.FreeBalanceState()
	if err != nil {
		return err
	}
	addrs, err := wallet.SignerAddresses([]wallet.Identifier{p.InitiatorIdentifier, p.ResponderIdentifier})
	if err != nil {
		return err
	}
	if fb.BalanceOf(p.InitiatorDepositToken, addrs[0]).Cmp(p.InitiatorDeposit) < 0 {
		return errors.Wrap(channel.ErrInsufficientFunds, "initiator deposit")
	}
	if fb.BalanceOf(p.ResponderDepositToken, addrs[1]).Cmp(p.ResponderDeposit) < 0 {
		return errors.Wrap(channel.ErrInsufficientFunds, "responder deposit")
	}
	return nil
}

// proposalSetState commits to the proposed app's initial state at version 1.
func proposalSetState(pctx *Context, p *channel.Proposal) *commitments.SetStateCommitment {
	return commitments.NewSetStateCommitment(
		pctx.Contracts.ChallengeRegistry, p.Identity,
		crypto.Keccak256Hash(p.InitialState), 1, p.StateTimeout,
	)
}

// ProposeInitiate runs the initiator side of the propose protocol.
func ProposeInitiate(ctx context.Context, op Opcodes, pctx *Context, params *ProposeParams) (*channel.StateChannel, *channel.Proposal, error) {
	next, proposal, err := pctx.Channel.AddProposal(proposalFromParams(pctx.Channel, params))
	if err != nil {
		return nil, nil, err
	}
	if err := validateProposalFunding(pctx.Channel, proposal); err != nil {
		return nil, nil, err
	}
	err = op.Validate(ctx, Propose, &MiddlewareContext{
		Protocol: Propose,
		Role:     Initiator,
		Channel:  pctx.Channel,
		Proposal: proposal,
	})
	if err != nil {
		return nil, nil, err
	}

	setState := proposalSetState(pctx, proposal)
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, nil, err
	}

	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, nil, err
	}
	msg, err := pctx.newEnvelope(Propose, 1, peer, params, sig, nil)
	if err != nil {
		return nil, nil, err
	}
	reply, err := op.SendAndWait(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	if err := verifyCounterpartySig(setState, reply.CustomData.Signature, peerAddr); err != nil {
		return nil, nil, err
	}
	if err := setState.AddSignatures(sig, reply.CustomData.Signature); err != nil {
		return nil, nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:            CommitCreateProposal,
		Channel:         next,
		Proposal:        proposal,
		AppIdentityHash: proposal.IdentityHash,
		AppSetState:     setState,
	})
	if err != nil {
		return nil, nil, err
	}
	return next, proposal, nil
}

// ProposeRespond runs the responder side of the propose protocol.
func ProposeRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, *channel.Proposal, error) {
	var params ProposeParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, nil, err
	}
	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, nil, err
	}
	if msg.FromIdentifier != peer || params.InitiatorIdentifier != peer {
		return nil, nil, errors.Wrap(ErrBadCounterparty, "propose initiator")
	}

	next, proposal, err := pctx.Channel.AddProposal(proposalFromParams(pctx.Channel, &params))
	if err != nil {
		return nil, nil, err
	}
	if err := validateProposalFunding(pctx.Channel, proposal); err != nil {
		return nil, nil, err
	}
	err = op.Validate(ctx, Propose, &MiddlewareContext{
		Protocol: Propose,
		Role:     Responder,
		Channel:  pctx.Channel,
		Proposal: proposal,
	})
	if err != nil {
		return nil, nil, err
	}

	setState := proposalSetState(pctx, proposal)
	if err := verifyCounterpartySig(setState, msg.CustomData.Signature, peerAddr); err != nil {
		return nil, nil, err
	}
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, nil, err
	}
	if err := setState.AddSignatures(msg.CustomData.Signature, sig); err != nil {
		return nil, nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:            CommitCreateProposal,
		Channel:         next,
		Proposal:        proposal,
		AppIdentityHash: proposal.IdentityHash,
		AppSetState:     setState,
	})
	if err != nil {
		return nil, nil, err
	}

	reply, err := pctx.newEnvelope(Propose, 2, peer, &params, sig, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := op.Send(ctx, reply); err != nil {
		return nil, nil, err
	}
	return next, proposal, nil
}

// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/wallet"
	"github.com/counterfactual/go-node/wire"
)

// SetupParams opens a channel between two identifiers at a deterministic
// multisig address.
type SetupParams struct {
	InitiatorIdentifier wallet.Identifier `json:"initiatorIdentifier"`
	ResponderIdentifier wallet.Identifier `json:"responderIdentifier"`
	MultisigAddress     common.Address    `json:"multisigAddress"`
}

// buildSetupChannel derives the channel both parties must agree on from the
// setup parameters alone.
func buildSetupChannel(pctx *Context, params *SetupParams) (*channel.StateChannel, error) {
	ids := []wallet.Identifier{params.InitiatorIdentifier, params.ResponderIdentifier}
	ch, err := channel.NewStateChannel(params.MultisigAddress, ids)
	if err != nil {
		return nil, err
	}
	derived, err := channel.MultisigAddress(ch.MultisigOwners, pctx.Contracts.MultisigMasterCopy, pctx.Contracts.ProxyFactory)
	if err != nil {
		return nil, err
	}
	if derived != params.MultisigAddress {
		return nil, errors.Errorf("multisig address %s does not match derived %s", params.MultisigAddress.Hex(), derived.Hex())
	}
	return ch.SetupFreeBalance(pctx.Contracts.FreeBalanceAppDefinition)
}

// setupCommitments builds the setup transaction and the free balance's
// first SetState.
func setupCommitments(pctx *Context, ch *channel.StateChannel) (*commitments.MultisigCommitment, *commitments.SetStateCommitment, error) {
	fbHash, err := ch.FreeBalance.IdentityHash()
	if err != nil {
		return nil, nil, err
	}
	setup, err := commitments.NewSetupCommitment(
		ch.MultisigAddress, ch.MultisigOwners, pctx.ChainID,
		pctx.Contracts.ConditionalTransactionDelegateTarget,
		pctx.Contracts.ChallengeRegistry, fbHash,
		pctx.Contracts.MultiAssetInterpreter,
	)
	if err != nil {
		return nil, nil, err
	}
	setState := commitments.NewSetStateCommitment(
		pctx.Contracts.ChallengeRegistry, ch.FreeBalance.Identity,
		ch.FreeBalance.StateHash(), ch.FreeBalance.VersionNumber,
		ch.FreeBalance.StateTimeout,
	)
	return setup, setState, nil
}

// SetupInitiate runs the initiator side of the setup protocol.
func SetupInitiate(ctx context.Context, op Opcodes, pctx *Context, params *SetupParams) (*channel.StateChannel, error) {
	ch, err := buildSetupChannel(pctx, params)
	if err != nil {
		return nil, err
	}
	setup, setState, err := setupCommitments(pctx, ch)
	if err != nil {
		return nil, err
	}

	setupSig, err := signDigest(ctx, op, setup)
	if err != nil {
		return nil, err
	}
	setStateSig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}

	msg, err := pctx.newEnvelope(Setup, 1, params.ResponderIdentifier, params, setupSig, setStateSig)
	if err != nil {
		return nil, err
	}
	reply, err := op.SendAndWait(ctx, msg)
	if err != nil {
		return nil, err
	}

	peerAddr, err := params.ResponderIdentifier.Address()
	if err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(setup, reply.CustomData.Signature, peerAddr); err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(setState, reply.CustomData.Signature2, peerAddr); err != nil {
		return nil, err
	}

	if err := setup.AddSignatures(setupSig, reply.CustomData.Signature); err != nil {
		return nil, err
	}
	if err := setState.AddSignatures(setStateSig, reply.CustomData.Signature2); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:                CommitCreateChannel,
		Channel:             ch,
		SetupCommitment:     setup,
		FreeBalanceSetState: setState,
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SetupRespond runs the responder side of the setup protocol.
func SetupRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, error) {
	var params SetupParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	if msg.FromIdentifier != params.InitiatorIdentifier {
		return nil, errors.Wrap(ErrBadCounterparty, "setup initiator")
	}
	if params.ResponderIdentifier != pctx.Signer.PublicIdentifier() {
		return nil, errors.New("setup message not addressed to this signer")
	}

	ch, err := buildSetupChannel(pctx, &params)
	if err != nil {
		return nil, err
	}
	setup, setState, err := setupCommitments(pctx, ch)
	if err != nil {
		return nil, err
	}

	initiatorAddr, err := params.InitiatorIdentifier.Address()
	if err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(setup, msg.CustomData.Signature, initiatorAddr); err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(setState, msg.CustomData.Signature2, initiatorAddr); err != nil {
		return nil, err
	}

	setupSig, err := signDigest(ctx, op, setup)
	if err != nil {
		return nil, err
	}
	setStateSig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}
	if err := setup.AddSignatures(msg.CustomData.Signature, setupSig); err != nil {
		return nil, err
	}
	if err := setState.AddSignatures(msg.CustomData.Signature2, setStateSig); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:                CommitCreateChannel,
		Channel:             ch,
		SetupCommitment:     setup,
		FreeBalanceSetState: setState,
	})
	if err != nil {
		return nil, err
	}

	reply, err := pctx.newEnvelope(Setup, 2, params.InitiatorIdentifier, &params, setupSig, setStateSig)
	if err != nil {
		return nil, err
	}
	if err := op.Send(ctx, reply); err != nil {
		return nil, err
	}
	return ch, nil
}

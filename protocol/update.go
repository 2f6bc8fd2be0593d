// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/chain"
	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/wire"
)

// UpdateParams replaces an app's state with a caller-supplied post-state.
type UpdateParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
	NewState        hexutil.Bytes  `json:"newState"`
	// VersionNumber is the version the new state commits to, the current
	// version plus one. The responder uses it for replay detection.
	VersionNumber uint64 `json:"versionNumber"`
}

// TakeActionParams advances an app by running its applyAction transition.
type TakeActionParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
	Action          hexutil.Bytes  `json:"action"`
	VersionNumber   uint64         `json:"versionNumber"`
}

// appSetState commits app (already at the new version) to the registry.
func appSetState(pctx *Context, app *channel.AppInstance) *commitments.SetStateCommitment {
	return commitments.NewSetStateCommitment(
		pctx.Contracts.ChallengeRegistry, app.Identity,
		app.StateHash(), app.VersionNumber, app.StateTimeout,
	)
}

// checkIncomingVersion applies the replay rule to a commitment arriving at
// claimed version for app. A version equal to the local one is a replay:
// ignored when the state matches bit for bit, rejected otherwise. Anything
// other than current+1 is stale.
func checkIncomingVersion(app *channel.AppInstance, claimed uint64, newState []byte) (replay bool, err error) {
	switch {
	case claimed == app.VersionNumber:
		if bytes.Equal(app.LatestState, newState) {
			return true, nil
		}
		return false, ErrReplay
	case claimed != app.VersionNumber+1:
		return false, errors.Wrapf(ErrStaleVersion, "claimed %d, local %d", claimed, app.VersionNumber)
	}
	return false, nil
}

// UpdateInitiate runs the initiator side of the update protocol.
func UpdateInitiate(ctx context.Context, op Opcodes, pctx *Context, params *UpdateParams) (*channel.StateChannel, error) {
	app, err := pctx.Channel.App(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	err = op.Validate(ctx, Update, &MiddlewareContext{
		Protocol: Update,
		Role:     Initiator,
		Channel:  pctx.Channel,
		App:      app,
		NewState: params.NewState,
	})
	if err != nil {
		return nil, err
	}

	next, err := pctx.Channel.SetAppState(params.AppIdentityHash, params.NewState, app.Identity.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	newApp, _ := next.App(params.AppIdentityHash)
	params.VersionNumber = newApp.VersionNumber

	setState := appSetState(pctx, newApp)
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}

	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	msg, err := pctx.newEnvelope(Update, 1, peer, params, sig, nil)
	if err != nil {
		return nil, err
	}
	reply, err := op.SendAndWait(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(setState, reply.CustomData.Signature, peerAddr); err != nil {
		return nil, err
	}
	if err := setState.AddSignatures(sig, reply.CustomData.Signature); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:            CommitUpdateApp,
		Channel:         next,
		AppIdentityHash: params.AppIdentityHash,
		AppSetState:     setState,
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateRespond runs the responder side of the update protocol.
func UpdateRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, error) {
	var params UpdateParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	if msg.FromIdentifier != peer {
		return nil, errors.Wrap(ErrBadCounterparty, "update initiator")
	}

	app, err := pctx.Channel.App(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	replay, err := checkIncomingVersion(app, params.VersionNumber, params.NewState)
	if err != nil {
		return nil, err
	}
	if replay {
		return pctx.Channel, nil
	}
	err = op.Validate(ctx, Update, &MiddlewareContext{
		Protocol: Update,
		Role:     Responder,
		Channel:  pctx.Channel,
		App:      app,
		NewState: params.NewState,
	})
	if err != nil {
		return nil, err
	}

	next, err := pctx.Channel.SetAppState(params.AppIdentityHash, params.NewState, app.Identity.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	newApp, _ := next.App(params.AppIdentityHash)

	setState := appSetState(pctx, newApp)
	if err := verifyCounterpartySig(setState, msg.CustomData.Signature, peerAddr); err != nil {
		return nil, err
	}
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}
	if err := setState.AddSignatures(msg.CustomData.Signature, sig); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:            CommitUpdateApp,
		Channel:         next,
		AppIdentityHash: params.AppIdentityHash,
		AppSetState:     setState,
	})
	if err != nil {
		return nil, err
	}

	reply, err := pctx.newEnvelope(Update, 2, peer, &params, sig, nil)
	if err != nil {
		return nil, err
	}
	if err := op.Send(ctx, reply); err != nil {
		return nil, err
	}
	return next, nil
}

// TakeActionInitiate runs the initiator side of the takeAction protocol.
// The single-signed commitment and the pending action are persisted before
// the round trip so the initiator can progress the state on chain if the
// peer vanishes.
func TakeActionInitiate(ctx context.Context, op Opcodes, pctx *Context, params *TakeActionParams) (*channel.StateChannel, error) {
	app, err := pctx.Channel.App(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	err = op.Validate(ctx, TakeAction, &MiddlewareContext{
		Protocol: TakeAction,
		Role:     Initiator,
		Channel:  pctx.Channel,
		App:      app,
		Action:   params.Action,
	})
	if err != nil {
		return nil, err
	}

	postState, err := chain.ApplyAction(ctx, pctx.Provider, app.Identity.AppDefinition, app.LatestState, params.Action)
	if err != nil {
		return nil, err
	}
	next, err := pctx.Channel.SetAppState(params.AppIdentityHash, postState, app.Identity.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	newApp, _ := next.App(params.AppIdentityHash)
	params.VersionNumber = newApp.VersionNumber

	setState := appSetState(pctx, newApp)
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}

	singleSigned := *setState
	if err := singleSigned.AddSignatures(sig); err != nil {
		return nil, err
	}
	pending, err := next.WithApp(params.AppIdentityHash, newApp.WithAction(params.Action))
	if err != nil {
		return nil, err
	}
	err = op.Persist(ctx, &Commit{
		Kind:            CommitUpdateAppSingleSigned,
		Channel:         pending,
		AppIdentityHash: params.AppIdentityHash,
		AppSetState:     &singleSigned,
	})
	if err != nil {
		return nil, err
	}

	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	msg, err := pctx.newEnvelope(TakeAction, 1, peer, params, sig, nil)
	if err != nil {
		return nil, err
	}
	reply, err := op.SendAndWait(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := verifyCounterpartySig(setState, reply.CustomData.Signature, peerAddr); err != nil {
		return nil, err
	}
	if err := setState.AddSignatures(sig, reply.CustomData.Signature); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:            CommitUpdateApp,
		Channel:         next,
		AppIdentityHash: params.AppIdentityHash,
		AppSetState:     setState,
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// TakeActionRespond runs the responder side of the takeAction protocol. The
// responder recomputes the transition itself and only ever persists the
// double-signed commitment; responders cannot unilaterally progress state.
func TakeActionRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, error) {
	var params TakeActionParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	if msg.FromIdentifier != peer {
		return nil, errors.Wrap(ErrBadCounterparty, "takeAction initiator")
	}

	app, err := pctx.Channel.App(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	err = op.Validate(ctx, TakeAction, &MiddlewareContext{
		Protocol: TakeAction,
		Role:     Responder,
		Channel:  pctx.Channel,
		App:      app,
		Action:   params.Action,
	})
	if err != nil {
		return nil, err
	}

	postState, err := chain.ApplyAction(ctx, pctx.Provider, app.Identity.AppDefinition, app.LatestState, params.Action)
	if err != nil {
		return nil, err
	}
	replay, err := checkIncomingVersion(app, params.VersionNumber, postState)
	if err != nil {
		return nil, err
	}
	if replay {
		return pctx.Channel, nil
	}

	next, err := pctx.Channel.SetAppState(params.AppIdentityHash, postState, app.Identity.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	newApp, _ := next.App(params.AppIdentityHash)

	setState := appSetState(pctx, newApp)
	if err := verifyCounterpartySig(setState, msg.CustomData.Signature, peerAddr); err != nil {
		return nil, err
	}
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}
	if err := setState.AddSignatures(msg.CustomData.Signature, sig); err != nil {
		return nil, err
	}

	err = op.Persist(ctx, &Commit{
		Kind:            CommitUpdateApp,
		Channel:         next,
		AppIdentityHash: params.AppIdentityHash,
		AppSetState:     setState,
	})
	if err != nil {
		return nil, err
	}

	reply, err := pctx.newEnvelope(TakeAction, 2, peer, &params, sig, nil)
	if err != nil {
		return nil, err
	}
	if err := op.Send(ctx, reply); err != nil {
		return nil, err
	}
	return next, nil
}

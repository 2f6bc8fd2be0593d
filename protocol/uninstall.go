// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/chain"
	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/wire"
)

// UninstallParams removes an installed app, settling its outcome into the
// free balance.
type UninstallParams struct {
	MultisigAddress common.Address `json:"multisigAddress"`
	AppIdentityHash common.Hash    `json:"appIdentityHash"`
}

var (
	outcomeTransfersTy, _ = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})
	outcomeArgs = abi.Arguments{{Type: outcomeTransfersTy}}
)

// decodeOutcome parses an app's computeOutcome return, a coin transfer
// list, into free balance claims on the app's outcome token.
func decodeOutcome(outcome []byte, token common.Address) ([]channel.TokenClaim, error) {
	out, err := outcomeArgs.Unpack(outcome)
	if err != nil {
		return nil, errors.Wrap(err, "decoding app outcome")
	}
	type transfer struct {
		To     common.Address `abi:"to"`
		Amount *big.Int       `abi:"amount"`
	}
	transfers := *abi.ConvertType(out[0], new([]transfer)).(*[]transfer)
	claims := make([]channel.TokenClaim, len(transfers))
	for i, t := range transfers {
		claims[i] = channel.TokenClaim{Token: token, To: t.To, Amount: t.Amount}
	}
	return claims, nil
}

// uninstallTransition computes the post-uninstall channel from the app's
// adjudicated outcome.
func uninstallTransition(ctx context.Context, pctx *Context, h common.Hash) (*channel.StateChannel, error) {
	app, err := pctx.Channel.App(h)
	if err != nil {
		return nil, err
	}
	outcome, err := chain.ComputeOutcome(ctx, pctx.Provider, app.Identity.AppDefinition, app.LatestState)
	if err != nil {
		return nil, err
	}
	claims, err := decodeOutcome(outcome, app.OutcomeToken)
	if err != nil {
		return nil, err
	}
	return pctx.Channel.UninstallApp(h, claims)
}

// freeBalanceSetState commits the channel's current free balance state.
func freeBalanceSetState(pctx *Context, ch *channel.StateChannel) *commitments.SetStateCommitment {
	return commitments.NewSetStateCommitment(
		pctx.Contracts.ChallengeRegistry, ch.FreeBalance.Identity,
		ch.FreeBalance.StateHash(), ch.FreeBalance.VersionNumber,
		ch.FreeBalance.StateTimeout,
	)
}

// UninstallInitiate runs the initiator side of the uninstall protocol.
func UninstallInitiate(ctx context.Context, op Opcodes, pctx *Context, params *UninstallParams) (*channel.StateChannel, error) {
	app, err := pctx.Channel.App(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	err = op.Validate(ctx, Uninstall, &MiddlewareContext{
		Protocol: Uninstall,
		Role:     Initiator,
		Channel:  pctx.Channel,
		App:      app,
	})
	if err != nil {
		return nil, err
	}

	next, err := uninstallTransition(ctx, pctx, params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	setState := freeBalanceSetState(pctx, next)
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}

	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	msg, err := pctx.newEnvelope(Uninstall, 1, peer, params, sig, nil)
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
		Kind:                CommitUninstallApp,
		Channel:             next,
		AppIdentityHash:     params.AppIdentityHash,
		FreeBalanceSetState: setState,
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// UninstallRespond runs the responder side of the uninstall protocol.
func UninstallRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, error) {
	var params UninstallParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	if msg.FromIdentifier != peer {
		return nil, errors.Wrap(ErrBadCounterparty, "uninstall initiator")
	}

	app, err := pctx.Channel.App(params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	err = op.Validate(ctx, Uninstall, &MiddlewareContext{
		Protocol: Uninstall,
		Role:     Responder,
		Channel:  pctx.Channel,
		App:      app,
	})
	if err != nil {
		return nil, err
	}

	next, err := uninstallTransition(ctx, pctx, params.AppIdentityHash)
	if err != nil {
		return nil, err
	}
	setState := freeBalanceSetState(pctx, next)
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
		Kind:                CommitUninstallApp,
		Channel:             next,
		AppIdentityHash:     params.AppIdentityHash,
		FreeBalanceSetState: setState,
	})
	if err != nil {
		return nil, err
	}

	reply, err := pctx.newEnvelope(Uninstall, 2, peer, &params, sig, nil)
	if err != nil {
		return nil, err
	}
	if err := op.Send(ctx, reply); err != nil {
		return nil, err
	}
	return next, nil
}

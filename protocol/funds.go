// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/wallet"
	"github.com/counterfactual/go-node/wire"
)

// DepositParams credits the sender's free balance after an on-chain
// deposit.
type DepositParams struct {
	MultisigAddress common.Address    `json:"multisigAddress"`
	Depositor       wallet.Identifier `json:"depositor"`
	TokenAddress    common.Address    `json:"tokenAddress"`
	Amount          *big.Int          `json:"amount"`
}

// WithdrawParams moves funds from the sender's free balance out of the
// multisig.
type WithdrawParams struct {
	MultisigAddress common.Address    `json:"multisigAddress"`
	Withdrawer      wallet.Identifier `json:"withdrawer"`
	Recipient       common.Address    `json:"recipient"`
	AssetID         common.Address    `json:"assetId"`
	Amount          *big.Int          `json:"amount"`
}

// adjustedFreeBalance returns the channel with delta applied to owner's
// claim under token, at the next free balance version.
func adjustedFreeBalance(ch *channel.StateChannel, token, owner common.Address, delta *big.Int) (*channel.StateChannel, error) {
	return ch.AdjustFreeBalance([]channel.TokenClaim{{Token: token, To: owner, Amount: delta}})
}

// DepositInitiate runs the initiator side of the deposit free balance
// update.
func DepositInitiate(ctx context.Context, op Opcodes, pctx *Context, params *DepositParams) (*channel.StateChannel, error) {
	owner, err := params.Depositor.Address()
	if err != nil {
		return nil, err
	}
	next, err := adjustedFreeBalance(pctx.Channel, params.TokenAddress, owner, params.Amount)
	if err != nil {
		return nil, err
	}
	return exchangeFreeBalanceUpdate(ctx, op, pctx, Deposit, params, next, nil, nil)
}

// DepositRespond runs the responder side of the deposit free balance
// update.
func DepositRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, error) {
	var params DepositParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	owner, err := params.Depositor.Address()
	if err != nil {
		return nil, err
	}
	next, err := adjustedFreeBalance(pctx.Channel, params.TokenAddress, owner, params.Amount)
	if err != nil {
		return nil, err
	}
	return respondFreeBalanceUpdate(ctx, op, pctx, Deposit, &params, msg, next, nil, nil)
}

// WithdrawInitiate runs the initiator side of the withdraw protocol: the
// withdrawer's free balance is debited and both parties sign the withdraw
// transaction out of the multisig.
func WithdrawInitiate(ctx context.Context, op Opcodes, pctx *Context, params *WithdrawParams) (*channel.StateChannel, *commitments.MultisigCommitment, error) {
	owner, err := params.Withdrawer.Address()
	if err != nil {
		return nil, nil, err
	}
	next, err := adjustedFreeBalance(pctx.Channel, params.AssetID, owner, new(big.Int).Neg(params.Amount))
	if err != nil {
		return nil, nil, err
	}
	withdraw, err := commitments.NewWithdrawCommitment(
		next.MultisigAddress, next.MultisigOwners, pctx.ChainID,
		params.Recipient, params.AssetID, params.Amount,
	)
	if err != nil {
		return nil, nil, err
	}
	entry := &WithdrawalEntry{
		Multisig:  params.MultisigAddress,
		Recipient: params.Recipient,
		AssetID:   params.AssetID,
		Amount:    new(big.Int).Set(params.Amount),
	}
	ch, err := exchangeFreeBalanceUpdate(ctx, op, pctx, Withdraw, params, next, withdraw, entry)
	if err != nil {
		return nil, nil, err
	}
	return ch, withdraw, nil
}

// WithdrawRespond runs the responder side of the withdraw protocol.
func WithdrawRespond(ctx context.Context, op Opcodes, pctx *Context, msg *wire.Envelope) (*channel.StateChannel, error) {
	var params WithdrawParams
	if err := msg.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	owner, err := params.Withdrawer.Address()
	if err != nil {
		return nil, err
	}
	next, err := adjustedFreeBalance(pctx.Channel, params.AssetID, owner, new(big.Int).Neg(params.Amount))
	if err != nil {
		return nil, err
	}
	withdraw, err := commitments.NewWithdrawCommitment(
		next.MultisigAddress, next.MultisigOwners, pctx.ChainID,
		params.Recipient, params.AssetID, params.Amount,
	)
	if err != nil {
		return nil, err
	}
	entry := &WithdrawalEntry{
		Multisig:  params.MultisigAddress,
		Recipient: params.Recipient,
		AssetID:   params.AssetID,
		Amount:    new(big.Int).Set(params.Amount),
	}
	return respondFreeBalanceUpdate(ctx, op, pctx, Withdraw, &params, msg, next, withdraw, entry)
}

// exchangeFreeBalanceUpdate is the initiator half of a two-round free
// balance SetState exchange, optionally alongside a withdraw commitment.
func exchangeFreeBalanceUpdate(ctx context.Context, op Opcodes, pctx *Context, name Name, params interface{}, next *channel.StateChannel, withdraw *commitments.MultisigCommitment, entry *WithdrawalEntry) (*channel.StateChannel, error) {
	setState := freeBalanceSetState(pctx, next)
	sig, err := signDigest(ctx, op, setState)
	if err != nil {
		return nil, err
	}
	var withdrawSig []byte
	if withdraw != nil {
		if withdrawSig, err = signDigest(ctx, op, withdraw); err != nil {
			return nil, err
		}
	}

	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	msg, err := pctx.newEnvelope(name, 1, peer, params, sig, withdrawSig)
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
	if withdraw != nil {
		if err := verifyCounterpartySig(withdraw, reply.CustomData.Signature2, peerAddr); err != nil {
			return nil, err
		}
		if err := withdraw.AddSignatures(withdrawSig, reply.CustomData.Signature2); err != nil {
			return nil, err
		}
	}

	err = op.Persist(ctx, &Commit{
		Kind:                commitKindForFundsFlow(withdraw),
		Channel:             next,
		FreeBalanceSetState: setState,
		WithdrawCommitment:  withdraw,
		Withdrawal:          entry,
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// respondFreeBalanceUpdate is the responder half of a two-round free
// balance SetState exchange.
func respondFreeBalanceUpdate(ctx context.Context, op Opcodes, pctx *Context, name Name, params interface{}, msg *wire.Envelope, next *channel.StateChannel, withdraw *commitments.MultisigCommitment, entry *WithdrawalEntry) (*channel.StateChannel, error) {
	peer, peerAddr, err := pctx.counterparty()
	if err != nil {
		return nil, err
	}
	if msg.FromIdentifier != peer {
		return nil, errors.Wrap(ErrBadCounterparty, string(name)+" initiator")
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
	var withdrawSig []byte
	if withdraw != nil {
		if err := verifyCounterpartySig(withdraw, msg.CustomData.Signature2, peerAddr); err != nil {
			return nil, err
		}
		if withdrawSig, err = signDigest(ctx, op, withdraw); err != nil {
			return nil, err
		}
		if err := withdraw.AddSignatures(msg.CustomData.Signature2, withdrawSig); err != nil {
			return nil, err
		}
	}

	err = op.Persist(ctx, &Commit{
		Kind:                commitKindForFundsFlow(withdraw),
		Channel:             next,
		FreeBalanceSetState: setState,
		WithdrawCommitment:  withdraw,
		Withdrawal:          entry,
	})
	if err != nil {
		return nil, err
	}

	reply, err := pctx.newEnvelope(name, 2, peer, params, sig, withdrawSig)
	if err != nil {
		return nil, err
	}
	if err := op.Send(ctx, reply); err != nil {
		return nil, err
	}
	return next, nil
}

func commitKindForFundsFlow(withdraw *commitments.MultisigCommitment) CommitKind {
	if withdraw != nil {
		return CommitWithdraw
	}
	return CommitUpdateFreeBalance
}

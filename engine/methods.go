// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
	"github.com/counterfactual/go-node/protocol"
	"github.com/counterfactual/go-node/wallet"
)

// Method names of the JSON-RPC style surface.
const (
	MethodCreate              = "chan_create"
	MethodDeposit             = "chan_deposit"
	MethodProposeInstall      = "chan_proposeInstall"
	MethodInstall             = "chan_install"
	MethodTakeAction          = "chan_takeAction"
	MethodUpdate              = "chan_update"
	MethodUninstall           = "chan_uninstall"
	MethodWithdraw            = "chan_withdraw"
	MethodGetState            = "chan_getState"
	MethodGetAppInstance      = "chan_getAppInstance"
	MethodGetChannelAddresses = "chan_getChannelAddresses"
)

type (
	// CreateChannelResult reports the channel opened by chan_create.
	CreateChannelResult struct {
		MultisigAddress common.Address `json:"multisigAddress"`
	}

	// ProposeInstallResult carries the identity hash install refers to.
	ProposeInstallResult struct {
		AppIdentityHash common.Hash `json:"appIdentityHash"`
	}

	// InstallResult reports the installed app.
	InstallResult struct {
		AppIdentityHash common.Hash `json:"appIdentityHash"`
	}

	// TakeActionResult reports the post-action state.
	TakeActionResult struct {
		NewState      hexutil.Bytes `json:"newState"`
		VersionNumber uint64        `json:"versionNumber"`
	}

	// UpdateResult reports the committed version.
	UpdateResult struct {
		VersionNumber uint64 `json:"versionNumber"`
	}

	// UninstallResult confirms removal.
	UninstallResult struct {
		AppIdentityHash common.Hash `json:"appIdentityHash"`
	}

	// WithdrawResult hands the caller the broadcastable transaction.
	WithdrawResult struct {
		Transaction commitments.MinimalTransaction `json:"transaction"`
	}
)

// getRequiredLockNames returns the multisigs a method execution locks,
// exactly one today.
func getRequiredLockNames(multisig common.Address) []common.Address {
	return []common.Address{multisig}
}

// CreateChannel runs the setup protocol with the responder identified by
// peer. The multisig address is derived from both signer addresses.
func (e *Engine) CreateChannel(ctx context.Context, peer wallet.Identifier) (*CreateChannelResult, error) {
	me := e.signer.PublicIdentifier()
	addrs, err := wallet.SignerAddresses([]wallet.Identifier{me, peer})
	if err != nil {
		return nil, classify(err)
	}
	multisig, err := channel.MultisigAddress(addrs, e.contracts.MultisigMasterCopy, e.contracts.ProxyFactory)
	if err != nil {
		return nil, classify(err)
	}

	release := e.locks.Acquire(getRequiredLockNames(multisig)...)
	defer release()

	pctx, err := e.newContext(ctx, multisig, false)
	if err != nil {
		return nil, classify(err)
	}
	params := &protocol.SetupParams{
		InitiatorIdentifier: me,
		ResponderIdentifier: peer,
		MultisigAddress:     multisig,
	}
	if _, err := protocol.SetupInitiate(ctx, e.opcodes(), pctx, params); err != nil {
		return nil, classify(err)
	}
	return &CreateChannelResult{MultisigAddress: multisig}, nil
}

// ProposeInstall runs the propose protocol.
func (e *Engine) ProposeInstall(ctx context.Context, params *protocol.ProposeParams) (*ProposeInstallResult, error) {
	release := e.locks.Acquire(getRequiredLockNames(params.MultisigAddress)...)
	defer release()

	pctx, err := e.newContext(ctx, params.MultisigAddress, true)
	if err != nil {
		return nil, classify(err)
	}
	params.InitiatorIdentifier = e.signer.PublicIdentifier()
	_, proposal, err := protocol.ProposeInitiate(ctx, e.opcodes(), pctx, params)
	if err != nil {
		return nil, classify(err)
	}
	return &ProposeInstallResult{AppIdentityHash: proposal.IdentityHash}, nil
}

// Install runs the install protocol for an accepted proposal.
func (e *Engine) Install(ctx context.Context, multisig common.Address, appIdentityHash common.Hash) (*InstallResult, error) {
	release := e.locks.Acquire(getRequiredLockNames(multisig)...)
	defer release()

	pctx, err := e.newContext(ctx, multisig, true)
	if err != nil {
		return nil, classify(err)
	}
	params := &protocol.InstallParams{MultisigAddress: multisig, AppIdentityHash: appIdentityHash}
	if _, err := protocol.InstallInitiate(ctx, e.opcodes(), pctx, params); err != nil {
		return nil, classify(err)
	}
	return &InstallResult{AppIdentityHash: appIdentityHash}, nil
}

// TakeAction runs the takeAction protocol.
func (e *Engine) TakeAction(ctx context.Context, multisig common.Address, appIdentityHash common.Hash, action []byte) (*TakeActionResult, error) {
	release := e.locks.Acquire(getRequiredLockNames(multisig)...)
	defer release()

	pctx, err := e.newContext(ctx, multisig, true)
	if err != nil {
		return nil, classify(err)
	}
	params := &protocol.TakeActionParams{
		MultisigAddress: multisig,
		AppIdentityHash: appIdentityHash,
		Action:          action,
	}
	next, err := protocol.TakeActionInitiate(ctx, e.opcodes(), pctx, params)
	if err != nil {
		return nil, classify(err)
	}
	app, err := next.App(appIdentityHash)
	if err != nil {
		return nil, classify(err)
	}
	return &TakeActionResult{NewState: app.LatestState, VersionNumber: app.VersionNumber}, nil
}

// Update runs the update protocol with a caller-supplied post-state.
func (e *Engine) Update(ctx context.Context, multisig common.Address, appIdentityHash common.Hash, newState []byte) (*UpdateResult, error) {
	release := e.locks.Acquire(getRequiredLockNames(multisig)...)
	defer release()

	pctx, err := e.newContext(ctx, multisig, true)
	if err != nil {
		return nil, classify(err)
	}
	params := &protocol.UpdateParams{
		MultisigAddress: multisig,
		AppIdentityHash: appIdentityHash,
		NewState:        newState,
	}
	next, err := protocol.UpdateInitiate(ctx, e.opcodes(), pctx, params)
	if err != nil {
		return nil, classify(err)
	}
	app, err := next.App(appIdentityHash)
	if err != nil {
		return nil, classify(err)
	}
	return &UpdateResult{VersionNumber: app.VersionNumber}, nil
}

// Uninstall runs the uninstall protocol.
func (e *Engine) Uninstall(ctx context.Context, multisig common.Address, appIdentityHash common.Hash) (*UninstallResult, error) {
	release := e.locks.Acquire(getRequiredLockNames(multisig)...)
	defer release()

	pctx, err := e.newContext(ctx, multisig, true)
	if err != nil {
		return nil, classify(err)
	}
	params := &protocol.UninstallParams{MultisigAddress: multisig, AppIdentityHash: appIdentityHash}
	if _, err := protocol.UninstallInitiate(ctx, e.opcodes(), pctx, params); err != nil {
		return nil, classify(err)
	}
	return &UninstallResult{AppIdentityHash: appIdentityHash}, nil
}

// Deposit records an on-chain deposit in the free balance via a two-party
// SetState exchange.
func (e *Engine) Deposit(ctx context.Context, multisig common.Address, token common.Address, amount *big.Int) error {
	release := e.locks.Acquire(getRequiredLockNames(multisig)...)
	defer release()

	pctx, err := e.newContext(ctx, multisig, true)
	if err != nil {
		return classify(err)
	}
	params := &protocol.DepositParams{
		MultisigAddress: multisig,
		Depositor:       e.signer.PublicIdentifier(),
		TokenAddress:    token,
		Amount:          amount,
	}
	if _, err := protocol.DepositInitiate(ctx, e.opcodes(), pctx, params); err != nil {
		return classify(err)
	}
	return nil
}

// Withdraw debits the free balance and returns the signed transaction
// moving funds out of the multisig.
func (e *Engine) Withdraw(ctx context.Context, multisig common.Address, recipient, assetID common.Address, amount *big.Int) (*WithdrawResult, error) {
	release := e.locks.Acquire(getRequiredLockNames(multisig)...)
	defer release()

	pctx, err := e.newContext(ctx, multisig, true)
	if err != nil {
		return nil, classify(err)
	}
	params := &protocol.WithdrawParams{
		MultisigAddress: multisig,
		Withdrawer:      e.signer.PublicIdentifier(),
		Recipient:       recipient,
		AssetID:         assetID,
		Amount:          amount,
	}
	_, withdraw, err := protocol.WithdrawInitiate(ctx, e.opcodes(), pctx, params)
	if err != nil {
		return nil, classify(err)
	}
	tx, err := withdraw.SignedTransaction()
	if err != nil {
		return nil, classify(err)
	}
	return &WithdrawResult{Transaction: tx}, nil
}

// GetState returns the current channel snapshot.
func (e *Engine) GetState(ctx context.Context, multisig common.Address) (*channel.StateChannel, error) {
	ch, err := e.store.GetStateChannel(ctx, multisig)
	if err != nil {
		return nil, classify(err)
	}
	return ch, nil
}

// GetAppInstance returns one installed app by identity hash.
func (e *Engine) GetAppInstance(ctx context.Context, appIdentityHash common.Hash) (*channel.AppInstance, error) {
	ch, err := e.store.GetStateChannelByAppIdentityHash(ctx, appIdentityHash)
	if err != nil {
		return nil, classify(err)
	}
	app, err := ch.App(appIdentityHash)
	if err != nil {
		return nil, classify(err)
	}
	return app, nil
}

// GetChannelAddresses lists every known multisig.
func (e *Engine) GetChannelAddresses(ctx context.Context) ([]common.Address, error) {
	chans, err := e.store.GetAllStateChannels(ctx)
	if err != nil {
		return nil, classify(err)
	}
	addrs := make([]common.Address, len(chans))
	for i, ch := range chans {
		addrs[i] = ch.MultisigAddress
	}
	return addrs, nil
}

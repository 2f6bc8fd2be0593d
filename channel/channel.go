// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/wallet"
)

// DefaultFreeBalanceTimeout is the challenge window, in blocks, of the free
// balance app.
const DefaultFreeBalanceTimeout = 172800

// StateChannelSchemaVersion is the current persisted channel layout version.
const StateChannelSchemaVersion = 1

var (
	// ErrAppNotFound no installed app has the given identity hash.
	ErrAppNotFound = errors.New("no app instance with that identity hash")
	// ErrProposalNotFound no proposal has the given identity hash.
	ErrProposalNotFound = errors.New("no proposal with that identity hash")
	// ErrAppExists the identity hash is already installed or proposed.
	ErrAppExists = errors.New("identity hash already present in channel")
	// ErrNoFreeBalance the channel has not completed setup.
	ErrNoFreeBalance = errors.New("channel has no free balance app")
	// ErrInsufficientFunds a debit exceeds the available free balance.
	ErrInsufficientFunds = errors.New("insufficient free balance")
)

// StateChannel is the off-chain view of one multisig. Transitions are pure:
// every mutator returns a fresh value and leaves the receiver untouched.
type StateChannel struct {
	MultisigAddress common.Address
	// UserIdentifiers are the two extended public keys, ordered so derived
	// addresses ascend.
	UserIdentifiers []wallet.Identifier
	// MultisigOwners are the derived signer addresses, ascending.
	MultisigOwners []common.Address
	FreeBalance    *AppInstance
	AppInstances   map[common.Hash]*AppInstance
	Proposals      map[common.Hash]*Proposal
	// MonotonicNumProposedApps assigns each new app its channel nonce and is
	// strictly increasing over the channel's life.
	MonotonicNumProposedApps uint64
	SchemaVersion            uint64
}

// TokenClaim is one credit applied to the free balance during uninstall.
type TokenClaim struct {
	Token  common.Address
	To     common.Address
	Amount *big.Int
}

// NewStateChannel builds an empty channel for the given identifiers. The
// identifiers are sorted by derived address; setup still has to install the
// free balance app.
func NewStateChannel(multisig common.Address, ids []wallet.Identifier) (*StateChannel, error) {
	sorted, err := wallet.SortIdentifiers(ids)
	if err != nil {
		return nil, err
	}
	owners, err := wallet.SignerAddresses(sorted)
	if err != nil {
		return nil, err
	}
	return &StateChannel{
		MultisigAddress:          multisig,
		UserIdentifiers:          sorted,
		MultisigOwners:           owners,
		AppInstances:             map[common.Hash]*AppInstance{},
		Proposals:                map[common.Hash]*Proposal{},
		MonotonicNumProposedApps: 1,
		SchemaVersion:            StateChannelSchemaVersion,
	}, nil
}

// SetupFreeBalance returns the channel with its free balance app installed
// at version 1 and zero balances for both owners under ether.
func (c *StateChannel) SetupFreeBalance(appDefinition common.Address) (*StateChannel, error) {
	if c.FreeBalance != nil {
		return nil, errors.New("free balance already installed")
	}
	state := &FreeBalanceState{
		TokenAddresses: []common.Address{ConventionForETHTokenAddress},
		Balances: [][]CoinTransfer{{
			{To: c.MultisigOwners[0], Amount: new(big.Int)},
			{To: c.MultisigOwners[1], Amount: new(big.Int)},
		}},
	}
	enc, err := state.Encode()
	if err != nil {
		return nil, err
	}
	next := c.clone()
	next.FreeBalance = &AppInstance{
		Identity: AppIdentity{
			ChannelNonce:   big.NewInt(0),
			Participants:   append([]common.Address(nil), c.MultisigOwners...),
			AppDefinition:  appDefinition,
			DefaultTimeout: big.NewInt(DefaultFreeBalanceTimeout),
		},
		LatestState:   enc,
		VersionNumber: 1,
		StateTimeout:  big.NewInt(DefaultFreeBalanceTimeout),
	}
	return next, nil
}

// FreeBalanceState decodes the current free balance app state.
func (c *StateChannel) FreeBalanceState() (*FreeBalanceState, error) {
	if c.FreeBalance == nil {
		return nil, ErrNoFreeBalance
	}
	return DecodeFreeBalanceState(c.FreeBalance.LatestState)
}

// App returns the installed app with the given identity hash.
func (c *StateChannel) App(h common.Hash) (*AppInstance, error) {
	app, ok := c.AppInstances[h]
	if !ok {
		return nil, ErrAppNotFound
	}
	return app, nil
}

// Proposal returns the pending proposal with the given identity hash.
func (c *StateChannel) Proposal(h common.Hash) (*Proposal, error) {
	p, ok := c.Proposals[h]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return p, nil
}

// AddProposal assigns the next channel nonce to the proposal, computes its
// identity hash, and returns the channel carrying it. The completed proposal
// is returned alongside.
func (c *StateChannel) AddProposal(p *Proposal) (*StateChannel, *Proposal, error) {
	filled := *p
	filled.Identity.ChannelNonce = new(big.Int).SetUint64(c.MonotonicNumProposedApps)
	h, err := filled.Identity.Hash()
	if err != nil {
		return nil, nil, err
	}
	filled.IdentityHash = h
	if _, dup := c.AppInstances[h]; dup {
		return nil, nil, errors.Wrap(ErrAppExists, "installed")
	}
	if _, dup := c.Proposals[h]; dup {
		return nil, nil, errors.Wrap(ErrAppExists, "proposed")
	}
	next := c.clone()
	next.Proposals[h] = &filled
	next.MonotonicNumProposedApps++
	return next, &filled, nil
}

// InstallApp turns the named proposal into an installed app, debiting both
// deposits from the free balance. Value is conserved: what leaves the free
// balance is exactly what the app's outcome can later redistribute.
func (c *StateChannel) InstallApp(h common.Hash) (*StateChannel, error) {
	p, err := c.Proposal(h)
	if err != nil {
		return nil, err
	}
	fb, err := c.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	addrs, err := wallet.SignerAddresses([]wallet.Identifier{p.InitiatorIdentifier, p.ResponderIdentifier})
	if err != nil {
		return nil, err
	}
	debited := fb.clone()
	if err := debited.adjust(p.InitiatorDepositToken, addrs[0], new(big.Int).Neg(p.InitiatorDeposit)); err != nil {
		return nil, errors.Wrap(ErrInsufficientFunds, err.Error())
	}
	if err := debited.adjust(p.ResponderDepositToken, addrs[1], new(big.Int).Neg(p.ResponderDeposit)); err != nil {
		return nil, errors.Wrap(ErrInsufficientFunds, err.Error())
	}
	enc, err := debited.Encode()
	if err != nil {
		return nil, err
	}
	next := c.clone()
	delete(next.Proposals, h)
	next.AppInstances[h] = &AppInstance{
		Identity:      p.Identity,
		LatestState:   append([]byte(nil), p.InitialState...),
		VersionNumber: 1,
		StateTimeout:  new(big.Int).Set(p.StateTimeout),
		OutcomeToken:  p.InitiatorDepositToken,
	}
	next.FreeBalance = next.FreeBalance.SetState(enc, next.FreeBalance.Identity.DefaultTimeout)
	return next, nil
}

// UninstallApp removes the app and credits the free balance with the app's
// final outcome.
func (c *StateChannel) UninstallApp(h common.Hash, claims []TokenClaim) (*StateChannel, error) {
	if _, err := c.App(h); err != nil {
		return nil, err
	}
	fb, err := c.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	credited := fb.clone()
	for _, claim := range claims {
		if err := credited.adjust(claim.Token, claim.To, claim.Amount); err != nil {
			return nil, err
		}
	}
	enc, err := credited.Encode()
	if err != nil {
		return nil, err
	}
	next := c.clone()
	delete(next.AppInstances, h)
	next.FreeBalance = next.FreeBalance.SetState(enc, next.FreeBalance.Identity.DefaultTimeout)
	return next, nil
}

// AdjustFreeBalance applies the claims to the free balance and bumps its
// version. Negative amounts debit; a debit below zero fails.
func (c *StateChannel) AdjustFreeBalance(claims []TokenClaim) (*StateChannel, error) {
	fb, err := c.FreeBalanceState()
	if err != nil {
		return nil, err
	}
	adjusted := fb.clone()
	for _, claim := range claims {
		if err := adjusted.adjust(claim.Token, claim.To, claim.Amount); err != nil {
			return nil, errors.Wrap(ErrInsufficientFunds, err.Error())
		}
	}
	enc, err := adjusted.Encode()
	if err != nil {
		return nil, err
	}
	next := c.clone()
	next.FreeBalance = next.FreeBalance.SetState(enc, next.FreeBalance.Identity.DefaultTimeout)
	return next, nil
}

// SetAppState replaces the named app with a copy at the next version.
func (c *StateChannel) SetAppState(h common.Hash, state []byte, timeout *big.Int) (*StateChannel, error) {
	app, err := c.App(h)
	if err != nil {
		return nil, err
	}
	next := c.clone()
	next.AppInstances[h] = app.SetState(state, timeout)
	return next, nil
}

// WithApp replaces the named app wholesale. Used to record a pending action
// alongside a state update.
func (c *StateChannel) WithApp(h common.Hash, app *AppInstance) (*StateChannel, error) {
	if _, err := c.App(h); err != nil {
		return nil, err
	}
	next := c.clone()
	next.AppInstances[h] = app
	return next, nil
}

// WithFreeBalance replaces the free balance app wholesale.
func (c *StateChannel) WithFreeBalance(fb *AppInstance) *StateChannel {
	next := c.clone()
	next.FreeBalance = fb
	return next
}

func (c *StateChannel) clone() *StateChannel {
	next := &StateChannel{
		MultisigAddress:          c.MultisigAddress,
		UserIdentifiers:          append([]wallet.Identifier(nil), c.UserIdentifiers...),
		MultisigOwners:           append([]common.Address(nil), c.MultisigOwners...),
		FreeBalance:              c.FreeBalance,
		AppInstances:             make(map[common.Hash]*AppInstance, len(c.AppInstances)),
		Proposals:                make(map[common.Hash]*Proposal, len(c.Proposals)),
		MonotonicNumProposedApps: c.MonotonicNumProposedApps,
		SchemaVersion:            c.SchemaVersion,
	}
	for h, app := range c.AppInstances {
		next.AppInstances[h] = app
	}
	for h, p := range c.Proposals {
		next.Proposals[h] = p
	}
	return next
}

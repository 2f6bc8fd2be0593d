// SPDX-License-Identifier: Apache-2.0

// Package store persists channels, commitments, and withdrawal monitors.
// Every multi-record write is all-or-nothing observable: the bolt backend
// gets this from native transactions, the memory backend from
// capture-and-revert compensation.
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
)

var (
	// ErrNotFound no record exists for the referenced key.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists a create collided with an existing record.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrSchemaDowngrade the schema version may only move forward.
	ErrSchemaDowngrade = errors.New("schema version downgrade rejected")
)

// Store is the persistence capability the engine consumes. Reads of missing
// records return ErrNotFound, never partially populated values.
type Store interface {
	GetStateChannel(ctx context.Context, multisig common.Address) (*channel.StateChannel, error)
	GetStateChannelByOwners(ctx context.Context, owners []common.Address) (*channel.StateChannel, error)
	GetStateChannelByAppIdentityHash(ctx context.Context, h common.Hash) (*channel.StateChannel, error)
	GetAllStateChannels(ctx context.Context) ([]*channel.StateChannel, error)

	// CreateStateChannel writes the channel, its setup commitment, and the
	// free balance's first SetState atomically.
	CreateStateChannel(ctx context.Context, ch *channel.StateChannel, setup *commitments.MultisigCommitment, fbSetState *commitments.SetStateCommitment) error
	// CreateAppProposal replaces the channel snapshot and records the
	// proposed app's initial SetState.
	CreateAppProposal(ctx context.Context, ch *channel.StateChannel, proposal *channel.Proposal, appSetState *commitments.SetStateCommitment) error
	RemoveAppProposal(ctx context.Context, ch *channel.StateChannel, h common.Hash) error
	// CreateAppInstance installs the app: new channel snapshot, free
	// balance SetState, and the conditional transaction, atomically.
	CreateAppInstance(ctx context.Context, ch *channel.StateChannel, h common.Hash, fbSetState *commitments.SetStateCommitment, conditional *commitments.MultisigCommitment) error
	// UpdateAppInstance replaces the channel snapshot and the app's
	// SetState commitment. A single-signed commitment lands in its own
	// slot; a double-signed one replaces the canonical slot and clears the
	// single-signed one.
	UpdateAppInstance(ctx context.Context, ch *channel.StateChannel, h common.Hash, setState *commitments.SetStateCommitment) error
	// RemoveAppInstance uninstalls the app, updating the free balance
	// SetState in the same write.
	RemoveAppInstance(ctx context.Context, ch *channel.StateChannel, h common.Hash, fbSetState *commitments.SetStateCommitment) error
	// UpdateFreeBalance replaces the channel snapshot and the free
	// balance's SetState.
	UpdateFreeBalance(ctx context.Context, ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment) error
	// SaveWithdrawal records the withdraw commitment, the debited free
	// balance, and the monitor entry atomically.
	SaveWithdrawal(ctx context.Context, ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment, withdraw *commitments.MultisigCommitment, entry *channel.Withdrawal) error

	GetSetupCommitment(ctx context.Context, multisig common.Address) (*commitments.MultisigCommitment, error)
	GetSetStateCommitment(ctx context.Context, h common.Hash) (*commitments.SetStateCommitment, error)
	GetSingleSignedSetStateCommitment(ctx context.Context, h common.Hash) (*commitments.SetStateCommitment, error)
	GetConditionalTransactionCommitment(ctx context.Context, h common.Hash) (*commitments.MultisigCommitment, error)
	GetWithdrawalCommitment(ctx context.Context, multisig common.Address) (*commitments.MultisigCommitment, error)

	GetUserWithdrawals(ctx context.Context) ([]*channel.Withdrawal, error)
	SaveUserWithdrawal(ctx context.Context, entry *channel.Withdrawal) error
	RemoveUserWithdrawal(ctx context.Context, entry *channel.Withdrawal) error

	GetSchemaVersion(ctx context.Context) (uint64, error)
	UpdateSchemaVersion(ctx context.Context, version uint64) error
}

// channelContainsApp reports whether h names the channel's free balance, an
// installed app, or a proposal.
func channelContainsApp(ch *channel.StateChannel, h common.Hash) bool {
	if ch.FreeBalance != nil {
		if fbHash, err := ch.FreeBalance.IdentityHash(); err == nil && fbHash == h {
			return true
		}
	}
	if _, ok := ch.AppInstances[h]; ok {
		return true
	}
	_, ok := ch.Proposals[h]
	return ok
}

// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
)

// Bucket names shared by the memory and bolt backends.
const (
	bucketChannels       = "channels"
	bucketSetup          = "setup"
	bucketSetStateSingle = "setstate-single"
	bucketSetStateDouble = "setstate-double"
	bucketConditional    = "conditional"
	bucketWithdraw       = "withdraw"
	bucketWithdrawals    = "withdrawals"
	bucketMeta           = "meta"
)

var schemaVersionKey = []byte("schemaVersion")

// Failpoint lets tests fail a specific record write mid-transaction.
type Failpoint func(bucket string, key []byte) error

// MemoryStore keeps all records in process. It has no native transactions,
// so every multi-record write captures the prior value of each touched key
// and restores all of them if any write fails.
type MemoryStore struct {
	mu        sync.RWMutex
	buckets   map[string]map[string][]byte
	failpoint Failpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[string]map[string][]byte{}}
}

// SetFailpoint installs fp for tests; nil clears it.
func (s *MemoryStore) SetFailpoint(fp Failpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failpoint = fp
}

type writeOp struct {
	bucket string
	key    []byte
	// value nil deletes the record.
	value []byte
}

type capturedValue struct {
	bucket  string
	key     string
	value   []byte
	existed bool
}

// applyWrites performs ops in order. On failure, already-applied ops are
// compensated back to their captured prior values before returning.
func (s *MemoryStore) applyWrites(ops []writeOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := make([]capturedValue, len(ops))
	for i, op := range ops {
		old, existed := s.buckets[op.bucket][string(op.key)]
		prior[i] = capturedValue{bucket: op.bucket, key: string(op.key), value: old, existed: existed}
	}

	for i, op := range ops {
		if s.failpoint != nil {
			if err := s.failpoint(op.bucket, op.key); err != nil {
				if rerr := s.restore(prior[:i]); rerr != nil {
					return multierror.Append(err, rerr)
				}
				return err
			}
		}
		s.put(op.bucket, string(op.key), op.value)
	}
	return nil
}

// restore walks captured values newest-first, putting each key back. The
// in-memory restore cannot itself fail; the error return keeps the
// compensation contract explicit for backends that wrap this store.
func (s *MemoryStore) restore(applied []capturedValue) error {
	for i := len(applied) - 1; i >= 0; i-- {
		c := applied[i]
		if c.existed {
			s.put(c.bucket, c.key, c.value)
		} else {
			s.put(c.bucket, c.key, nil)
		}
	}
	return nil
}

func (s *MemoryStore) put(bucket, key string, value []byte) {
	b, ok := s.buckets[bucket]
	if !ok {
		b = map[string][]byte{}
		s.buckets[bucket] = b
	}
	if value == nil {
		delete(b, key)
		return
	}
	b[key] = append([]byte(nil), value...)
}

func (s *MemoryStore) getRecord(bucket, key string, v interface{}) error {
	s.mu.RLock()
	data, ok := s.buckets[bucket][key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return decodeRecord(data, v)
}

func (s *MemoryStore) GetStateChannel(_ context.Context, multisig common.Address) (*channel.StateChannel, error) {
	var ch channel.StateChannel
	if err := s.getRecord(bucketChannels, string(multisig.Bytes()), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *MemoryStore) GetAllStateChannels(_ context.Context) ([]*channel.StateChannel, error) {
	s.mu.RLock()
	raw := make([][]byte, 0, len(s.buckets[bucketChannels]))
	for _, data := range s.buckets[bucketChannels] {
		raw = append(raw, data)
	}
	s.mu.RUnlock()

	chans := make([]*channel.StateChannel, len(raw))
	for i, data := range raw {
		var ch channel.StateChannel
		if err := decodeRecord(data, &ch); err != nil {
			return nil, err
		}
		chans[i] = &ch
	}
	return chans, nil
}

func (s *MemoryStore) GetStateChannelByOwners(ctx context.Context, owners []common.Address) (*channel.StateChannel, error) {
	chans, err := s.GetAllStateChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range chans {
		if sameOwners(ch.MultisigOwners, owners) {
			return ch, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetStateChannelByAppIdentityHash(ctx context.Context, h common.Hash) (*channel.StateChannel, error) {
	chans, err := s.GetAllStateChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range chans {
		if channelContainsApp(ch, h) {
			return ch, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateStateChannel(_ context.Context, ch *channel.StateChannel, setup *commitments.MultisigCommitment, fbSetState *commitments.SetStateCommitment) error {
	s.mu.RLock()
	_, exists := s.buckets[bucketChannels][string(ch.MultisigAddress.Bytes())]
	s.mu.RUnlock()
	if exists {
		return ErrAlreadyExists
	}
	ops, err := createChannelOps(ch, setup, fbSetState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) CreateAppProposal(ctx context.Context, ch *channel.StateChannel, proposal *channel.Proposal, appSetState *commitments.SetStateCommitment) error {
	existing, err := s.GetStateChannel(ctx, ch.MultisigAddress)
	if err != nil {
		return err
	}
	if _, dup := existing.Proposals[proposal.IdentityHash]; dup {
		return ErrAlreadyExists
	}
	if _, dup := existing.AppInstances[proposal.IdentityHash]; dup {
		return ErrAlreadyExists
	}
	ops, err := proposalOps(ch, proposal.IdentityHash, appSetState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) RemoveAppProposal(_ context.Context, ch *channel.StateChannel, h common.Hash) error {
	ops, err := channelOnlyOps(ch)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) CreateAppInstance(_ context.Context, ch *channel.StateChannel, h common.Hash, fbSetState *commitments.SetStateCommitment, conditional *commitments.MultisigCommitment) error {
	ops, err := installOps(ch, h, fbSetState, conditional)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) UpdateAppInstance(_ context.Context, ch *channel.StateChannel, h common.Hash, setState *commitments.SetStateCommitment) error {
	ops, err := updateAppOps(ch, h, setState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) RemoveAppInstance(_ context.Context, ch *channel.StateChannel, h common.Hash, fbSetState *commitments.SetStateCommitment) error {
	ops, err := uninstallOps(ch, fbSetState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) UpdateFreeBalance(_ context.Context, ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment) error {
	ops, err := uninstallOps(ch, fbSetState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) SaveWithdrawal(_ context.Context, ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment, withdraw *commitments.MultisigCommitment, entry *channel.Withdrawal) error {
	ops, err := withdrawalOps(ch, fbSetState, withdraw, entry)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *MemoryStore) GetSetupCommitment(_ context.Context, multisig common.Address) (*commitments.MultisigCommitment, error) {
	var c commitments.MultisigCommitment
	if err := s.getRecord(bucketSetup, string(multisig.Bytes()), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MemoryStore) GetSetStateCommitment(_ context.Context, h common.Hash) (*commitments.SetStateCommitment, error) {
	var c commitments.SetStateCommitment
	if err := s.getRecord(bucketSetStateDouble, string(h.Bytes()), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MemoryStore) GetSingleSignedSetStateCommitment(_ context.Context, h common.Hash) (*commitments.SetStateCommitment, error) {
	var c commitments.SetStateCommitment
	if err := s.getRecord(bucketSetStateSingle, string(h.Bytes()), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MemoryStore) GetConditionalTransactionCommitment(_ context.Context, h common.Hash) (*commitments.MultisigCommitment, error) {
	var c commitments.MultisigCommitment
	if err := s.getRecord(bucketConditional, string(h.Bytes()), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MemoryStore) GetWithdrawalCommitment(_ context.Context, multisig common.Address) (*commitments.MultisigCommitment, error) {
	var c commitments.MultisigCommitment
	if err := s.getRecord(bucketWithdraw, string(multisig.Bytes()), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MemoryStore) GetUserWithdrawals(_ context.Context) ([]*channel.Withdrawal, error) {
	s.mu.RLock()
	raw := make([][]byte, 0, len(s.buckets[bucketWithdrawals]))
	for _, data := range s.buckets[bucketWithdrawals] {
		raw = append(raw, data)
	}
	s.mu.RUnlock()

	entries := make([]*channel.Withdrawal, len(raw))
	for i, data := range raw {
		var w channel.Withdrawal
		if err := decodeRecord(data, &w); err != nil {
			return nil, err
		}
		entries[i] = &w
	}
	return entries, nil
}

func (s *MemoryStore) SaveUserWithdrawal(_ context.Context, entry *channel.Withdrawal) error {
	data, err := encodeRecord(entry)
	if err != nil {
		return err
	}
	return s.applyWrites([]writeOp{{bucket: bucketWithdrawals, key: withdrawalKey(entry), value: data}})
}

func (s *MemoryStore) RemoveUserWithdrawal(_ context.Context, entry *channel.Withdrawal) error {
	return s.applyWrites([]writeOp{{bucket: bucketWithdrawals, key: withdrawalKey(entry)}})
}

func (s *MemoryStore) GetSchemaVersion(_ context.Context) (uint64, error) {
	s.mu.RLock()
	data, ok := s.buckets[bucketMeta][string(schemaVersionKey)]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return decodeSchemaVersion(data)
}

func (s *MemoryStore) UpdateSchemaVersion(ctx context.Context, version uint64) error {
	current, err := s.GetSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version < current {
		return ErrSchemaDowngrade
	}
	return s.applyWrites([]writeOp{{bucket: bucketMeta, key: schemaVersionKey, value: encodeSchemaVersion(version)}})
}

// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"os"
	"path"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"perun.network/go-perun/log"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
)

// BoltFileName is the name of the file boltdb writes to.
const BoltFileName = "channels.db"

// boltOpenPerm is the permission used for the bolt store file on disk.
const boltOpenPerm os.FileMode = 0660

var boltBuckets = []string{
	bucketChannels, bucketSetup, bucketSetStateSingle, bucketSetStateDouble,
	bucketConditional, bucketWithdraw, bucketWithdrawals, bucketMeta,
}

// BoltStore implements Store on boltdb. Records are stored JSON-encoded,
// one bucket per record kind; multi-record writes run in a single bolt
// transaction, so atomicity is native and no compensation path is needed.
type BoltStore struct {
	log.Embedding
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the bolt file under folder and ensures
// all buckets exist.
func NewBoltStore(folder string, opts *bolt.Options) (*BoltStore, error) {
	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, boltOpenPerm, opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating buckets")
	}
	return &BoltStore{Embedding: log.MakeEmbedding(log.Default()), db: db}, nil
}

// Close releases the bolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// applyWrites runs ops inside one bolt transaction.
func (s *BoltStore) applyWrites(ops []writeOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket([]byte(op.bucket))
			if op.value == nil {
				if err := b.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) getRecord(bucket string, key []byte, v interface{}) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get(key)
		if raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "reading record")
	}
	if data == nil {
		return ErrNotFound
	}
	return decodeRecord(data, v)
}

func (s *BoltStore) GetStateChannel(_ context.Context, multisig common.Address) (*channel.StateChannel, error) {
	var ch channel.StateChannel
	if err := s.getRecord(bucketChannels, multisig.Bytes(), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *BoltStore) GetAllStateChannels(_ context.Context) ([]*channel.StateChannel, error) {
	var chans []*channel.StateChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketChannels)).ForEach(func(_, data []byte) error {
			var ch channel.StateChannel
			if err := decodeRecord(data, &ch); err != nil {
				return err
			}
			chans = append(chans, &ch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chans, nil
}

func (s *BoltStore) GetStateChannelByOwners(ctx context.Context, owners []common.Address) (*channel.StateChannel, error) {
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

func (s *BoltStore) GetStateChannelByAppIdentityHash(ctx context.Context, h common.Hash) (*channel.StateChannel, error) {
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

func (s *BoltStore) CreateStateChannel(ctx context.Context, ch *channel.StateChannel, setup *commitments.MultisigCommitment, fbSetState *commitments.SetStateCommitment) error {
	if _, err := s.GetStateChannel(ctx, ch.MultisigAddress); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	ops, err := createChannelOps(ch, setup, fbSetState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *BoltStore) CreateAppProposal(ctx context.Context, ch *channel.StateChannel, proposal *channel.Proposal, appSetState *commitments.SetStateCommitment) error {
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

func (s *BoltStore) RemoveAppProposal(_ context.Context, ch *channel.StateChannel, _ common.Hash) error {
	ops, err := channelOnlyOps(ch)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *BoltStore) CreateAppInstance(_ context.Context, ch *channel.StateChannel, h common.Hash, fbSetState *commitments.SetStateCommitment, conditional *commitments.MultisigCommitment) error {
	ops, err := installOps(ch, h, fbSetState, conditional)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *BoltStore) UpdateAppInstance(_ context.Context, ch *channel.StateChannel, h common.Hash, setState *commitments.SetStateCommitment) error {
	ops, err := updateAppOps(ch, h, setState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *BoltStore) RemoveAppInstance(_ context.Context, ch *channel.StateChannel, _ common.Hash, fbSetState *commitments.SetStateCommitment) error {
	ops, err := uninstallOps(ch, fbSetState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *BoltStore) UpdateFreeBalance(_ context.Context, ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment) error {
	ops, err := uninstallOps(ch, fbSetState)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *BoltStore) SaveWithdrawal(_ context.Context, ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment, withdraw *commitments.MultisigCommitment, entry *channel.Withdrawal) error {
	ops, err := withdrawalOps(ch, fbSetState, withdraw, entry)
	if err != nil {
		return err
	}
	return s.applyWrites(ops)
}

func (s *BoltStore) GetSetupCommitment(_ context.Context, multisig common.Address) (*commitments.MultisigCommitment, error) {
	var c commitments.MultisigCommitment
	if err := s.getRecord(bucketSetup, multisig.Bytes(), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetSetStateCommitment(_ context.Context, h common.Hash) (*commitments.SetStateCommitment, error) {
	var c commitments.SetStateCommitment
	if err := s.getRecord(bucketSetStateDouble, h.Bytes(), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetSingleSignedSetStateCommitment(_ context.Context, h common.Hash) (*commitments.SetStateCommitment, error) {
	var c commitments.SetStateCommitment
	if err := s.getRecord(bucketSetStateSingle, h.Bytes(), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetConditionalTransactionCommitment(_ context.Context, h common.Hash) (*commitments.MultisigCommitment, error) {
	var c commitments.MultisigCommitment
	if err := s.getRecord(bucketConditional, h.Bytes(), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetWithdrawalCommitment(_ context.Context, multisig common.Address) (*commitments.MultisigCommitment, error) {
	var c commitments.MultisigCommitment
	if err := s.getRecord(bucketWithdraw, multisig.Bytes(), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetUserWithdrawals(_ context.Context) ([]*channel.Withdrawal, error) {
	var entries []*channel.Withdrawal
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWithdrawals)).ForEach(func(_, data []byte) error {
			var w channel.Withdrawal
			if err := decodeRecord(data, &w); err != nil {
				return err
			}
			entries = append(entries, &w)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BoltStore) SaveUserWithdrawal(_ context.Context, entry *channel.Withdrawal) error {
	data, err := encodeRecord(entry)
	if err != nil {
		return err
	}
	return s.applyWrites([]writeOp{{bucket: bucketWithdrawals, key: withdrawalKey(entry), value: data}})
}

func (s *BoltStore) RemoveUserWithdrawal(_ context.Context, entry *channel.Withdrawal) error {
	return s.applyWrites([]writeOp{{bucket: bucketWithdrawals, key: withdrawalKey(entry)}})
}

func (s *BoltStore) GetSchemaVersion(_ context.Context) (uint64, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketMeta)).Get(schemaVersionKey)
		if raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}
	return decodeSchemaVersion(data)
}

func (s *BoltStore) UpdateSchemaVersion(ctx context.Context, version uint64) error {
	current, err := s.GetSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version < current {
		return ErrSchemaDowngrade
	}
	return s.applyWrites([]writeOp{{bucket: bucketMeta, key: schemaVersionKey, value: encodeSchemaVersion(version)}})
}

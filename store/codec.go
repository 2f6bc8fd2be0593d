// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/channel/commitments"
)

// Records are stored JSON-encoded; common.Hash and common.Address marshal
// to hex text, so channel maps keyed by hash survive the round trip.

func encodeRecord(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Wrap(err, "encoding store record")
}

func decodeRecord(data []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(data, v), "decoding store record")
}

func encodeSchemaVersion(v uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], v)
	return out[:]
}

func decodeSchemaVersion(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, errors.Errorf("schema version record has %d bytes, want 8", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func withdrawalKey(entry *channel.Withdrawal) []byte {
	key := make([]byte, 0, 3*common.AddressLength)
	key = append(key, entry.Multisig.Bytes()...)
	key = append(key, entry.Recipient.Bytes()...)
	key = append(key, entry.AssetID.Bytes()...)
	return key
}

func sameOwners(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// The ops builders below shape each engine-level transition as an ordered
// write list consumed by either backend.

func channelWrite(ch *channel.StateChannel) (writeOp, error) {
	data, err := encodeRecord(ch)
	if err != nil {
		return writeOp{}, err
	}
	return writeOp{bucket: bucketChannels, key: ch.MultisigAddress.Bytes(), value: data}, nil
}

func channelOnlyOps(ch *channel.StateChannel) ([]writeOp, error) {
	op, err := channelWrite(ch)
	if err != nil {
		return nil, err
	}
	return []writeOp{op}, nil
}

func setStateWrite(h common.Hash, c *commitments.SetStateCommitment) ([]writeOp, error) {
	data, err := encodeRecord(c)
	if err != nil {
		return nil, err
	}
	if len(c.Signatures) < 2 {
		return []writeOp{{bucket: bucketSetStateSingle, key: h.Bytes(), value: data}}, nil
	}
	// A double-signed commitment supersedes any single-signed one kept for
	// the progressState path.
	return []writeOp{
		{bucket: bucketSetStateDouble, key: h.Bytes(), value: data},
		{bucket: bucketSetStateSingle, key: h.Bytes()},
	}, nil
}

func createChannelOps(ch *channel.StateChannel, setup *commitments.MultisigCommitment, fbSetState *commitments.SetStateCommitment) ([]writeOp, error) {
	ops, err := channelOnlyOps(ch)
	if err != nil {
		return nil, err
	}
	setupData, err := encodeRecord(setup)
	if err != nil {
		return nil, err
	}
	ops = append(ops, writeOp{bucket: bucketSetup, key: ch.MultisigAddress.Bytes(), value: setupData})

	fbHash, err := ch.FreeBalance.IdentityHash()
	if err != nil {
		return nil, err
	}
	fbOps, err := setStateWrite(fbHash, fbSetState)
	if err != nil {
		return nil, err
	}
	return append(ops, fbOps...), nil
}

func proposalOps(ch *channel.StateChannel, h common.Hash, appSetState *commitments.SetStateCommitment) ([]writeOp, error) {
	ops, err := channelOnlyOps(ch)
	if err != nil {
		return nil, err
	}
	ssOps, err := setStateWrite(h, appSetState)
	if err != nil {
		return nil, err
	}
	return append(ops, ssOps...), nil
}

func installOps(ch *channel.StateChannel, h common.Hash, fbSetState *commitments.SetStateCommitment, conditional *commitments.MultisigCommitment) ([]writeOp, error) {
	ops, err := channelOnlyOps(ch)
	if err != nil {
		return nil, err
	}
	fbHash, err := ch.FreeBalance.IdentityHash()
	if err != nil {
		return nil, err
	}
	fbOps, err := setStateWrite(fbHash, fbSetState)
	if err != nil {
		return nil, err
	}
	ops = append(ops, fbOps...)

	condData, err := encodeRecord(conditional)
	if err != nil {
		return nil, err
	}
	return append(ops, writeOp{bucket: bucketConditional, key: h.Bytes(), value: condData}), nil
}

func updateAppOps(ch *channel.StateChannel, h common.Hash, setState *commitments.SetStateCommitment) ([]writeOp, error) {
	ops, err := channelOnlyOps(ch)
	if err != nil {
		return nil, err
	}
	ssOps, err := setStateWrite(h, setState)
	if err != nil {
		return nil, err
	}
	return append(ops, ssOps...), nil
}

func uninstallOps(ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment) ([]writeOp, error) {
	ops, err := channelOnlyOps(ch)
	if err != nil {
		return nil, err
	}
	fbHash, err := ch.FreeBalance.IdentityHash()
	if err != nil {
		return nil, err
	}
	fbOps, err := setStateWrite(fbHash, fbSetState)
	if err != nil {
		return nil, err
	}
	return append(ops, fbOps...), nil
}

func withdrawalOps(ch *channel.StateChannel, fbSetState *commitments.SetStateCommitment, withdraw *commitments.MultisigCommitment, entry *channel.Withdrawal) ([]writeOp, error) {
	ops, err := uninstallOps(ch, fbSetState)
	if err != nil {
		return nil, err
	}
	withdrawData, err := encodeRecord(withdraw)
	if err != nil {
		return nil, err
	}
	ops = append(ops, writeOp{bucket: bucketWithdraw, key: ch.MultisigAddress.Bytes(), value: withdrawData})

	entryData, err := encodeRecord(entry)
	if err != nil {
		return nil, err
	}
	return append(ops, writeOp{bucket: bucketWithdrawals, key: withdrawalKey(entry), value: entryData}), nil
}

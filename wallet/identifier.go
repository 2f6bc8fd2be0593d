// SPDX-License-Identifier: Apache-2.0

package wallet

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var (
	// ErrPrivateIdentifier an extended private key was used where a public
	// identifier is expected.
	ErrPrivateIdentifier = errors.New("identifier must be a neutered extended key")
	// ErrIdentifierCount an operation needs exactly two identifiers.
	ErrIdentifierCount = errors.New("expected exactly two identifiers")
)

// Identifier is a participant's public identity: a BIP32 neutered extended
// key in its base58 string form. The signer address is derived from the
// first non-hardened child.
type Identifier string

// Address derives the identifier's 20-byte signer address.
func (id Identifier) Address() (common.Address, error) {
	key, err := hdkeychain.NewKeyFromString(string(id))
	if err != nil {
		return common.Address{}, errors.Wrap(err, "decoding extended key")
	}
	if key.IsPrivate() {
		return common.Address{}, ErrPrivateIdentifier
	}
	child, err := key.Derive(0)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "deriving signing child")
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return common.Address{}, errors.Wrap(err, "extracting child public key")
	}
	return crypto.PubkeyToAddress(*pub.ToECDSA()), nil
}

// SortIdentifiers returns the two identifiers ordered so that their derived
// signer addresses are ascending. The sort is stable for equal inputs.
func SortIdentifiers(ids []Identifier) ([]Identifier, error) {
	if len(ids) != 2 {
		return nil, ErrIdentifierCount
	}
	addrs, err := SignerAddresses(ids)
	if err != nil {
		return nil, err
	}
	sorted := []Identifier{ids[0], ids[1]}
	if bytes.Compare(addrs[0].Bytes(), addrs[1].Bytes()) > 0 {
		sorted[0], sorted[1] = sorted[1], sorted[0]
	}
	return sorted, nil
}

// SignerAddresses derives the signer address of every identifier, preserving
// input order.
func SignerAddresses(ids []Identifier) ([]common.Address, error) {
	addrs := make([]common.Address, len(ids))
	for i, id := range ids {
		a, err := id.Address()
		if err != nil {
			return nil, errors.WithMessagef(err, "identifier %d", i)
		}
		addrs[i] = a
	}
	return addrs, nil
}

// SortAddresses returns a copy of addrs in ascending byte order, the order
// the multisig verifies signatures in.
func SortAddresses(addrs []common.Address) []common.Address {
	sorted := make([]common.Address, len(addrs))
	copy(sorted, addrs)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Bytes(), sorted[j].Bytes()) < 0
	})
	return sorted
}

// SPDX-License-Identifier: Apache-2.0

package wallet

import (
	"context"
	"crypto/ecdsa"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// SignatureLength is the length of a recoverable ECDSA signature r||s||v.
const SignatureLength = 65

// Signer is the process-scoped signing capability handed to an engine. It is
// passed by reference; multiple engines in one process hold distinct signers.
type Signer interface {
	// PublicIdentifier returns the neutered extended key peers know this
	// signer by.
	PublicIdentifier() Identifier
	// Address returns the derived signer address.
	Address() common.Address
	// SignDigest signs a 32-byte digest, returning a 65-byte r||s||v
	// signature with v in {27, 28}. May be asynchronous for remote keys,
	// hence the context.
	SignDigest(ctx context.Context, digest common.Hash) ([]byte, error)
}

// HDSigner signs with the first non-hardened child of an extended private
// key, matching the address peers derive from the neutered identifier.
type HDSigner struct {
	identifier Identifier
	address    common.Address
	key        *ecdsa.PrivateKey
}

var _ Signer = (*HDSigner)(nil)

// NewHDSigner builds a signer from an extended private key string.
func NewHDSigner(xprv string) (*HDSigner, error) {
	master, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, errors.Wrap(err, "decoding extended private key")
	}
	if !master.IsPrivate() {
		return nil, errors.New("signer needs an extended private key")
	}
	return newHDSigner(master)
}

// NewHDSignerFromSeed builds a signer from raw seed bytes.
func NewHDSignerFromSeed(seed []byte) (*HDSigner, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.Wrap(err, "building master key")
	}
	return newHDSigner(master)
}

func newHDSigner(master *hdkeychain.ExtendedKey) (*HDSigner, error) {
	neutered, err := master.Neuter()
	if err != nil {
		return nil, errors.Wrap(err, "neutering master key")
	}
	child, err := master.Derive(0)
	if err != nil {
		return nil, errors.Wrap(err, "deriving signing child")
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, "extracting child private key")
	}
	key := priv.ToECDSA()
	return &HDSigner{
		identifier: Identifier(neutered.String()),
		address:    crypto.PubkeyToAddress(key.PublicKey),
		key:        key,
	}, nil
}

func (s *HDSigner) PublicIdentifier() Identifier { return s.identifier }

func (s *HDSigner) Address() common.Address { return s.address }

func (s *HDSigner) SignDigest(_ context.Context, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing digest")
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner recovers the address that produced sig over digest. Both
// v in {0, 1} and v in {27, 28} encodings are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, errors.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	norm := make([]byte, SignatureLength)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), norm)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recovering public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner checks that sig over digest recovers to expected.
func VerifySigner(digest common.Hash, sig []byte, expected common.Address) error {
	got, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if got != expected {
		return errors.Errorf("signature by %s, expected %s", got.Hex(), expected.Hex())
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0

package commitments

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/wallet"
)

var (
	testRegistry = common.HexToAddress("0x0200000000000000000000000000000000000001")
	testMultisig = common.HexToAddress("0x0200000000000000000000000000000000000002")
	testTarget   = common.HexToAddress("0x0200000000000000000000000000000000000003")
	testChainID  = big.NewInt(1337)
)

type testParty struct {
	signer *wallet.HDSigner
	addr   common.Address
}

// newParties returns two signers ordered ascending by address.
func newParties(t *testing.T) (testParty, testParty) {
	t.Helper()
	rng := ptest.Prng(t)
	parties := make([]testParty, 2)
	for i := range parties {
		seed := make([]byte, 32)
		_, err := rng.Read(seed)
		require.NoError(t, err)
		signer, err := wallet.NewHDSignerFromSeed(seed)
		require.NoError(t, err)
		parties[i] = testParty{signer: signer, addr: signer.Address()}
	}
	if bytes.Compare(parties[0].addr.Bytes(), parties[1].addr.Bytes()) > 0 {
		parties[0], parties[1] = parties[1], parties[0]
	}
	return parties[0], parties[1]
}

func testIdentity(low, high common.Address) channel.AppIdentity {
	return channel.AppIdentity{
		ChannelNonce:   big.NewInt(1),
		Participants:   []common.Address{low, high},
		AppDefinition:  common.HexToAddress("0x0200000000000000000000000000000000000004"),
		DefaultTimeout: big.NewInt(100),
	}
}

func sign(t *testing.T, signer *wallet.HDSigner, c Commitment) []byte {
	t.Helper()
	digest, err := c.HashToSign()
	require.NoError(t, err)
	sig, err := signer.SignDigest(context.Background(), digest)
	require.NoError(t, err)
	return sig
}

// TestSetStateDigestLayout pins the hash-to-sign to the registry's packed
// layout: 0x19 || identityHash || versionNumber || timeout || stateHash.
func TestSetStateDigestLayout(t *testing.T) {
	low, high := newParties(t)
	identity := testIdentity(low.addr, high.addr)
	stateHash := crypto.Keccak256Hash([]byte("app state"))

	c := NewSetStateCommitment(testRegistry, identity, stateHash, 2, big.NewInt(100))
	digest, err := c.HashToSign()
	require.NoError(t, err)

	identityHash, err := identity.Hash()
	require.NoError(t, err)
	var version, timeout [32]byte
	big.NewInt(2).FillBytes(version[:])
	big.NewInt(100).FillBytes(timeout[:])

	packed := []byte{0x19}
	packed = append(packed, identityHash.Bytes()...)
	packed = append(packed, version[:]...)
	packed = append(packed, timeout[:]...)
	packed = append(packed, stateHash.Bytes()...)
	require.Equal(t, crypto.Keccak256Hash(packed), digest)
}

// TestMultisigDigestLayout pins the execTransaction digest and the domain
// separator to the multisig's packed layouts.
func TestMultisigDigestLayout(t *testing.T) {
	low, high := newParties(t)
	owners := []common.Address{low.addr, high.addr}
	data := []byte{0xde, 0xad}

	c := newMultisigCommitment(testMultisig, owners, testChainID, testTarget, big.NewInt(7), data, OpCall)

	var chainID [32]byte
	testChainID.FillBytes(chainID[:])
	sepPacked := append([]byte(nil), crypto.Keccak256([]byte(DefaultDomainName))...)
	sepPacked = append(sepPacked, crypto.Keccak256([]byte(DefaultDomainVersion))...)
	sepPacked = append(sepPacked, chainID[:]...)
	sepPacked = append(sepPacked, testMultisig.Bytes()...)
	sepPacked = append(sepPacked, make([]byte, 32)...)
	require.Equal(t, crypto.Keccak256Hash(sepPacked), c.DomainSeparatorHash())

	var value, nonce [32]byte
	big.NewInt(7).FillBytes(value[:])
	packed := []byte{0x19}
	packed = append(packed, low.addr.Bytes()...)
	packed = append(packed, high.addr.Bytes()...)
	packed = append(packed, testTarget.Bytes()...)
	packed = append(packed, value[:]...)
	packed = append(packed, crypto.Keccak256(data)...)
	packed = append(packed, OpCall)
	packed = append(packed, c.DomainSeparatorHash().Bytes()...)
	packed = append(packed, nonce[:]...)

	digest, err := c.HashToSign()
	require.NoError(t, err)
	require.Equal(t, crypto.Keccak256Hash(packed), digest)
}

// TestSignatureOrdering asserts signatures are reordered ascending by
// recovered address regardless of the order they were attached in.
func TestSignatureOrdering(t *testing.T) {
	low, high := newParties(t)
	identity := testIdentity(low.addr, high.addr)

	c := NewSetStateCommitment(testRegistry, identity, crypto.Keccak256Hash([]byte("s")), 1, big.NewInt(10))
	sigLow := sign(t, low.signer, c)
	sigHigh := sign(t, high.signer, c)

	require.NoError(t, c.AddSignatures(sigHigh, sigLow))

	digest, err := c.HashToSign()
	require.NoError(t, err)
	first, err := wallet.RecoverSigner(digest, c.Signatures[0])
	require.NoError(t, err)
	second, err := wallet.RecoverSigner(digest, c.Signatures[1])
	require.NoError(t, err)
	require.Equal(t, low.addr, first, "first signature recovers the lower address")
	require.Equal(t, high.addr, second, "second signature recovers the higher address")
}

func TestAddSignaturesRejectsOutsiders(t *testing.T) {
	low, high := newParties(t)
	identity := testIdentity(low.addr, high.addr)
	c := NewSetStateCommitment(testRegistry, identity, crypto.Keccak256Hash([]byte("s")), 1, big.NewInt(10))

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 0x77
	}
	outsider, err := wallet.NewHDSignerFromSeed(seed)
	require.NoError(t, err)

	sigOut := sign(t, outsider, c)
	sigLow := sign(t, low.signer, c)
	require.ErrorIs(t, c.AddSignatures(sigLow, sigOut), ErrUnknownSigner)
	require.ErrorIs(t, c.AddSignatures(sigLow, sigLow), ErrDuplicateSigner)
}

func TestSignedTransactionRequiresBothSignatures(t *testing.T) {
	low, high := newParties(t)
	identity := testIdentity(low.addr, high.addr)
	c := NewSetStateCommitment(testRegistry, identity, crypto.Keccak256Hash([]byte("s")), 1, big.NewInt(10))

	_, err := c.SignedTransaction()
	require.ErrorIs(t, err, ErrMissingSignatures)

	require.NoError(t, c.AddSignatures(sign(t, low.signer, c)))
	_, err = c.SignedTransaction()
	require.ErrorIs(t, err, ErrMissingSignatures, "single-signed commitment is not broadcastable")

	require.NoError(t, c.AddSignatures(sign(t, low.signer, c), sign(t, high.signer, c)))
	tx, err := c.SignedTransaction()
	require.NoError(t, err)
	require.Equal(t, testRegistry, tx.To)
	require.Zero(t, tx.Value.Sign())
	require.Equal(t, setStateSelector, []byte(tx.Data[:4]))
}

func TestSetStateEncodeRoundTrip(t *testing.T) {
	low, high := newParties(t)
	identity := testIdentity(low.addr, high.addr)
	c := NewSetStateCommitment(testRegistry, identity, crypto.Keccak256Hash([]byte("state")), 3, big.NewInt(55))
	require.NoError(t, c.AddSignatures(sign(t, low.signer, c), sign(t, high.signer, c)))

	enc, err := c.Encode()
	require.NoError(t, err)
	decoded, err := DecodeSetStateCommitment(testRegistry, enc)
	require.NoError(t, err)

	require.Equal(t, c.AppStateHash, decoded.AppStateHash)
	require.Equal(t, c.VersionNumber, decoded.VersionNumber)
	require.Zero(t, c.StateTimeout.Cmp(decoded.StateTimeout))
	require.Equal(t, c.Signatures, decoded.Signatures)
	require.Equal(t, c.AppIdentity.Participants, decoded.AppIdentity.Participants)
	require.Zero(t, c.AppIdentity.ChannelNonce.Cmp(decoded.AppIdentity.ChannelNonce))

	originalHash, err := c.AppIdentity.Hash()
	require.NoError(t, err)
	decodedHash, err := decoded.AppIdentity.Hash()
	require.NoError(t, err)
	require.Equal(t, originalHash, decodedHash)
}

func TestSetupCommitmentTargetsMultisig(t *testing.T) {
	low, high := newParties(t)
	owners := []common.Address{low.addr, high.addr}
	fbHash := crypto.Keccak256Hash([]byte("free balance identity"))

	c, err := NewSetupCommitment(testMultisig, owners, testChainID, testTarget, testRegistry, fbHash, common.Address{0x09})
	require.NoError(t, err)
	require.Equal(t, OpDelegateCall, c.Operation)

	require.NoError(t, c.AddSignatures(sign(t, low.signer, c), sign(t, high.signer, c)))
	tx, err := c.SignedTransaction()
	require.NoError(t, err)
	require.Equal(t, testMultisig, tx.To)
	require.Equal(t, execTransactionSelector, []byte(tx.Data[:4]))
}

func TestWithdrawCommitmentShapes(t *testing.T) {
	low, high := newParties(t)
	owners := []common.Address{low.addr, high.addr}
	recipient := common.HexToAddress("0x0200000000000000000000000000000000000009")

	eth, err := NewWithdrawCommitment(testMultisig, owners, testChainID, recipient, common.Address{}, big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, recipient, eth.To)
	require.EqualValues(t, 500, eth.Value.Int64())
	require.Empty(t, eth.Data, "ether withdrawal is a plain value transfer")

	token := common.HexToAddress("0x0200000000000000000000000000000000000008")
	erc20, err := NewWithdrawCommitment(testMultisig, owners, testChainID, recipient, token, big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, token, erc20.To)
	require.Zero(t, erc20.Value.Sign())
	require.Equal(t, erc20TransferSelector, erc20.Data[:4])
}

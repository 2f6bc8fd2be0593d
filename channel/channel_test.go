// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"github.com/counterfactual/go-node/wallet"
)

var (
	testFreeBalanceApp = common.HexToAddress("0x0100000000000000000000000000000000000001")
	testAppDefinition  = common.HexToAddress("0x0100000000000000000000000000000000000002")
)

func newIdentifiers(t *testing.T) []wallet.Identifier {
	t.Helper()
	rng := ptest.Prng(t)
	ids := make([]wallet.Identifier, 2)
	for i := range ids {
		seed := make([]byte, 32)
		_, err := rng.Read(seed)
		require.NoError(t, err)
		signer, err := wallet.NewHDSignerFromSeed(seed)
		require.NoError(t, err)
		ids[i] = signer.PublicIdentifier()
	}
	return ids
}

func setupChannel(t *testing.T) *StateChannel {
	t.Helper()
	ids := newIdentifiers(t)
	ch, err := NewStateChannel(common.HexToAddress("0xdeadbeef00000000000000000000000000000000"), ids)
	require.NoError(t, err)
	ch, err = ch.SetupFreeBalance(testFreeBalanceApp)
	require.NoError(t, err)
	return ch
}

// fundedChannel credits both owners with 1000 wei of ether.
func fundedChannel(t *testing.T) *StateChannel {
	t.Helper()
	ch := setupChannel(t)
	funded, err := ch.AdjustFreeBalance([]TokenClaim{
		{Token: ConventionForETHTokenAddress, To: ch.MultisigOwners[0], Amount: big.NewInt(1000)},
		{Token: ConventionForETHTokenAddress, To: ch.MultisigOwners[1], Amount: big.NewInt(1000)},
	})
	require.NoError(t, err)
	return funded
}

func testProposal(ch *StateChannel) *Proposal {
	return &Proposal{
		Identity: AppIdentity{
			Participants:   ch.MultisigOwners,
			AppDefinition:  testAppDefinition,
			DefaultTimeout: big.NewInt(100),
		},
		InitiatorIdentifier:   ch.UserIdentifiers[0],
		ResponderIdentifier:   ch.UserIdentifiers[1],
		InitiatorDeposit:      big.NewInt(100),
		ResponderDeposit:      big.NewInt(100),
		InitiatorDepositToken: ConventionForETHTokenAddress,
		ResponderDepositToken: ConventionForETHTokenAddress,
		InitialState:          []byte{0x01, 0x02},
		StateTimeout:          big.NewInt(100),
	}
}

func TestSetupFreeBalance(t *testing.T) {
	ch := setupChannel(t)

	require.NotNil(t, ch.FreeBalance)
	require.EqualValues(t, 1, ch.FreeBalance.VersionNumber,
		"free balance starts at version 1 after setup")
	require.EqualValues(t, 1, ch.MonotonicNumProposedApps)

	fb, err := ch.FreeBalanceState()
	require.NoError(t, err)
	require.Zero(t, fb.BalanceOf(ConventionForETHTokenAddress, ch.MultisigOwners[0]).Sign())

	_, err = ch.SetupFreeBalance(testFreeBalanceApp)
	require.Error(t, err, "double setup must fail")
}

func TestAddProposalAssignsMonotonicNonce(t *testing.T) {
	ch := fundedChannel(t)

	next, p1, err := ch.AddProposal(testProposal(ch))
	require.NoError(t, err)
	require.EqualValues(t, 1, p1.Identity.ChannelNonce.Uint64(),
		"first proposal takes channel nonce 1")
	require.EqualValues(t, 2, next.MonotonicNumProposedApps)

	// Identity hash must commit to the full identity.
	expected, err := p1.Identity.Hash()
	require.NoError(t, err)
	require.Equal(t, expected, p1.IdentityHash)

	// The source channel is untouched.
	require.EqualValues(t, 1, ch.MonotonicNumProposedApps)
	require.Empty(t, ch.Proposals)

	next2, p2, err := next.AddProposal(testProposal(ch))
	require.NoError(t, err)
	require.EqualValues(t, 2, p2.Identity.ChannelNonce.Uint64())
	require.Greater(t, next2.MonotonicNumProposedApps, p2.Identity.ChannelNonce.Uint64(),
		"counter stays strictly above every assigned nonce")
}

func TestInstallDebitsFreeBalance(t *testing.T) {
	ch := fundedChannel(t)
	ch, p, err := ch.AddProposal(testProposal(ch))
	require.NoError(t, err)

	installed, err := ch.InstallApp(p.IdentityHash)
	require.NoError(t, err)

	require.Empty(t, installed.Proposals, "proposal is consumed by install")
	app, err := installed.App(p.IdentityHash)
	require.NoError(t, err)
	require.EqualValues(t, 1, app.VersionNumber)
	require.Equal(t, []byte{0x01, 0x02}, app.LatestState)

	fb, err := installed.FreeBalanceState()
	require.NoError(t, err)
	require.EqualValues(t, 900, fb.BalanceOf(ConventionForETHTokenAddress, installed.MultisigOwners[0]).Int64())
	require.EqualValues(t, 900, fb.BalanceOf(ConventionForETHTokenAddress, installed.MultisigOwners[1]).Int64())
	require.EqualValues(t, 3, installed.FreeBalance.VersionNumber,
		"install bumps the free balance version")
}

func TestInstallInsufficientFunds(t *testing.T) {
	ch := setupChannel(t)
	ch, p, err := ch.AddProposal(testProposal(ch))
	require.NoError(t, err)

	_, err = ch.InstallApp(p.IdentityHash)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestUninstallConservesValue(t *testing.T) {
	ch := fundedChannel(t)
	ch, p, err := ch.AddProposal(testProposal(ch))
	require.NoError(t, err)
	ch, err = ch.InstallApp(p.IdentityHash)
	require.NoError(t, err)

	// The app's outcome pays everything to owner 0.
	uninstalled, err := ch.UninstallApp(p.IdentityHash, []TokenClaim{
		{Token: ConventionForETHTokenAddress, To: ch.MultisigOwners[0], Amount: big.NewInt(200)},
	})
	require.NoError(t, err)

	_, err = uninstalled.App(p.IdentityHash)
	require.ErrorIs(t, err, ErrAppNotFound)

	fb, err := uninstalled.FreeBalanceState()
	require.NoError(t, err)
	total := new(big.Int).Add(
		fb.BalanceOf(ConventionForETHTokenAddress, uninstalled.MultisigOwners[0]),
		fb.BalanceOf(ConventionForETHTokenAddress, uninstalled.MultisigOwners[1]),
	)
	require.EqualValues(t, 2000, total.Int64(),
		"install then uninstall conserves total channel value")
	require.EqualValues(t, 1100, fb.BalanceOf(ConventionForETHTokenAddress, uninstalled.MultisigOwners[0]).Int64())
}

func TestDuplicateProposalRejected(t *testing.T) {
	ch := fundedChannel(t)
	next, p, err := ch.AddProposal(testProposal(ch))
	require.NoError(t, err)

	// Re-adding at the consumed nonce cannot collide (fresh nonce), but an
	// identical identity hash must.
	dup := *p
	forced := next.clone()
	forced.MonotonicNumProposedApps = p.Identity.ChannelNonce.Uint64()
	_, _, err = forced.AddProposal(&dup)
	require.ErrorIs(t, err, ErrAppExists)
}

func TestSetAppStateIncrementsVersion(t *testing.T) {
	ch := fundedChannel(t)
	ch, p, err := ch.AddProposal(testProposal(ch))
	require.NoError(t, err)
	ch, err = ch.InstallApp(p.IdentityHash)
	require.NoError(t, err)

	newState := []byte{0xca, 0xfe}
	next, err := ch.SetAppState(p.IdentityHash, newState, big.NewInt(42))
	require.NoError(t, err)

	app, err := next.App(p.IdentityHash)
	require.NoError(t, err)
	require.EqualValues(t, 2, app.VersionNumber)
	require.Equal(t, crypto.Keccak256Hash(newState), app.StateHash())
	require.EqualValues(t, 42, app.StateTimeout.Int64())

	prev, err := ch.App(p.IdentityHash)
	require.NoError(t, err)
	require.EqualValues(t, 1, prev.VersionNumber, "source channel app unchanged")
}

func TestFreeBalanceStateRoundTrip(t *testing.T) {
	ch := fundedChannel(t)
	fb, err := ch.FreeBalanceState()
	require.NoError(t, err)

	enc, err := fb.Encode()
	require.NoError(t, err)
	decoded, err := DecodeFreeBalanceState(enc)
	require.NoError(t, err)
	require.Equal(t, fb.TokenAddresses, decoded.TokenAddresses)
	require.Equal(t, fb.Balances, decoded.Balances)
}

func TestMultisigAddressDeterministic(t *testing.T) {
	master := common.HexToAddress("0x0100000000000000000000000000000000000003")
	factory := common.HexToAddress("0x0100000000000000000000000000000000000004")
	a := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	addr1, err := MultisigAddress([]common.Address{a, b}, master, factory)
	require.NoError(t, err)
	addr2, err := MultisigAddress([]common.Address{b, a}, master, factory)
	require.NoError(t, err)
	require.Equal(t, addr1, addr2, "owner order must not affect the address")

	other, err := MultisigAddress([]common.Address{a, b}, master, common.Address{0x05})
	require.NoError(t, err)
	require.NotEqual(t, addr1, other, "factory changes the address")
}

// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"github.com/counterfactual/go-node/channel"
	"github.com/counterfactual/go-node/protocol"
	"github.com/counterfactual/go-node/store"
	"github.com/counterfactual/go-node/wallet"
	"github.com/counterfactual/go-node/wire"
)

var (
	counterTy, _ = abi.NewType("uint256", "", nil)
	counterArgs  = abi.Arguments{{Type: counterTy}}
	bytesTy, _   = abi.NewType("bytes", "", nil)
	bytesArgs    = abi.Arguments{{Type: bytesTy}}
	twoBytesArgs = abi.Arguments{{Type: bytesTy}, {Type: bytesTy}}
	transfersTy, _ = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})
	transfersArgs = abi.Arguments{{Type: transfersTy}}

	applyActionSel    = crypto.Keccak256([]byte("applyAction(bytes,bytes)"))[:4]
	computeOutcomeSel = crypto.Keccak256([]byte("computeOutcome(bytes)"))[:4]

	testContracts = protocol.ContractAddresses{
		ProxyFactory:                         common.HexToAddress("0x0600000000000000000000000000000000000001"),
		MultisigMasterCopy:                   common.HexToAddress("0x0600000000000000000000000000000000000002"),
		ChallengeRegistry:                    common.HexToAddress("0x0600000000000000000000000000000000000003"),
		ConditionalTransactionDelegateTarget: common.HexToAddress("0x0600000000000000000000000000000000000004"),
		MultiAssetInterpreter:                common.HexToAddress("0x0600000000000000000000000000000000000005"),
		FreeBalanceAppDefinition:             common.HexToAddress("0x0600000000000000000000000000000000000006"),
	}
	testAppDefinition = common.HexToAddress("0x0600000000000000000000000000000000000007")
	testChainID       = big.NewInt(1337)
)

func encodeCounter(t *testing.T, n int64) []byte {
	t.Helper()
	enc, err := counterArgs.Pack(big.NewInt(n))
	require.NoError(t, err)
	return enc
}

func decodeCounter(t *testing.T, data []byte) int64 {
	t.Helper()
	out, err := counterArgs.Unpack(data)
	require.NoError(t, err)
	return out[0].(*big.Int).Int64()
}

// appProvider evaluates the counter app: applyAction adds the action amount
// to the state, computeOutcome pays the scripted transfers.
type appProvider struct {
	mu       sync.Mutex
	outcome  []channel.CoinTransfer
	failCall error
}

func (p *appProvider) setOutcome(transfers []channel.CoinTransfer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = transfers
}

func (p *appProvider) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCall != nil {
		return nil, p.failCall
	}
	switch {
	case bytes.Equal(msg.Data[:4], applyActionSel):
		out, err := twoBytesArgs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		state, err := counterArgs.Unpack(out[0].([]byte))
		if err != nil {
			return nil, err
		}
		action, err := counterArgs.Unpack(out[1].([]byte))
		if err != nil {
			return nil, err
		}
		post, err := counterArgs.Pack(new(big.Int).Add(state[0].(*big.Int), action[0].(*big.Int)))
		if err != nil {
			return nil, err
		}
		return bytesArgs.Pack(post)
	case bytes.Equal(msg.Data[:4], computeOutcomeSel):
		type transfer struct {
			To     common.Address `abi:"to"`
			Amount *big.Int       `abi:"amount"`
		}
		transfers := make([]transfer, len(p.outcome))
		for i, ct := range p.outcome {
			transfers[i] = transfer{To: ct.To, Amount: ct.Amount}
		}
		enc, err := transfersArgs.Pack(transfers)
		if err != nil {
			return nil, err
		}
		return bytesArgs.Pack(enc)
	default:
		return nil, errors.New("unexpected call")
	}
}

func (p *appProvider) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (p *appProvider) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (p *appProvider) BlockNumber(context.Context) (uint64, error) { return 0, nil }

type testNode struct {
	engine *Engine
	signer *wallet.HDSigner
	store  *store.MemoryStore
}

func newPair(t *testing.T, provider *appProvider) (*testNode, *testNode) {
	t.Helper()
	bus := wire.NewMemoryBus()
	t.Cleanup(bus.Close)

	rng := ptest.Prng(t)
	nodes := make([]*testNode, 2)
	cfg := Config{ResponseTimeout: 10 * time.Second}
	for i := range nodes {
		seed := make([]byte, 32)
		_, err := rng.Read(seed)
		require.NoError(t, err)
		signer, err := wallet.NewHDSignerFromSeed(seed)
		require.NoError(t, err)

		st := store.NewMemoryStore()
		eng, err := New(cfg, signer, st, bus, provider, testContracts, testChainID)
		require.NoError(t, err)
		t.Cleanup(func() { _ = eng.Close() })
		nodes[i] = &testNode{engine: eng, signer: signer, store: st}
	}
	return nodes[0], nodes[1]
}

func proposeParams(a, b *testNode, multisig common.Address, initial []byte) *protocol.ProposeParams {
	return &protocol.ProposeParams{
		MultisigAddress:       multisig,
		InitiatorIdentifier:   a.signer.PublicIdentifier(),
		ResponderIdentifier:   b.signer.PublicIdentifier(),
		AppDefinition:         testAppDefinition,
		InitiatorDeposit:      big.NewInt(100),
		ResponderDeposit:      big.NewInt(100),
		InitiatorDepositToken: channel.ConventionForETHTokenAddress,
		ResponderDepositToken: channel.ConventionForETHTokenAddress,
		InitialState:          initial,
		StateTimeout:          big.NewInt(100),
		DefaultTimeout:        big.NewInt(100),
	}
}

// eventually polls until the responder's asynchronous persist lands.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func channelAt(t *testing.T, n *testNode, multisig common.Address) *channel.StateChannel {
	t.Helper()
	ch, err := n.store.GetStateChannel(context.Background(), multisig)
	require.NoError(t, err)
	return ch
}

func TestEndToEndChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	provider := &appProvider{}
	a, b := newPair(t, provider)

	// Setup.
	created, err := a.engine.CreateChannel(ctx, b.signer.PublicIdentifier())
	require.NoError(t, err)
	multisig := created.MultisigAddress

	chA := channelAt(t, a, multisig)
	require.EqualValues(t, 1, chA.FreeBalance.VersionNumber,
		"free balance is at version 1 after setup")
	eventually(t, func() bool {
		_, err := b.store.GetStateChannel(ctx, multisig)
		return err == nil
	})
	chB := channelAt(t, b, multisig)
	require.Equal(t, chA.MultisigOwners, chB.MultisigOwners)
	require.True(t, bytes.Compare(chA.MultisigOwners[0].Bytes(), chA.MultisigOwners[1].Bytes()) < 0,
		"owners are sorted ascending")

	// Both setup commitments are double-signed and stored on each side.
	setupA, err := a.store.GetSetupCommitment(ctx, multisig)
	require.NoError(t, err)
	require.Len(t, setupA.Signatures, 2)

	// Fund both sides.
	require.NoError(t, a.engine.Deposit(ctx, multisig, channel.ConventionForETHTokenAddress, big.NewInt(100)))
	require.NoError(t, b.engine.Deposit(ctx, multisig, channel.ConventionForETHTokenAddress, big.NewInt(100)))
	eventually(t, func() bool {
		fb, err := channelAt(t, a, multisig).FreeBalanceState()
		if err != nil {
			return false
		}
		addrB, _ := b.signer.PublicIdentifier().Address()
		return fb.BalanceOf(channel.ConventionForETHTokenAddress, addrB).Sign() > 0
	})

	// Propose at counter = 0.
	proposed, err := a.engine.ProposeInstall(ctx, proposeParams(a, b, multisig, encodeCounter(t, 0)))
	require.NoError(t, err)
	appHash := proposed.AppIdentityHash

	chA = channelAt(t, a, multisig)
	p, err := chA.Proposal(appHash)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.Identity.ChannelNonce.Uint64(),
		"first proposal takes channel nonce 1")
	eventually(t, func() bool {
		ch, err := b.store.GetStateChannel(ctx, multisig)
		if err != nil {
			return false
		}
		_, ok := ch.Proposals[appHash]
		return ok
	})

	// Install debits 100 wei from each side.
	_, err = a.engine.Install(ctx, multisig, appHash)
	require.NoError(t, err)

	chA = channelAt(t, a, multisig)
	app, err := chA.App(appHash)
	require.NoError(t, err)
	require.EqualValues(t, 1, app.VersionNumber)
	fb, err := chA.FreeBalanceState()
	require.NoError(t, err)
	require.Zero(t, fb.BalanceOf(channel.ConventionForETHTokenAddress, chA.MultisigOwners[0]).Sign())
	require.Zero(t, fb.BalanceOf(channel.ConventionForETHTokenAddress, chA.MultisigOwners[1]).Sign())

	eventually(t, func() bool {
		ch, err := b.store.GetStateChannel(ctx, multisig)
		if err != nil {
			return false
		}
		_, ok := ch.AppInstances[appHash]
		return ok
	})
	condB, err := b.store.GetConditionalTransactionCommitment(ctx, appHash)
	require.NoError(t, err)
	require.Len(t, condB.Signatures, 2)

	// TakeAction: counter 0 + 3 = 3 at version 2.
	acted, err := a.engine.TakeAction(ctx, multisig, appHash, encodeCounter(t, 3))
	require.NoError(t, err)
	require.EqualValues(t, 3, decodeCounter(t, acted.NewState))
	require.EqualValues(t, 2, acted.VersionNumber)

	// Both sides hold the double-signed SetState at version 2 with the
	// exact packed digest.
	for _, n := range []*testNode{a, b} {
		n := n
		eventually(t, func() bool {
			ss, err := n.store.GetSetStateCommitment(ctx, appHash)
			return err == nil && ss.VersionNumber == 2
		})
		ss, err := n.store.GetSetStateCommitment(ctx, appHash)
		require.NoError(t, err)
		require.Len(t, ss.Signatures, 2)

		digest, err := ss.HashToSign()
		require.NoError(t, err)
		var version, timeout [32]byte
		big.NewInt(2).FillBytes(version[:])
		big.NewInt(100).FillBytes(timeout[:])
		packed := []byte{0x19}
		packed = append(packed, appHash.Bytes()...)
		packed = append(packed, version[:]...)
		packed = append(packed, timeout[:]...)
		packed = append(packed, crypto.Keccak256(encodeCounter(t, 3))...)
		require.Equal(t, crypto.Keccak256Hash(packed), digest)

		// Signature ordering follows the participant address order.
		first, err := wallet.RecoverSigner(digest, ss.Signatures[0])
		require.NoError(t, err)
		second, err := wallet.RecoverSigner(digest, ss.Signatures[1])
		require.NoError(t, err)
		ch := channelAt(t, n, multisig)
		require.Equal(t, ch.MultisigOwners[0], first)
		require.Equal(t, ch.MultisigOwners[1], second)
	}

	// The initiator's single-signed commitment was superseded.
	_, err = a.store.GetSingleSignedSetStateCommitment(ctx, appHash)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Uninstall: outcome pays 150/50.
	chA = channelAt(t, a, multisig)
	provider.setOutcome([]channel.CoinTransfer{
		{To: chA.MultisigOwners[0], Amount: big.NewInt(150)},
		{To: chA.MultisigOwners[1], Amount: big.NewInt(50)},
	})
	_, err = a.engine.Uninstall(ctx, multisig, appHash)
	require.NoError(t, err)

	chA = channelAt(t, a, multisig)
	_, err = chA.App(appHash)
	require.ErrorIs(t, err, channel.ErrAppNotFound)
	fb, err = chA.FreeBalanceState()
	require.NoError(t, err)
	require.EqualValues(t, 150, fb.BalanceOf(channel.ConventionForETHTokenAddress, chA.MultisigOwners[0]).Int64())
	require.EqualValues(t, 50, fb.BalanceOf(channel.ConventionForETHTokenAddress, chA.MultisigOwners[1]).Int64())
	eventually(t, func() bool {
		ch, err := b.store.GetStateChannel(ctx, multisig)
		if err != nil {
			return false
		}
		_, ok := ch.AppInstances[appHash]
		return !ok
	})

	// Withdraw the initiator's share.
	addrA := a.signer.Address()
	amount := fb.BalanceOf(channel.ConventionForETHTokenAddress, addrA)
	recipient := common.HexToAddress("0x0600000000000000000000000000000000000099")
	res, err := a.engine.Withdraw(ctx, multisig, recipient, channel.ConventionForETHTokenAddress, amount)
	require.NoError(t, err)
	require.Equal(t, multisig, res.Transaction.To)

	withdrawals, err := a.store.GetUserWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, withdrawals, 1)
	require.Zero(t, withdrawals[0].Amount.Cmp(amount))

	chA = channelAt(t, a, multisig)
	fb, err = chA.FreeBalanceState()
	require.NoError(t, err)
	require.Zero(t, fb.BalanceOf(channel.ConventionForETHTokenAddress, addrA).Sign())
}

func TestTakeActionUnknownApp(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, &appProvider{})

	created, err := a.engine.CreateChannel(ctx, b.signer.PublicIdentifier())
	require.NoError(t, err)

	_, err = a.engine.TakeAction(ctx, created.MultisigAddress, common.Hash{0x42}, encodeCounter(t, 1))
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, CodeNotFound, engErr.Code)
}

func TestValidationRejectionSurfacesReason(t *testing.T) {
	ctx := context.Background()
	a, b := newPair(t, &appProvider{})

	created, err := a.engine.CreateChannel(ctx, b.signer.PublicIdentifier())
	require.NoError(t, err)
	multisig := created.MultisigAddress
	require.NoError(t, a.engine.Deposit(ctx, multisig, channel.ConventionForETHTokenAddress, big.NewInt(100)))
	require.NoError(t, b.engine.Deposit(ctx, multisig, channel.ConventionForETHTokenAddress, big.NewInt(100)))

	a.engine.Validators().Register(testAppDefinition, protocol.ValidatorFunc(
		func(protocol.Name, *protocol.MiddlewareContext) error {
			return errors.New("counter apps are closed on weekends")
		}))

	_, err = a.engine.ProposeInstall(ctx, proposeParams(a, b, multisig, encodeCounter(t, 0)))
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, CodeValidation, engErr.Code)
	require.Contains(t, engErr.Message, "closed on weekends",
		"middleware reason propagates verbatim")
}

func TestSendAndWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	provider := &appProvider{}

	// A single engine on a bus with no peer.
	bus := wire.NewMemoryBus()
	t.Cleanup(bus.Close)
	seed := make([]byte, 32)
	_, err := ptest.Prng(t).Read(seed)
	require.NoError(t, err)
	signer, err := wallet.NewHDSignerFromSeed(seed)
	require.NoError(t, err)
	peerSeed := make([]byte, 32)
	_, err = ptest.Prng(t, "peer").Read(peerSeed)
	require.NoError(t, err)
	peer, err := wallet.NewHDSignerFromSeed(peerSeed)
	require.NoError(t, err)

	eng, err := New(Config{}, signer, store.NewMemoryStore(), bus, provider, testContracts, testChainID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	clock := clockwork.NewFakeClock()
	eng.SetClock(clock)

	errs := make(chan error, 1)
	go func() {
		_, err := eng.CreateChannel(ctx, peer.PublicIdentifier())
		errs <- err
	}()

	// Wait for the protocol to block in SendAndWait, then expire it.
	clock.BlockUntil(1)
	clock.Advance(DefaultConfig().ResponseTimeout + time.Second)

	select {
	case err := <-errs:
		var engErr *Error
		require.ErrorAs(t, err, &engErr)
		require.Equal(t, CodeTimeout, engErr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout never fired")
	}

	// Nothing was persisted.
	addrs, err := eng.GetChannelAddresses(ctx)
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestChainErrorAbortsTakeAction(t *testing.T) {
	ctx := context.Background()
	provider := &appProvider{}
	a, b := newPair(t, provider)

	created, err := a.engine.CreateChannel(ctx, b.signer.PublicIdentifier())
	require.NoError(t, err)
	multisig := created.MultisigAddress
	require.NoError(t, a.engine.Deposit(ctx, multisig, channel.ConventionForETHTokenAddress, big.NewInt(100)))
	require.NoError(t, b.engine.Deposit(ctx, multisig, channel.ConventionForETHTokenAddress, big.NewInt(100)))

	proposed, err := a.engine.ProposeInstall(ctx, proposeParams(a, b, multisig, encodeCounter(t, 0)))
	require.NoError(t, err)
	_, err = a.engine.Install(ctx, multisig, proposed.AppIdentityHash)
	require.NoError(t, err)

	provider.mu.Lock()
	provider.failCall = errors.New("rpc node down")
	provider.mu.Unlock()

	_, err = a.engine.TakeAction(ctx, multisig, proposed.AppIdentityHash, encodeCounter(t, 1))
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, CodeChain, engErr.Code)

	// The app is untouched at version 1.
	app, err := a.engine.GetAppInstance(ctx, proposed.AppIdentityHash)
	require.NoError(t, err)
	require.EqualValues(t, 1, app.VersionNumber)
}

func TestLockManagerSerializesPerMultisig(t *testing.T) {
	locks := newLockManager()
	addr := common.Address{0x01}

	release := locks.Acquire(addr)
	acquired := make(chan struct{})
	go func() {
		r := locks.Acquire(addr)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the first holds the lock")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never released")
	}

	// Duplicate addresses collapse to one lock, and multi-acquire releases
	// cleanly.
	release = locks.Acquire(addr, addr, common.Address{0x02})
	release()
}

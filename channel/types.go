// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/wallet"
)

// ConventionForETHTokenAddress is the zero address standing in for ether in
// per-token balance maps.
var ConventionForETHTokenAddress = common.Address{}

type (
	// AppIdentity pins an app instance to its channel slot. Its ABI encoding
	// is hashed into the app's canonical key.
	AppIdentity struct {
		ChannelNonce   *big.Int
		Participants   []common.Address
		AppDefinition  common.Address
		DefaultTimeout *big.Int
	}

	// AppInstance is one installed (or proposed) sub-agreement of a channel.
	AppInstance struct {
		Identity      AppIdentity
		LatestState   []byte
		VersionNumber uint64
		StateTimeout  *big.Int
		// LatestAction is the action whose post-image is LatestState. Set
		// only while a TakeAction round trip is in flight, to allow a
		// unilateral progressState if the peer vanishes.
		LatestAction []byte
		// OutcomeToken is the token the app's outcome redistributes.
		OutcomeToken common.Address
	}

	// Proposal is a not-yet-installed app agreed on during the Propose
	// protocol. It carries everything Install needs to build the app and
	// debit the free balance.
	Proposal struct {
		Identity              AppIdentity
		IdentityHash          common.Hash
		InitiatorIdentifier   wallet.Identifier
		ResponderIdentifier   wallet.Identifier
		InitiatorDeposit      *big.Int
		ResponderDeposit      *big.Int
		InitiatorDepositToken common.Address
		ResponderDepositToken common.Address
		InitialState          []byte
		StateTimeout          *big.Int
	}

	// CoinTransfer is one participant's claim on a token.
	CoinTransfer struct {
		To     common.Address
		Amount *big.Int
	}

	// Withdrawal is a pending transfer out of the multisig, tracked until
	// the caller confirms it on chain.
	Withdrawal struct {
		Multisig  common.Address `json:"multisig"`
		Recipient common.Address `json:"recipient"`
		AssetID   common.Address `json:"assetId"`
		Amount    *big.Int       `json:"amount"`
	}

	// FreeBalanceState tracks uncommitted funds per token per participant.
	// Balances[i] lists the claims on TokenAddresses[i], ordered by owner
	// address ascending.
	FreeBalanceState struct {
		TokenAddresses []common.Address
		Balances       [][]CoinTransfer
	}
)

var (
	uint256Ty, _   = abi.NewType("uint256", "", nil)
	addressTy, _   = abi.NewType("address", "", nil)
	addressSliceTy, _ = abi.NewType("address[]", "", nil)
	coinTransfersTy, _ = abi.NewType("tuple[][]", "", []abi.ArgumentMarshaling{
		{Name: "to", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})

	appIdentityArgs = abi.Arguments{
		{Type: uint256Ty},
		{Type: addressSliceTy},
		{Type: addressTy},
		{Type: uint256Ty},
	}
	freeBalanceArgs = abi.Arguments{
		{Type: addressSliceTy},
		{Type: coinTransfersTy},
	}
)

// Hash is the app's canonical key, keccak256 of the identity's ABI encoding.
func (ai AppIdentity) Hash() (common.Hash, error) {
	enc, err := appIdentityArgs.Pack(ai.ChannelNonce, ai.Participants, ai.AppDefinition, ai.DefaultTimeout)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "encoding app identity")
	}
	return crypto.Keccak256Hash(enc), nil
}

// IdentityHash is the instance's canonical key.
func (a *AppInstance) IdentityHash() (common.Hash, error) {
	return a.Identity.Hash()
}

// StateHash hashes the latest state bytes.
func (a *AppInstance) StateHash() common.Hash {
	return crypto.Keccak256Hash(a.LatestState)
}

// SetState returns a copy of the instance at the next version with the given
// state and challenge timeout.
func (a *AppInstance) SetState(state []byte, timeout *big.Int) *AppInstance {
	next := a.clone()
	next.LatestState = append([]byte(nil), state...)
	next.VersionNumber++
	next.StateTimeout = new(big.Int).Set(timeout)
	next.LatestAction = nil
	return next
}

// WithAction returns a copy carrying the pending action.
func (a *AppInstance) WithAction(action []byte) *AppInstance {
	next := a.clone()
	next.LatestAction = append([]byte(nil), action...)
	return next
}

func (a *AppInstance) clone() *AppInstance {
	next := &AppInstance{
		Identity: AppIdentity{
			ChannelNonce:   new(big.Int).Set(a.Identity.ChannelNonce),
			Participants:   append([]common.Address(nil), a.Identity.Participants...),
			AppDefinition:  a.Identity.AppDefinition,
			DefaultTimeout: new(big.Int).Set(a.Identity.DefaultTimeout),
		},
		LatestState:   append([]byte(nil), a.LatestState...),
		VersionNumber: a.VersionNumber,
		StateTimeout:  new(big.Int).Set(a.StateTimeout),
		OutcomeToken:  a.OutcomeToken,
	}
	if a.LatestAction != nil {
		next.LatestAction = append([]byte(nil), a.LatestAction...)
	}
	return next
}

// Encode produces the ABI encoding of the free balance, the state bytes of
// the free balance app.
func (f *FreeBalanceState) Encode() ([]byte, error) {
	type transfer struct {
		To     common.Address `abi:"to"`
		Amount *big.Int       `abi:"amount"`
	}
	balances := make([][]transfer, len(f.Balances))
	for i, token := range f.Balances {
		balances[i] = make([]transfer, len(token))
		for j, ct := range token {
			balances[i][j] = transfer{To: ct.To, Amount: ct.Amount}
		}
	}
	enc, err := freeBalanceArgs.Pack(f.TokenAddresses, balances)
	return enc, errors.Wrap(err, "encoding free balance state")
}

// DecodeFreeBalanceState parses ABI-encoded free balance app state.
func DecodeFreeBalanceState(data []byte) (*FreeBalanceState, error) {
	out, err := freeBalanceArgs.Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding free balance state")
	}
	type transfer struct {
		To     common.Address `abi:"to"`
		Amount *big.Int       `abi:"amount"`
	}
	tokens := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	raw := *abi.ConvertType(out[1], new([][]transfer)).(*[][]transfer)
	state := &FreeBalanceState{
		TokenAddresses: tokens,
		Balances:       make([][]CoinTransfer, len(raw)),
	}
	for i, token := range raw {
		state.Balances[i] = make([]CoinTransfer, len(token))
		for j, ct := range token {
			state.Balances[i][j] = CoinTransfer{To: ct.To, Amount: ct.Amount}
		}
	}
	return state, nil
}

// BalanceOf reports owner's claim on token, zero if absent.
func (f *FreeBalanceState) BalanceOf(token, owner common.Address) *big.Int {
	for i, t := range f.TokenAddresses {
		if t != token {
			continue
		}
		for _, ct := range f.Balances[i] {
			if ct.To == owner {
				return new(big.Int).Set(ct.Amount)
			}
		}
	}
	return new(big.Int)
}

func (f *FreeBalanceState) clone() *FreeBalanceState {
	next := &FreeBalanceState{
		TokenAddresses: append([]common.Address(nil), f.TokenAddresses...),
		Balances:       make([][]CoinTransfer, len(f.Balances)),
	}
	for i, token := range f.Balances {
		next.Balances[i] = make([]CoinTransfer, len(token))
		for j, ct := range token {
			next.Balances[i][j] = CoinTransfer{To: ct.To, Amount: new(big.Int).Set(ct.Amount)}
		}
	}
	return next
}

// adjust applies delta to owner's claim on token, inserting the token row if
// needed. A negative result is an error.
func (f *FreeBalanceState) adjust(token, owner common.Address, delta *big.Int) error {
	idx := -1
	for i, t := range f.TokenAddresses {
		if t == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		f.TokenAddresses = append(f.TokenAddresses, token)
		f.Balances = append(f.Balances, []CoinTransfer{})
		idx = len(f.TokenAddresses) - 1
	}
	for j, ct := range f.Balances[idx] {
		if ct.To != owner {
			continue
		}
		next := new(big.Int).Add(ct.Amount, delta)
		if next.Sign() < 0 {
			return errors.Errorf("balance of %s under token %s would go negative", owner.Hex(), token.Hex())
		}
		f.Balances[idx][j].Amount = next
		return nil
	}
	if delta.Sign() < 0 {
		return errors.Errorf("no balance of %s under token %s to debit", owner.Hex(), token.Hex())
	}
	pos := len(f.Balances[idx])
	for j, ct := range f.Balances[idx] {
		if bytes.Compare(owner.Bytes(), ct.To.Bytes()) < 0 {
			pos = j
			break
		}
	}
	row := append(f.Balances[idx][:pos:pos], CoinTransfer{To: owner, Amount: new(big.Int).Set(delta)})
	f.Balances[idx] = append(row, f.Balances[idx][pos:]...)
	return nil
}

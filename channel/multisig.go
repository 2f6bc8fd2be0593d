// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/counterfactual/go-node/wallet"
)

// EIP-1167 minimal proxy creation code, split around the embedded master
// copy address.
var (
	proxyCreationPrefix = hexutil.MustDecode("0x3d602d80600a3d3981f3363d3d373d3d3d363d73")
	proxyCreationSuffix = hexutil.MustDecode("0x5af43d82803e903d91602b57fd5bf3")
)

// MultisigAddress computes the CREATE2 address the proxy factory would
// deploy a multisig at for the given owners. Deterministic on both sides of
// the channel: owners are sorted before hashing.
func MultisigAddress(owners []common.Address, masterCopy, proxyFactory common.Address) (common.Address, error) {
	if len(owners) != 2 {
		return common.Address{}, errors.Errorf("expected two owners, got %d", len(owners))
	}
	sorted := wallet.SortAddresses(owners)
	saltPreimage, err := addressSliceArgs.Pack(sorted)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "encoding owners")
	}
	salt := crypto.Keccak256(saltPreimage)

	initCode := make([]byte, 0, len(proxyCreationPrefix)+common.AddressLength+len(proxyCreationSuffix))
	initCode = append(initCode, proxyCreationPrefix...)
	initCode = append(initCode, masterCopy.Bytes()...)
	initCode = append(initCode, proxyCreationSuffix...)

	var salt32 [32]byte
	copy(salt32[:], salt)
	return crypto.CreateAddress2(proxyFactory, salt32, crypto.Keccak256(initCode)), nil
}

var addressSliceArgs = abi.Arguments{{Type: addressSliceTy}}

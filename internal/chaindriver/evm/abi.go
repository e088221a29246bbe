// Package evm is the EVM chain driver backend: it speaks the
// Home/Replica/XAppConnectionManager ABI via go-ethereum directly, using
// hand-written selector and event-topic tables rather than full
// go-ethereum codegen bindings (per the spec's ABI-layer redesign note).
//
// Grounded on pkg/ethereum/client.go and pkg/chain/strategy/evm_strategy.go
// and evm_observer.go from the reference corpus: abi.JSON + Pack/Unpack for
// calls, crypto.Sign/SigToPub for signature recovery, ethclient.FilterLogs
// for event scanning.
package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event topics (keccak256 of the canonical event signature), fixed by the
// already-deployed Home/Replica/XAppConnectionManager contracts. These must
// be reproduced bit-exactly; they are not recomputed per call.
var (
	TopicUpdate         = crypto.Keccak256Hash([]byte("Update(uint32,bytes32,bytes32,bytes)"))
	TopicDispatch       = crypto.Keccak256Hash([]byte("Dispatch(bytes32,uint256,uint64,bytes32,bytes)"))
	TopicDoubleUpdate   = crypto.Keccak256Hash([]byte("DoubleUpdate(bytes32,bytes32[2],bytes,bytes)"))
	TopicNewUpdater     = crypto.Keccak256Hash([]byte("NewUpdater(address,address)"))
	TopicUpdaterSlashed = crypto.Keccak256Hash([]byte("UpdaterSlashed(address,address)"))
)

// Function selectors for the small set of calls the watcher submits. Packed
// via accounts/abi rather than a generated contract binding.
const (
	homeABIJSON = `[
		{"type":"function","name":"doubleUpdate","inputs":[
			{"name":"_oldRoot","type":"bytes32"},
			{"name":"_newRoot","type":"bytes32[2]"},
			{"name":"_signature","type":"bytes"},
			{"name":"_signature2","type":"bytes"}],"outputs":[]},
		{"type":"function","name":"committedRoot","inputs":[],"outputs":[{"type":"bytes32"}]},
		{"type":"function","name":"state","inputs":[],"outputs":[{"type":"uint8"}]},
		{"type":"function","name":"updater","inputs":[],"outputs":[{"type":"address"}]},
		{"type":"function","name":"localDomain","inputs":[],"outputs":[{"type":"uint32"}]}
	]`

	connectionManagerABIJSON = `[
		{"type":"function","name":"unenrollReplica","inputs":[
			{"name":"_domain","type":"uint32"},
			{"name":"_updater","type":"address"},
			{"name":"_signature","type":"bytes"}],"outputs":[]},
		{"type":"function","name":"isReplica","inputs":[{"name":"_replica","type":"address"}],"outputs":[{"type":"bool"}]},
		{"type":"function","name":"watcherPermission","inputs":[
			{"name":"_watcher","type":"address"},
			{"name":"_domain","type":"uint32"}],"outputs":[{"type":"bool"}]},
		{"type":"function","name":"domainToReplica","inputs":[{"name":"_domain","type":"uint32"}],"outputs":[{"type":"address"}]}
	]`
)

// HomeABI and ConnectionManagerABI are parsed once at package init.
var (
	HomeABI              abi.ABI
	ConnectionManagerABI abi.ABI
)

func init() {
	var err error
	HomeABI, err = abi.JSON(strings.NewReader(homeABIJSON))
	if err != nil {
		panic("evm: invalid home ABI: " + err.Error())
	}
	ConnectionManagerABI, err = abi.JSON(strings.NewReader(connectionManagerABIJSON))
	if err != nil {
		panic("evm: invalid connection manager ABI: " + err.Error())
	}
}

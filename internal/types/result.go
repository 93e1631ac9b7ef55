package types

import (
	"vmfuzz/internal/coverage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type OpKind uint8

const (
	OpSLoad OpKind = iota + 1
	OpSStore
	OpCall
	OpSelfDestruct
	OpTransfer
)

func (o OpKind) String() string {
	switch o {
	case OpSLoad:
		return "sload"
	case OpSStore:
		return "sstore"
	case OpCall:
		return "call"
	case OpSelfDestruct:
		return "selfdestruct"
	case OpTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// TraceEvent is one storage, call or value-moving operation observed during execution.
type TraceEvent struct {
	Op      OpKind         `json:"op"`
	Address common.Address `json:"address"` // contract executing the operation
	To      common.Address `json:"to"`      // callee or beneficiary
	Slot    common.Hash    `json:"slot"`
	Value   *uint256.Int   `json:"value,omitempty"`
	Depth   int            `json:"depth"`
}

type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
}

// ExecutionResult is what the engine returns for one completed execution.
// Coverage points at the engine's buffer and is only valid until the next Execute.
type ExecutionResult struct {
	Reverted   bool
	Post       *VMState
	ReturnData []byte
	Logs       []Log
	Trace      []TraceEvent
	Coverage   *coverage.Signal
}

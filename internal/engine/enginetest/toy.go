// Package enginetest provides an in-process engine with a tiny built-in
// contract, for tests and local smoke runs.
package enginetest

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"vmfuzz/internal/coverage"
	"vmfuzz/internal/engine"
	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	Vault    = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	Attacker = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

	SlotLock    = common.BigToHash(common.Big0)
	SlotBalance = common.BigToHash(common.Big1)
)

// Payload selectors understood by the vault.
const (
	OpUnlock   byte = 0x01
	OpWithdraw byte = 0x02
	OpDeposit  byte = 0x03
	OpSolvent  byte = 0x10

	// UnlockKey is the argument that unlocks the vault.
	UnlockKey byte = 0x42
	// GenesisBalance is what the vault holds at genesis.
	GenesisBalance uint64 = 100
)

type vaultState struct {
	unlocked bool
	deposits uint8
	balance  uint64
}

func (v vaultState) hash() common.Hash {
	var buf [10]byte
	if v.unlocked {
		buf[0] = 1
	}
	buf[1] = v.deposits
	binary.BigEndian.PutUint64(buf[2:], v.balance)
	return crypto.Keccak256Hash(buf[:])
}

// Toy is a deterministic engine around one vault contract. The vault only
// pays out after being unlocked with UnlockKey, and its withdraw path reads
// the balance, calls the caller, then writes the balance back.
type Toy struct {
	// FailOn, when set, turns matching inputs into execution errors.
	FailOn func(in *types.Input) error
	// Delay stretches every execution, honouring ctx.
	Delay time.Duration

	executions atomic.Int64
	mu         sync.Mutex
	states     map[common.Hash]vaultState
}

func NewToy() *Toy {
	return &Toy{states: make(map[common.Hash]vaultState)}
}

func (t *Toy) Executions() int64 { return t.executions.Load() }

func (t *Toy) Genesis(context.Context) (*types.VMState, error) {
	return t.intern(vaultState{balance: GenesisBalance}, nil), nil
}

func (t *Toy) intern(v vaultState, origin *types.Input) *types.VMState {
	h := v.hash()
	t.mu.Lock()
	t.states[h] = v
	t.mu.Unlock()
	return &types.VMState{Hash: h, Origin: origin, Handle: h}
}

func (t *Toy) load(state *types.VMState) vaultState {
	if state == nil {
		return vaultState{balance: GenesisBalance}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.states[state.Hash]; ok {
		return v
	}
	return vaultState{balance: GenesisBalance}
}

func (t *Toy) Execute(ctx context.Context, in *types.Input) (*types.ExecutionResult, error) {
	t.executions.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, &engine.ExecutionError{Kind: engine.KindTimeout, Err: err}
	}
	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return nil, &engine.ExecutionError{Kind: engine.KindTimeout, Err: ctx.Err()}
		}
	}
	if t.FailOn != nil {
		if err := t.FailOn(in); err != nil {
			return nil, err
		}
	}

	v := t.load(in.Start)
	sig := coverage.NewSignal()
	res := &types.ExecutionResult{Coverage: sig}
	revert := func() (*types.ExecutionResult, error) {
		res.Reverted = true
		res.Post = &types.VMState{Hash: v.hash(), Origin: in, Handle: v.hash()}
		return res, nil
	}

	if in.Target != Vault {
		sig.Jump.Hit(coverage.EdgeIndex(0, 1))
		return revert()
	}
	var op, arg byte
	if len(in.Payload) > 0 {
		op = in.Payload[0]
	}
	if len(in.Payload) > 1 {
		arg = in.Payload[1]
	}

	switch op {
	case OpUnlock:
		sig.Jump.Hit(coverage.EdgeIndex(1, 2))
		sig.Cmp.Observe(7, uint256.NewInt(uint64(arg)), uint256.NewInt(uint64(UnlockKey)))
		if arg == UnlockKey {
			sig.Jump.Hit(coverage.EdgeIndex(2, 3))
			v.unlocked = true
			res.Trace = append(res.Trace, types.TraceEvent{Op: types.OpSStore, Address: Vault, Slot: SlotLock})
		}
	case OpWithdraw:
		sig.Jump.Hit(coverage.EdgeIndex(3, 4))
		res.Trace = append(res.Trace, types.TraceEvent{Op: types.OpSLoad, Address: Vault, Slot: SlotLock})
		if !v.unlocked {
			return revert()
		}
		sig.Jump.Hit(coverage.EdgeIndex(4, 5))
		amount := uint256.NewInt(v.balance)
		res.Trace = append(res.Trace,
			types.TraceEvent{Op: types.OpSLoad, Address: Vault, Slot: SlotBalance},
			types.TraceEvent{Op: types.OpCall, Address: Vault, To: in.Caller, Value: amount, Depth: 1},
			types.TraceEvent{Op: types.OpSStore, Address: Vault, Slot: SlotBalance},
		)
		v.balance = 0
	case OpDeposit:
		sig.Jump.Hit(coverage.EdgeIndex(5, 6))
		if in.Value != nil {
			v.balance += in.Value.Uint64()
		}
		v.deposits++
		res.Trace = append(res.Trace, types.TraceEvent{Op: types.OpSStore, Address: Vault, Slot: SlotBalance})
	default:
		sig.Jump.Hit(coverage.EdgeIndex(6, 7))
	}

	res.Post = t.intern(v, in)
	return res, nil
}

// Call answers OpSolvent with a true word while the vault holds funds.
func (t *Toy) Call(_ context.Context, state *types.VMState, in *types.Input) ([]byte, error) {
	v := t.load(state)
	out := make([]byte, 32)
	if len(in.Payload) > 0 && in.Payload[0] == OpSolvent && v.balance > 0 {
		out[31] = 1
	}
	return out, nil
}

func (t *Toy) Balance(_ context.Context, state *types.VMState, addr common.Address) (*uint256.Int, error) {
	if addr != Vault {
		return new(uint256.Int), nil
	}
	return uint256.NewInt(t.load(state).balance), nil
}

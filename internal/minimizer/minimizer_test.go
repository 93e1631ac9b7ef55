package minimizer

import (
	"bytes"
	"context"
	"testing"

	"vmfuzz/internal/engine"
	"vmfuzz/internal/engine/enginetest"
	"vmfuzz/internal/oracle"
	"vmfuzz/internal/types"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func step(value uint64, payload ...byte) *types.Input {
	var v *uint256.Int
	if value > 0 {
		v = uint256.NewInt(value)
	}
	return types.NewInput(enginetest.Attacker, enginetest.Vault, v, payload, nil, 0)
}

func padded(head []byte, words int) []byte {
	return append(head, bytes.Repeat([]byte{0xff}, words*wordSize)...)
}

func newMinimizer(t *testing.T, toy *enginetest.Toy, budget int) *Minimizer {
	t.Helper()
	reg, err := oracle.NewRegistry(toy, nil, 0, zap.NewNop())
	require.NoError(t, err)
	reg.AddOracle(oracle.NewReentrancy())
	return New(toy, reg, Config{MaxExecutions: budget}, zap.NewNop())
}

func reentrancySolution() *types.Solution {
	seq := []*types.Input{
		step(0, padded([]byte{0x07}, 1)...),
		step(9, enginetest.OpDeposit),
		step(0, padded([]byte{enginetest.OpUnlock, enginetest.UnlockKey}, 2)...),
		step(0, 0x09),
		step(5, enginetest.OpWithdraw),
		step(0, 0x0a),
	}
	return &types.Solution{
		ID:       "sol-1",
		Sequence: seq,
		Bug: &types.BugRecord{
			BugIdx:   types.BugReentrancy,
			Kind:     types.BugReentrancy.String(),
			Oracle:   "reentrancy",
			DedupKey: enginetest.Vault.Hex() + ":" + enginetest.SlotBalance.Hex(),
		},
	}
}

func TestMinimizeShrinksToEssentialSteps(t *testing.T) {
	toy := enginetest.NewToy()
	m := newMinimizer(t, toy, 0)
	sol := reentrancySolution()

	out, err := m.Minimize(context.Background(), sol)
	require.NoError(t, err)
	require.True(t, out.Minimized)
	require.Len(t, out.Sequence, 2)
	assert.Equal(t, []byte{enginetest.OpUnlock, enginetest.UnlockKey}, []byte(out.Sequence[0].Payload))
	assert.Equal(t, []byte{enginetest.OpWithdraw}, []byte(out.Sequence[1].Payload))
	assert.False(t, out.Sequence[1].HasValue())
	assert.True(t, types.Smaller(out.Sequence, sol.Sequence))
	assert.NotEmpty(t, out.Artifact)

	// the minimized sequence is bound step to step, so it replays as-is
	assert.Len(t, out.Bug.Input.Sequence(), 2)

	reproduced := false
	_, err = engine.Run(context.Background(), toy, out.Sequence, func(_ int, in *types.Input, res *types.ExecutionResult) bool {
		for _, r := range m.checker.Check(context.Background(), in, res) {
			for _, f := range r.Findings {
				reproduced = reproduced || f.DedupKey == sol.Bug.DedupKey
			}
		}
		return true
	})
	require.NoError(t, err)
	assert.True(t, reproduced)
}

func TestMinimizeKeepsAlreadyMinimalSolution(t *testing.T) {
	m := newMinimizer(t, enginetest.NewToy(), 0)
	sol := reentrancySolution()
	sol.Sequence = []*types.Input{
		step(0, enginetest.OpUnlock, enginetest.UnlockKey),
		step(0, enginetest.OpWithdraw),
	}

	out, err := m.Minimize(context.Background(), sol)
	require.NoError(t, err)
	assert.Same(t, sol, out)
	assert.False(t, out.Minimized)
}

func TestMinimizeEngineFailureKeepsOriginal(t *testing.T) {
	toy := enginetest.NewToy()
	toy.FailOn = func(*types.Input) error {
		if toy.Executions() > 8 {
			return &engine.ExecutionError{Kind: engine.KindCrash}
		}
		return nil
	}
	m := newMinimizer(t, toy, 0)
	sol := reentrancySolution()

	out, err := m.Minimize(context.Background(), sol)
	assert.ErrorIs(t, err, ErrMinimization)
	assert.Same(t, sol, out)
}

func TestMinimizeStopsAtBudget(t *testing.T) {
	toy := enginetest.NewToy()
	m := newMinimizer(t, toy, 12)
	sol := reentrancySolution()

	out, err := m.Minimize(context.Background(), sol)
	require.NoError(t, err)
	assert.LessOrEqual(t, toy.Executions(), int64(12))
	assert.LessOrEqual(t, len(out.Sequence), len(sol.Sequence))
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"vmfuzz/internal/types"
)

// Engine executes inputs against VM states. Implementations own the state
// handles they return and the coverage buffer attached to each result.
type Engine interface {
	Genesis(ctx context.Context) (*types.VMState, error)
	// Execute runs in from in.Start. The result's Post.Origin is in.
	Execute(ctx context.Context, in *types.Input) (*types.ExecutionResult, error)
	// Call runs a read-only call against state without producing a new state.
	Call(ctx context.Context, state *types.VMState, in *types.Input) ([]byte, error)
}

type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindCrash             ErrorKind = "crash"
	KindResourceExhausted ErrorKind = "resource_exhausted"
)

// ExecutionError is an execution that did not complete. The input is
// discarded and never counts as interesting.
type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution failed: %s", e.Kind)
	}
	return fmt.Sprintf("execution failed: %s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// Run executes a sequence from genesis, rebinding every step to the state
// the previous one produced. visit sees each step's input and result; it
// returns false to stop early.
func Run(ctx context.Context, e Engine, seq []*types.Input, visit func(i int, in *types.Input, res *types.ExecutionResult) bool) ([]*types.Input, error) {
	state, err := e.Genesis(ctx)
	if err != nil {
		return nil, err
	}
	bound := make([]*types.Input, 0, len(seq))
	for i, step := range seq {
		in := step.WithStart(state, 0)
		res, err := e.Execute(ctx, in)
		if err != nil {
			return bound, err
		}
		bound = append(bound, in)
		if visit != nil && !visit(i, in, res) {
			return bound, nil
		}
		if !res.Reverted && res.Post != nil {
			state = res.Post
		}
	}
	return bound, nil
}

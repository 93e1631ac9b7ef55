package oracle

import (
	"context"
	"fmt"

	"vmfuzz/internal/types"
)

// Finding is a candidate bug reported by one oracle for one execution.
type Finding struct {
	BugIdx      types.BugIdx
	DedupKey    string
	Description string
}

// Producer computes derived facts that oracles read from the Context.
type Producer interface {
	Name() string
	Produce(ctx context.Context, oc *Context) error
}

// Oracle is a predicate over one execution. Any state it needs between trace
// events lives inside a single Check call.
type Oracle interface {
	Name() string
	Check(ctx context.Context, oc *Context) ([]Finding, error)
}

// InternalError is an oracle failing on its own, as opposed to finding a bug.
type InternalError struct {
	Oracle string
	Err    error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("oracle %s failed: %v", e.Oracle, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

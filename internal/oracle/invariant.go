package oracle

import (
	"context"
	"fmt"

	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// InvariantCall is one read-only check that must return a non-zero word.
type InvariantCall struct {
	Name    string         `yaml:"name" json:"name"`
	Caller  common.Address `yaml:"caller" json:"caller"`
	Target  common.Address `yaml:"target" json:"target"`
	Payload hexutil.Bytes  `yaml:"payload" json:"payload"`
}

// Invariant evaluates configured invariant calls against the post state.
type Invariant struct {
	calls []InvariantCall
}

func NewInvariant(calls []InvariantCall) *Invariant {
	return &Invariant{calls}
}

func (*Invariant) Name() string { return "invariant" }

func (o *Invariant) Check(ctx context.Context, oc *Context) ([]Finding, error) {
	var findings []Finding
	for _, call := range o.calls {
		in := types.NewInput(call.Caller, call.Target, nil, call.Payload, oc.Post, 0)
		out, err := oc.Call(ctx, in)
		if err != nil {
			return nil, &InternalError{Oracle: o.Name(), Err: fmt.Errorf("invariant %s: %w", call.Name, err)}
		}
		if holds(out) {
			continue
		}
		findings = append(findings, Finding{
			BugIdx:      types.BugInvariant,
			DedupKey:    call.Name,
			Description: fmt.Sprintf("invariant %s returned false", call.Name),
		})
	}
	return findings, nil
}

// holds reports whether a call returned a true boolean word.
func holds(out []byte) bool {
	for _, b := range out {
		if b != 0 {
			return true
		}
	}
	return false
}

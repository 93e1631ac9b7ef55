package oracle

import (
	"context"
	"fmt"

	"vmfuzz/internal/types"
)

// SelfDestruct flags any contract destroyed during the execution.
type SelfDestruct struct{}

func NewSelfDestruct() *SelfDestruct { return &SelfDestruct{} }

func (*SelfDestruct) Name() string { return "selfdestruct" }

func (*SelfDestruct) Check(_ context.Context, oc *Context) ([]Finding, error) {
	if oc.Result == nil {
		return nil, nil
	}
	var findings []Finding
	for _, ev := range oc.Result.Trace {
		if ev.Op != types.OpSelfDestruct {
			continue
		}
		findings = append(findings, Finding{
			BugIdx:      types.BugSelfDestruct,
			DedupKey:    ev.Address.Hex(),
			Description: fmt.Sprintf("%s self-destructed, funds sent to %s", ev.Address.Hex(), ev.To.Hex()),
		})
	}
	return findings, nil
}

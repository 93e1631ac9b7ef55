package oracle

import (
	"context"
	"fmt"

	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
)

// Reentrancy flags a storage slot accessed before an external call and then
// accessed the other way after it: read, call, write or write, call, read.
type Reentrancy struct{}

func NewReentrancy() *Reentrancy { return &Reentrancy{} }

func (*Reentrancy) Name() string { return "reentrancy" }

type slotKey struct {
	address common.Address
	slot    common.Hash
}

type slotTrack struct {
	read, written bool // before the pending external call
	called        bool
	fired         bool
}

func (*Reentrancy) Check(_ context.Context, oc *Context) ([]Finding, error) {
	if oc.Result == nil {
		return nil, nil
	}
	tracks := make(map[slotKey]*slotTrack)
	var findings []Finding

	for _, ev := range oc.Result.Trace {
		switch ev.Op {
		case types.OpSLoad, types.OpSStore:
			key := slotKey{ev.Address, ev.Slot}
			t, ok := tracks[key]
			if !ok {
				t = &slotTrack{}
				tracks[key] = t
			}
			if t.called && !t.fired {
				var pattern string
				switch {
				case ev.Op == types.OpSStore && t.read:
					pattern = "read before an external call and written after it"
				case ev.Op == types.OpSLoad && t.written:
					pattern = "written before an external call and read after it"
				}
				if pattern != "" {
					t.fired = true
					findings = append(findings, Finding{
						BugIdx:      types.BugReentrancy,
						DedupKey:    fmt.Sprintf("%s:%s", ev.Address.Hex(), ev.Slot.Hex()),
						Description: fmt.Sprintf("slot %s of %s %s", ev.Slot.Hex(), ev.Address.Hex(), pattern),
					})
					continue
				}
			}
			if !t.called {
				if ev.Op == types.OpSLoad {
					t.read = true
				} else {
					t.written = true
				}
			}
		case types.OpCall:
			if ev.To == ev.Address {
				continue
			}
			for key, t := range tracks {
				if key.address == ev.Address {
					t.called = true
				}
			}
		}
	}
	return findings, nil
}

package oracle

import (
	"context"
	"fmt"

	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	factFlows      = "balance.flows"
	factPreBalance = "balance.pre"
)

// BalanceReader is implemented by engines able to report native balances.
type BalanceReader interface {
	Balance(ctx context.Context, state *types.VMState, addr common.Address) (*uint256.Int, error)
}

// Flows is the value moved from the target to the caller and back during one
// execution.
type Flows struct {
	ToCaller   *uint256.Int
	FromCaller *uint256.Int
}

// BalanceProducer sums value transfers between the input's target and caller
// and, when it has a reader, reads the target's balance before execution.
// A nil reader is valid.
type BalanceProducer struct {
	reader BalanceReader
}

func NewBalanceProducer(reader BalanceReader) *BalanceProducer {
	return &BalanceProducer{reader}
}

func (*BalanceProducer) Name() string { return "balance" }

func (p *BalanceProducer) Produce(ctx context.Context, oc *Context) error {
	if oc.Result == nil {
		return nil
	}
	flows := Flows{ToCaller: new(uint256.Int), FromCaller: new(uint256.Int)}
	if oc.Input.Value != nil {
		flows.FromCaller.Add(flows.FromCaller, oc.Input.Value)
	}
	for _, ev := range oc.Result.Trace {
		if ev.Value == nil || (ev.Op != types.OpTransfer && ev.Op != types.OpCall) {
			continue
		}
		switch {
		case ev.Address == oc.Input.Target && ev.To == oc.Input.Caller:
			flows.ToCaller.Add(flows.ToCaller, ev.Value)
		case ev.Address == oc.Input.Caller && ev.To == oc.Input.Target:
			flows.FromCaller.Add(flows.FromCaller, ev.Value)
		}
	}
	oc.SetFact(factFlows, flows)

	// without a reader the drain oracle judges on flows alone
	if p.reader == nil || oc.Pre == nil {
		return nil
	}
	pre, err := p.reader.Balance(ctx, oc.Pre, oc.Input.Target)
	if err != nil {
		return fmt.Errorf("failed to read balance of %s: %w", oc.Input.Target.Hex(), err)
	}
	oc.SetFact(factPreBalance, pre)
	return nil
}

// BalanceDrain flags the caller walking away with more than Fraction of the
// target's balance. Without a known balance it falls back to flagging any
// net profit at all.
type BalanceDrain struct {
	// fraction in basis points
	bps uint64
}

func NewBalanceDrain(fraction float64) *BalanceDrain {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.5
	}
	return &BalanceDrain{uint64(fraction * 10000)}
}

func (*BalanceDrain) Name() string { return "balance_drain" }

func (o *BalanceDrain) Check(_ context.Context, oc *Context) ([]Finding, error) {
	v, ok := oc.Fact(factFlows)
	if !ok {
		return nil, nil
	}
	flows := v.(Flows)
	if flows.ToCaller.Cmp(flows.FromCaller) <= 0 {
		return nil, nil
	}
	profit := new(uint256.Int).Sub(flows.ToCaller, flows.FromCaller)

	if v, ok := oc.Fact(factPreBalance); ok {
		pre := v.(*uint256.Int)
		// profit * 10000 >= pre * bps
		lhs, overflow := new(uint256.Int).MulOverflow(profit, uint256.NewInt(10000))
		rhs, overflow2 := new(uint256.Int).MulOverflow(pre, uint256.NewInt(o.bps))
		if !overflow && !overflow2 && lhs.Lt(rhs) {
			return nil, nil
		}
	}

	return []Finding{{
		BugIdx:      types.BugBalanceDrain,
		DedupKey:    fmt.Sprintf("%s:%s", oc.Input.Target.Hex(), oc.Input.Caller.Hex()),
		Description: fmt.Sprintf("%s drained %s wei from %s", oc.Input.Caller.Hex(), profit.Dec(), oc.Input.Target.Hex()),
	}}, nil
}

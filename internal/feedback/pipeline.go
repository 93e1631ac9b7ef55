package feedback

import (
	"context"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/types"

	"go.uber.org/zap"
)

// Execution is one completed engine run as seen by the pipeline.
type Execution struct {
	Input  *types.Input
	Result *types.ExecutionResult
	// Skeleton is the transaction entry the input was derived from, zero for
	// inputs that did not come from the corpus.
	Skeleton   corpus.ID
	Generation uint64
}

// OracleRunner checks an execution for bugs and returns only findings that
// survived deduplication.
type OracleRunner interface {
	Run(ctx context.Context, in *types.Input, res *types.ExecutionResult) []*types.BugRecord
}

type Pipeline struct {
	state    *StateFeedback
	oracles  OracleRunner
	coverage *CoverageFeedback
	logger   *zap.Logger
}

func NewPipeline(state *StateFeedback, oracles OracleRunner, coverage *CoverageFeedback, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{state, oracles, coverage, logger}
}

func (p *Pipeline) State() *StateFeedback { return p.state }

func (p *Pipeline) Coverage() *CoverageFeedback { return p.coverage }

// Process classifies one execution. State feedback always runs first; a
// solution from the oracle tier skips coverage feedback. Reverted executions
// are never interesting.
func (p *Pipeline) Process(ctx context.Context, exec *Execution) (Verdict, error) {
	v := Verdict{Reverted: exec.Result.Reverted}
	if exec.Result.Reverted {
		return v, nil
	}

	state, err := p.state.Evaluate(exec.Input, exec.Result)
	if err != nil {
		return v, err
	}
	v.State = state
	if state.Interesting {
		v.Tier = TierState
	}

	if p.oracles != nil {
		v.Findings = p.oracles.Run(ctx, exec.Input, exec.Result)
		if len(v.Findings) > 0 {
			for _, bug := range v.Findings {
				bug.CorpusRef = exec.Skeleton
			}
			v.Tier = TierOracle
			return v, nil
		}
	}

	cov, err := p.coverage.Evaluate(exec)
	if err != nil {
		return v, err
	}
	v.Coverage = cov
	if cov.Transaction != 0 {
		v.Tier = TierCoverage
	}
	return v, nil
}

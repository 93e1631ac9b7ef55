package feedback

import (
	"fmt"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/coverage"
	"vmfuzz/internal/types"

	"go.uber.org/zap"
)

// CoverageFeedback accepts inputs that light up jump slots never seen before.
type CoverageFeedback struct {
	txs         *corpus.Store[*types.Input]
	virgin      *coverage.Virgin
	votePerEdge float64
	logger      *zap.Logger
}

func NewCoverageFeedback(txs *corpus.Store[*types.Input], votePerEdge float64, logger *zap.Logger) *CoverageFeedback {
	if votePerEdge <= 0 {
		votePerEdge = 1
	}
	return &CoverageFeedback{txs, coverage.NewVirgin(), votePerEdge, logger}
}

func (f *CoverageFeedback) Virgin() *coverage.Virgin { return f.virgin }

func (f *CoverageFeedback) Evaluate(exec *Execution) (CoverageOutcome, error) {
	var out CoverageOutcome
	if exec.Result.Coverage == nil {
		return out, nil
	}
	fresh := f.virgin.Update(&exec.Result.Coverage.Jump)
	out.NewEdges = len(fresh)
	if len(fresh) == 0 {
		return out, nil
	}

	// the store clamps to its vote ceiling
	out.Votes = float64(len(fresh)) * f.votePerEdge
	entry := &corpus.Entry[*types.Input]{
		Payload:    exec.Input,
		Votes:      out.Votes,
		Generation: exec.Generation + 1,
		Key:        exec.Input.Hash().Hex(),
	}
	if exec.Input.StartID != 0 {
		entry.Parent = &corpus.ParentRef{Role: corpus.RoleInfant, ID: exec.Input.StartID}
	}
	id, err := f.txs.Insert(entry)
	if err != nil {
		return out, fmt.Errorf("failed to insert transaction: %w", err)
	}
	out.Transaction = id
	f.logger.Debug("new coverage",
		zap.Uint64("id", uint64(id)),
		zap.Int("new_edges", len(fresh)),
		zap.Int("total_edges", f.virgin.Count()))
	return out, nil
}

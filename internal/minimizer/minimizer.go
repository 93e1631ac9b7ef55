package minimizer

import (
	"context"
	"errors"
	"fmt"

	"vmfuzz/internal/engine"
	"vmfuzz/internal/oracle"
	"vmfuzz/internal/types"

	"go.uber.org/zap"
)

var (
	ErrMinimization = errors.New("minimization failed")
	errBudget       = errors.New("re-execution budget spent")
)

const wordSize = 32

// Checker runs the oracles over one execution without deduplication.
type Checker interface {
	Check(ctx context.Context, in *types.Input, res *types.ExecutionResult) []oracle.Report
}

type Config struct {
	// MaxExecutions bounds the engine executions one minimization may spend.
	MaxExecutions int
}

// Minimizer shrinks a solution's sequence while the same oracle keeps
// reporting the same bug.
type Minimizer struct {
	engine  engine.Engine
	checker Checker
	config  Config
	logger  *zap.Logger
}

func New(e engine.Engine, checker Checker, config Config, logger *zap.Logger) *Minimizer {
	if config.MaxExecutions <= 0 {
		config.MaxExecutions = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Minimizer{e, checker, config, logger}
}

type run struct {
	m      *Minimizer
	bug    *types.BugRecord
	budget int
	best   []*types.Input
}

// reproduces executes seq from genesis and reports whether the bug shows up
// again. On success best holds the freshly bound sequence up to the step that
// triggered it.
func (r *run) reproduces(ctx context.Context, seq []*types.Input) (bool, error) {
	if r.budget < len(seq) {
		return false, errBudget
	}
	found := false
	bound, err := engine.Run(ctx, r.m.engine, seq, func(_ int, in *types.Input, res *types.ExecutionResult) bool {
		r.budget--
		if res.Reverted {
			return true
		}
		for _, report := range r.m.checker.Check(ctx, in, res) {
			if report.Oracle != r.bug.Oracle {
				continue
			}
			for _, f := range report.Findings {
				if f.BugIdx == r.bug.BugIdx && f.DedupKey == r.bug.DedupKey {
					found = true
					return false
				}
			}
		}
		return true
	})
	if err != nil {
		return false, err
	}
	if found {
		// the bug may fire before the last step, leaving a shorter prefix
		r.best = bound
	}
	return found, nil
}

// Minimize returns a strictly smaller reproducing solution, or sol itself when
// nothing smaller reproduces. An engine failure returns sol together with an
// error wrapping ErrMinimization.
func (m *Minimizer) Minimize(ctx context.Context, sol *types.Solution) (*types.Solution, error) {
	logger := m.logger.With(zap.String("solution_id", sol.ID), zap.String("bug", sol.Bug.Key()))
	r := &run{m: m, bug: sol.Bug, budget: m.config.MaxExecutions}

	ok, err := r.reproduces(ctx, sol.Sequence)
	if err == nil && !ok {
		logger.Warn("solution does not reproduce, keeping original")
		return sol, nil
	}
	if err == nil {
		err = r.shrink(ctx, r.best)
	}
	if err != nil && !errors.Is(err, errBudget) {
		logger.Warn("minimization aborted, keeping original", zap.Error(err))
		return sol, fmt.Errorf("%w: %w", ErrMinimization, err)
	}
	if r.best == nil || !types.Smaller(r.best, sol.Sequence) {
		logger.Debug("no smaller reproduction found")
		return sol, nil
	}

	steps, bytes := types.SequenceSize(r.best)
	origSteps, origBytes := types.SequenceSize(sol.Sequence)
	logger.Info("solution minimized",
		zap.Int("steps", steps), zap.Int("original_steps", origSteps),
		zap.Int("bytes", bytes), zap.Int("original_bytes", origBytes),
		zap.Int("executions", m.config.MaxExecutions-r.budget))

	bug := *sol.Bug
	bug.Input = r.best[len(r.best)-1]
	minimized := &types.Solution{
		ID:        sol.ID,
		Sequence:  r.best,
		Bug:       &bug,
		Minimized: true,
	}
	if _, err := minimized.BuildArtifact(); err != nil {
		return sol, fmt.Errorf("%w: %w", ErrMinimization, err)
	}
	return minimized, nil
}

func (r *run) shrink(ctx context.Context, seq []*types.Input) error {
	cur := seq
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := r.ddmin(ctx, cur)
		if err != nil {
			return err
		}
		next, err = r.simplify(ctx, next)
		if err != nil {
			return err
		}
		if !types.Smaller(next, cur) {
			return nil
		}
		cur = next
	}
}

// ddmin removes chunks of steps, refining the chunk size down to single
// steps.
func (r *run) ddmin(ctx context.Context, seq []*types.Input) ([]*types.Input, error) {
	n := 2
	for len(seq) > 1 {
		chunk := (len(seq) + n - 1) / n
		reduced := false
		for start := 0; start < len(seq); start += chunk {
			end := min(start+chunk, len(seq))
			candidate := make([]*types.Input, 0, len(seq)-(end-start))
			candidate = append(candidate, seq[:start]...)
			candidate = append(candidate, seq[end:]...)
			if len(candidate) == 0 {
				continue
			}
			ok, err := r.reproduces(ctx, candidate)
			if err != nil {
				return seq, err
			}
			if ok {
				seq = r.best
				n = max(n-1, 2)
				reduced = true
				break
			}
		}
		if reduced {
			continue
		}
		if n >= len(seq) {
			break
		}
		n = min(n*2, len(seq))
	}
	return seq, nil
}

// simplify tries cheaper parameters for each step: no attached value, then
// payloads with trailing words dropped.
func (r *run) simplify(ctx context.Context, seq []*types.Input) ([]*types.Input, error) {
	for i := 0; i < len(seq); i++ {
		for _, candidate := range simplifications(seq[i]) {
			trial := make([]*types.Input, len(seq))
			copy(trial, seq)
			trial[i] = candidate
			ok, err := r.reproduces(ctx, trial)
			if err != nil {
				return seq, err
			}
			if ok {
				seq = r.best
				break
			}
		}
	}
	return seq, nil
}

func simplifications(in *types.Input) []*types.Input {
	var out []*types.Input
	if in.HasValue() {
		out = append(out, in.WithValue(nil))
	}
	for l := len(in.Payload) - wordSize; l >= 0; l -= wordSize {
		out = append(out, in.WithPayload(in.Payload[:l]))
	}
	return out
}

package feedback

import (
	"errors"
	"fmt"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/coverage"
	"vmfuzz/internal/types"

	mapset "github.com/deckarep/golang-set"
	"go.uber.org/zap"
)

// StateFeedback is the infant tier. It keeps the best comparison distance per
// site and the set of post-state hashes already inserted.
type StateFeedback struct {
	infants   *corpus.Store[*types.VMState]
	best      *coverage.CmpBest
	seen      mapset.Set
	threshold uint64
	policy    CmpPolicy
	logger    *zap.Logger
}

func NewStateFeedback(infants *corpus.Store[*types.VMState], threshold uint64, policy CmpPolicy, logger *zap.Logger) *StateFeedback {
	if policy == nil {
		policy = AnySite{}
	}
	return &StateFeedback{
		infants:   infants,
		best:      coverage.NewCmpBest(),
		seen:      mapset.NewSet(),
		threshold: threshold,
		policy:    policy,
		logger:    logger,
	}
}

// Observe marks a state hash as already present, e.g. genesis or states
// restored from a journal.
func (f *StateFeedback) Observe(state *types.VMState) {
	f.seen.Add(state.Hash)
}

func (f *StateFeedback) Evaluate(in *types.Input, res *types.ExecutionResult) (StateOutcome, error) {
	var out StateOutcome
	if res.Post == nil {
		return out, nil
	}

	var improved []coverage.Improvement
	if res.Coverage != nil {
		improved = f.best.Update(&res.Coverage.Cmp, f.threshold)
	}
	out.Improvements = len(improved)
	out.Suspended = res.Post.Suspended
	out.NovelHash = !f.seen.Contains(res.Post.Hash)
	out.Interesting = len(improved) > 0 || out.NovelHash || out.Suspended
	if !out.Interesting {
		return out, nil
	}

	votes := f.policy.Votes(improved)
	if votes == 0 {
		votes = 1
	}
	out.AncestorVotes = votes

	if in.StartID != 0 {
		err := f.infants.Vote(in.StartID, votes)
		if err != nil && !errors.Is(err, corpus.ErrNotFound) {
			return out, err
		}
	}

	// only states never inserted before enter the corpus
	if !f.seen.Add(res.Post.Hash) {
		return out, nil
	}
	entry := &corpus.Entry[*types.VMState]{
		Payload: res.Post,
		Votes:   votes,
		Key:     res.Post.Hash.Hex(),
	}
	if in.StartID != 0 {
		entry.Parent = &corpus.ParentRef{Role: corpus.RoleInfant, ID: in.StartID}
		if parent, err := f.infants.Get(in.StartID); err == nil {
			entry.Generation = parent.Generation + 1
		}
	}
	id, err := f.infants.Insert(entry)
	if err != nil {
		f.seen.Remove(res.Post.Hash)
		return out, fmt.Errorf("failed to insert infant state: %w", err)
	}
	out.Infant = id
	f.logger.Debug("new infant state",
		zap.Uint64("id", uint64(id)),
		zap.String("hash", res.Post.Hash.Hex()),
		zap.Int("improved_sites", len(improved)),
		zap.Bool("suspended", out.Suspended))
	return out, nil
}

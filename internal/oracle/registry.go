package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"vmfuzz/internal/types"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const defaultCallCacheSize = 4096

// Registry runs every producer and then every oracle against an execution
// and turns surviving findings into deduplicated BugRecords.
type Registry struct {
	mu        sync.RWMutex
	producers []Producer
	oracles   []Oracle

	caller Caller
	dedup  Deduplicator
	cache  *lru.Cache
	logger *zap.Logger
}

func NewRegistry(caller Caller, dedup Deduplicator, cacheSize int, logger *zap.Logger) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCallCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if dedup == nil {
		dedup = NewMemoryDeduplicator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{caller: caller, dedup: dedup, cache: cache, logger: logger}, nil
}

func (r *Registry) AddProducer(p Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers = append(r.producers, p)
}

func (r *Registry) AddOracle(o Oracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oracles = append(r.oracles, o)
}

func (r *Registry) Oracles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.oracles))
	for _, o := range r.oracles {
		names = append(names, o.Name())
	}
	return names
}

// Claim marks a known bug as already reported, e.g. when solutions are
// restored on resume.
func (r *Registry) Claim(ctx context.Context, bug types.BugIdx, key string) {
	if _, err := r.dedup.Claim(ctx, bug, key); err != nil {
		r.logger.Warn("failed to claim restored bug", zap.String("bug", bug.String()), zap.Error(err))
	}
}

// Report is the raw output of one oracle.
type Report struct {
	Oracle   string
	Findings []Finding
}

// Check runs all oracles in registration order and returns their raw
// findings without deduplication. The minimizer uses it to test reproduction.
func (r *Registry) Check(ctx context.Context, in *types.Input, res *types.ExecutionResult) []Report {
	r.mu.RLock()
	producers, oracles := r.producers, r.oracles
	r.mu.RUnlock()

	oc := newContext(in, res, r.caller, r.cache)
	for _, p := range producers {
		if err := p.Produce(ctx, oc); err != nil {
			r.logger.Warn("producer failed", zap.String("producer", p.Name()), zap.Error(err))
		}
	}

	var out []Report
	for _, o := range oracles {
		findings, err := o.Check(ctx, oc)
		if err != nil {
			var internal *InternalError
			if !errors.As(err, &internal) {
				err = &InternalError{Oracle: o.Name(), Err: err}
			}
			r.logger.Error("oracle failed, discarding its findings", zap.Error(err))
			continue
		}
		if len(findings) > 0 {
			out = append(out, Report{o.Name(), findings})
		}
	}
	return out
}

// Run checks one execution and returns the findings not reported before.
func (r *Registry) Run(ctx context.Context, in *types.Input, res *types.ExecutionResult) []*types.BugRecord {
	var records []*types.BugRecord
	for _, report := range r.Check(ctx, in, res) {
		for _, f := range report.Findings {
			fresh, err := r.dedup.Claim(ctx, f.BugIdx, f.DedupKey)
			if err != nil {
				r.logger.Warn("dedup claim failed", zap.String("oracle", report.Oracle), zap.Error(err))
			}
			if !fresh {
				continue
			}
			records = append(records, &types.BugRecord{
				BugIdx:      f.BugIdx,
				Kind:        f.BugIdx.String(),
				DedupKey:    f.DedupKey,
				Description: f.Description,
				Oracle:      report.Oracle,
				Input:       in,
				FoundAt:     time.Now(),
			})
		}
	}
	return records
}

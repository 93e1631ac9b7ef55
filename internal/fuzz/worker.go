package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/engine"
	"vmfuzz/internal/feedback"
	"vmfuzz/internal/scheduler"
	"vmfuzz/internal/types"
	"vmfuzz/pkg/telemetry"

	mapset "github.com/deckarep/golang-set"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Worker runs the sequential fuzzing loop over its own private corpora and
// coverage maps. Only merge touches the campaign's shared stores.
type Worker struct {
	id       int
	campaign *Campaign
	logger   *zap.Logger

	rng      *rand.Rand
	corpora  *Corpora
	txs      *scheduler.Scheduler[*types.Input]
	infants  *scheduler.Scheduler[*types.VMState]
	pipeline *feedback.Pipeline

	genesisID corpus.ID
	steps     int

	// private id -> shared id of everything pushed so far
	infantMap map[corpus.ID]corpus.ID
	txMap     map[corpus.ID]corpus.ID
	// shared ids this worker pushed, never pulled back
	pushed mapset.Set
	// private ids that came from the shared stores, never pushed back
	pulled mapset.Set

	pushedTxSeq, pushedInfantSeq uint64
	pulledTxSeq, pulledInfantSeq uint64
}

func newWorker(c *Campaign, id int) (*Worker, error) {
	cfg := c.config
	logger := c.logger.With(zap.Int("worker", id))
	corpora := NewCorpora(CorporaOptions{VoteCeiling: cfg.VoteCeiling, Logger: logger})

	seed := cfg.Seed + int64(id)*3
	txConfig := cfg.TxScheduler
	txConfig.Seed = seed + 1
	infantConfig := cfg.InfantScheduler
	infantConfig.Seed = seed + 2

	state := feedback.NewStateFeedback(corpora.Infants, cfg.CmpThreshold, c.cmpPolicy, logger)
	cov := feedback.NewCoverageFeedback(corpora.Txs, cfg.VotePerEdge, logger)

	w := &Worker{
		id:        id,
		campaign:  c,
		logger:    logger,
		rng:       rand.New(rand.NewSource(seed)),
		corpora:   corpora,
		txs:       scheduler.New(corpora.Txs, txConfig, logger),
		infants:   scheduler.New(corpora.Infants, infantConfig, logger),
		pipeline:  feedback.NewPipeline(state, c.oracles, cov, logger),
		infantMap: make(map[corpus.ID]corpus.ID),
		txMap:     make(map[corpus.ID]corpus.ID),
		pushed:    mapset.NewSet(),
		pulled:    mapset.NewSet(),
	}

	// genesis is the permanent root of the private forest
	var err error
	w.genesisID, err = corpora.Infants.Insert(&corpus.Entry[*types.VMState]{
		Payload: c.genesis,
		Key:     c.genesis.Hash.Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert genesis: %w", err)
	}
	corpora.Infants.Pin(w.genesisID)
	state.Observe(c.genesis)
	w.infantMap[w.genesisID] = c.genesisID
	w.pushedInfantSeq = corpora.Infants.LastSeq()

	w.pull()
	if corpora.Txs.Size() == 0 {
		return nil, fmt.Errorf("worker %d: %w", id, scheduler.ErrEmpty)
	}
	return w, nil
}

// Run loops until ctx is done, merging every MergeInterval steps and once
// more on the way out.
func (w *Worker) Run(ctx context.Context) error {
	tracer := w.campaign.tracer.Spawn("vmfuzz worker")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).WithWorker(w.id))
	tracer.Start()
	defer tracer.End()
	defer w.merge()

	for ctx.Err() == nil {
		if err := w.Step(ctx); err != nil {
			tracer.SetStatus(codes.Error, err.Error())
			return err
		}
		if w.steps%w.campaign.config.MergeInterval == 0 {
			w.merge()
		}
	}
	return nil
}

// Step performs one iteration: pick a skeleton and a start state, mutate,
// execute, classify and update the corpora.
func (w *Worker) Step(ctx context.Context) error {
	w.steps++
	c := w.campaign

	skel, err := w.txs.Next()
	if err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			return nil
		}
		return err
	}
	start, err := w.infants.Next()
	if err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			return nil
		}
		return err
	}
	w.corpora.Infants.Pin(start.ID)
	defer w.corpora.Infants.Unpin(start.ID)

	in := c.mutator.Mutate(w.rng, skel.Payload.WithStart(start.Payload, start.ID))

	// once started, an input runs to completion bounded only by ExecTimeout
	iterCtx := context.WithoutCancel(ctx)
	execCtx, cancel := context.WithTimeout(iterCtx, c.config.ExecTimeout)
	res, err := c.engine.Execute(execCtx, in)
	cancel()
	if err != nil {
		var ee *engine.ExecutionError
		if !errors.As(err, &ee) {
			ee = &engine.ExecutionError{Kind: engine.KindCrash, Err: err}
		}
		c.executionFailed(ee)
		return nil
	}
	c.executed(res)

	verdict, err := w.pipeline.Process(iterCtx, &feedback.Execution{
		Input:      in,
		Result:     res,
		Skeleton:   skel.ID,
		Generation: skel.Generation,
	})
	if err != nil {
		return fmt.Errorf("feedback failed: %w", err)
	}
	if verdict.Interesting() {
		c.metrics.Interesting.WithLabelValues(verdict.Tier.String()).Inc()
		if err := w.txs.Vote(skel.ID, 1); err != nil && !errors.Is(err, corpus.ErrNotFound) {
			return err
		}
	}
	for _, bug := range verdict.Findings {
		c.solve(ctx, bug)
	}

	for _, id := range w.txs.Prune() {
		delete(w.txMap, id)
		w.pulled.Remove(id)
	}
	for _, id := range w.infants.Prune() {
		delete(w.infantMap, id)
		w.pulled.Remove(id)
	}
	return nil
}

// merge pushes the entries found since the last merge into the shared
// stores and pulls what the other workers pushed.
func (w *Worker) merge() {
	c := w.campaign
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	infants := w.pushInfants()
	txs := w.pushTxs()

	c.virgin.Merge(w.pipeline.Coverage().Virgin())
	w.pipeline.Coverage().Virgin().Merge(c.virgin)

	c.importSeeds()
	w.pull()
	c.pruneShared()

	if infants+txs > 0 {
		w.logger.Debug("merged corpora",
			zap.Int("infants", infants),
			zap.Int("transactions", txs),
			zap.Int("steps", w.steps))
	}
}

func (w *Worker) sharedParent(private *corpus.ParentRef) *corpus.ParentRef {
	if private == nil || private.Role != corpus.RoleInfant {
		return nil
	}
	id, ok := w.infantMap[private.ID]
	if !ok {
		return nil
	}
	return &corpus.ParentRef{Role: corpus.RoleInfant, ID: id}
}

func (w *Worker) pushInfants() int {
	shared := w.campaign.shared.Infants
	n := 0
	for _, e := range w.corpora.Infants.Since(w.pushedInfantSeq) {
		if w.pulled.Contains(e.ID) {
			continue
		}
		entry := &corpus.Entry[*types.VMState]{
			Payload:    e.Payload,
			Votes:      e.Votes,
			Generation: e.Generation,
			Parent:     w.sharedParent(e.Parent),
			Key:        e.Payload.Hash.Hex(),
		}
		id, err := insertDetached(shared, entry)
		if err != nil {
			w.logger.Warn("failed to merge infant", zap.Uint64("id", uint64(e.ID)), zap.Error(err))
			continue
		}
		w.infantMap[e.ID] = id
		w.pushed.Add(id)
		n++
	}
	w.pushedInfantSeq = w.corpora.Infants.LastSeq()
	return n
}

func (w *Worker) pushTxs() int {
	shared := w.campaign.shared.Txs
	n := 0
	for _, e := range w.corpora.Txs.Since(w.pushedTxSeq) {
		if w.pulled.Contains(e.ID) {
			continue
		}
		skel := skeleton(e.Payload)
		entry := &corpus.Entry[*types.Input]{
			Payload:    skel,
			Votes:      e.Votes,
			Generation: e.Generation,
			Parent:     w.sharedParent(e.Parent),
			Key:        skel.Hash().Hex(),
		}
		id, err := insertDetached(shared, entry)
		if err != nil {
			w.logger.Warn("failed to merge transaction", zap.Uint64("id", uint64(e.ID)), zap.Error(err))
			continue
		}
		w.txMap[e.ID] = id
		w.pushed.Add(id)
		n++
	}
	w.pushedTxSeq = w.corpora.Txs.LastSeq()
	return n
}

// pull copies entries other workers pushed into the private stores as roots.
func (w *Worker) pull() {
	shared := w.campaign.shared
	for _, e := range shared.Infants.Since(w.pulledInfantSeq) {
		if w.pushed.Contains(e.ID) {
			continue
		}
		id, err := w.corpora.Infants.Insert(&corpus.Entry[*types.VMState]{
			Payload:    e.Payload,
			Votes:      e.Votes,
			Generation: e.Generation,
			Key:        e.Payload.Hash.Hex(),
		})
		if err != nil {
			continue
		}
		w.pipeline.State().Observe(e.Payload)
		if _, known := w.infantMap[id]; !known {
			w.infantMap[id] = e.ID
			w.pulled.Add(id)
		}
	}
	w.pulledInfantSeq = shared.Infants.LastSeq()

	for _, e := range shared.Txs.Since(w.pulledTxSeq) {
		if w.pushed.Contains(e.ID) {
			continue
		}
		id, err := w.corpora.Txs.Insert(&corpus.Entry[*types.Input]{
			Payload:    e.Payload,
			Votes:      e.Votes,
			Generation: e.Generation,
			Key:        e.Key,
		})
		if err != nil {
			continue
		}
		if _, known := w.txMap[id]; !known {
			w.txMap[id] = e.ID
			w.pulled.Add(id)
		}
	}
	w.pulledTxSeq = shared.Txs.LastSeq()
}

// insertDetached inserts e and, if its parent was pruned meanwhile, retries
// it as a root.
func insertDetached[T any](store *corpus.Store[T], e *corpus.Entry[T]) (corpus.ID, error) {
	id, err := store.Insert(e)
	if errors.Is(err, corpus.ErrParentNotFound) {
		e.Parent = nil
		return store.Insert(e)
	}
	return id, err
}

// skeleton strips the start state from a transaction.
func skeleton(in *types.Input) *types.Input {
	return in.WithStart(nil, 0)
}

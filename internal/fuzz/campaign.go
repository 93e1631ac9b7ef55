package fuzz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/coverage"
	"vmfuzz/internal/engine"
	"vmfuzz/internal/feedback"
	"vmfuzz/internal/minimizer"
	"vmfuzz/internal/oracle"
	"vmfuzz/internal/report"
	"vmfuzz/internal/scheduler"
	"vmfuzz/internal/stats"
	"vmfuzz/internal/types"
	"vmfuzz/pkg/telemetry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Reasons a campaign stops, reported by Result.Reason.
var (
	ErrTimeBudget       = errors.New("time budget spent")
	ErrCrashThreshold   = errors.New("crash threshold reached")
	ErrSolutionFound    = errors.New("solution found")
	ErrCanceledByStatus = errors.New("campaign canceled")
	ErrNoTargets        = errors.New("no target contracts configured")
)

type Config struct {
	ID      string
	Workers int
	Seed    int64
	// MergeInterval is the number of worker steps between merges.
	MergeInterval int
	// TimeBudget bounds the whole campaign. Zero means no bound.
	TimeBudget  time.Duration
	ExecTimeout time.Duration
	// CrashThreshold stops the campaign after that many crashed executions.
	// Zero means no bound.
	CrashThreshold        int64
	ContinueAfterSolution bool
	// Minimize enables the minimizer on every new solution.
	Minimize           bool
	MinimizeExecutions int

	Targets []common.Address
	Callers []common.Address

	VotePerEdge  float64
	VoteCeiling  float64
	CmpThreshold uint64
	CmpPolicy    string

	TxScheduler     scheduler.Config
	InfantScheduler scheduler.Config
	// SharedTxCapacity and SharedInfantCapacity bound the merged stores.
	SharedTxCapacity     int
	SharedInfantCapacity int

	StatusPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MergeInterval <= 0 {
		c.MergeInterval = 256
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Second
	}
	if c.VotePerEdge <= 0 {
		c.VotePerEdge = 1
	}
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = 10 * time.Second
	}
	return c
}

// sharedConfig is a worker scheduler config retargeted at a merged store.
func sharedConfig(worker scheduler.Config, seed int64, capacity int) scheduler.Config {
	worker.Seed = seed
	worker.Capacity = capacity
	return worker
}

// Params are the collaborators of a campaign. Engine, Oracles, Shared and
// Metrics are required.
type Params struct {
	Engine  engine.Engine
	Oracles *oracle.Registry
	// Shared holds the merged corpora and the solutions store.
	Shared  *Corpora
	Metrics *stats.Metrics
	Mutator Mutator
	Status  StatusSource
	Seeds   <-chan types.SeedMessage
	Logger  *zap.Logger
}

// Result summarizes a finished campaign.
type Result struct {
	CampaignID string
	// Reason is why the campaign stopped.
	Reason     error
	Executions int64
	Solutions  []*types.Solution
}

// Campaign runs several workers against one engine and reconciles their
// corpora through the shared stores.
type Campaign struct {
	config    Config
	engine    engine.Engine
	oracles   *oracle.Registry
	shared    *Corpora
	metrics   *stats.Metrics
	mutator   Mutator
	cmpPolicy feedback.CmpPolicy
	minimizer *minimizer.Minimizer
	status    StatusSource
	seeds     <-chan types.SeedMessage
	logger    *zap.Logger

	virgin     *coverage.Virgin
	sharedTxs  *scheduler.Scheduler[*types.Input]
	sharedInfs *scheduler.Scheduler[*types.VMState]
	genesis    *types.VMState
	genesisID  corpus.ID
	prepared   bool

	mergeMu    sync.Mutex
	events     chan report.Event
	outbox     outbox
	executions atomic.Int64
	crashes    atomic.Int64
	stop       context.CancelCauseFunc
	tracer     telemetry.Tracer
}

func New(config Config, p Params) (*Campaign, error) {
	config = config.withDefaults()
	if len(config.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if p.Engine == nil || p.Oracles == nil || p.Shared == nil || p.Shared.Solutions == nil || p.Metrics == nil {
		return nil, errors.New("campaign needs an engine, oracles, shared corpora with solutions and metrics")
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("campaign_id", config.ID))
	cmpPolicy, ok := feedback.CmpPolicyByName(config.CmpPolicy)
	if !ok {
		return nil, fmt.Errorf("unknown comparison policy %q", config.CmpPolicy)
	}
	mutator := p.Mutator
	if mutator == nil {
		mutator = NewHavoc(config.Callers, nil)
	}

	txConfig := sharedConfig(config.TxScheduler, config.Seed, config.SharedTxCapacity)
	infantConfig := sharedConfig(config.InfantScheduler, config.Seed, config.SharedInfantCapacity)

	c := &Campaign{
		config:     config,
		engine:     p.Engine,
		oracles:    p.Oracles,
		shared:     p.Shared,
		metrics:    p.Metrics,
		mutator:    mutator,
		cmpPolicy:  cmpPolicy,
		status:     p.Status,
		seeds:      p.Seeds,
		logger:     logger,
		virgin:     coverage.NewVirgin(),
		sharedTxs:  scheduler.New(p.Shared.Txs, txConfig, logger),
		sharedInfs: scheduler.New(p.Shared.Infants, infantConfig, logger),
		events:     make(chan report.Event, 64),
		stop:       func(error) {},
		tracer:     &telemetry.DummyTracer{},
	}
	if config.Minimize {
		c.minimizer = minimizer.New(p.Engine, p.Oracles, minimizer.Config{MaxExecutions: config.MinimizeExecutions}, logger)
	}
	return c, nil
}

func (c *Campaign) ID() string { return c.config.ID }

// Events streams BugFound and SolutionMinimized events. The channel is
// closed when Run returns.
func (c *Campaign) Events() <-chan report.Event { return c.events }

// Prepare restores the shared stores from their journal, replays the
// restored infant states, inserts genesis and bootstraps the transaction
// corpus. Run calls it when it has not been called yet.
func (c *Campaign) Prepare(ctx context.Context) error {
	if c.prepared {
		return nil
	}
	if err := c.shared.Restore(ctx); err != nil {
		return err
	}

	genesis, err := c.engine.Genesis(ctx)
	if err != nil {
		return fmt.Errorf("failed to create genesis state: %w", err)
	}
	c.genesis = genesis

	if err := c.rehydrate(ctx); err != nil {
		return err
	}

	if id, ok := c.shared.Infants.Lookup(genesis.Hash.Hex()); ok {
		c.genesisID = id
		if err := c.shared.Infants.Replace(id, genesis); err != nil {
			return err
		}
	} else {
		c.genesisID, err = c.shared.Infants.Insert(&corpus.Entry[*types.VMState]{
			Payload: genesis,
			Key:     genesis.Hash.Hex(),
		})
		if err != nil {
			return fmt.Errorf("failed to insert genesis: %w", err)
		}
	}
	c.shared.Infants.Pin(c.genesisID)

	for _, e := range c.shared.Solutions.Snapshot() {
		c.oracles.Claim(ctx, e.Payload.Bug.BugIdx, e.Payload.Bug.DedupKey)
	}
	c.importSeeds()
	if c.shared.Txs.Size() == 0 {
		c.bootstrap()
	}
	c.prepared = true

	c.logger.Info("campaign prepared",
		zap.Int("transactions", c.shared.Txs.Size()),
		zap.Int("infants", c.shared.Infants.Size()),
		zap.Int("solutions", c.shared.Solutions.Size()),
		zap.Strings("oracles", c.oracles.Oracles()))
	return nil
}

// rehydrate replays every restored infant from genesis so it carries a live
// engine handle. A replay ending in a different state replaces the entry's
// payload with what the engine produced.
func (c *Campaign) rehydrate(ctx context.Context) error {
	snapshot := c.shared.Infants.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	tracer := c.tracer.Spawn("replay infants")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Replay).WithInfantSize(len(snapshot)))
	tracer.Start()
	defer tracer.End()

	for _, e := range snapshot {
		var post *types.VMState
		seq := []*types.Input{}
		if e.Payload.Origin != nil {
			seq = e.Payload.Origin.Sequence()
		}
		_, err := engine.Run(ctx, c.engine, seq, func(_ int, _ *types.Input, res *types.ExecutionResult) bool {
			if !res.Reverted {
				post = res.Post
			}
			return true
		})
		if err != nil {
			tracer.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to replay infant %d: %w", e.ID, err)
		}
		if post == nil {
			post = c.genesis
		}
		if post.Hash != e.Payload.Hash {
			c.logger.Warn("replayed infant state differs from the journal",
				zap.Uint64("id", uint64(e.ID)),
				zap.String("journal_hash", e.Payload.Hash.Hex()),
				zap.String("replayed_hash", post.Hash.Hex()))
		}
		post.Suspended = post.Suspended || e.Payload.Suspended
		if err := c.shared.Infants.Replace(e.ID, post); err != nil {
			return err
		}
	}
	return nil
}

// bootstrap seeds an empty transaction corpus with one empty call per
// target and caller.
func (c *Campaign) bootstrap() {
	callers := c.config.Callers
	if len(callers) == 0 {
		callers = []common.Address{{}}
	}
	for _, target := range c.config.Targets {
		for _, caller := range callers {
			in := types.NewInput(caller, target, nil, nil, nil, 0)
			if _, err := c.shared.Txs.Insert(&corpus.Entry[*types.Input]{Payload: in, Key: in.Hash().Hex()}); err != nil {
				c.logger.Error("failed to insert bootstrap transaction", zap.Error(err))
			}
		}
	}
}

// importSeeds drains pending seed messages into the shared transaction
// corpus.
func (c *Campaign) importSeeds() {
	if c.seeds == nil {
		return
	}
	for {
		select {
		case msg, ok := <-c.seeds:
			if !ok {
				c.seeds = nil
				return
			}
			if msg.Input == nil {
				continue
			}
			skel := skeleton(msg.Input)
			if _, err := c.shared.Txs.Insert(&corpus.Entry[*types.Input]{Payload: skel, Votes: 1, Key: skel.Hash().Hex()}); err != nil {
				c.logger.Warn("failed to import seed", zap.String("file", msg.SeedFile), zap.Error(err))
				continue
			}
			c.metrics.SeedsImported.Inc()
		default:
			return
		}
	}
}

func (c *Campaign) pruneShared() {
	if removed := c.sharedTxs.Prune(); len(removed) > 0 {
		c.metrics.Pruned.WithLabelValues(string(corpus.RoleTransaction)).Add(float64(len(removed)))
	}
	if removed := c.sharedInfs.Prune(); len(removed) > 0 {
		c.metrics.Pruned.WithLabelValues(string(corpus.RoleInfant)).Add(float64(len(removed)))
	}
	c.metrics.CorpusSize.WithLabelValues(string(corpus.RoleTransaction)).Set(float64(c.shared.Txs.Size()))
	c.metrics.CorpusSize.WithLabelValues(string(corpus.RoleInfant)).Set(float64(c.shared.Infants.Size()))
	c.metrics.CorpusSize.WithLabelValues(string(corpus.RoleSolution)).Set(float64(c.shared.Solutions.Size()))
	c.metrics.Edges.Set(float64(c.virgin.Count()))
}

// Run fuzzes until the context is canceled, the time budget or crash
// threshold is reached, the campaign is canceled through its status, or a
// solution is found and ContinueAfterSolution is off.
func (c *Campaign) Run(ctx context.Context) (Result, error) {
	go c.outbox.forward(c.events)
	defer c.outbox.close()
	result := Result{CampaignID: c.config.ID}

	c.tracer = telemetry.TracerFromContext(ctx).Spawn("vmfuzz campaign")
	c.tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
		WithCampaignID(c.config.ID).
		WithExtraAttribute("vmfuzz.workers", c.config.Workers))
	c.tracer.Start()
	defer c.tracer.End()

	if err := c.Prepare(ctx); err != nil {
		c.tracer.SetStatus(codes.Error, err.Error())
		return result, err
	}

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	c.stop = stop
	if c.config.TimeBudget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(runCtx, c.config.TimeBudget, ErrTimeBudget)
		defer cancel()
	}

	workers := make([]*Worker, 0, c.config.Workers)
	for i := range c.config.Workers {
		w, err := newWorker(c, i)
		if err != nil {
			return result, err
		}
		workers = append(workers, w)
	}

	if c.status != nil {
		go c.pollStatus(runCtx)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		c.metrics.WorkersRunning.Inc()
		go func() {
			defer wg.Done()
			defer c.metrics.WorkersRunning.Dec()
			if err := w.Run(runCtx); err != nil {
				errs[i] = err
				stop(err)
			}
		}()
	}
	wg.Wait()

	result.Reason = context.Cause(runCtx)
	result.Executions = c.executions.Load()
	for _, e := range c.shared.Solutions.Snapshot() {
		result.Solutions = append(result.Solutions, e.Payload)
	}
	c.tracer.WithAttributes(telemetry.EmptySpanAttributes().
		WithCorpusSize(c.shared.Txs.Size()).
		WithInfantSize(c.shared.Infants.Size()).
		WithSolutionSize(len(result.Solutions)).
		WithExtraAttribute("vmfuzz.executions", result.Executions))

	c.logger.Info("campaign finished",
		zap.NamedError("reason", result.Reason),
		zap.Int64("executions", result.Executions),
		zap.Int("solutions", len(result.Solutions)),
		zap.Int("edges", c.virgin.Count()))

	if err := errors.Join(errs...); err != nil {
		c.tracer.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

func (c *Campaign) pollStatus(ctx context.Context) {
	ticker := time.NewTicker(c.config.StatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			canceled, err := c.status.Canceled(ctx, c.config.ID)
			if err != nil {
				c.logger.Warn("failed to poll campaign status", zap.Error(err))
				continue
			}
			if canceled {
				c.logger.Info("campaign canceled through status")
				c.stop(ErrCanceledByStatus)
				return
			}
		}
	}
}

func (c *Campaign) executed(res *types.ExecutionResult) {
	c.executions.Add(1)
	c.metrics.Executions.Inc()
	if res.Reverted {
		c.metrics.Reverts.Inc()
	}
}

func (c *Campaign) executionFailed(err *engine.ExecutionError) {
	c.metrics.ExecFailures.WithLabelValues(string(err.Kind)).Inc()
	c.logger.Debug("execution failed", zap.String("kind", string(err.Kind)), zap.Error(err.Err))
	if err.Kind != engine.KindCrash {
		return
	}
	if n := c.crashes.Add(1); c.config.CrashThreshold > 0 && n >= c.config.CrashThreshold {
		c.stop(ErrCrashThreshold)
	}
}

// solve stores a new solution, announces it and, when enabled, replaces it
// with a minimized reproduction.
func (c *Campaign) solve(ctx context.Context, bug *types.BugRecord) {
	sol := &types.Solution{
		ID:       uuid.New().String(),
		Sequence: bug.Input.Sequence(),
		Bug:      bug,
	}
	if _, err := sol.BuildArtifact(); err != nil {
		c.logger.Error("failed to build reproduction", zap.Error(err))
	}
	id, err := c.shared.Solutions.Insert(&corpus.Entry[*types.Solution]{Payload: sol, Key: bug.Key()})
	if err != nil {
		c.logger.Error("failed to store solution", zap.Error(err))
		return
	}
	c.metrics.Solutions.WithLabelValues(bug.Kind).Inc()
	c.tracer.AddEvent("solution found", telemetry.NewEventAttributes(map[string]string{
		"vmfuzz.solution_id": sol.ID,
		"vmfuzz.bug_kind":    bug.Kind,
		"vmfuzz.oracle":      bug.Oracle,
	}))
	c.logger.Info("solution found",
		zap.String("solution_id", sol.ID),
		zap.String("bug_kind", bug.Kind),
		zap.String("description", bug.Description),
		zap.Int("steps", len(sol.Sequence)))
	c.emit(report.BugFound, sol)

	if c.minimizer != nil {
		c.minimize(ctx, id, sol)
	}
	if !c.config.ContinueAfterSolution {
		c.stop(ErrSolutionFound)
	}
}

func (c *Campaign) minimize(ctx context.Context, id corpus.ID, sol *types.Solution) {
	tracer := c.tracer.Spawn("minimize solution")
	tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Minimization).
		WithBugKind(sol.Bug.Kind).
		WithTarget(sol.Bug.Input.Target.Hex()).
		WithExtraAttribute("vmfuzz.solution_id", sol.ID))
	tracer.Start()
	defer tracer.End()

	minimized, err := c.minimizer.Minimize(ctx, sol)
	switch {
	case err != nil:
		tracer.SetStatus(codes.Error, err.Error())
		c.metrics.Minimizations.WithLabelValues("failed").Inc()
		return
	case minimized == sol:
		c.metrics.Minimizations.WithLabelValues("unchanged").Inc()
		return
	}
	c.metrics.Minimizations.WithLabelValues("minimized").Inc()
	steps, _ := types.SequenceSize(minimized.Sequence)
	tracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("vmfuzz.steps", steps))
	if err := c.shared.Solutions.Replace(id, minimized); err != nil {
		c.logger.Error("failed to store minimized solution", zap.Error(err))
		return
	}
	c.emit(report.SolutionMinimized, minimized)
}

func (c *Campaign) emit(kind report.Kind, sol *types.Solution) {
	c.outbox.push(report.Event{Kind: kind, CampaignID: c.config.ID, Solution: sol})
}

// outbox is an unbounded event queue in front of the events channel. push
// never blocks and never drops.
type outbox struct {
	mu      sync.Mutex
	pending []report.Event
	closed  bool
	wake    chan struct{}
	once    sync.Once
}

func (o *outbox) signal() chan struct{} {
	o.once.Do(func() { o.wake = make(chan struct{}, 1) })
	return o.wake
}

func (o *outbox) notify() {
	select {
	case o.signal() <- struct{}{}:
	default:
	}
}

func (o *outbox) push(ev report.Event) {
	o.mu.Lock()
	o.pending = append(o.pending, ev)
	o.mu.Unlock()
	o.notify()
}

// close lets forward finish once everything queued so far is delivered.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.notify()
}

// forward delivers queued events to out in order and closes out after close.
func (o *outbox) forward(out chan<- report.Event) {
	defer close(out)
	wake := o.signal()
	for {
		o.mu.Lock()
		batch, closed := o.pending, o.closed
		o.pending = nil
		o.mu.Unlock()

		for _, ev := range batch {
			out <- ev
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-wake
		}
	}
}

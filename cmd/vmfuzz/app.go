package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"vmfuzz/config"
	"vmfuzz/internal/campaign"
	"vmfuzz/internal/corpus"
	"vmfuzz/internal/dict"
	"vmfuzz/internal/engine/remote"
	"vmfuzz/internal/fuzz"
	"vmfuzz/internal/oracle"
	"vmfuzz/internal/report"
	"vmfuzz/internal/scheduler"
	"vmfuzz/internal/seeds"
	"vmfuzz/internal/stats"
	"vmfuzz/pkg/database"
	"vmfuzz/pkg/mq"
	"vmfuzz/pkg/telemetry"
	"vmfuzz/pkg/watchdog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CampaignID names the campaign across the journal, Redis keys and reports.
type CampaignID string

func newCampaignID(appConfig *config.AppConfig) CampaignID {
	if appConfig.Fuzz.CampaignID != "" {
		return CampaignID(appConfig.Fuzz.CampaignID)
	}
	return CampaignID(uuid.New().String())
}

func newRedisClient(appConfig *config.AppConfig, logger *zap.Logger) (*redis.Client, error) {
	if !appConfig.RedisEnabled() {
		logger.Info("redis not configured, campaign status and shared dedup disabled")
		return nil, nil
	}
	return database.NewRedisClient(database.RedisParams{Config: appConfig, Logger: logger})
}

func newEngine(lc fx.Lifecycle, rabbitMQ mq.RabbitMQ, appConfig *config.AppConfig, logger *zap.Logger) *remote.Engine {
	e := remote.NewEngine(rabbitMQ, remote.RequestQueueName, appConfig.Fuzz.ExecTimeout, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return e.Start()
		},
		OnStop: func(ctx context.Context) error {
			return e.Close()
		},
	})
	return e
}

func newMetrics() *stats.Metrics {
	return stats.NewMetrics(prometheus.NewRegistry())
}

func startMetricsServer(lc fx.Lifecycle, appConfig *config.AppConfig, metrics *stats.Metrics, logger *zap.Logger) {
	srv := stats.NewServer(appConfig.MetricsAddr, metrics, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			srv.Start()
			return nil
		},
		OnStop: srv.Stop,
	})
}

type journalParams struct {
	fx.In

	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	DB        *gorm.DB `optional:"true"`
	ID        CampaignID
	Logger    *zap.Logger
}

// newJournal persists the shared corpora in postgres when a database is
// configured, and in a JSON-lines file under the work dir otherwise.
func newJournal(p journalParams) (corpus.Journal, error) {
	var journal corpus.Journal
	if p.DB != nil {
		journal = database.NewJournal(p.DB, string(p.ID))
		p.Logger.Info("journaling corpus to database", zap.String("campaign_id", string(p.ID)))
	} else {
		path := filepath.Join(p.AppConfig.WorkDir, string(p.ID), "corpus.jsonl")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create campaign dir: %w", err)
		}
		fj, err := corpus.NewFileJournal(path)
		if err != nil {
			return nil, err
		}
		journal = fj
		p.Logger.Info("journaling corpus to file", zap.String("path", path))
	}
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return journal.Close()
		},
	})
	return journal, nil
}

type oraclesParams struct {
	fx.In

	AppConfig   *config.AppConfig
	Engine      *remote.Engine
	RedisClient *redis.Client `optional:"true"`
	ID          CampaignID
	Logger      *zap.Logger
}

func newOracles(p oraclesParams) (*oracle.Registry, error) {
	var dedup oracle.Deduplicator
	if p.RedisClient != nil {
		dedup = oracle.NewRedisDeduplicator(p.RedisClient, string(p.ID), 0, p.Logger)
	}
	registry, err := oracle.NewRegistry(p.Engine, dedup, 0, p.Logger.Named("oracle"))
	if err != nil {
		return nil, err
	}

	fuzzConfig := p.AppConfig.Fuzz
	for _, name := range fuzzConfig.Oracles {
		switch name {
		case "reentrancy":
			registry.AddOracle(oracle.NewReentrancy())
		case "selfdestruct":
			registry.AddOracle(oracle.NewSelfDestruct())
		case "typed_bug":
			registry.AddOracle(oracle.NewTypedBug())
		case "balance_drain":
			registry.AddProducer(oracle.NewBalanceProducer(p.Engine))
			registry.AddOracle(oracle.NewBalanceDrain(fuzzConfig.DrainFraction))
		case "invariant":
			calls, err := invariantCalls(fuzzConfig.Invariants)
			if err != nil {
				return nil, err
			}
			if len(calls) == 0 {
				p.Logger.Debug("no invariants configured, skipping invariant oracle")
				continue
			}
			registry.AddOracle(oracle.NewInvariant(calls))
		default:
			return nil, fmt.Errorf("unknown oracle %q", name)
		}
	}
	return registry, nil
}

func invariantCalls(specs []config.InvariantSpec) ([]oracle.InvariantCall, error) {
	calls := make([]oracle.InvariantCall, 0, len(specs))
	for _, spec := range specs {
		if !common.IsHexAddress(spec.Target) {
			return nil, fmt.Errorf("invariant %q: bad target %q", spec.Name, spec.Target)
		}
		payload, err := hexutil.Decode(spec.Payload)
		if err != nil {
			return nil, fmt.Errorf("invariant %q: bad payload: %w", spec.Name, err)
		}
		calls = append(calls, oracle.InvariantCall{
			Name:    spec.Name,
			Caller:  common.HexToAddress(spec.Caller),
			Target:  common.HexToAddress(spec.Target),
			Payload: payload,
		})
	}
	return calls, nil
}

type reportParams struct {
	fx.In

	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	DB        *gorm.DB `optional:"true"`
	RabbitMQ  mq.RabbitMQ
	Logger    *zap.Logger
}

func newReportManager(p reportParams) (*report.Manager, error) {
	artifacts, err := report.NewArtifactSink(filepath.Join(p.AppConfig.WorkDir, "artifacts"))
	if err != nil {
		return nil, err
	}
	sinks := []report.Sink{report.NewLogSink(p.Logger), artifacts}
	if p.DB != nil {
		sinks = append(sinks, report.NewDatabaseSink(p.DB))
	}
	queue, err := report.NewQueueSink(p.RabbitMQ)
	if err != nil {
		p.Logger.Warn("solution queue unavailable", zap.Error(err))
	} else {
		sinks = append(sinks, queue)
	}

	m := report.NewManager(p.Logger, sinks...)
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			m.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			m.Stop()
			return nil
		},
	})
	return m, nil
}

// newSeedImporter returns nil when no seed dir is configured.
func newSeedImporter(lc fx.Lifecycle, appConfig *config.AppConfig, factory *watchdog.WatchDogFactory, logger *zap.Logger) (*seeds.Importer, error) {
	if appConfig.SeedDir == "" {
		return nil, nil
	}
	importer, err := seeds.NewImporter(appConfig.SeedDir, factory, logger)
	if err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return importer.Start(watchCtx)
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			importer.Wait()
			return nil
		},
	})
	return importer, nil
}

type campaignParams struct {
	fx.In

	AppConfig   *config.AppConfig
	ID          CampaignID
	Engine      *remote.Engine
	Oracles     *oracle.Registry
	Journal     corpus.Journal
	Metrics     *stats.Metrics
	DictGrabber *dict.DictGrabber
	StatusStore *campaign.StatusStore `optional:"true"`
	Importer    *seeds.Importer       `optional:"true"`
	Logger      *zap.Logger
}

func newCampaign(p campaignParams) (*fuzz.Campaign, error) {
	fuzzConfig := p.AppConfig.Fuzz

	targets, err := addresses(fuzzConfig.Targets)
	if err != nil {
		return nil, fmt.Errorf("bad target: %w", err)
	}
	callers, err := addresses(fuzzConfig.Callers)
	if err != nil {
		return nil, fmt.Errorf("bad caller: %w", err)
	}
	policy, ok := scheduler.PolicyByName(fuzzConfig.PrunePolicy, fuzzConfig.RecencyWeight)
	if !ok {
		return nil, fmt.Errorf("unknown prune policy %q", fuzzConfig.PrunePolicy)
	}

	dictionary, err := p.DictGrabber.GrabDict(context.Background(), string(p.ID))
	if err != nil {
		p.Logger.Warn("failed to grab campaign dictionaries", zap.Error(err))
	}
	for _, path := range fuzzConfig.Dicts {
		d, err := dict.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load dictionary %s: %w", path, err)
		}
		dictionary = dictionary.Merge(d)
	}
	p.Logger.Info("dictionary loaded", zap.Int("tokens", len(dictionary)))

	shared := fuzz.NewCorpora(fuzz.CorporaOptions{
		VoteCeiling: fuzzConfig.VoteCeiling,
		Journal:     p.Journal,
		Solutions:   true,
		Logger:      p.Logger.Named("shared"),
	})

	params := fuzz.Params{
		Engine:  p.Engine,
		Oracles: p.Oracles,
		Shared:  shared,
		Metrics: p.Metrics,
		Mutator: fuzz.NewHavoc(callers, dictionary),
		Logger:  p.Logger,
	}
	if p.StatusStore != nil {
		params.Status = p.StatusStore
	}
	if p.Importer != nil {
		params.Seeds = p.Importer.Seeds()
	}

	schedulerConfig := func(capacity int) scheduler.Config {
		return scheduler.Config{
			FloorWeight:   fuzzConfig.FloorWeight,
			PruneFraction: fuzzConfig.PruneFraction,
			Capacity:      capacity,
			Policy:        policy,
		}
	}
	return fuzz.New(fuzz.Config{
		ID:                    string(p.ID),
		Workers:               fuzzConfig.Workers,
		Seed:                  fuzzConfig.Seed,
		MergeInterval:         fuzzConfig.MergeInterval,
		TimeBudget:            fuzzConfig.TimeBudget,
		ExecTimeout:           fuzzConfig.ExecTimeout,
		CrashThreshold:        fuzzConfig.CrashThreshold,
		ContinueAfterSolution: fuzzConfig.ContinueAfterSolution,
		Minimize:              fuzzConfig.Minimize,
		MinimizeExecutions:    fuzzConfig.MinimizeExecutions,
		Targets:               targets,
		Callers:               callers,
		VotePerEdge:           fuzzConfig.VotePerEdge,
		VoteCeiling:           fuzzConfig.VoteCeiling,
		CmpThreshold:          fuzzConfig.CmpThreshold,
		CmpPolicy:             fuzzConfig.CmpPolicy,
		TxScheduler:           schedulerConfig(fuzzConfig.TxCapacity),
		InfantScheduler:       schedulerConfig(fuzzConfig.InfantCapacity),
		SharedTxCapacity:      fuzzConfig.SharedTxCapacity,
		SharedInfantCapacity:  fuzzConfig.SharedInfantCapacity,
	}, params)
}

func addresses(hexes []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		if !common.IsHexAddress(h) {
			return nil, fmt.Errorf("%q is not an address", h)
		}
		out = append(out, common.HexToAddress(h))
	}
	return out, nil
}

type runParams struct {
	fx.In

	Lc            fx.Lifecycle
	Shutdowner    fx.Shutdowner
	Campaign      *fuzz.Campaign
	Reports       *report.Manager
	StatusStore   *campaign.StatusStore `optional:"true"`
	TracerFactory *telemetry.TracerFactory
	Logger        *zap.Logger
}

// runCampaign starts the campaign once the app is up and shuts the app down
// when it stops on its own.
func runCampaign(p runParams) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	id := p.Campaign.ID()

	setStatus := func(status campaign.Status) {
		if p.StatusStore == nil {
			return
		}
		if err := p.StatusStore.SetStatus(context.Background(), id, status); err != nil {
			p.Logger.Warn("failed to update campaign status", zap.Error(err))
		}
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var parent, previous string
			if p.StatusStore != nil {
				var err error
				if parent, previous, err = p.StatusStore.TraceContexts(ctx, id); err != nil {
					p.Logger.Warn("failed to read trace contexts", zap.Error(err))
				}
			}
			tracer := p.TracerFactory.NewCampaignTracer(ctx, parent, previous, "vmfuzz")
			tracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).WithCampaignID(id))
			tracer.Start()
			if exported := tracer.Export(); exported != "" && p.StatusStore != nil {
				if err := p.StatusStore.SetRunTrace(ctx, id, exported); err != nil {
					p.Logger.Warn("failed to record run trace", zap.Error(err))
				}
			}
			runCtx := telemetry.ContextWithTracer(ctx, tracer)

			p.Reports.RegisterEventChan(runCtx, p.Campaign.Events())
			setStatus(campaign.StatusProcessing)

			go func() {
				defer close(done)
				defer tracer.End()

				result, err := p.Campaign.Run(runCtx)
				if err != nil {
					p.Logger.Error("campaign failed", zap.String("campaign_id", id), zap.Error(err))
				} else {
					p.Logger.Info("campaign stopped",
						zap.String("campaign_id", id),
						zap.NamedError("reason", result.Reason),
						zap.Int64("executions", result.Executions),
						zap.Int("solutions", len(result.Solutions)))
				}
				if !errors.Is(result.Reason, fuzz.ErrCanceledByStatus) {
					setStatus(campaign.StatusFinished)
				}
				if ctx.Err() == nil {
					p.Shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

package fuzz

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"vmfuzz/internal/corpus"
	"vmfuzz/internal/dict"
	"vmfuzz/internal/engine"
	"vmfuzz/internal/engine/enginetest"
	"vmfuzz/internal/oracle"
	"vmfuzz/internal/report"
	"vmfuzz/internal/scheduler"
	"vmfuzz/internal/stats"
	"vmfuzz/internal/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var vaultDict = dict.Dictionary{
	{enginetest.OpUnlock, enginetest.UnlockKey},
	{enginetest.OpWithdraw},
	{enginetest.OpDeposit},
}

type fixture struct {
	toy      *enginetest.Toy
	dedup    *oracle.MemoryDeduplicator
	shared   *Corpora
	campaign *Campaign
}

func newFixture(t *testing.T, config Config, journal corpus.Journal) *fixture {
	t.Helper()
	toy := enginetest.NewToy()
	dedup := oracle.NewMemoryDeduplicator()
	oracles, err := oracle.NewRegistry(toy, dedup, 0, zap.NewNop())
	require.NoError(t, err)
	oracles.AddOracle(oracle.NewReentrancy())

	shared := NewCorpora(CorporaOptions{Journal: journal, Solutions: true})
	if config.Targets == nil {
		config.Targets = []common.Address{enginetest.Vault}
	}
	if config.Callers == nil {
		config.Callers = []common.Address{enginetest.Attacker}
	}
	if config.TimeBudget == 0 {
		config.TimeBudget = 30 * time.Second
	}
	c, err := New(config, Params{
		Engine:  toy,
		Oracles: oracles,
		Shared:  shared,
		Metrics: stats.NewMetrics(prometheus.NewRegistry()),
		Mutator: NewHavoc(config.Callers, vaultDict),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return &fixture{toy, dedup, shared, c}
}

func drain(ch <-chan report.Event) []report.Event {
	var out []report.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestCampaignFindsReentrancy(t *testing.T) {
	f := newFixture(t, Config{Seed: 1, MergeInterval: 64, Minimize: true}, nil)

	result, err := f.campaign.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, ErrSolutionFound)
	assert.Positive(t, result.Executions)
	require.Len(t, result.Solutions, 1)

	sol := result.Solutions[0]
	assert.Equal(t, types.BugReentrancy, sol.Bug.BugIdx)
	assert.Equal(t, "reentrancy", sol.Bug.Oracle)
	require.Len(t, sol.Sequence, 2)
	assert.Equal(t, []byte{enginetest.OpUnlock, enginetest.UnlockKey}, []byte(sol.Sequence[0].Payload[:2]))
	assert.Equal(t, enginetest.OpWithdraw, sol.Sequence[1].Payload[0])
	assert.NotEmpty(t, sol.Artifact)

	events := drain(f.campaign.Events())
	require.NotEmpty(t, events)
	assert.Equal(t, report.BugFound, events[0].Kind)
	assert.Equal(t, f.campaign.ID(), events[0].CampaignID)
	for _, ev := range events[1:] {
		assert.Equal(t, report.SolutionMinimized, ev.Kind)
	}
}

func TestCampaignSolutionReplays(t *testing.T) {
	f := newFixture(t, Config{Seed: 7, Workers: 2, MergeInterval: 32}, nil)
	result, err := f.campaign.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Solutions)

	// the stored sequence reproduces the bug from a fresh genesis
	toy := enginetest.NewToy()
	checker, err := oracle.NewRegistry(toy, nil, 0, zap.NewNop())
	require.NoError(t, err)
	checker.AddOracle(oracle.NewReentrancy())

	found := false
	_, err = engine.Run(context.Background(), toy, result.Solutions[0].Sequence, func(_ int, in *types.Input, res *types.ExecutionResult) bool {
		if len(checker.Run(context.Background(), in, res)) > 0 {
			found = true
		}
		return true
	})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCampaignStopsOnCrashThreshold(t *testing.T) {
	f := newFixture(t, Config{Seed: 1, CrashThreshold: 5}, nil)
	f.toy.FailOn = func(*types.Input) error {
		return &engine.ExecutionError{Kind: engine.KindCrash}
	}

	result, err := f.campaign.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, ErrCrashThreshold)
	assert.Zero(t, result.Executions)
	assert.Empty(t, result.Solutions)
}

func TestCampaignTimeBudget(t *testing.T) {
	nowhere := common.HexToAddress("0xdead")
	f := newFixture(t, Config{Seed: 1, TimeBudget: 100 * time.Millisecond, Targets: []common.Address{nowhere}}, nil)

	result, err := f.campaign.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, ErrTimeBudget)
	assert.Positive(t, result.Executions)
	assert.Empty(t, result.Solutions)
	// every execution reverted, so nothing past the bootstrap entered the corpus
	assert.Equal(t, 1, f.shared.Txs.Size())
	assert.Equal(t, 1, f.shared.Infants.Size())
}

type canceledStatus struct{}

func (canceledStatus) Canceled(context.Context, string) (bool, error) { return true, nil }

func TestCampaignCanceledThroughStatus(t *testing.T) {
	f := newFixture(t, Config{
		Seed:               1,
		StatusPollInterval: 10 * time.Millisecond,
		Targets:            []common.Address{common.HexToAddress("0xdead")},
	}, nil)
	f.campaign.status = canceledStatus{}

	result, err := f.campaign.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, ErrCanceledByStatus)
}

func TestCampaignStopsWithContext(t *testing.T) {
	f := newFixture(t, Config{Seed: 1, Targets: []common.Address{common.HexToAddress("0xdead")}}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := f.campaign.Run(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, context.DeadlineExceeded)
}

func TestCampaignResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	journal, err := corpus.NewFileJournal(path)
	require.NoError(t, err)

	first := newFixture(t, Config{Seed: 3, Workers: 2, MergeInterval: 16}, journal)
	result, err := first.campaign.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Solutions, 1)
	require.NoError(t, journal.Close())

	journal, err = corpus.NewFileJournal(path)
	require.NoError(t, err)
	defer journal.Close()

	second := newFixture(t, Config{Seed: 3}, journal)
	require.NoError(t, second.campaign.Prepare(context.Background()))

	assert.Equal(t, first.shared.Txs.Size(), second.shared.Txs.Size())
	assert.Equal(t, first.shared.Infants.Size(), second.shared.Infants.Size())
	assert.Equal(t, 1, second.shared.Solutions.Size())
	assert.Equal(t, 1, second.dedup.Len())

	for _, e := range second.shared.Infants.Snapshot() {
		assert.NotNil(t, e.Payload.Handle, "infant %d was not replayed", e.ID)
		assert.Equal(t, e.Key, e.Payload.Hash.Hex())
	}
}

func TestNewRequiresTargets(t *testing.T) {
	_, err := New(Config{}, Params{})
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestCampaignStopDoesNotAbortExecutions(t *testing.T) {
	f := newFixture(t, Config{
		Seed:       1,
		Workers:    4,
		TimeBudget: 50 * time.Millisecond,
		Targets:    []common.Address{common.HexToAddress("0xdead")},
	}, nil)
	f.toy.Delay = 20 * time.Millisecond

	result, err := f.campaign.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, ErrTimeBudget)
	assert.Positive(t, result.Executions)
	assert.Zero(t, testutil.ToFloat64(f.campaign.metrics.ExecFailures.WithLabelValues(string(engine.KindTimeout))))
}

func TestCampaignSurvivesTransportErrors(t *testing.T) {
	f := newFixture(t, Config{Seed: 1, CrashThreshold: 3}, nil)
	f.toy.FailOn = func(*types.Input) error {
		return errors.New("connection reset by peer")
	}

	result, err := f.campaign.Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Reason, ErrCrashThreshold)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.campaign.metrics.ExecFailures.WithLabelValues(string(engine.KindCrash))), 3.0)
}

func TestSharedPruneUsesConfiguredFraction(t *testing.T) {
	f := newFixture(t, Config{
		Seed:             1,
		TxScheduler:      scheduler.Config{PruneFraction: 0.5},
		SharedTxCapacity: 4,
	}, nil)
	for i := range 10 {
		in := types.NewInput(enginetest.Attacker, enginetest.Vault, nil, []byte{byte(i)}, nil, 0)
		_, err := f.shared.Txs.Insert(&corpus.Entry[*types.Input]{Payload: in, Votes: float64(i), Key: in.Hash().Hex()})
		require.NoError(t, err)
	}

	f.campaign.pruneShared()
	assert.Equal(t, 5, f.shared.Txs.Size())
}

func TestEventsAreNeverDropped(t *testing.T) {
	f := newFixture(t, Config{Seed: 1}, nil)
	go f.campaign.outbox.forward(f.campaign.events)

	for i := range 1000 {
		f.campaign.emit(report.BugFound, &types.Solution{ID: fmt.Sprint(i)})
	}
	f.campaign.outbox.close()

	events := drain(f.campaign.Events())
	require.Len(t, events, 1000)
	assert.Equal(t, "0", events[0].Solution.ID)
	assert.Equal(t, "999", events[999].Solution.ID)
}

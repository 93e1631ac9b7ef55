package report

import (
	"context"
	"sync"

	"vmfuzz/internal/types"
	"vmfuzz/pkg/telemetry"

	"go.uber.org/zap"
)

type Kind string

const (
	BugFound          Kind = "bug_found"
	SolutionMinimized Kind = "solution_minimized"
)

// Event is one solution lifecycle step announced by a campaign.
type Event struct {
	Kind       Kind
	CampaignID string
	Solution   *types.Solution
}

// Sink consumes events. A failing sink never blocks the others.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Manager fans events in from every registered campaign channel and hands
// each one to all sinks in order.
type Manager struct {
	sinks  []Sink
	logger *zap.Logger

	eventChan chan Event
	wg        sync.WaitGroup
	done      chan struct{}
}

func NewManager(logger *zap.Logger, sinks ...Sink) *Manager {
	return &Manager{
		sinks:     sinks,
		logger:    logger.Named("report"),
		eventChan: make(chan Event, 1024),
		done:      make(chan struct{}),
	}
}

func (m *Manager) Start() {
	m.logger.Debug("starting report manager", zap.Int("sinks", len(m.sinks)))
	go m.start()
}

// Stop waits for registered channels to close, then drains what is left.
func (m *Manager) Stop() {
	m.logger.Info("stopping report manager")
	m.wg.Wait()
	close(m.eventChan)
	<-m.done
}

func (m *Manager) RegisterEventChan(ctx context.Context, rCh <-chan Event) {
	m.wg.Add(1)
	reportTracer := telemetry.TracerFromContext(ctx).Spawn("solution reporting")
	reportTracer.WithAttributes(telemetry.NewSpanAttributes(telemetry.Reporting))
	reportTracer.Start()
	go func() {
		defer m.wg.Done()
		defer reportTracer.End()

		counter := 0
		for ev := range rCh {
			counter++
			m.eventChan <- ev
		}
		m.logger.Debug("event channel closed")
		reportTracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("events_reported", counter))
	}()
	m.logger.Debug("new event channel registered")
}

func (m *Manager) start() {
	defer close(m.done)
	for ev := range m.eventChan {
		for _, sink := range m.sinks {
			if err := sink.Handle(context.Background(), ev); err != nil {
				m.logger.Error("report sink failed",
					zap.String("sink", sink.Name()),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
			}
		}
	}
}

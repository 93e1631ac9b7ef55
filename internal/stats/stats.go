package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "vmfuzz"

// Metrics are the campaign counters exported to Prometheus.
type Metrics struct {
	Executions     prometheus.Counter
	ExecFailures   *prometheus.CounterVec
	Reverts        prometheus.Counter
	Interesting    *prometheus.CounterVec
	Solutions      *prometheus.CounterVec
	Minimizations  *prometheus.CounterVec
	CorpusSize     *prometheus.GaugeVec
	Pruned         *prometheus.CounterVec
	Edges          prometheus.Gauge
	SeedsImported  prometheus.Counter
	WorkersRunning prometheus.Gauge

	gatherer prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Executions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_total",
			Help: "Completed engine executions.",
		}),
		ExecFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exec_failures_total",
			Help: "Executions that did not complete, by failure kind.",
		}, []string{"kind"}),
		Reverts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reverts_total",
			Help: "Executions that reverted.",
		}),
		Interesting: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "interesting_total",
			Help: "Executions accepted by the feedback pipeline, by tier.",
		}, []string{"tier"}),
		Solutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "solutions_total",
			Help: "Deduplicated bugs found, by kind.",
		}, []string{"bug_kind"}),
		Minimizations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "minimizations_total",
			Help: "Minimization attempts, by outcome.",
		}, []string{"outcome"}),
		CorpusSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "corpus_size",
			Help: "Entries in the shared corpus stores.",
		}, []string{"role"}),
		Pruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_total",
			Help: "Entries removed by pruning.",
		}, []string{"role"}),
		Edges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "edges",
			Help: "Distinct jump slots seen across workers.",
		}),
		SeedsImported: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "seeds_imported_total",
			Help: "Inputs imported from the seed directory.",
		}),
		WorkersRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_running",
			Help: "Fuzzing workers currently running.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Server exposes /metrics on addr.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, m *Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{&http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, logger}
}

func (s *Server) Start() {
	go func() {
		s.logger.Info("serving metrics", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

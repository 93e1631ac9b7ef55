package stats

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestMetricsAreExported(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.Executions.Add(3)
	m.Solutions.WithLabelValues("reentrancy").Inc()
	m.CorpusSize.WithLabelValues("infant").Set(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "vmfuzz_executions_total 3")
	assert.Contains(t, body, `vmfuzz_solutions_total{bug_kind="reentrancy"} 1`)
	assert.Contains(t, body, `vmfuzz_corpus_size{role="infant"} 7`)
}

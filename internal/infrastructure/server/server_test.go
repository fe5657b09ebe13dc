package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/component"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/supervisor"
)

type fakeSource struct {
	registry *prometheus.Registry
	metrics  *monitoring.Metrics
	records  []supervisor.Record
}

func newFakeSource() *fakeSource {
	reg := prometheus.NewRegistry()
	return &fakeSource{registry: reg, metrics: monitoring.NewMetrics(reg)}
}

func (f *fakeSource) Name() string                  { return "fake" }
func (f *fakeSource) Metrics() *monitoring.Metrics  { return f.metrics }
func (f *fakeSource) Gatherer() prometheus.Gatherer { return f.registry }
func (f *fakeSource) Faults() []supervisor.Record {
	return append([]supervisor.Record(nil), f.records...)
}

func (f *fakeSource) Stats() component.Stats {
	return component.Stats{Name: "fake", CapIDsInUse: 3, CapIDsMax: 16383, Counters: f.metrics.Snapshot()}
}

func adminConfig() config.AdminConfig {
	cfg := config.Default().Admin
	cfg.RequestsPerSecond = 0
	return cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	s := New(adminConfig(), newFakeSource(), nil, false)

	w := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "fake", body["component"])
}

func TestStats(t *testing.T) {
	src := newFakeSource()
	src.metrics.SetCapIDsInUse(3)
	s := New(adminConfig(), src, nil, false)

	w := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats component.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.CapIDsInUse)
	assert.Equal(t, int64(3), stats.Counters.CapIDsInUse)
}

func TestFaults(t *testing.T) {
	src := newFakeSource()
	src.records = []supervisor.Record{
		{PD: "a", Thread: "main", Addr: 0x1000, Action: supervisor.ActionRestart},
		{PD: "b", Thread: "main", Addr: 0x2000, Action: supervisor.ActionRestart},
		{PD: "a", Thread: "main", Addr: 0x3000, Action: supervisor.ActionKill},
	}
	s := New(adminConfig(), src, nil, false)

	type response struct {
		Faults []supervisor.Record `json:"faults"`
		Count  int                 `json:"count"`
	}
	decode := func(w *httptest.ResponseRecorder) response {
		require.Equal(t, http.StatusOK, w.Code)
		var r response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
		return r
	}

	all := decode(get(t, s.Handler(), "/faults"))
	assert.Equal(t, 3, all.Count)

	a := decode(get(t, s.Handler(), "/faults?pd=a"))
	require.Len(t, a.Faults, 2)
	assert.Equal(t, supervisor.ActionKill, a.Faults[1].Action)

	last := decode(get(t, s.Handler(), "/faults?limit=1"))
	require.Len(t, last.Faults, 1)
	assert.Equal(t, uint64(0x3000), last.Faults[0].Addr)

	w := get(t, s.Handler(), "/faults?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	src := newFakeSource()
	src.metrics.RecordPageFault("resolved")
	s := New(adminConfig(), src, nil, false)

	// one request first so the admin request counter has a sample
	get(t, s.Handler(), "/health")
	w := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `capcore_page_faults_total{outcome="resolved"} 1`)
	assert.Contains(t, body, `capcore_admin_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestRateLimit(t *testing.T) {
	cfg := adminConfig()
	cfg.RequestsPerSecond = 1
	cfg.Burst = 2
	s := New(cfg, newFakeSource(), nil, false)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, get(t, s.Handler(), "/health").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := adminConfig()
	cfg.Port = "0"
	s := New(cfg, newFakeSource(), nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * shutdownTimeout):
		t.Fatal("server did not shut down")
	}
}

func TestUnknownRouteIsCounted(t *testing.T) {
	src := newFakeSource()
	s := New(adminConfig(), src, nil, false)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/nope").Code)
	w := get(t, s.Handler(), "/metrics")
	assert.True(t, strings.Contains(w.Body.String(), `path="unmatched"`))
}

func TestCORS(t *testing.T) {
	cfg := adminConfig()
	cfg.AllowOrigins = []string{"https://dash.example"}
	s := New(cfg, newFakeSource(), nil, false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dash.example")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://dash.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

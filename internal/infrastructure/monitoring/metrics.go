package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one component.
//
// Every method is safe to call on a nil *Metrics so kernel packages can run
// without instrumentation.
type Metrics struct {
	// Capability-ID metrics
	CapIDsInUse      prometheus.Gauge
	CapIDExhaustions prometheus.Counter

	// RPC metrics
	RPCDispatches    *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec
	ObjectsManaged   *prometheus.GaugeVec
	DoubleManageWarn prometheus.Counter

	// Signal metrics
	SignalSubmits      prometheus.Counter
	SignalDeliveries   prometheus.Counter
	SignalCancellation *prometheus.CounterVec

	// Pager metrics
	PageFaults *prometheus.CounterVec

	// Supervisor metrics
	SupervisorActions *prometheus.CounterVec

	// Admin HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Snapshot for the JSON stats endpoint
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the admin stats endpoint.
type Snapshot struct {
	CapIDsInUse      int64 `json:"cap_ids_in_use"`
	Dispatches       int64 `json:"dispatches"`
	RejectedCalls    int64 `json:"rejected_calls"`
	SignalsDelivered int64 `json:"signals_delivered"`
	FaultsResolved   int64 `json:"faults_resolved"`
	FaultsUnresolved int64 `json:"faults_unresolved"`
}

// NewMetrics creates a metrics collector registered on reg. Passing a fresh
// prometheus.NewRegistry() keeps several components apart in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CapIDsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capcore_cap_ids_in_use",
				Help: "Number of capability ids currently allocated",
			},
		),
		CapIDExhaustions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "capcore_cap_id_exhaustions_total",
				Help: "Total number of allocations that failed with out-of-ids",
			},
		),

		RPCDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capcore_rpc_dispatches_total",
				Help: "Total number of RPC requests by entrypoint and exception code",
			},
			[]string{"entrypoint", "code"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capcore_rpc_dispatch_duration_seconds",
				Help:    "RPC dispatch duration in seconds",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"entrypoint"},
		),
		ObjectsManaged: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capcore_objects_managed",
				Help: "Number of objects in an entrypoint's object pool",
			},
			[]string{"entrypoint"},
		),
		DoubleManageWarn: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "capcore_rpc_double_manage_total",
				Help: "Total number of manage calls on already-managed objects",
			},
		),

		SignalSubmits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "capcore_signal_submits_total",
				Help: "Total number of signal submissions",
			},
		),
		SignalDeliveries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "capcore_signal_deliveries_total",
				Help: "Total number of signal deliveries to waiters",
			},
		),
		SignalCancellation: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capcore_signal_cancellations_total",
				Help: "Total number of cancelled signal waits and kills",
			},
			[]string{"kind"},
		),

		PageFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capcore_page_faults_total",
				Help: "Total number of page faults by outcome",
			},
			[]string{"outcome"},
		),

		SupervisorActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capcore_supervisor_actions_total",
				Help: "Total number of supervisor actions on protection domains",
			},
			[]string{"action"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capcore_admin_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capcore_admin_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// SetCapIDsInUse records the allocator fill level
func (m *Metrics) SetCapIDsInUse(n int) {
	if m == nil {
		return
	}
	m.CapIDsInUse.Set(float64(n))
	m.mu.Lock()
	m.snapshot.CapIDsInUse = int64(n)
	m.mu.Unlock()
}

// IncCapIDExhaustion records a failed allocation
func (m *Metrics) IncCapIDExhaustion() {
	if m == nil {
		return
	}
	m.CapIDExhaustions.Inc()
}

// RecordDispatch records one RPC request handled by an entrypoint
func (m *Metrics) RecordDispatch(entrypoint, code string, duration time.Duration, rejected bool) {
	if m == nil {
		return
	}
	m.RPCDispatches.WithLabelValues(entrypoint, code).Inc()
	m.RPCDuration.WithLabelValues(entrypoint).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Dispatches++
	if rejected {
		m.snapshot.RejectedCalls++
	}
	m.mu.Unlock()
}

// SetObjectsManaged records an entrypoint's pool size
func (m *Metrics) SetObjectsManaged(entrypoint string, n int) {
	if m == nil {
		return
	}
	m.ObjectsManaged.WithLabelValues(entrypoint).Set(float64(n))
}

// IncDoubleManage records a repeated manage call
func (m *Metrics) IncDoubleManage() {
	if m == nil {
		return
	}
	m.DoubleManageWarn.Inc()
}

// IncSignalSubmit records a signal submission
func (m *Metrics) IncSignalSubmit() {
	if m == nil {
		return
	}
	m.SignalSubmits.Inc()
}

// IncSignalDelivery records a signal delivered to a waiter
func (m *Metrics) IncSignalDelivery() {
	if m == nil {
		return
	}
	m.SignalDeliveries.Inc()
	m.mu.Lock()
	m.snapshot.SignalsDelivered++
	m.mu.Unlock()
}

// IncSignalCancellation records a cancelled wait ("wait") or kill ("kill")
func (m *Metrics) IncSignalCancellation(kind string) {
	if m == nil {
		return
	}
	m.SignalCancellation.WithLabelValues(kind).Inc()
}

// RecordPageFault records a page fault outcome: resolved, unresolved or deferred
func (m *Metrics) RecordPageFault(outcome string) {
	if m == nil {
		return
	}
	m.PageFaults.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	switch outcome {
	case "resolved":
		m.snapshot.FaultsResolved++
	case "unresolved":
		m.snapshot.FaultsUnresolved++
	}
	m.mu.Unlock()
}

// RecordSupervisorAction records a restart or kill decision
func (m *Metrics) RecordSupervisorAction(action string) {
	if m == nil {
		return
	}
	m.SupervisorActions.WithLabelValues(action).Inc()
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Snapshot returns a copy of the current values
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

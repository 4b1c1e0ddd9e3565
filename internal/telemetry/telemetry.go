// Package telemetry bundles the prometheus counters/histograms and the otel
// tracer the Operation Framework (L2) and Shell Bridge (L0) instrument
// themselves with. It is the ambient-observability successor to the
// teacher's perf.Timer/perf.PipelineMetrics: the teacher measured phase
// timings by hand and logged them; this package keeps that same
// dependency-injection shape (SetLogger-style, not global state) but backs
// it with real collectors so an embedder that wants dashboards gets them
// for free, while an embedder that doesn't gets a zero-cost no-op.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	noopTrace "go.opentelemetry.io/otel/trace/noop"
)

// Metrics bundles the counters and histogram this module emits. No HTTP
// exposition endpoint is started here — registering the returned
// collectors into an http.Handler is the embedding front-end's job, which
// SPEC_FULL.md places out of scope for this module.
type Metrics struct {
	BridgeCalls        prometheus.Counter
	FilesTransferred   prometheus.Counter
	BytesTransferred   prometheus.Counter
	DedupDeletions     prometheus.Counter
	OperationDuration  prometheus.Histogram
	OperationsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers collectors against reg. Pass a fresh
// prometheus.NewRegistry() per process, or nil for a disconnected (but
// still usable) set of collectors in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BridgeCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicecore_bridge_calls_total",
			Help: "Number of shell bridge subprocess invocations.",
		}),
		FilesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicecore_files_transferred_total",
			Help: "Number of files successfully pulled or pushed.",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicecore_bytes_transferred_total",
			Help: "Bytes successfully pulled or pushed.",
		}),
		DedupDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicecore_dedup_deletions_total",
			Help: "Files deleted by the dedup engine's keep-policy.",
		}),
		OperationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devicecore_operation_duration_seconds",
			Help:    "Wall-clock duration of a completed operation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicecore_operations_total",
			Help: "Completed operations by final phase.",
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.BridgeCalls, m.FilesTransferred, m.BytesTransferred,
			m.DedupDeletions, m.OperationDuration, m.OperationsTotal)
	}
	return m
}

// NoopMetrics returns collectors that are never registered anywhere; safe
// default for callers that don't care about observability.
func NoopMetrics() *Metrics {
	return NewMetrics(nil)
}

func (m *Metrics) IncBridgeCalls() {
	if m != nil {
		m.BridgeCalls.Inc()
	}
}

func (m *Metrics) AddFilesTransferred(n int) {
	if m != nil && n > 0 {
		m.FilesTransferred.Add(float64(n))
	}
}

func (m *Metrics) AddBytesTransferred(n int64) {
	if m != nil && n > 0 {
		m.BytesTransferred.Add(float64(n))
	}
}

func (m *Metrics) AddDedupDeletions(n int) {
	if m != nil && n > 0 {
		m.DedupDeletions.Add(float64(n))
	}
}

func (m *Metrics) ObserveOperation(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationDuration.Observe(seconds)
	m.OperationsTotal.WithLabelValues(phase).Inc()
}

// Tracer wraps an otel tracer with the single StartSpan shape every
// instrumented call site in this module needs.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps the given otel TracerProvider's "devicecore" tracer.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer("github.com/fly-sync/devicecore")}
}

// NoopTracer returns a tracer backed by the otel no-op provider.
func NoopTracer() *Tracer {
	return NewTracer(noopTrace.NewTracerProvider())
}

// StartSpan starts a child span named name under ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopTrace.Span{}
	}
	return t.tracer.Start(ctx, name)
}

// Package telemetry wires the registry and session layers to Prometheus
// counters and an OpenTelemetry tracer, grounded on
// go-sdk/pkg/state/monitoring.go (counter shapes) and
// go-sdk/pkg/server/pipeline.go (span-per-stage idiom).
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Metrics groups the Prometheus collectors signalmesh components report
// to. A nil *Metrics is valid everywhere it is accepted and every method
// on it is a no-op, so instrumentation is always optional.
type Metrics struct {
	EntriesCreated     prometheus.Counter
	EntriesDeleted     prometheus.Counter
	PatchesApplied     *prometheus.CounterVec // labeled by variant
	UpdateFailures     *prometheus.CounterVec // labeled by variant
	SubscribersDropped prometheus.Counter
	ActiveSessions     prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics set on reg. Pass
// prometheus.NewRegistry() for an isolated registry (as tests should) or
// prometheus.DefaultRegisterer for a process-wide one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_entries_created_total",
			Help: "Number of signal entries created in the registry.",
		}),
		EntriesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_entries_deleted_total",
			Help: "Number of signal entries deleted from the registry.",
		}),
		PatchesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_patches_applied_total",
			Help: "Number of JSON patches successfully applied, by signal variant.",
		}, []string{"variant"}),
		UpdateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_update_failures_total",
			Help: "Number of patch-apply or serialization failures, by signal variant.",
		}, []string{"variant"}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalmesh_subscribers_dropped_total",
			Help: "Number of lagging broadcast subscribers dropped (and due for reseed).",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalmesh_active_sessions",
			Help: "Number of currently connected sessions.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalmesh_active_subscriptions",
			Help: "Number of currently active per-signal session subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EntriesCreated, m.EntriesDeleted, m.PatchesApplied,
			m.UpdateFailures, m.SubscribersDropped, m.ActiveSessions,
			m.ActiveSubscriptions,
		)
	}
	return m
}

// IncEntriesCreated, IncEntriesDeleted, IncPatchesApplied,
// IncUpdateFailures and IncSubscribersDropped report registry-level
// events. Safe to call on a nil *Metrics.
func (m *Metrics) IncEntriesCreated() {
	if m == nil {
		return
	}
	m.EntriesCreated.Inc()
}

func (m *Metrics) IncEntriesDeleted() {
	if m == nil {
		return
	}
	m.EntriesDeleted.Inc()
}

func (m *Metrics) IncPatchesApplied(variant string) {
	if m == nil {
		return
	}
	m.PatchesApplied.WithLabelValues(variant).Inc()
}

func (m *Metrics) IncUpdateFailures(variant string) {
	if m == nil {
		return
	}
	m.UpdateFailures.WithLabelValues(variant).Inc()
}

func (m *Metrics) IncSubscribersDropped() {
	if m == nil {
		return
	}
	m.SubscribersDropped.Inc()
}

// SessionOpened/SessionClosed adjust the active-session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}

// Tracer returns the signalmesh tracer. Call telemetry.InstallTracerProvider
// once at process startup (see cmd/signalmesh-demo) to route spans to a
// real exporter; otherwise this returns the global no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/mattsp1290/signalmesh")
}

// StartSpan is a small convenience wrapper around Tracer().Start, used by
// the registry and session layers around Establish handshakes and patch
// application.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}

// InstallTracerProvider sets the global OpenTelemetry tracer provider to one
// that writes spans to stdout, tagged with serviceName. Demo entrypoints
// call this once at startup; tests and libraries never do, leaving the
// no-op provider in place. Returns a shutdown func to flush on exit.
func InstallTracerProvider(serviceName string) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

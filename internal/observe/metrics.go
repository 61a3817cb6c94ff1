// Package observe provides application-wide observability primitives for
// Claudmaster: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Claudmaster metrics.
const meterName = "github.com/MrWong99/claudmaster"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn processing latency. Use with
	// attributes: attribute.String("intent", ...), attribute.String("status", ...)
	TurnDuration metric.Float64Histogram

	// AgentDuration tracks per-agent invocation latency. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("outcome", ...)
	AgentDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Intents counts classified player intents. Use with attributes:
	//   attribute.String("type", ...), attribute.Bool("ambiguous", ...)
	Intents metric.Int64Counter

	// ConsistencyFindings counts contradiction findings by severity.
	ConsistencyFindings metric.Int64Counter

	// PersistenceErrors counts turn-aborting storage failures.
	PersistenceErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TTSCascades counts cascade hops between TTS tiers. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TTSCascades metric.Int64Counter

	// PrefetchLookups counts speculative narration lookups. Use with
	// attribute: attribute.String("result", "hit"|"miss"|"disabled")
	PrefetchLookups metric.Int64Counter

	// WebsocketMessages counts pushed websocket messages by type.
	WebsocketMessages metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live play sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected participants across
	// all sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// QueueDepth tracks the pending action queue depth across sessions.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// turn-pipeline latencies: sub-second ledger agents up to multi-second LLM
// narration.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("claudmaster.turn.duration",
		metric.WithDescription("End-to-end turn processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = m.Float64Histogram("claudmaster.agent.duration",
		metric.WithDescription("Per-agent invocation latency by agent and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("claudmaster.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("claudmaster.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Intents, err = m.Int64Counter("claudmaster.intents",
		metric.WithDescription("Classified player intents by type and ambiguity."),
	); err != nil {
		return nil, err
	}
	if met.ConsistencyFindings, err = m.Int64Counter("claudmaster.consistency.findings",
		metric.WithDescription("Contradiction findings by severity."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("claudmaster.persistence.errors",
		metric.WithDescription("Turn-aborting storage failures."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("claudmaster.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TTSCascades, err = m.Int64Counter("claudmaster.tts.cascades",
		metric.WithDescription("Cascade hops between TTS tiers on engine failure."),
	); err != nil {
		return nil, err
	}
	if met.PrefetchLookups, err = m.Int64Counter("claudmaster.prefetch.lookups",
		metric.WithDescription("Speculative narration lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.WebsocketMessages, err = m.Int64Counter("claudmaster.websocket.messages",
		metric.WithDescription("Pushed websocket messages by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("claudmaster.active_sessions",
		metric.WithDescription("Number of live play sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("claudmaster.active_participants",
		metric.WithDescription("Number of connected participants across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("claudmaster.queue.depth",
		metric.WithDescription("Pending action queue depth across sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("claudmaster.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records one processed turn with its intent and final status
// ("resolved", "degraded", "blocked", "failed").
func (m *Metrics) RecordTurn(ctx context.Context, intentType, status string, seconds float64) {
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("intent", intentType),
			attribute.String("status", status),
		),
	)
}

// RecordAgent records one agent invocation.
func (m *Metrics) RecordAgent(ctx context.Context, agent, outcome string, seconds float64) {
	m.AgentDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordIntent records one classification result.
func (m *Metrics) RecordIntent(ctx context.Context, intentType string, ambiguous bool) {
	m.Intents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", intentType),
			attribute.Bool("ambiguous", ambiguous),
		),
	)
}

// RecordConsistency records contradiction findings of one severity.
func (m *Metrics) RecordConsistency(ctx context.Context, severity string, count int) {
	if count == 0 {
		return
	}
	m.ConsistencyFindings.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("severity", severity)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordCascade records a TTS cascade hop from one tier to the next.
func (m *Metrics) RecordCascade(ctx context.Context, from, to string) {
	m.TTSCascades.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordPrefetch records a speculative narration lookup result.
func (m *Metrics) RecordPrefetch(ctx context.Context, result string) {
	m.PrefetchLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordWebsocketMessage records one pushed websocket message.
func (m *Metrics) RecordWebsocketMessage(ctx context.Context, msgType string) {
	m.WebsocketMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

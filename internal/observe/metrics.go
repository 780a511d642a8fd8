// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the broker.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Ingest / classification ---

	// SessionsActive tracks the number of live client sessions.
	SessionsActive metric.Int64UpDownCounter

	// Utterances counts recognized utterances. Use with attribute:
	//   attribute.String("class", ...)
	Utterances metric.Int64Counter

	// UtterancesFiltered counts utterances rejected before submission.
	// Use with attribute: attribute.String("reason", ...)
	UtterancesFiltered metric.Int64Counter

	// --- Merge window ---

	// MergeCommits counts aggregation-window commits. Use with attribute:
	//   attribute.String("reason", ...)
	MergeCommits metric.Int64Counter

	// MergeSize tracks how many utterances each commit merged.
	MergeSize metric.Int64Histogram

	// --- Backend dispatch ---

	// BackendRequests counts dispatched requests by terminal outcome.
	// Use with attribute: attribute.String("outcome", ...)
	BackendRequests metric.Int64Counter

	// BackendRequestDuration tracks wall time from dispatch to terminal state.
	BackendRequestDuration metric.Float64Histogram

	// FirstTokenLatency tracks time from dispatch to the first streamed token.
	FirstTokenLatency metric.Float64Histogram

	// BackendQueueDepth tracks queued requests across all sessions.
	BackendQueueDepth metric.Int64UpDownCounter

	// Interrupts counts barge-in cancellations. Use with attribute:
	//   attribute.String("kind", ...)
	Interrupts metric.Int64Counter

	// --- Bridge link ---

	// BridgeReconnects counts backend websocket reconnect attempts.
	BridgeReconnects metric.Int64Counter

	// BridgeOrphans counts backend messages dropped for having no pending
	// request.
	BridgeOrphans metric.Int64Counter

	// BridgeOverflow counts messages delivered late because a per-request
	// stream buffer was full.
	BridgeOverflow metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.SessionsActive, err = m.Int64UpDownCounter("voxgate.sessions.active",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.BackendQueueDepth, err = m.Int64UpDownCounter("voxgate.backend.queue.depth",
		metric.WithDescription("Requests waiting in dispatch queues across all sessions."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("voxgate.utterances",
		metric.WithDescription("Recognized utterances by admission class."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesFiltered, err = m.Int64Counter("voxgate.utterances.filtered",
		metric.WithDescription("Utterances rejected before submission, by reason."),
	); err != nil {
		return nil, err
	}
	if met.MergeCommits, err = m.Int64Counter("voxgate.merge.commits",
		metric.WithDescription("Aggregation window commits by reason."),
	); err != nil {
		return nil, err
	}
	if met.BackendRequests, err = m.Int64Counter("voxgate.backend.requests",
		metric.WithDescription("Dispatched backend requests by terminal outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voxgate.interrupts",
		metric.WithDescription("Inflight requests cancelled by barge-in, by kind."),
	); err != nil {
		return nil, err
	}
	if met.BridgeReconnects, err = m.Int64Counter("voxgate.bridge.reconnects",
		metric.WithDescription("Backend websocket reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.BridgeOrphans, err = m.Int64Counter("voxgate.bridge.orphans",
		metric.WithDescription("Backend messages dropped for having no pending request."),
	); err != nil {
		return nil, err
	}
	if met.BridgeOverflow, err = m.Int64Counter("voxgate.bridge.overflow",
		metric.WithDescription("Backend messages delivered late due to a full stream buffer."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.MergeSize, err = m.Int64Histogram("voxgate.merge.size",
		metric.WithDescription("Utterances merged per committed request."),
		metric.WithUnit("{utterance}"),
	); err != nil {
		return nil, err
	}
	if met.BackendRequestDuration, err = m.Float64Histogram("voxgate.backend.request.duration",
		metric.WithDescription("Wall time from dispatch to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("voxgate.backend.first_token.latency",
		metric.WithDescription("Time from dispatch to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
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

// RecordUtterance counts one recognized utterance with its admission class.
func (m *Metrics) RecordUtterance(ctx context.Context, class string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// RecordFiltered counts one rejected utterance with its reason.
func (m *Metrics) RecordFiltered(ctx context.Context, reason string) {
	m.UtterancesFiltered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMergeCommit counts one window commit and its merged utterance count.
func (m *Metrics) RecordMergeCommit(ctx context.Context, reason string, size int) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.MergeCommits.Add(ctx, 1, attrs)
	m.MergeSize.Record(ctx, int64(size), attrs)
}

// RecordBackendRequest counts one terminal dispatch outcome and its duration.
func (m *Metrics) RecordBackendRequest(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.BackendRequests.Add(ctx, 1, attrs)
	m.BackendRequestDuration.Record(ctx, seconds, attrs)
}

// RecordInterrupt counts one barge-in cancellation by kind
// ("pre_token"/"post_token").
func (m *Metrics) RecordInterrupt(ctx context.Context, kind string) {
	m.Interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Package observe records cache metrics through OpenTelemetry and exposes
// them for scraping.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Lookup and insert outcomes used as the "result" attribute.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultError   = "error"
	ResultInvalid = "invalid"
	ResultStored  = "stored"
	ResultSkipped = "skipped"
)

// Metrics records cache activity. Implementations are safe for concurrent use.
type Metrics interface {
	RecordLookup(ctx context.Context, result string, duration time.Duration)
	RecordInsert(ctx context.Context, result string)
	RecordEvicted(ctx context.Context, n int64)
	RecordBackfilled(ctx context.Context, n int64)
}

type metricsImpl struct {
	lookupCount  metric.Int64Counter
	lookupHist   metric.Float64Histogram
	insertCount  metric.Int64Counter
	evictedCount metric.Int64Counter
	backfilled   metric.Int64Counter
}

// NewMetrics creates the cache instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	lookupCount, err := meter.Int64Counter(
		"querycache.lookup.total",
		metric.WithDescription("Total number of cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	lookupHist, err := meter.Float64Histogram(
		"querycache.lookup.duration_ms",
		metric.WithDescription("Cache lookup duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	insertCount, err := meter.Int64Counter(
		"querycache.insert.total",
		metric.WithDescription("Total number of cache insertions"),
		metric.WithUnit("{insert}"),
	)
	if err != nil {
		return nil, err
	}

	evictedCount, err := meter.Int64Counter(
		"querycache.evicted.total",
		metric.WithDescription("Entries removed by cleanup"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	backfilled, err := meter.Int64Counter(
		"querycache.backfilled.total",
		metric.WithDescription("Pending entries created from conversation history"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		lookupCount:  lookupCount,
		lookupHist:   lookupHist,
		insertCount:  insertCount,
		evictedCount: evictedCount,
		backfilled:   backfilled,
	}, nil
}

func (m *metricsImpl) RecordLookup(ctx context.Context, result string, duration time.Duration) {
	opt := metric.WithAttributes(attribute.String("result", result))
	m.lookupCount.Add(ctx, 1, opt)
	m.lookupHist.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

func (m *metricsImpl) RecordInsert(ctx context.Context, result string) {
	m.insertCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metricsImpl) RecordEvicted(ctx context.Context, n int64) {
	if n > 0 {
		m.evictedCount.Add(ctx, n)
	}
}

func (m *metricsImpl) RecordBackfilled(ctx context.Context, n int64) {
	if n > 0 {
		m.backfilled.Add(ctx, n)
	}
}

// Noop returns a Metrics that discards everything.
func Noop() Metrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) RecordLookup(context.Context, string, time.Duration) {}
func (noopMetrics) RecordInsert(context.Context, string)                {}
func (noopMetrics) RecordEvicted(context.Context, int64)                {}
func (noopMetrics) RecordBackfilled(context.Context, int64)             {}

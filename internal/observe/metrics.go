// Package observe holds the telemetry plumbing shared by every cadenza
// pipeline stage: OpenTelemetry instruments, the tracer, the provider setup
// with its Prometheus bridge, and the HTTP middleware for the operator
// endpoints.
//
// Components take a *[Metrics] through a WithMetrics option and fall back to
// [DefaultMetrics]. Tests build their own with [NewMetrics] over a manual
// reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/cadenza"

// Metrics groups every instrument cadenza records. Safe for concurrent use.
type Metrics struct {
	// Resolver and decoder latency.
	ResolveDuration metric.Float64Histogram // backend, status
	SegmentDuration metric.Float64Histogram

	// Frame dispatcher.
	FramesSent    metric.Int64Counter // kind: audio | silence
	FramesDropped metric.Int64Counter
	Underruns     metric.Int64Counter

	// Segment cache.
	CacheLookups   metric.Int64Counter // result: hit | miss | spill
	CacheEvictions metric.Int64Counter // reason
	CacheBytes     metric.Int64UpDownCounter
	Decodes        metric.Int64Counter

	// Resource governor.
	ReservedBytes      metric.Int64UpDownCounter
	ReservationDenials metric.Int64Counter
	ResourceExhausted  metric.Int64Counter

	// Sessions.
	ActiveSessions metric.Int64UpDownCounter
	TracksSkipped  metric.Int64Counter // reason
	TracksPlayed   metric.Int64Counter

	// Operator HTTP surface.
	HTTPRequestDuration metric.Float64Histogram // method, path
}

// latencyBuckets are histogram boundaries in seconds, from a warm cache hit
// up to a slow extractor run.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and keeps the first error,
// so NewMetrics reads as a flat list.
type instruments struct {
	m   metric.Meter
	err error
}

func (b *instruments) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.err = errors.Join(b.err, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.err = errors.Join(b.err, err)
	return c
}

func (b *instruments) gauge(name, desc, unit string) metric.Int64UpDownCounter {
	opts := []metric.Int64UpDownCounterOption{metric.WithDescription(desc)}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	g, err := b.m.Int64UpDownCounter(name, opts...)
	b.err = errors.Join(b.err, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		ResolveDuration: b.histogram("cadenza.resolve.duration", "Latency of track reference resolution.", "s", latencyBuckets),
		SegmentDuration: b.histogram("cadenza.decode.segment.duration", "Wall time to decode one segment.", "s", latencyBuckets),

		FramesSent:    b.counter("cadenza.frames.sent", "Frames accepted by the voice transport."),
		FramesDropped: b.counter("cadenza.frames.dropped", "Frames dropped due to transport backpressure."),
		Underruns:     b.counter("cadenza.frames.underruns", "Dispatcher ticks with an empty frame buffer."),

		CacheLookups:   b.counter("cadenza.cache.lookups", "Segment cache lookups by result."),
		CacheEvictions: b.counter("cadenza.cache.evictions", "Segments evicted from memory by reason."),
		CacheBytes:     b.gauge("cadenza.cache.bytes", "Encoded segment bytes resident in memory.", "By"),
		Decodes:        b.counter("cadenza.cache.productions", "Track productions started by the segment cache."),

		ReservedBytes:      b.gauge("cadenza.governor.reserved", "Bytes currently reserved from the memory governor.", "By"),
		ReservationDenials: b.counter("cadenza.governor.denials", "Reservations denied at the memory ceiling."),
		ResourceExhausted:  b.counter("cadenza.governor.exhausted", "Reservations that timed out under memory pressure."),

		ActiveSessions: b.gauge("cadenza.active_sessions", "Number of live playback sessions.", ""),
		TracksSkipped:  b.counter("cadenza.tracks.skipped", "Tracks skipped by reason."),
		TracksPlayed:   b.counter("cadenza.tracks.played", "Tracks played to completion."),

		HTTPRequestDuration: b.histogram("cadenza.http.request.duration", "HTTP request latency by method and path.", "s", nil),
	}
	if b.err != nil {
		return nil, b.err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance on the global meter
// provider. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordResolve records one resolver call.
func (m *Metrics) RecordResolve(ctx context.Context, backend, status string, seconds float64) {
	m.ResolveDuration.Record(ctx, seconds, metric.WithAttributes(Attr("backend", backend), Attr("status", status)))
}

// RecordCacheLookup records a cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(Attr("result", result)))
}

// RecordEviction records one evicted segment.
func (m *Metrics) RecordEviction(ctx context.Context, reason string) {
	m.CacheEvictions.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordSkip records a skipped track.
func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	m.TracksSkipped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordFrame records one frame accepted by a transport.
func (m *Metrics) RecordFrame(ctx context.Context, silence bool) {
	kind := "audio"
	if silence {
		kind = "silence"
	}
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	ServiceName    string // default "cadenza"
	ServiceVersion string

	// TraceExporter receives finished spans. Nil keeps spans in process
	// only, which still gives logs and responses their correlation IDs.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter and tracer providers. Metrics go
// to the default Prometheus registry served by [MetricsHandler]; process
// gauges are registered on the way. The returned function flushes and
// shuts both providers down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cadenza"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	if err := RegisterProcessMetrics(mp); err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("observe: process metrics: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RegisterProcessMetrics adds gauges for this process's memory and
// goroutine count, sampled at collection time.
func RegisterProcessMetrics(mp metric.MeterProvider) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	m := mp.Meter(meterName)
	b := &instruments{m: m}
	rss := b.observable("cadenza.process.memory.rss", "Resident set size of the process.", "By")
	vms := b.observable("cadenza.process.memory.virtual", "Virtual memory size of the process.", "By")
	goroutines := b.observable("cadenza.process.goroutines", "Live goroutines.", "")
	if b.err != nil {
		return b.err
	}

	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(goroutines, int64(runtime.NumGoroutine()))
		info, err := proc.MemoryInfo()
		if err != nil {
			return err
		}
		o.ObserveInt64(rss, int64(info.RSS))
		o.ObserveInt64(vms, int64(info.VMS))
		return nil
	}, rss, vms, goroutines)
	return err
}

func (b *instruments) observable(name, desc, unit string) metric.Int64ObservableGauge {
	opts := []metric.Int64ObservableGaugeOption{metric.WithDescription(desc)}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	g, err := b.m.Int64ObservableGauge(name, opts...)
	b.err = errors.Join(b.err, err)
	return g
}

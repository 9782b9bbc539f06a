package observe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/pario-ai/querycache"

// Provider owns the meter provider and, for the prometheus exporter, the
// scrape handler.
type Provider struct {
	meter    metric.Meter
	handler  http.Handler
	shutdown func(context.Context) error
}

// NewProvider builds a provider for exporter ("prometheus" or "none").
func NewProvider(exporter string) (*Provider, error) {
	switch exporter {
	case "prometheus":
		reg := prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
		return &Provider{
			meter:    mp.Meter(meterName),
			handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			shutdown: mp.Shutdown,
		}, nil
	case "none", "":
		return &Provider{
			meter:    noop.NewMeterProvider().Meter(meterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown metrics exporter: %q", exporter)
	}
}

// Metrics creates the cache instruments on the provider's meter.
func (p *Provider) Metrics() (Metrics, error) {
	return NewMetrics(p.meter)
}

// Handler returns the scrape handler, or nil when nothing is exported.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

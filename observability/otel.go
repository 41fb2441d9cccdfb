package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// OTelFactory builds counters and histograms on an OpenTelemetry meter.
type OTelFactory struct {
	meter metric.Meter
}

var _ MetricFactory = (*OTelFactory)(nil)

// NewOTelFactory returns a MetricFactory backed by meter. A nil meter
// records nothing.
func NewOTelFactory(meter metric.Meter) *OTelFactory {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("tally")
	}
	return &OTelFactory{meter: meter}
}

// Counter implements MetricFactory. Instrument errors fall back to a no-op.
func (f *OTelFactory) Counter(name string) Counter {
	c, err := f.meter.Float64Counter(name)
	if err != nil {
		c = noop.Float64Counter{}
	}
	return otelCounter{c: c}
}

// Histogram implements MetricFactory.
func (f *OTelFactory) Histogram(name string) Histogram {
	h, err := f.meter.Float64Histogram(name)
	if err != nil {
		h = noop.Float64Histogram{}
	}
	return otelHistogram{h: h}
}

type otelCounter struct{ c metric.Float64Counter }

func (o otelCounter) Inc()          { o.c.Add(context.Background(), 1) }
func (o otelCounter) Add(v float64) { o.c.Add(context.Background(), v) }

type otelHistogram struct{ h metric.Float64Histogram }

func (o otelHistogram) Observe(v float64) { o.h.Record(context.Background(), v) }

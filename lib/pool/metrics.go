package pool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/o-peregudov/mqmx/lib/pool"

// instruments holds the OpenTelemetry instruments of one pool
type instruments struct {
	attrs metric.MeasurementOption

	dispatched      metric.Int64Counter
	handlerErrors   metric.Int64Counter
	handlerDuration metric.Float64Histogram
	queues          metric.Int64UpDownCounter
	control         metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider, poolName string) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	in := &instruments{
		attrs: metric.WithAttributes(attribute.String("pool", poolName)),
	}

	var err error

	in.dispatched, err = meter.Int64Counter(
		"mqmx.pool.dispatched",
		metric.WithDescription("Number of messages delivered to handlers"),
	)
	if err != nil {
		return nil, err
	}

	in.handlerErrors, err = meter.Int64Counter(
		"mqmx.pool.handler.errors",
		metric.WithDescription("Number of handler calls that failed or panicked"),
	)
	if err != nil {
		return nil, err
	}

	in.handlerDuration, err = meter.Float64Histogram(
		"mqmx.pool.handler.duration",
		metric.WithDescription("Duration of handler calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	in.queues, err = meter.Int64UpDownCounter(
		"mqmx.pool.queues",
		metric.WithDescription("Number of queues attached to the pool"),
	)
	if err != nil {
		return nil, err
	}

	in.control, err = meter.Int64Counter(
		"mqmx.pool.control",
		metric.WithDescription("Number of control messages processed"),
	)
	if err != nil {
		return nil, err
	}

	return in, nil
}

func (in *instruments) recordDispatch(ctx context.Context, d time.Duration, failed bool) {
	in.dispatched.Add(ctx, 1, in.attrs)
	in.handlerDuration.Record(ctx, d.Seconds(), in.attrs)
	if failed {
		in.handlerErrors.Add(ctx, 1, in.attrs)
	}
}

func (in *instruments) recordControl(ctx context.Context, kind string) {
	in.control.Add(ctx, 1, in.attrs, metric.WithAttributes(attribute.String("kind", kind)))
}

package workqueue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/o-peregudov/mqmx/lib/workqueue"

type instruments struct {
	attrs metric.MeasurementOption

	scheduled metric.Int64Counter
	executed  metric.Int64Counter
	panics    metric.Int64Counter
	lateness  metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider, queueName string) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	in := &instruments{
		attrs: metric.WithAttributes(attribute.String("workqueue", queueName)),
	}

	var err error

	in.scheduled, err = meter.Int64Counter(
		"mqmx.workqueue.scheduled",
		metric.WithDescription("Number of work items scheduled"),
	)
	if err != nil {
		return nil, err
	}

	in.executed, err = meter.Int64Counter(
		"mqmx.workqueue.executed",
		metric.WithDescription("Number of work item executions"),
	)
	if err != nil {
		return nil, err
	}

	in.panics, err = meter.Int64Counter(
		"mqmx.workqueue.panics",
		metric.WithDescription("Number of work item executions that panicked"),
	)
	if err != nil {
		return nil, err
	}

	in.lateness, err = meter.Float64Histogram(
		"mqmx.workqueue.lateness",
		metric.WithDescription("Delay between deadline and start of execution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return in, nil
}

func (in *instruments) recordExecution(ctx context.Context, late time.Duration, panicked bool) {
	in.executed.Add(ctx, 1, in.attrs)
	in.lateness.Record(ctx, late.Seconds(), in.attrs)
	if panicked {
		in.panics.Add(ctx, 1, in.attrs)
	}
}

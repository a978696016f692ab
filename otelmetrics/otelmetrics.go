// Package otelmetrics mirrors aggregator events into OpenTelemetry
// instruments.
//
// Instruments:
//   - fairq.jobs.{queued,processed,failed,retried,retry_scheduled,deduplicated,dropped}
//     (Int64Counter) with a job_type attribute; failed and dropped also
//     carry reason
//   - fairq.job.duration and fairq.job.wait (Float64Histogram, seconds)
//     with job_type and status ("ok" or "error")
//   - fairq.queue.depth and fairq.jobs.active (Int64Gauge)
package otelmetrics

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/azargarov/fairq/metrics"
)

const meterName = "github.com/azargarov/fairq"

// Source is implemented by *metrics.Aggregator.
type Source interface {
	SubscribeAll(h metrics.Handler) (unsubscribe func())
}

type instruments struct {
	counters map[metrics.EventName]metric.Int64Counter
	duration metric.Float64Histogram
	wait     metric.Float64Histogram
	depth    metric.Int64Gauge
	active   metric.Int64Gauge
}

var counterNames = map[metrics.EventName]string{
	metrics.EventQueued:         "fairq.jobs.queued",
	metrics.EventProcessed:      "fairq.jobs.processed",
	metrics.EventFailed:         "fairq.jobs.failed",
	metrics.EventRetried:        "fairq.jobs.retried",
	metrics.EventRetryScheduled: "fairq.jobs.retry_scheduled",
	metrics.EventDeduplicated:   "fairq.jobs.deduplicated",
	metrics.EventDropped:        "fairq.jobs.dropped",
}

// Attach subscribes to src using the global MeterProvider.
func Attach(src Source) (detach func(), err error) {
	return AttachWithMeter(src, otel.Meter(meterName))
}

// AttachWithMeter subscribes to src and records every event on meter.
// Instruments that fail to register are reported in err; the OTel API
// hands back noop instruments for them, so the returned detach func is
// always usable.
func AttachWithMeter(src Source, meter metric.Meter) (detach func(), err error) {
	ins, err := newInstruments(meter)
	unsubscribe := src.SubscribeAll(ins.record)
	return unsubscribe, err
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var errs []error
	ins := &instruments{counters: make(map[metrics.EventName]metric.Int64Counter, len(counterNames))}

	for ev, name := range counterNames {
		c, err := meter.Int64Counter(name, metric.WithUnit("{job}"))
		errs = append(errs, err)
		ins.counters[ev] = c
	}

	var err error
	ins.duration, err = meter.Float64Histogram(
		"fairq.job.duration",
		metric.WithDescription("Job execution time"),
		metric.WithUnit("s"),
	)
	errs = append(errs, err)

	ins.wait, err = meter.Float64Histogram(
		"fairq.job.wait",
		metric.WithDescription("Time between admission and start"),
		metric.WithUnit("s"),
	)
	errs = append(errs, err)

	ins.depth, err = meter.Int64Gauge(
		"fairq.queue.depth",
		metric.WithDescription("Jobs queued and not yet started"),
		metric.WithUnit("{job}"),
	)
	errs = append(errs, err)

	ins.active, err = meter.Int64Gauge(
		"fairq.jobs.active",
		metric.WithDescription("Jobs currently executing"),
		metric.WithUnit("{job}"),
	)
	errs = append(errs, err)

	return ins, errors.Join(errs...)
}

func (ins *instruments) record(ev metrics.Event) {
	ctx := context.Background()

	switch ev.Name {
	case metrics.EventQueueDepth:
		ins.depth.Record(ctx, int64(ev.Value))
		return
	case metrics.EventActiveJobs:
		ins.active.Record(ctx, int64(ev.Value))
		return
	}

	c, ok := ins.counters[ev.Name]
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("job_type", ev.JobType)}
	if ev.Name == metrics.EventFailed || ev.Name == metrics.EventDropped {
		attrs = append(attrs, attribute.String("reason", ev.Reason))
	}
	c.Add(ctx, int64(ev.Count), metric.WithAttributes(attrs...))

	switch ev.Name {
	case metrics.EventQueued:
		if ev.Value >= 0 {
			ins.depth.Record(ctx, int64(ev.Value))
		}
	case metrics.EventProcessed, metrics.EventFailed:
		status := "ok"
		if ev.Name == metrics.EventFailed {
			status = "error"
		}
		timed := metric.WithAttributes(
			attribute.String("job_type", ev.JobType),
			attribute.String("status", status),
		)
		ins.duration.Record(ctx, ev.Duration.Seconds(), timed)
		ins.wait.Record(ctx, ev.Wait.Seconds(), timed)
	}
}

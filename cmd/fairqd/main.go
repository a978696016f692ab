// Command fairqd runs a dispatcher fed with newline-delimited JSON job
// descriptions on stdin and drains it on EOF, SIGINT or SIGTERM.
//
// Each line describes a simulated send:
//
//	{"tenant":"acme","priority":5,"key":"msg-42","type":"email","duration":"150ms","fail":""}
//
// A non-empty "fail" makes the job fail with that error code after its
// duration, which exercises retries, failure tallies and alerts.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/azargarov/fairq"
	"github.com/azargarov/fairq/alert"
	"github.com/azargarov/fairq/config"
	"github.com/azargarov/fairq/drain"
	"github.com/azargarov/fairq/metrics"
	"github.com/azargarov/fairq/otelmetrics"
	"github.com/azargarov/fairq/retry"
)

type jobLine struct {
	Tenant   string `json:"tenant"`
	Priority int    `json:"priority"`
	Key      string `json:"key"`
	Type     string `json:"type"`
	Duration string `json:"duration"`
	Fail     string `json:"fail"`
}

type codeError string

func (e codeError) Error() string { return "send failed: " + string(e) }
func (e codeError) Code() string  { return string(e) }

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()
	logger := lg.FromContext(ctx)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading configuration", lg.Any("error", err))
		return 1
	}

	mp := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(mp)
	defer func() {
		if err := mp.Shutdown(ctx); err != nil {
			logger.Warn("meter provider shutdown", lg.Any("error", err))
		}
	}()

	agg := metrics.NewAggregator()
	detach, err := otelmetrics.Attach(agg)
	if err != nil {
		logger.Warn("some instruments were not registered", lg.Any("error", err))
	}
	defer detach()

	mon := alert.New(ctx, alert.LogNotifier{}, alert.Thresholds{
		QueueDepth:    cfg.AlertQueueDepth,
		FailureStreak: cfg.AlertFailureStreak,
	})
	mon.Watch(agg)
	defer mon.Close()

	opts := cfg.Options()
	opts.Ctx = ctx
	d := fairq.New(agg, opts)
	defer d.Close()

	retrier := retry.New(d, agg, retry.DefaultPolicy())
	coord := drain.New(d, agg, drain.Options{DefaultTimeout: cfg.DrainTimeout, Ctx: ctx})

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan jobLine)
	go readJobs(ctx, lines)

	logger.Info("fairqd started",
		lg.Int("concurrency", cfg.Concurrency),
		lg.Int("per_tenant_limit", cfg.PerTenantLimit),
		lg.Int("max_queue_length", cfg.MaxQueueLength),
	)

loop:
	for {
		select {
		case <-sigCtx.Done():
			logger.Info("shutdown signal received")
			break loop
		case jl, ok := <-lines:
			if !ok {
				break loop
			}
			job, err := toJob(ctx, jl)
			if err != nil {
				logger.Warn("skipping job line", lg.Any("error", err))
				continue
			}
			d.Enqueue(retrier.Wrap(job, nil))
		}
	}

	state, err := coord.DrainWorker(ctx, cfg.DrainTimeout)
	snap := state.Metrics
	logger.Info("final counters",
		lg.Any("counters", snap.Counters),
		lg.Any("drop_reasons", snap.DropReasons),
		lg.Any("failure_reasons", snap.FailureReasons),
	)
	if err != nil {
		return 1
	}
	return 0
}

func readJobs(ctx context.Context, out chan<- jobLine) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var jl jobLine
		if err := json.Unmarshal(sc.Bytes(), &jl); err != nil {
			lg.FromContext(ctx).Warn("malformed job line", lg.Any("error", err))
			continue
		}
		out <- jl
	}
	if err := sc.Err(); err != nil {
		lg.FromContext(ctx).Error("reading stdin", lg.Any("error", err))
	}
}

func toJob(ctx context.Context, jl jobLine) (fairq.Job, error) {
	var dur time.Duration
	if jl.Duration != "" {
		var err error
		if dur, err = time.ParseDuration(jl.Duration); err != nil {
			return fairq.Job{}, err
		}
	}
	if dur < 0 {
		return fairq.Job{}, errors.New("negative duration")
	}
	fail := jl.Fail

	return fairq.Job{
		TenantKey:      jl.Tenant,
		Priority:       jl.Priority,
		IdempotencyKey: jl.Key,
		Meta:           fairq.Meta{Type: jl.Type},
		Ctx:            ctx,
		Execute: func(ctx context.Context) error {
			t := time.NewTimer(dur)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
			if fail != "" {
				return codeError(fail)
			}
			return nil
		},
	}, nil
}

// Package alert watches aggregator events and raises alerts when the
// dispatcher looks unhealthy. Delivery is delegated to a Notifier.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"golang.org/x/time/rate"

	"github.com/azargarov/fairq"
	"github.com/azargarov/fairq/metrics"
)

type Kind string

const (
	KindQueueDepth          Kind = "queue-depth"
	KindQueueDepthRecovered Kind = "queue-depth-recovered"
	KindFailureStreak       Kind = "failure-streak"
	KindCapacityDrop        Kind = "capacity-drop"
)

const (
	defaultBuffer           = 64
	defaultCapacityInterval = time.Minute
)

type Alert struct {
	Kind      Kind
	Message   string
	Value     int64
	Threshold int64
	At        time.Time
	Snapshot  metrics.Snapshot
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogNotifier writes alerts to the logger carried by the context.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	lg.FromContext(ctx).Warn("dispatcher alert",
		lg.String("kind", string(a.Kind)),
		lg.String("message", a.Message),
		lg.Any("value", a.Value),
		lg.Any("threshold", a.Threshold),
	)
	return nil
}

// Thresholds configure a Monitor. Zero disables the corresponding check.
type Thresholds struct {
	// QueueDepth raises KindQueueDepth once depth reaches it. The alert
	// re-arms, with a KindQueueDepthRecovered notice, when depth falls
	// back below.
	QueueDepth int

	// FailureStreak raises KindFailureStreak after that many consecutive
	// failures. Any success resets the streak.
	FailureStreak int

	// CapacityInterval is the minimum spacing of KindCapacityDrop alerts.
	// Defaults to one minute. Negative disables capacity alerts.
	CapacityInterval time.Duration
}

// Source is implemented by *metrics.Aggregator.
type Source interface {
	Subscribe(name metrics.EventName, h metrics.Handler) (unsubscribe func())
}

// Monitor evaluates thresholds on the recording goroutine and delivers
// alerts from its own goroutine, so a slow Notifier never stalls the
// dispatcher. Alerts that do not fit the buffer are logged and dropped.
type Monitor struct {
	notifier Notifier
	th       Thresholds
	ctx      context.Context

	capacity *rate.Sometimes

	mu        sync.Mutex
	closed    bool
	depthHigh bool
	streak    int64
	unsub     []func()

	alerts chan Alert
	done   chan struct{}
}

// New starts a Monitor. ctx carries the logger and is passed to the
// Notifier.
func New(ctx context.Context, n Notifier, th Thresholds) *Monitor {
	if ctx == nil {
		ctx = context.Background()
	}
	if n == nil {
		n = LogNotifier{}
	}
	if th.CapacityInterval == 0 {
		th.CapacityInterval = defaultCapacityInterval
	}
	m := &Monitor{
		notifier: n,
		th:       th,
		ctx:      ctx,
		alerts:   make(chan Alert, defaultBuffer),
		done:     make(chan struct{}),
	}
	if th.CapacityInterval > 0 {
		m.capacity = &rate.Sometimes{First: 1, Interval: th.CapacityInterval}
	}
	go m.deliver()
	return m
}

// Watch subscribes the monitor to src. It may be called for several
// sources; Close removes every subscription.
func (m *Monitor) Watch(src Source) {
	subs := []func(){
		src.Subscribe(metrics.EventQueued, m.onDepth),
		src.Subscribe(metrics.EventQueueDepth, m.onDepth),
		src.Subscribe(metrics.EventProcessed, m.onProcessed),
		src.Subscribe(metrics.EventFailed, m.onFailed),
		src.Subscribe(metrics.EventDropped, m.onDropped),
	}
	m.mu.Lock()
	m.unsub = append(m.unsub, subs...)
	m.mu.Unlock()
}

// Close unsubscribes, stops accepting alerts and waits until the queued
// ones are delivered.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	unsub := m.unsub
	m.unsub = nil
	close(m.alerts)
	m.mu.Unlock()

	for _, u := range unsub {
		u()
	}
	<-m.done
}

func (m *Monitor) deliver() {
	defer close(m.done)
	for a := range m.alerts {
		if err := m.notifier.Notify(m.ctx, a); err != nil {
			lg.FromContext(m.ctx).Error("alert delivery failed",
				lg.String("kind", string(a.Kind)),
				lg.Any("error", err),
			)
		}
	}
}

// emitLocked must be called with m.mu held.
func (m *Monitor) emitLocked(a Alert) {
	if m.closed {
		return
	}
	a.At = time.Now()
	select {
	case m.alerts <- a:
	default:
		lg.FromContext(m.ctx).Warn("alert buffer full, dropping alert",
			lg.String("kind", string(a.Kind)),
		)
	}
}

func (m *Monitor) onDepth(ev metrics.Event) {
	if m.th.QueueDepth <= 0 || ev.Value < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	high := ev.Value >= m.th.QueueDepth
	if high == m.depthHigh {
		return
	}
	m.depthHigh = high

	a := Alert{
		Kind:      KindQueueDepth,
		Value:     int64(ev.Value),
		Threshold: int64(m.th.QueueDepth),
		Snapshot:  ev.Snapshot,
		Message:   fmt.Sprintf("queue depth %d reached threshold %d", ev.Value, m.th.QueueDepth),
	}
	if !high {
		a.Kind = KindQueueDepthRecovered
		a.Message = fmt.Sprintf("queue depth %d back below threshold %d", ev.Value, m.th.QueueDepth)
	}
	m.emitLocked(a)
}

func (m *Monitor) onProcessed(metrics.Event) {
	m.mu.Lock()
	m.streak = 0
	m.mu.Unlock()
}

func (m *Monitor) onFailed(ev metrics.Event) {
	if m.th.FailureStreak <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.streak
	m.streak += int64(ev.Count)
	limit := int64(m.th.FailureStreak)
	if before >= limit || m.streak < limit {
		return
	}
	m.emitLocked(Alert{
		Kind:      KindFailureStreak,
		Value:     m.streak,
		Threshold: limit,
		Snapshot:  ev.Snapshot,
		Message:   fmt.Sprintf("%d consecutive job failures, last reason %q", m.streak, ev.Reason),
	})
}

func (m *Monitor) onDropped(ev metrics.Event) {
	if m.capacity == nil || ev.Reason != fairq.DropCapacity {
		return
	}
	m.capacity.Do(func() {
		total := ev.Snapshot.DropReasons[fairq.DropCapacity]
		m.mu.Lock()
		m.emitLocked(Alert{
			Kind:     KindCapacityDrop,
			Value:    total,
			Snapshot: ev.Snapshot,
			Message:  fmt.Sprintf("queue full, %d jobs evicted so far", total),
		})
		m.mu.Unlock()
	})
}

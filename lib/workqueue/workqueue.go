// Package workqueue runs delayed and periodic callbacks on a single worker
// goroutine, ordered by deadline.
//
// Work callbacks run without the queue lock held, so they may schedule, update
// or cancel work themselves. KillWorker must not be called from a callback.
package workqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/o-peregudov/mqmx/lib/status"
	"go.opentelemetry.io/otel/metric"
)

// WorkID identifies a scheduled work item
type WorkID uint64

// ClientID groups work items for bulk cancellation
type ClientID uint64

const (
	InvalidWorkID   WorkID   = math.MaxUint64
	InvalidClientID ClientID = math.MaxUint64
)

// RunOnce is the period of work that does not repeat
const RunOnce time.Duration = 0

// Work is a scheduled callback. Returning true keeps periodic work scheduled.
type Work func(id WorkID) bool

// Option configures a WorkQueue
type Option func(*options)

type options struct {
	driver        Driver
	meterProvider metric.MeterProvider
}

// WithDriver replaces the wall-clock driver
func WithDriver(d Driver) Option {
	return func(o *options) {
		o.driver = d
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// The global provider is used when none is given.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// Stats is a snapshot of work queue activity
type Stats struct {
	Pending     int
	Scheduled   int64
	Executed    int64
	Rescheduled int64
	Cancelled   int64
	Panics      int64
}

// WorkQueue is a timer queue driven by one worker goroutine
type WorkQueue struct {
	name          string
	lateThreshold time.Duration
	logger        *slog.Logger
	metrics       *instruments
	driver        Driver

	mu        sync.Mutex
	cond      *sync.Cond
	items     workHeap
	executing *record
	changed   bool
	stopped   bool

	nextWorkID   WorkID
	nextClientID ClientID
	nextSeq      uint64
	stats        Stats

	done chan struct{}
}

// New creates a work queue and starts its worker
func New(cfg Config, logger *slog.Logger, opts ...Option) (*WorkQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workqueue config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := options{driver: SystemDriver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver == nil {
		o.driver = SystemDriver{}
	}

	metrics, err := newInstruments(o.meterProvider, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create workqueue metrics: %w", err)
	}

	wq := &WorkQueue{
		name:          cfg.Name,
		lateThreshold: cfg.LateThreshold,
		logger:        logger.With("workqueue", cfg.Name),
		metrics:       metrics,
		driver:        o.driver,
		nextWorkID:    InvalidWorkID,
		nextClientID:  InvalidClientID,
		done:          make(chan struct{}),
	}
	wq.cond = sync.NewCond(&wq.mu)

	go wq.run()

	return wq, nil
}

// ClientID returns a fresh client id, never InvalidClientID
func (wq *WorkQueue) ClientID() ClientID {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	wq.nextClientID++
	if wq.nextClientID == InvalidClientID {
		wq.nextClientID++
	}
	return wq.nextClientID
}

// Now returns the current time point of the queue's driver
func (wq *WorkQueue) Now() time.Time {
	return wq.driver.Now()
}

// ScheduleWork queues work for client to run at start, then every period if
// period is positive and work keeps returning true. A zero start means now.
//
// Returns status.InvalidArgument for an invalid client, nil work or negative
// period and status.NotAllowed once the worker is stopped.
func (wq *WorkQueue) ScheduleWork(client ClientID, work Work, start time.Time, period time.Duration) (WorkID, error) {
	if client == InvalidClientID || work == nil || period < 0 {
		return InvalidWorkID, status.InvalidArgument
	}
	if start.IsZero() {
		start = wq.driver.Now()
	}

	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.stopped {
		return InvalidWorkID, status.NotAllowed
	}

	id := wq.post(&record{
		client:   client,
		work:     work,
		deadline: start,
		period:   period,
	})
	wq.stats.Scheduled++
	wq.metrics.scheduled.Add(context.Background(), 1, wq.metrics.attrs)
	return id, nil
}

// UpdateWork replaces every attribute of work item id. A zero start means now.
// If the item is running right now, the running execution finishes and the
// item then follows the new schedule.
//
// Returns status.InvalidArgument, status.NotAllowed once the worker is stopped
// and status.NotFound for an unknown id.
func (wq *WorkQueue) UpdateWork(id WorkID, client ClientID, work Work, start time.Time, period time.Duration) error {
	if client == InvalidClientID || work == nil || period < 0 {
		return status.InvalidArgument
	}
	if start.IsZero() {
		start = wq.driver.Now()
	}

	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.stopped {
		return status.NotAllowed
	}

	if i := wq.find(id); i >= 0 {
		rec := wq.items[i]
		rec.client = client
		rec.work = work
		rec.deadline = start
		rec.period = period
		rec.seq = wq.seq()
		heap.Fix(&wq.items, i)
		wq.signalChange()
		return nil
	}

	if wq.executing != nil && wq.executing.id == id && !wq.executing.cancelled {
		wq.executing.cancelled = true
		heap.Push(&wq.items, &record{
			id:       id,
			client:   client,
			work:     work,
			deadline: start,
			period:   period,
			seq:      wq.seq(),
		})
		wq.signalChange()
		return nil
	}

	return status.NotFound
}

// CancelWork removes work item id. Cancelling the item that is running right
// now succeeds and prevents it from being rescheduled.
//
// Returns status.NotAllowed once the worker is stopped and status.NotFound for
// an unknown id.
func (wq *WorkQueue) CancelWork(id WorkID) error {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.stopped {
		return status.NotAllowed
	}

	if i := wq.find(id); i >= 0 {
		heap.Remove(&wq.items, i)
		wq.stats.Cancelled++
		wq.signalChange()
		return nil
	}

	if wq.executing != nil && wq.executing.id == id && !wq.executing.cancelled {
		wq.executing.cancelled = true
		wq.stats.Cancelled++
		wq.signalChange()
		return nil
	}

	return status.NotFound
}

// CancelClientWorks removes every work item of client.
//
// Returns status.NotAllowed once the worker is stopped and status.NotFound if
// client has no work.
func (wq *WorkQueue) CancelClientWorks(client ClientID) error {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.stopped {
		return status.NotAllowed
	}

	removed := 0
	kept := wq.items[:0]
	for _, rec := range wq.items {
		if rec.client == client {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	clear(wq.items[len(kept):])
	wq.items = kept

	if wq.executing != nil && wq.executing.client == client && !wq.executing.cancelled {
		wq.executing.cancelled = true
		removed++
	}

	if removed == 0 {
		return status.NotFound
	}

	heap.Init(&wq.items)
	wq.stats.Cancelled += int64(removed)
	wq.signalChange()
	return nil
}

// IsIdle reports whether no work is pending or running
func (wq *WorkQueue) IsIdle() bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.empty()
}

// NearestTimePoint returns the deadline of the next work item.
// The second result is false when nothing is scheduled.
func (wq *WorkQueue) NearestTimePoint() (time.Time, bool) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if len(wq.items) == 0 || wq.items[0].work == nil {
		return time.Time{}, false
	}
	return wq.items[0].deadline, true
}

// KillWorker drops all pending work, stops the worker and waits for it to exit.
// Returns status.NotAllowed if the worker is already stopped.
func (wq *WorkQueue) KillWorker() error {
	wq.mu.Lock()
	if wq.stopped {
		wq.mu.Unlock()
		return status.NotAllowed
	}

	dropped := len(wq.items)
	clear(wq.items)
	wq.items = wq.items[:0]

	// a record without work tells the worker to exit
	wq.post(&record{client: InvalidClientID})
	wq.stopped = true
	wq.mu.Unlock()

	<-wq.done
	wq.logger.Debug("worker stopped", "dropped", dropped)
	return nil
}

// Stats returns a snapshot of work queue activity
func (wq *WorkQueue) Stats() Stats {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	s := wq.stats
	s.Pending = len(wq.items)
	return s
}

// Name returns the configured queue name
func (wq *WorkQueue) Name() string {
	return wq.name
}

// WithLock runs fn with the queue lock held. It lets drivers coordinate with
// the worker from outside of it.
func (wq *WorkQueue) WithLock(fn func(g *Guard)) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	fn(&Guard{wq: wq})
}

// post assigns an id and pushes rec; must be called with mu held
func (wq *WorkQueue) post(rec *record) WorkID {
	wq.nextWorkID++
	if wq.nextWorkID == InvalidWorkID {
		wq.nextWorkID++
	}
	rec.id = wq.nextWorkID
	rec.seq = wq.seq()

	heap.Push(&wq.items, rec)
	wq.signalChange()
	return rec.id
}

func (wq *WorkQueue) seq() uint64 {
	wq.nextSeq++
	return wq.nextSeq
}

func (wq *WorkQueue) signalChange() {
	wq.changed = true
	wq.cond.Broadcast()
}

func (wq *WorkQueue) find(id WorkID) int {
	for i, rec := range wq.items {
		if rec.id == id && rec.work != nil {
			return i
		}
	}
	return -1
}

func (wq *WorkQueue) empty() bool {
	return len(wq.items) == 0 && wq.executing == nil
}

func (wq *WorkQueue) run() {
	defer close(wq.done)

	g := &Guard{wq: wq}

	wq.mu.Lock()
	defer wq.mu.Unlock()

	for {
		if !wq.waitForWork(g) {
			clear(wq.items)
			wq.items = nil
			return
		}

		if !wq.driver.WaitUntil(g, wq.items[0].deadline) || len(wq.items) == 0 {
			// queue changed: look at the new root
			continue
		}

		rec := heap.Pop(&wq.items).(*record)
		wq.execute(g, rec)
	}
}

// waitForWork blocks until the queue is non-empty.
// It returns false when the root is the terminate record.
func (wq *WorkQueue) waitForWork(g *Guard) bool {
	if len(wq.items) == 0 {
		wq.driver.GoingIdle(g)
	}
	for len(wq.items) == 0 {
		wq.cond.Wait()
	}
	return wq.items[0].work != nil
}

func (wq *WorkQueue) execute(g *Guard, rec *record) {
	wq.executing = rec

	late := wq.driver.Now().Sub(rec.deadline)
	if wq.lateThreshold > 0 && late > wq.lateThreshold {
		wq.logger.Warn("work running late", "work_id", rec.id, "client_id", rec.client, "late", late)
	}

	panicked := false
	again := wq.driver.Execute(g, rec.id, rec.deadline, func() bool {
		ok, p := wq.call(rec)
		panicked = p
		return ok
	})

	wq.executing = nil
	wq.stats.Executed++
	if panicked {
		wq.stats.Panics++
	}
	wq.metrics.recordExecution(context.Background(), max(late, 0), panicked)

	if again && rec.period > 0 && !rec.cancelled && !wq.stopped {
		rec.deadline = rec.deadline.Add(rec.period)
		rec.seq = wq.seq()
		heap.Push(&wq.items, rec)
		wq.stats.Rescheduled++
	}
}

// call runs the work callback, treating a panic as "do not reschedule"
func (wq *WorkQueue) call(rec *record) (again bool, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			wq.logger.Error("work panicked", "work_id", rec.id, "client_id", rec.client, "panic", r)
			again = false
			panicked = true
		}
	}()
	return rec.work(rec.id), false
}

// Package stats keeps a journal of runtime samples. Producers hand samples to
// the collector through a pool queue; periodic work on a work queue polls the
// watched components and flushes what was gathered to the journal.
package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/o-peregudov/mqmx/lib/message"
	"github.com/o-peregudov/mqmx/lib/pool"
	"github.com/o-peregudov/mqmx/lib/status"
	"github.com/o-peregudov/mqmx/lib/workqueue"
)

const sampleMID message.MessageID = 1

// CollectorStats is a snapshot of collector activity
type CollectorStats struct {
	Received    int64
	Pending     int
	Flushes     int64
	FlushErrors int64
	Written     int64
	Watches     int
}

// Collector accumulates samples and writes them out in batches
type Collector struct {
	config Config
	writer Writer
	pool   *pool.Pool
	wq     *workqueue.WorkQueue
	logger *slog.Logger

	client workqueue.ClientID
	queue  *pool.Queue

	// mu protects all mutable fields below
	mu          sync.Mutex
	started     bool
	stopped     bool
	pending     []Sample
	watches     []watch
	flushQueued bool

	// flushMu serializes writes so batches reach the journal in order
	flushMu sync.Mutex

	received    atomic.Int64
	flushes     atomic.Int64
	flushErrors atomic.Int64
	written     atomic.Int64
}

// NewCollector creates a collector that receives samples on p and runs its
// periodic work on wq. The statistics of p and wq are watched from the start.
func NewCollector(config Config, writer Writer, p *pool.Pool, wq *workqueue.WorkQueue, logger *slog.Logger) (*Collector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stats config: %w", err)
	}
	if writer == nil || p == nil || wq == nil {
		return nil, errors.New("stats collector needs a writer, a pool and a work queue")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		config: config,
		writer: writer,
		pool:   p,
		wq:     wq,
		logger: logger.With("component", "stats"),
	}

	c.Watch(SourcePool, p.Name(), func() map[string]int64 {
		s := p.Stats()
		return map[string]int64{
			"queues":           int64(s.Queues),
			"dispatched":       s.Dispatched,
			"handler_errors":   s.HandlerErrors,
			"handler_panics":   s.HandlerPanics,
			"control_messages": s.ControlMessages,
		}
	})
	c.Watch(SourceWorkQueue, wq.Name(), func() map[string]int64 {
		s := wq.Stats()
		return map[string]int64{
			"pending":     int64(s.Pending),
			"scheduled":   s.Scheduled,
			"executed":    s.Executed,
			"rescheduled": s.Rescheduled,
			"cancelled":   s.Cancelled,
			"panics":      s.Panics,
		}
	})

	return c, nil
}

// Start allocates the collector's queue and schedules its periodic work.
// Returns status.AlreadyExist if already started and status.NotAllowed after Stop.
func (c *Collector) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return status.NotAllowed
	}
	if c.started {
		c.mu.Unlock()
		return status.AlreadyExist
	}
	c.started = true
	c.mu.Unlock()

	client := c.wq.ClientID()
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	q, err := c.pool.AllocateQueue(c.handle)
	if err != nil {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		return fmt.Errorf("failed to allocate stats queue: %w", err)
	}

	c.mu.Lock()
	c.queue = q
	c.mu.Unlock()

	now := c.wq.Now()
	if _, err := c.wq.ScheduleWork(client, c.flushWork, now.Add(c.config.FlushInterval), c.config.FlushInterval); err != nil {
		c.release()
		return fmt.Errorf("failed to schedule flush: %w", err)
	}
	if _, err := c.wq.ScheduleWork(client, c.sampleWork, now.Add(c.config.SampleInterval), c.config.SampleInterval); err != nil {
		c.wq.CancelClientWorks(client)
		c.release()
		return fmt.Errorf("failed to schedule sampling: %w", err)
	}

	c.logger.Info("stats collector started",
		"qid", q.ID(),
		"flush_interval", c.config.FlushInterval,
		"sample_interval", c.config.SampleInterval)
	return nil
}

// Stop cancels the periodic work, drains the queue, writes a final batch and
// releases the queue. It must not be called from a handler of the same pool.
func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	q, client := c.queue, c.client
	c.mu.Unlock()

	c.logger.Info("stopping stats collector")

	if q != nil {
		// once detached no handler runs, so nothing schedules new work
		if err := q.Detach(); err != nil {
			c.logger.Warn("failed to detach stats queue", "error", err)
		}
		for msg := q.Pop(); msg != nil; msg = q.Pop() {
			if err := c.handle(msg); err != nil {
				c.logger.Warn("dropping message", "msg", msg, "error", err)
			}
		}
	}

	if err := c.wq.CancelClientWorks(client); err != nil && !errors.Is(err, status.NotFound) && !errors.Is(err, status.NotAllowed) {
		c.logger.Warn("failed to cancel stats work", "error", err)
	}

	err := c.flush()
	if err != nil {
		c.logger.Error("final flush failed", "error", err)
	}

	if q != nil {
		q.Close()
	}

	c.logger.Info("stats collector stopped", "written", c.written.Load())
	return err
}

// release gives the queue back after a failed start
func (c *Collector) release() {
	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.stopped = true
	c.mu.Unlock()
	q.Close()
}

// Send queues a sample for the next batch. A zero TakenAt is set to the work
// queue's current time. Returns status.NotAllowed unless the collector runs.
func (c *Collector) Send(s Sample) error {
	c.mu.Lock()
	running := c.started && !c.stopped && c.queue != nil
	q := c.queue
	c.mu.Unlock()

	if !running {
		return status.NotAllowed
	}

	if s.TakenAt.IsZero() {
		s.TakenAt = c.wq.Now()
	}
	return q.Push(q.NewMessage(sampleMID, s))
}

// Watch registers probe to be sampled on every sample interval
func (c *Collector) Watch(source Source, name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watches = append(c.watches, watch{source: source, name: name, probe: probe})
}

// Flush writes pending samples right away
func (c *Collector) Flush() error {
	return c.flush()
}

// Stats returns a snapshot of collector activity
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	pending := len(c.pending)
	watches := len(c.watches)
	c.mu.Unlock()

	return CollectorStats{
		Received:    c.received.Load(),
		Pending:     pending,
		Flushes:     c.flushes.Load(),
		FlushErrors: c.flushErrors.Load(),
		Written:     c.written.Load(),
		Watches:     watches,
	}
}

// handle runs on the pool worker for every sample message
func (c *Collector) handle(msg *message.Message) error {
	s, ok := message.PayloadAs[Sample](msg)
	if !ok {
		return fmt.Errorf("unexpected payload in %s", msg)
	}

	c.received.Add(1)

	c.mu.Lock()
	c.pending = append(c.pending, s)
	trigger := len(c.pending) >= c.config.FlushThreshold && !c.flushQueued && !c.stopped
	if trigger {
		c.flushQueued = true
	}
	client := c.client
	c.mu.Unlock()

	if !trigger {
		return nil
	}

	// hand the write over to the work queue, the pool worker stays responsive
	if _, err := c.wq.ScheduleWork(client, c.flushWork, time.Time{}, workqueue.RunOnce); err != nil {
		c.mu.Lock()
		c.flushQueued = false
		c.mu.Unlock()
		c.logger.Warn("failed to schedule threshold flush", "error", err)
	}
	return nil
}

func (c *Collector) flushWork(workqueue.WorkID) bool {
	if err := c.flush(); err != nil {
		c.logger.Error("flush failed", "error", err)
	}
	return true
}

func (c *Collector) sampleWork(workqueue.WorkID) bool {
	c.mu.Lock()
	watches := make([]watch, len(c.watches))
	copy(watches, c.watches)
	c.mu.Unlock()

	now := c.wq.Now()
	for _, w := range watches {
		s := Sample{
			Source:   w.source,
			Name:     w.name,
			TakenAt:  now,
			Counters: w.probe(),
		}
		if err := c.Send(s); err != nil {
			c.logger.Warn("failed to send sample", "source", w.source, "name", w.name, "error", err)
			return false
		}
	}
	return true
}

// flush writes every pending sample as one batch. On failure the samples are
// put back in front of the ones gathered in the meantime.
func (c *Collector) flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.flushQueued = false
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	c.logger.Debug("flushing samples", "batch", batchID, "samples", len(batch))

	if err := c.writer.WriteBatch(batchID, c.wq.Now(), batch); err != nil {
		c.flushErrors.Add(1)
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return fmt.Errorf("write batch failed: %w", err)
	}

	c.flushes.Add(1)
	c.written.Add(int64(len(batch)))
	return nil
}

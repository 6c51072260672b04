// Package workqueuetest provides a work queue running on a virtual clock.
// Time only moves when the test forwards it, and the forwarding calls can
// wait until every piece of work that became due has run.
package workqueuetest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/o-peregudov/mqmx/lib/workqueue"
)

// SyncFunc is called after every execution, outside the queue lock
type SyncFunc func(id workqueue.WorkID, deadline time.Time)

// WorkQueue is a workqueue.WorkQueue whose clock is advanced manually
type WorkQueue struct {
	*workqueue.WorkQueue
	driver *virtualDriver
}

// New creates a virtual-time work queue starting at start.
// A zero start uses the current wall-clock time. syncFn may be nil.
func New(start time.Time, syncFn SyncFunc, logger *slog.Logger) (*WorkQueue, error) {
	if start.IsZero() {
		start = time.Now()
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &virtualDriver{current: start, sync: syncFn, logger: logger}

	cfg := workqueue.DefaultConfig()
	cfg.Name = "virtual"
	cfg.LateThreshold = 0

	wq, err := workqueue.New(cfg, logger, workqueue.WithDriver(d))
	if err != nil {
		return nil, err
	}
	return &WorkQueue{WorkQueue: wq, driver: d}, nil
}

// ForwardTime moves the clock by d and returns the previous time point.
// With wait set it blocks until the worker has run everything that is due.
func (wq *WorkQueue) ForwardTime(d time.Duration, wait bool) time.Time {
	var old time.Time
	wq.WithLock(func(g *workqueue.Guard) {
		old = wq.driver.set(wq.driver.current.Add(d))
		wq.driver.forward(g, wait)
	})
	return old
}

// ForwardTimeTo moves the clock to t and returns the previous time point.
// With wait set it blocks until the worker has run everything that is due.
func (wq *WorkQueue) ForwardTimeTo(t time.Time, wait bool) time.Time {
	var old time.Time
	wq.WithLock(func(g *workqueue.Guard) {
		old = wq.driver.set(t)
		wq.driver.forward(g, wait)
	})
	return old
}

// ForwardToNearest moves the clock to the deadline of the next work item, or
// leaves it where it is when nothing is scheduled.
func (wq *WorkQueue) ForwardToNearest(wait bool) {
	if t, ok := wq.NearestTimePoint(); ok {
		wq.ForwardTimeTo(t, wait)
		return
	}
	wq.ForwardTimeTo(wq.Now(), wait)
}

// Close stops the worker; a stopped queue is not an error here
func (wq *WorkQueue) Close() {
	_ = wq.KillWorker()
}

// virtualDriver fields other than nowMu are guarded by the work queue lock
type virtualDriver struct {
	nowMu   sync.Mutex
	current time.Time

	timeChanged bool
	completed   bool

	sync   SyncFunc
	logger *slog.Logger
}

func (d *virtualDriver) Now() time.Time {
	d.nowMu.Lock()
	defer d.nowMu.Unlock()
	return d.current
}

// set must be called with the queue lock held
func (d *virtualDriver) set(t time.Time) time.Time {
	d.nowMu.Lock()
	defer d.nowMu.Unlock()
	old := d.current
	d.current = t
	return old
}

func (d *virtualDriver) forward(g *workqueue.Guard, wait bool) {
	d.timeChanged = true
	g.Broadcast()

	if !wait {
		return
	}

	d.completed = false
	for !d.completed && !g.Empty() {
		g.Wait()
	}
}

func (d *virtualDriver) GoingIdle(g *workqueue.Guard) {
	d.completed = true
	g.Broadcast()
}

func (d *virtualDriver) WaitUntil(g *workqueue.Guard, deadline time.Time) bool {
	if !deadline.After(d.current) {
		return true
	}

	d.GoingIdle(g)

	for !d.timeChanged && !g.Changed() {
		g.Wait()
	}

	g.ResetChanged()
	d.timeChanged = false
	return false
}

func (d *virtualDriver) Execute(g *workqueue.Guard, id workqueue.WorkID, deadline time.Time, run func() bool) bool {
	again := workqueue.SystemDriver{}.Execute(g, id, deadline, run)

	if d.sync != nil {
		g.Unlock()
		d.callSync(id, deadline)
		g.Lock()
	}
	return again
}

func (d *virtualDriver) callSync(id workqueue.WorkID, deadline time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sync function panicked", "work_id", id, "panic", r)
		}
	}()
	d.sync(id, deadline)
}

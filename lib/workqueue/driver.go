package workqueue

import "time"

// Driver supplies the time source and the blocking primitives of the worker.
// Every hook except Now is called by the worker goroutine with the queue lock
// held; g gives access to that lock.
//
// The default driver uses the wall clock. Tests plug in a virtual clock, see
// the workqueuetest package.
type Driver interface {
	// Now returns the current time point. It is called without the queue lock.
	Now() time.Time

	// GoingIdle is called when the worker finds nothing left to run.
	GoingIdle(g *Guard)

	// WaitUntil blocks until deadline or until the queue changes.
	// It returns true when the deadline is reached and false when the worker
	// has to re-examine the queue.
	WaitUntil(g *Guard, deadline time.Time) bool

	// Execute runs one work item by calling run and returns its result.
	Execute(g *Guard, id WorkID, deadline time.Time, run func() bool) bool
}

// Guard is the worker's handle on the queue lock. It is only valid inside
// Driver hooks and WithLock callbacks.
type Guard struct {
	wq *WorkQueue
}

// Wait atomically releases the lock and suspends until Broadcast
func (g *Guard) Wait() {
	g.wq.cond.Wait()
}

// Broadcast wakes every goroutine blocked in Wait
func (g *Guard) Broadcast() {
	g.wq.cond.Broadcast()
}

func (g *Guard) Lock() {
	g.wq.mu.Lock()
}

func (g *Guard) Unlock() {
	g.wq.mu.Unlock()
}

// Changed reports whether the queue was modified since the flag was last reset
func (g *Guard) Changed() bool {
	return g.wq.changed
}

// ResetChanged clears the modification flag
func (g *Guard) ResetChanged() {
	g.wq.changed = false
}

// Empty reports whether no work is pending or running
func (g *Guard) Empty() bool {
	return g.wq.empty()
}

// WaitUntil waits on the wall clock until deadline, measured from now, or
// until the queue changes. See Driver.WaitUntil for the result.
func (g *Guard) WaitUntil(deadline, now time.Time) bool {
	if g.wq.changed {
		g.wq.changed = false
		return false
	}

	d := deadline.Sub(now)
	if d <= 0 {
		return true
	}

	expired := false
	timer := time.AfterFunc(d, func() {
		g.wq.mu.Lock()
		expired = true
		g.wq.cond.Broadcast()
		g.wq.mu.Unlock()
	})

	for !g.wq.changed && !expired {
		g.wq.cond.Wait()
	}
	timer.Stop()

	if g.wq.changed {
		g.wq.changed = false
		return false
	}
	return true
}

// SystemDriver runs work on the wall clock
type SystemDriver struct{}

func (SystemDriver) Now() time.Time {
	return time.Now()
}

func (SystemDriver) GoingIdle(*Guard) {}

func (d SystemDriver) WaitUntil(g *Guard, deadline time.Time) bool {
	return g.WaitUntil(deadline, d.Now())
}

// Execute calls run with the queue lock released
func (SystemDriver) Execute(g *Guard, _ WorkID, _ time.Time, run func() bool) bool {
	g.Unlock()
	defer g.Lock()
	return run()
}

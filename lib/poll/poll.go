// Package poll blocks a goroutine until at least one of a set of mailboxes
// signals its listener, the way select(2) does for file descriptors.
package poll

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/o-peregudov/mqmx/lib/mailbox"
	"github.com/o-peregudov/mqmx/lib/message"
	"github.com/o-peregudov/mqmx/lib/waittime"
)

// Notification is one entry of a poll result
type Notification struct {
	QueueID message.QueueID
	Mailbox *mailbox.Mailbox // nil when Flags has mailbox.Closed
	Flags   mailbox.NotificationFlags
}

// List is a poll result ordered by queue id
type List []Notification

// Find returns the notification for qid, if any
func (l List) Find(qid message.QueueID) (Notification, bool) {
	i := sort.Search(len(l), func(i int) bool { return l[i].QueueID >= qid })
	if i < len(l) && l[i].QueueID == qid {
		return l[i], true
	}
	return Notification{}, false
}

// Poller implements mailbox.Listener and collects notifications
// from every mailbox passed to Poll.
type Poller struct {
	pollMu sync.Mutex // one Poll at a time

	mu     sync.Mutex // guards buf; never held while calling into a mailbox
	buf    List
	signal chan struct{}

	clock waittime.Clock
}

// Option configures a Poller
type Option func(*Poller)

// WithClock sets the clock used to compute relative deadlines
func WithClock(c waittime.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// New creates a Poller
func New(opts ...Option) *Poller {
	p := &Poller{
		signal: make(chan struct{}, 1),
		clock:  waittime.SystemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll waits for notifications from mbs.
//
// The poller registers itself as the listener of every mailbox, waits as
// described by spec, then deregisters and returns what it collected. A
// mailbox that already holds messages is reported right away. A mailbox
// that already has a listener is a programming error and makes Poll panic.
func (p *Poller) Poll(mbs []*mailbox.Mailbox, spec waittime.Spec) List {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
	p.drainSignal()

	for i, mb := range mbs {
		if mb == nil {
			p.clearListeners(mbs[:i])
			panic(fmt.Sprintf("poll: nil mailbox at index %d", i))
		}
		if err := mb.SetListener(p); err != nil {
			p.clearListeners(mbs[:i])
			panic(fmt.Sprintf("poll: cannot listen to mailbox %d: %v", mb.ID(), err))
		}
	}

	p.wait(spec, spec.Deadline(p.clock))

	p.clearListeners(mbs)

	p.mu.Lock()
	result := p.buf
	p.buf = nil
	p.mu.Unlock()
	return result
}

// Notify records a notification. It is called by mailboxes with their lock held.
func (p *Poller) Notify(qid message.QueueID, mb *mailbox.Mailbox, flags mailbox.NotificationFlags) {
	p.mu.Lock()
	p.merge(qid, mb, flags)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// merge keeps buf sorted by queue id with one entry per (qid, mailbox)
func (p *Poller) merge(qid message.QueueID, mb *mailbox.Mailbox, flags mailbox.NotificationFlags) {
	lo := sort.Search(len(p.buf), func(i int) bool { return p.buf[i].QueueID >= qid })
	hi := lo
	for ; hi < len(p.buf) && p.buf[hi].QueueID == qid; hi++ {
		if p.buf[hi].Mailbox == mb {
			p.buf[hi].Flags |= flags
			return
		}
	}
	p.buf = append(p.buf, Notification{})
	copy(p.buf[hi+1:], p.buf[hi:])
	p.buf[hi] = Notification{QueueID: qid, Mailbox: mb, Flags: flags}
}

func (p *Poller) wait(spec waittime.Spec, deadline time.Time) {
	for !p.pending() {
		if spec.IsInfinite() {
			<-p.signal
			continue
		}
		if deadline.IsZero() {
			return
		}
		d := deadline.Sub(p.clock.Now())
		if d <= 0 {
			return
		}

		timer := time.NewTimer(d)
		select {
		case <-p.signal:
			timer.Stop()
		case <-timer.C:
			return
		}
	}
}

func (p *Poller) pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0
}

func (p *Poller) drainSignal() {
	select {
	case <-p.signal:
	default:
	}
}

func (p *Poller) clearListeners(mbs []*mailbox.Mailbox) {
	for _, mb := range mbs {
		if mb != nil {
			mb.ClearListener()
		}
	}
}

// Poll is a convenience wrapper running a single poll on a fresh Poller
func Poll(mbs []*mailbox.Mailbox, spec waittime.Spec) List {
	return New().Poll(mbs, spec)
}

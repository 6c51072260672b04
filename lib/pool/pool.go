// Package pool dispatches messages from many mailboxes to their handlers on a
// single worker goroutine. Queues can be added and removed while the worker
// runs; membership changes travel through the pool's control mailbox and are
// applied by the worker itself.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/o-peregudov/mqmx/lib/mailbox"
	"github.com/o-peregudov/mqmx/lib/message"
	"github.com/o-peregudov/mqmx/lib/poll"
	"github.com/o-peregudov/mqmx/lib/status"
	"github.com/o-peregudov/mqmx/lib/waittime"
	"go.opentelemetry.io/otel/metric"
)

// Handler processes one message popped from a queue.
// A returned error is logged; it does not stop the pool.
type Handler func(msg *message.Message) error

// Option configures a Pool
type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// The global provider is used when none is given.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// Stats is a snapshot of pool activity
type Stats struct {
	Queues          int
	Dispatched      int64
	HandlerErrors   int64
	HandlerPanics   int64
	ControlMessages int64
}

type slot struct {
	mb       *mailbox.Mailbox
	removing bool
}

// Pool owns a worker goroutine that polls every attached mailbox and calls the
// handler registered for whichever one has data.
type Pool struct {
	name    string
	logger  *slog.Logger
	metrics *instruments

	control *mailbox.Mailbox

	// slotsMu guards slots and closed, and orders control messages against
	// Close so that nothing is enqueued after the terminate request.
	slotsMu sync.Mutex
	slots   []slot
	closed  bool

	// owned by the worker goroutine
	poller   *poll.Poller
	handlers []Handler
	live     []*mailbox.Mailbox // sorted by liveIDs
	liveIDs  []message.QueueID

	idleMu    sync.Mutex
	pauseSig  *signal
	resumeSig *signal

	done      chan struct{}
	closeOnce sync.Once

	dispatched      atomic.Int64
	handlerErrors   atomic.Int64
	handlerPanics   atomic.Int64
	controlMessages atomic.Int64
}

// New creates a pool and starts its worker
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	metrics, err := newInstruments(o.meterProvider, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool metrics: %w", err)
	}

	p := &Pool{
		name:      cfg.Name,
		logger:    logger.With("pool", cfg.Name),
		metrics:   metrics,
		control:   mailbox.New(ControlQID),
		slots:     make([]slot, 1, cfg.Capacity+1),
		poller:    poll.New(),
		handlers:  make([]Handler, 1, cfg.Capacity+1),
		live:      make([]*mailbox.Mailbox, 0, cfg.Capacity+1),
		liveIDs:   make([]message.QueueID, 0, cfg.Capacity+1),
		pauseSig:  newSignal(),
		resumeSig: newSignal(),
		done:      make(chan struct{}),
	}
	p.slots[ControlQID] = slot{mb: p.control}
	p.live = append(p.live, p.control)
	p.liveIDs = append(p.liveIDs, ControlQID)

	go p.run()

	p.logger.Debug("pool started", "capacity", cfg.Capacity)
	return p, nil
}

// Queue is a mailbox attached to a pool. Messages pushed into it are handed to
// the handler given to AllocateQueue.
type Queue struct {
	*mailbox.Mailbox
	pool *Pool

	detachOnce sync.Once
	detachErr  error
	closeOnce  sync.Once
}

// Detach removes the queue from its pool without closing the mailbox, so
// pending messages can still be popped by the caller. Later calls return the
// result of the first one. A closed pool is not an error.
func (q *Queue) Detach() error {
	q.detachOnce.Do(func() {
		q.detachErr = q.pool.RemoveQueue(q.Mailbox)
		if status.CodeOf(q.detachErr) == status.NotAllowed {
			q.detachErr = nil
		}
	})
	return q.detachErr
}

// Close detaches the queue from its pool and closes the mailbox.
// It blocks until the worker has let go of the queue, so it must not be called
// from inside a handler running on the same pool.
func (q *Queue) Close() error {
	err := q.Detach()
	q.closeOnce.Do(q.Mailbox.Close)
	return err
}

// AllocateQueue creates a mailbox in the first free slot and attaches it to the
// pool with handler h. It returns once the worker polls the new mailbox.
//
// Returns status.InvalidArgument for a nil handler and status.NotAllowed once
// the pool is closed.
func (p *Pool) AllocateQueue(h Handler) (*Queue, error) {
	if h == nil {
		return nil, status.InvalidArgument
	}

	done := newSignal()

	p.slotsMu.Lock()
	if p.closed {
		p.slotsMu.Unlock()
		return nil, status.NotAllowed
	}

	qid := p.freeSlot()
	mb := mailbox.New(qid)
	p.slots[qid] = slot{mb: mb}

	err := p.control.Push(p.control.NewMessage(addQueueMID, &controlRequest{
		qid:     qid,
		mb:      mb,
		handler: h,
		done:    done,
	}))
	p.slotsMu.Unlock()

	if err != nil {
		// the control mailbox is never moved or closed while the pool is open
		panic(fmt.Sprintf("pool %s: control mailbox rejected add request: %v", p.name, err))
	}

	done.wait()
	return &Queue{Mailbox: mb, pool: p}, nil
}

// RemoveQueue detaches mb from the pool and returns once the worker no longer
// polls it. The mailbox itself stays usable and is not closed.
//
// Returns status.InvalidArgument for nil, status.NotFound if mb is not attached
// and status.NotAllowed once the pool is closed.
func (p *Pool) RemoveQueue(mb *mailbox.Mailbox) error {
	if mb == nil {
		return status.InvalidArgument
	}

	done := newSignal()

	p.slotsMu.Lock()
	if p.closed {
		p.slotsMu.Unlock()
		return status.NotAllowed
	}

	qid, ok := p.findSlot(mb)
	if !ok {
		p.slotsMu.Unlock()
		return status.NotFound
	}
	p.slots[qid].removing = true

	err := p.control.Push(p.control.NewMessage(removeQueueMID, &controlRequest{
		qid:  qid,
		mb:   mb,
		done: done,
	}))
	p.slotsMu.Unlock()

	if err != nil {
		panic(fmt.Sprintf("pool %s: control mailbox rejected remove request: %v", p.name, err))
	}

	done.wait()

	p.slotsMu.Lock()
	p.slots[qid] = slot{}
	p.slotsMu.Unlock()
	return nil
}

// IsPollIdle reports whether no attached mailbox, the control mailbox included,
// has anything to deliver. The worker is paused while the check runs.
// A closed pool is always idle.
func (p *Pool) IsPollIdle() bool {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	p.slotsMu.Lock()
	if p.closed {
		p.slotsMu.Unlock()
		return true
	}
	err := p.control.Push(p.control.NewMessage(pauseMID, nil))
	p.slotsMu.Unlock()

	if err != nil {
		panic(fmt.Sprintf("pool %s: control mailbox rejected pause request: %v", p.name, err))
	}

	p.pauseSig.wait()
	// the worker is parked: reading its mailbox list is safe until resume
	idle := len(poll.New().Poll(p.live, waittime.Never())) == 0
	p.resumeSig.post()

	return idle
}

// Close stops the worker and waits for it to exit.
// Queues still attached are left open; their Close only closes the mailbox.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.slotsMu.Lock()
		p.closed = true
		err := p.control.Push(p.control.NewMessage(terminateMID, nil))
		p.slotsMu.Unlock()

		if err != nil {
			panic(fmt.Sprintf("pool %s: control mailbox rejected terminate request: %v", p.name, err))
		}

		<-p.done
		p.control.Close()
		p.logger.Debug("pool stopped")
	})
}

// Stats returns a snapshot of pool activity
func (p *Pool) Stats() Stats {
	p.slotsMu.Lock()
	queues := 0
	for qid := 1; qid < len(p.slots); qid++ {
		if p.slots[qid].mb != nil {
			queues++
		}
	}
	p.slotsMu.Unlock()

	return Stats{
		Queues:          queues,
		Dispatched:      p.dispatched.Load(),
		HandlerErrors:   p.handlerErrors.Load(),
		HandlerPanics:   p.handlerPanics.Load(),
		ControlMessages: p.controlMessages.Load(),
	}
}

// Name returns the configured pool name
func (p *Pool) Name() string {
	return p.name
}

// freeSlot returns the lowest unused queue id, growing the table if needed.
// Must be called with slotsMu held.
func (p *Pool) freeSlot() message.QueueID {
	for qid := 1; qid < len(p.slots); qid++ {
		if p.slots[qid].mb == nil && !p.slots[qid].removing {
			return message.QueueID(qid)
		}
	}
	p.slots = append(p.slots, slot{})
	return message.QueueID(len(p.slots) - 1)
}

// findSlot must be called with slotsMu held
func (p *Pool) findSlot(mb *mailbox.Mailbox) (message.QueueID, bool) {
	for qid := 1; qid < len(p.slots); qid++ {
		if p.slots[qid].mb == mb && !p.slots[qid].removing {
			return message.QueueID(qid), true
		}
	}
	return 0, false
}

func (p *Pool) run() {
	defer close(p.done)

	for {
		list := p.poller.Poll(p.live, waittime.Infinite())

		start := 0
		if len(list) > 0 && list[0].QueueID == ControlQID && list[0].Mailbox == p.control {
			switch p.handleControl() {
			case status.HaltRequested:
				return
			case status.RestartNeeded:
				continue
			case status.PauseRequested:
				p.pauseSig.post()
				p.resumeSig.wait()
				continue
			}
			start = 1
		}

		for _, n := range list[start:] {
			p.dispatch(n)
		}
	}
}

func (p *Pool) handleControl() status.Code {
	msg := p.control.Pop()
	if msg == nil {
		return status.Success
	}

	p.controlMessages.Add(1)
	p.metrics.recordControl(context.Background(), controlName(msg.MessageID()))
	p.logger.Debug("control message", "kind", controlName(msg.MessageID()))

	switch msg.MessageID() {
	case terminateMID:
		return status.HaltRequested

	case pauseMID:
		return status.PauseRequested

	case addQueueMID:
		req, ok := message.PayloadAs[*controlRequest](msg)
		if !ok {
			panic(fmt.Sprintf("pool %s: malformed add request", p.name))
		}
		p.attach(req.qid, req.mb, req.handler)
		req.done.post()
		return status.Success

	case removeQueueMID:
		req, ok := message.PayloadAs[*controlRequest](msg)
		if !ok {
			panic(fmt.Sprintf("pool %s: malformed remove request", p.name))
		}
		p.detach(req.qid, req.mb)
		req.done.post()
		return status.RestartNeeded

	default:
		p.logger.Warn("unknown control message", "mid", msg.MessageID())
		return status.Success
	}
}

// attach inserts mb into the live list keeping it sorted by queue id
func (p *Pool) attach(qid message.QueueID, mb *mailbox.Mailbox, h Handler) {
	for uint64(len(p.handlers)) <= uint64(qid) {
		p.handlers = append(p.handlers, nil)
	}
	p.handlers[qid] = h

	i := sort.Search(len(p.liveIDs), func(i int) bool { return p.liveIDs[i] >= qid })
	p.live = append(p.live, nil)
	copy(p.live[i+1:], p.live[i:])
	p.live[i] = mb
	p.liveIDs = append(p.liveIDs, 0)
	copy(p.liveIDs[i+1:], p.liveIDs[i:])
	p.liveIDs[i] = qid

	p.metrics.queues.Add(context.Background(), 1, p.metrics.attrs)
	p.logger.Debug("queue attached", "qid", qid, "queues", len(p.live)-1)
}

func (p *Pool) detach(qid message.QueueID, mb *mailbox.Mailbox) {
	for i, live := range p.live {
		if live == mb {
			p.live = append(p.live[:i], p.live[i+1:]...)
			p.liveIDs = append(p.liveIDs[:i], p.liveIDs[i+1:]...)
			break
		}
	}
	if uint64(qid) < uint64(len(p.handlers)) {
		p.handlers[qid] = nil
	}

	p.metrics.queues.Add(context.Background(), -1, p.metrics.attrs)
	p.logger.Debug("queue detached", "qid", qid, "queues", len(p.live)-1)
}

func (p *Pool) dispatch(n poll.Notification) {
	if n.Flags.Has(mailbox.Closed) || n.Flags.Has(mailbox.Detached) {
		// the mailbox no longer belongs to this queue id
		p.logger.Debug("queue gone", "qid", n.QueueID, "flags", n.Flags.String())
		return
	}
	if !n.Flags.Has(mailbox.Data) || n.Mailbox == nil {
		return
	}

	if uint64(n.QueueID) >= uint64(len(p.handlers)) || p.handlers[n.QueueID] == nil {
		p.logger.Warn("data on queue without handler", "qid", n.QueueID)
		return
	}

	msg := n.Mailbox.Pop()
	if msg == nil {
		return
	}

	p.invoke(p.handlers[n.QueueID], msg)
}

// invoke calls h and absorbs its failures
func (p *Pool) invoke(h Handler, msg *message.Message) {
	start := time.Now()
	failed := false

	defer func() {
		if r := recover(); r != nil {
			failed = true
			p.handlerPanics.Add(1)
			p.logger.Error("handler panicked", "msg", msg.String(), "panic", r)
		}
		p.dispatched.Add(1)
		if failed {
			p.handlerErrors.Add(1)
		}
		p.metrics.recordDispatch(context.Background(), time.Since(start), failed)
	}()

	if err := h(msg); err != nil {
		failed = true
		p.logger.Error("handler failed", "msg", msg.String(), "error", err)
	}
}

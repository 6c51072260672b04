package mailbox

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/o-peregudov/mqmx/lib/message"
	"github.com/o-peregudov/mqmx/lib/status"
)

// NotificationFlags describe why a mailbox signaled its listener.
// Several flags may be OR-ed into a single notification.
type NotificationFlags uint8

const (
	Data     NotificationFlags = 1 << iota // Mailbox went from empty to non-empty
	Detached                               // Mailbox contents were moved away
	Closed                                 // Mailbox was closed
)

// Has reports whether all bits of flag are set in f
func (f NotificationFlags) Has(flag NotificationFlags) bool {
	return f&flag == flag
}

// String returns a human-readable representation of the flags
func (f NotificationFlags) String() string {
	if f == 0 {
		return "none"
	}
	parts := make([]string, 0, 3)
	if f.Has(Data) {
		parts = append(parts, "data")
	}
	if f.Has(Detached) {
		parts = append(parts, "detached")
	}
	if f.Has(Closed) {
		parts = append(parts, "closed")
	}
	return strings.Join(parts, "|")
}

// Listener receives mailbox notifications.
//
// Notify is invoked synchronously with the mailbox lock held, so it must not
// call back into the notifying mailbox. mb is nil for Closed notifications.
// After Detached or Closed the listener must not use mb any longer.
type Listener interface {
	Notify(qid message.QueueID, mb *Mailbox, flags NotificationFlags)
}

// lockSeq hands out a total order for locking two mailboxes at once
var lockSeq atomic.Uint64

// Mailbox is a thread-safe unbounded FIFO of messages addressed to one queue id
type Mailbox struct {
	mu       sync.Mutex
	order    uint64
	id       message.QueueID
	items    []*message.Message
	head     int
	listener Listener
	stats    Stats
}

// Stats tracks mailbox usage
type Stats struct {
	TotalPushed   int64
	TotalPopped   int64
	RejectedCount int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates a mailbox for queue id.
// A mailbox created with message.UndefinedQID is inert.
func New(id message.QueueID) *Mailbox {
	return &Mailbox{
		order: lockSeq.Add(1),
		id:    id,
	}
}

// ID returns the queue id, message.UndefinedQID once moved out or closed
func (mb *Mailbox) ID() message.QueueID {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.id
}

// NewMessage creates a message stamped with this mailbox's queue id
func (mb *Mailbox) NewMessage(mid message.MessageID, payload any) *message.Message {
	return message.New(mb.ID(), mid, payload)
}

// Push appends msg to the tail of the mailbox.
//
// Returns status.InvalidArgument for a nil message and status.NotSupported when
// the mailbox id is undefined or differs from the message's queue id.
// The listener, if any, gets a Data notification only when the mailbox was empty.
func (mb *Mailbox) Push(msg *message.Message) error {
	if msg == nil {
		return status.InvalidArgument
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.id == message.UndefinedQID || mb.id != msg.QueueID() {
		mb.stats.RejectedCount++
		return status.NotSupported
	}

	mb.items = append(mb.items, msg)
	mb.stats.TotalPushed++
	if depth := mb.depth(); depth > mb.stats.MaxDepthSeen {
		mb.stats.MaxDepthSeen = depth
	}

	if mb.listener != nil && mb.depth() == 1 {
		mb.listener.Notify(mb.id, mb, Data)
	}
	return nil
}

// Pop removes and returns the head message, or nil if there is none
func (mb *Mailbox) Pop() *message.Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.id == message.UndefinedQID || mb.depth() == 0 {
		return nil
	}

	msg := mb.items[mb.head]
	mb.items[mb.head] = nil
	mb.head++
	mb.stats.TotalPopped++

	switch {
	case mb.head == len(mb.items):
		mb.items = mb.items[:0]
		mb.head = 0
	case mb.head >= 64 && mb.head*2 >= len(mb.items):
		n := copy(mb.items, mb.items[mb.head:])
		clear(mb.items[n:])
		mb.items = mb.items[:n]
		mb.head = 0
	}
	return msg
}

// Len returns the number of queued messages
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.depth()
}

// Stats returns a copy of the current mailbox statistics
func (mb *Mailbox) Stats() Stats {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	s := mb.stats
	s.CurrentDepth = mb.depth()
	return s
}

// SetListener registers l.
// Returns status.AlreadyExist if a listener is already set. If the mailbox
// holds messages, l receives a Data notification right away.
func (mb *Mailbox) SetListener(l Listener) error {
	if l == nil {
		return status.InvalidArgument
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.listener != nil {
		return status.AlreadyExist
	}

	mb.listener = l
	if mb.depth() > 0 {
		l.Notify(mb.id, mb, Data)
	}
	return nil
}

// ClearListener removes the current listener, if any
func (mb *Mailbox) ClearListener() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.listener = nil
}

// Take moves the contents and id of mb into a new mailbox.
// mb becomes inert; its listener, if any, receives Detached and is dropped.
// The returned mailbox has no listener.
func (mb *Mailbox) Take() *Mailbox {
	dst := New(message.UndefinedQID)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	dst.items, mb.items = mb.items, nil
	dst.head, mb.head = mb.head, 0
	dst.id, mb.id = mb.id, message.UndefinedQID

	if l := mb.listener; l != nil {
		mb.listener = nil
		l.Notify(dst.id, mb, Detached)
	}
	return dst
}

// MoveFrom replaces the contents and id of mb with those of src.
// The previous listener of mb is detached first and the pending messages of
// mb are discarded; then the listener of src, if any, is detached. Neither
// mailbox has a listener afterwards and src is left inert.
func (mb *Mailbox) MoveFrom(src *Mailbox) {
	if src == nil || src == mb {
		return
	}

	first, second := mb, src
	if second.order < first.order {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if l := mb.listener; l != nil {
		mb.listener = nil
		l.Notify(mb.id, mb, Detached)
	}

	clear(mb.items)
	mb.items, src.items = src.items, nil
	mb.head, src.head = src.head, 0
	mb.id, src.id = src.id, message.UndefinedQID

	if l := src.listener; l != nil {
		src.listener = nil
		l.Notify(mb.id, src, Detached)
	}
}

// Close discards pending messages and makes the mailbox inert.
// A registered listener receives a single Closed notification with a nil mailbox.
// Calling Close more than once is harmless.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if l := mb.listener; l != nil {
		mb.listener = nil
		l.Notify(mb.id, nil, Closed)
	}

	clear(mb.items)
	mb.items = nil
	mb.head = 0
	mb.id = message.UndefinedQID
}

func (mb *Mailbox) depth() int {
	return len(mb.items) - mb.head
}

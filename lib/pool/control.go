package pool

import (
	"context"

	"github.com/o-peregudov/mqmx/lib/mailbox"
	"github.com/o-peregudov/mqmx/lib/message"
	"golang.org/x/sync/semaphore"
)

// ControlQID is the queue id of the pool's own control mailbox
const ControlQID message.QueueID = 0

// Message ids understood by the control mailbox
const (
	terminateMID message.MessageID = iota
	pauseMID
	addQueueMID
	removeQueueMID
)

// controlRequest is the payload of add and remove control messages
type controlRequest struct {
	qid     message.QueueID
	mb      *mailbox.Mailbox
	handler Handler
	done    *signal
}

// signal is a binary semaphore that starts out taken:
// post wakes exactly one wait.
type signal struct {
	sem *semaphore.Weighted
}

func newSignal() *signal {
	sem := semaphore.NewWeighted(1)
	// cannot fail: fresh semaphore, background context
	_ = sem.Acquire(context.Background(), 1)
	return &signal{sem: sem}
}

func (s *signal) post() {
	s.sem.Release(1)
}

func (s *signal) wait() {
	_ = s.sem.Acquire(context.Background(), 1)
}

func controlName(mid message.MessageID) string {
	switch mid {
	case terminateMID:
		return "terminate"
	case pauseMID:
		return "pause"
	case addQueueMID:
		return "add_queue"
	case removeQueueMID:
		return "remove_queue"
	default:
		return "unknown"
	}
}

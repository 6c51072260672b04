package message

import (
	"fmt"
	"math"
)

// QueueID identifies the mailbox a message belongs to
type QueueID uint64

// MessageID identifies the kind of a message within its queue
type MessageID uint64

// UndefinedQID marks a mailbox that accepts nothing (never assigned or moved out)
const UndefinedQID QueueID = math.MaxUint64

// Message is an immutable (queue id, kind id) pair with an optional payload.
// A *Message is owned by exactly one holder at a time: whoever created it,
// then the mailbox it was pushed into, then the handler that popped it.
type Message struct {
	qid     QueueID
	mid     MessageID
	payload any
}

// New creates a message addressed to queue qid
func New(qid QueueID, mid MessageID, payload any) *Message {
	return &Message{
		qid:     qid,
		mid:     mid,
		payload: payload,
	}
}

// QueueID returns the id of the queue the message is addressed to
func (m *Message) QueueID() QueueID {
	return m.qid
}

// MessageID returns the message kind
func (m *Message) MessageID() MessageID {
	return m.mid
}

// Payload returns the raw payload, nil when the message carries none
func (m *Message) Payload() any {
	return m.payload
}

// String returns a compact representation used in log records
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("qid=%d mid=%d", m.qid, m.mid)
}

// PayloadAs returns the payload of m as a T.
// The second result is false if m is nil or its payload is not a T.
func PayloadAs[T any](m *Message) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	v, ok := m.payload.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

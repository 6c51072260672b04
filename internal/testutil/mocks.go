package testutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/o-peregudov/mqmx/lib/message"
)

// ErrHandlerFailed is returned by MessageRecorder when told to fail
var ErrHandlerFailed = errors.New("handler failed")

// MessageRecorder is a pool handler that records every message it receives
type MessageRecorder struct {
	mu       sync.Mutex
	messages []*message.Message
	failOn   map[message.MessageID]bool
	panicOn  map[message.MessageID]bool
	delay    time.Duration
}

func NewMessageRecorder() *MessageRecorder {
	return &MessageRecorder{
		messages: make([]*message.Message, 0),
		failOn:   make(map[message.MessageID]bool),
		panicOn:  make(map[message.MessageID]bool),
	}
}

// FailOn makes Handle return ErrHandlerFailed for messages of kind mid
func (r *MessageRecorder) FailOn(mid message.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[mid] = true
}

// PanicOn makes Handle panic for messages of kind mid
func (r *MessageRecorder) PanicOn(mid message.MessageID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panicOn[mid] = true
}

func (r *MessageRecorder) SetDelay(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = delay
}

// Handle records msg; its signature matches pool.Handler
func (r *MessageRecorder) Handle(msg *message.Message) error {
	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)

	if r.panicOn[msg.MessageID()] {
		panic(fmt.Sprintf("recorder told to panic on %s", msg))
	}
	if r.failOn[msg.MessageID()] {
		return ErrHandlerFailed
	}
	return nil
}

func (r *MessageRecorder) Messages() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*message.Message, len(r.messages))
	copy(result, r.messages)
	return result
}

func (r *MessageRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// MessageIDs returns the kinds of the recorded messages in arrival order
func (r *MessageRecorder) MessageIDs() []message.MessageID {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]message.MessageID, len(r.messages))
	for i, msg := range r.messages {
		result[i] = msg.MessageID()
	}
	return result
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// GetEntriesByMessage returns entries whose message equals msg
func (l *TestLogger) GetEntriesByMessage(msg string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Message == msg {
			result = append(result, entry)
		}
	}
	return result
}

func (l *TestLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]LogEntry, 0)
}

func (l *TestLogger) HasError() bool {
	return l.hasLevel(slog.LevelError.String())
}

func (l *TestLogger) HasWarning() bool {
	return l.hasLevel(slog.LevelWarn.String())
}

func (l *TestLogger) hasLevel(level string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == level {
			return true
		}
	}
	return false
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
	}
}

// WithGroup is a no-op: captured fields stay flat
func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

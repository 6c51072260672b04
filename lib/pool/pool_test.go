package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/o-peregudov/mqmx/internal/testutil"
	"github.com/o-peregudov/mqmx/lib/message"
	"github.com/o-peregudov/mqmx/lib/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestPool(t *testing.T) (*Pool, *testutil.TestLogger) {
	t.Helper()
	tl := testutil.NewTestLogger()
	p, err := New(DefaultConfig(), tl.Logger())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, tl
}

func TestPool_SanityChecks(t *testing.T) {
	p, _ := newTestPool(t)

	assert.True(t, p.IsPollIdle(), "fresh pool must be idle")

	q, err := p.AllocateQueue(nil)
	assert.ErrorIs(t, err, status.InvalidArgument)
	assert.Nil(t, q)

	rec := testutil.NewMessageRecorder()
	q, err = p.AllocateQueue(rec.Handle)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, message.QueueID(1), q.ID(), "first user queue takes the first slot after control")

	assert.ErrorIs(t, p.RemoveQueue(nil), status.InvalidArgument)
	assert.NoError(t, q.Close())
}

func TestPool_RoundTrip(t *testing.T) {
	p, _ := newTestPool(t)
	rec := testutil.NewMessageRecorder()

	q, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Push(q.NewMessage(message.MessageID(i), i)))
	}

	testutil.WaitFor(t, func() bool { return rec.Count() == 10 }, 2*time.Second, "all messages handled")

	expected := make([]message.MessageID, 10)
	for i := range expected {
		expected[i] = message.MessageID(i)
	}
	assert.Equal(t, expected, rec.MessageIDs(), "messages are handled in FIFO order")

	testutil.WaitFor(t, p.IsPollIdle, 2*time.Second, "pool drains")
	assert.Equal(t, int64(10), p.Stats().Dispatched)
}

func TestPool_IsPollIdleWithPendingData(t *testing.T) {
	p, _ := newTestPool(t)
	rec := testutil.NewMessageRecorder()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	q, err := p.AllocateQueue(func(msg *message.Message) error {
		entered <- struct{}{}
		<-release
		return rec.Handle(msg)
	})
	require.NoError(t, err)

	other, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)

	require.NoError(t, q.Push(q.NewMessage(1, nil)))
	<-entered

	// worker is stuck in the handler; data queued elsewhere is visible once it pauses
	require.NoError(t, other.Push(other.NewMessage(2, nil)))

	idle := make(chan bool, 1)
	go func() { idle <- p.IsPollIdle() }()
	testutil.WaitFor(t, func() bool { return p.control.Len() == 1 }, 2*time.Second, "pause request queued")

	close(release)
	assert.False(t, <-idle)

	testutil.WaitFor(t, func() bool { return rec.Count() == 2 }, 2*time.Second)
	assert.True(t, p.IsPollIdle())

	require.NoError(t, q.Close())
	require.NoError(t, other.Close())
}

func TestPool_MultipleQueuesDispatchToOwnHandler(t *testing.T) {
	p, _ := newTestPool(t)

	const numQueues = 5
	recorders := make([]*testutil.MessageRecorder, numQueues)
	queues := make([]*Queue, numQueues)
	for i := range queues {
		recorders[i] = testutil.NewMessageRecorder()
		q, err := p.AllocateQueue(recorders[i].Handle)
		require.NoError(t, err)
		queues[i] = q
	}
	assert.Equal(t, numQueues, p.Stats().Queues)

	for i, q := range queues {
		for j := 0; j <= i; j++ {
			require.NoError(t, q.Push(q.NewMessage(message.MessageID(i), nil)))
		}
	}

	for i, rec := range recorders {
		testutil.WaitFor(t, func() bool { return rec.Count() == i+1 }, 2*time.Second, "queue", i)
		for _, msg := range rec.Messages() {
			assert.Equal(t, queues[i].ID(), msg.QueueID())
		}
	}

	for _, q := range queues {
		require.NoError(t, q.Close())
	}
	assert.Equal(t, 0, p.Stats().Queues)
}

func TestPool_RemoveQueue(t *testing.T) {
	p, _ := newTestPool(t)
	rec := testutil.NewMessageRecorder()

	q, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)

	require.NoError(t, p.RemoveQueue(q.Mailbox))
	assert.ErrorIs(t, p.RemoveQueue(q.Mailbox), status.NotFound)

	// detached mailbox still accepts messages but nobody handles them
	require.NoError(t, q.Push(q.NewMessage(1, nil)))
	assert.True(t, p.IsPollIdle())
	assert.Equal(t, 0, rec.Count())
	assert.Equal(t, 1, q.Len())

	// queue handle reports the earlier removal
	assert.ErrorIs(t, q.Close(), status.NotFound)
}

func TestPool_SlotReuse(t *testing.T) {
	p, _ := newTestPool(t)
	rec := testutil.NewMessageRecorder()

	a, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)
	b, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)
	assert.Equal(t, message.QueueID(1), a.ID())
	assert.Equal(t, message.QueueID(2), b.ID())

	require.NoError(t, a.Close())

	c, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)
	assert.Equal(t, message.QueueID(1), c.ID(), "freed slot is reused")

	require.NoError(t, c.Push(c.NewMessage(7, nil)))
	testutil.WaitFor(t, func() bool { return rec.Count() == 1 }, 2*time.Second)
	assert.Equal(t, message.QueueID(1), rec.Messages()[0].QueueID())

	require.NoError(t, b.Close())
	require.NoError(t, c.Close())
}

func TestPool_HandlerFailuresAreAbsorbed(t *testing.T) {
	p, tl := newTestPool(t)
	rec := testutil.NewMessageRecorder()
	rec.FailOn(1)
	rec.PanicOn(2)

	q, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Push(q.NewMessage(1, nil)))
	require.NoError(t, q.Push(q.NewMessage(2, nil)))
	require.NoError(t, q.Push(q.NewMessage(3, nil)))

	testutil.WaitFor(t, func() bool { return rec.Count() == 3 }, 2*time.Second, "pool keeps running")

	testutil.WaitFor(t, func() bool { return p.Stats().Dispatched == 3 }, 2*time.Second)
	stats := p.Stats()
	assert.Equal(t, int64(2), stats.HandlerErrors)
	assert.Equal(t, int64(1), stats.HandlerPanics)

	assert.Len(t, tl.GetEntriesByMessage("handler failed"), 1)
	assert.Len(t, tl.GetEntriesByMessage("handler panicked"), 1)
}

func TestPool_ConcurrentAllocate(t *testing.T) {
	p, _ := newTestPool(t)

	const numWorkers = 8
	const numMessages = 25

	var mu sync.Mutex
	seen := make(map[message.QueueID]bool)

	var g errgroup.Group
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			rec := testutil.NewMessageRecorder()
			q, err := p.AllocateQueue(rec.Handle)
			if err != nil {
				return err
			}

			mu.Lock()
			seen[q.ID()] = true
			mu.Unlock()

			for j := 0; j < numMessages; j++ {
				if err := q.Push(q.NewMessage(message.MessageID(j), nil)); err != nil {
					return err
				}
			}

			testutil.WaitFor(t, func() bool { return rec.Count() == numMessages }, 5*time.Second)
			return q.Close()
		})
	}

	require.NoError(t, g.Wait())
	assert.Len(t, seen, numWorkers, "every queue gets its own id")
	assert.Equal(t, int64(numWorkers*numMessages), p.Stats().Dispatched)
}

func TestPool_Close(t *testing.T) {
	tl := testutil.NewTestLogger()
	p, err := New(DefaultConfig(), tl.Logger())
	require.NoError(t, err)

	rec := testutil.NewMessageRecorder()
	q, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)

	p.Close()
	p.Close()

	_, err = p.AllocateQueue(rec.Handle)
	assert.ErrorIs(t, err, status.NotAllowed)
	assert.ErrorIs(t, p.RemoveQueue(q.Mailbox), status.NotAllowed)
	assert.True(t, p.IsPollIdle())

	// closing a queue of a stopped pool only closes its mailbox
	assert.NoError(t, q.Close())
	assert.ErrorIs(t, q.Push(message.New(1, 1, nil)), status.NotSupported)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Name: "bad", Capacity: 0}, nil)
	assert.Error(t, err)
}

func TestQueue_DetachKeepsPendingMessages(t *testing.T) {
	p, _ := newTestPool(t)
	rec := testutil.NewMessageRecorder()

	q, err := p.AllocateQueue(rec.Handle)
	require.NoError(t, err)

	require.NoError(t, q.Detach())
	require.NoError(t, q.Detach(), "second detach repeats the first result")
	assert.Equal(t, 0, p.Stats().Queues)

	require.NoError(t, q.Push(q.NewMessage(5, "late")))
	require.NoError(t, q.Push(q.NewMessage(6, "later")))

	msg := q.Pop()
	require.NotNil(t, msg)
	assert.Equal(t, message.MessageID(5), msg.MessageID())
	assert.Equal(t, 0, rec.Count(), "detached queue is not dispatched")

	require.NoError(t, q.Close())
	assert.Nil(t, q.Pop(), "close discards what is left")
	assert.ErrorIs(t, p.RemoveQueue(q.Mailbox), status.NotFound)
}

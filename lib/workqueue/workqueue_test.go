package workqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/o-peregudov/mqmx/internal/testutil"
	"github.com/o-peregudov/mqmx/lib/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*WorkQueue, *testutil.TestLogger) {
	t.Helper()
	tl := testutil.NewTestLogger()
	wq, err := New(DefaultConfig(), tl.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = wq.KillWorker() })
	return wq, tl
}

func noop(WorkID) bool { return false }

func TestWorkQueue_SanityChecks(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	assert.True(t, wq.IsIdle())
	_, ok := wq.NearestTimePoint()
	assert.False(t, ok)

	_, err := wq.ScheduleWork(InvalidClientID, noop, time.Time{}, RunOnce)
	assert.ErrorIs(t, err, status.InvalidArgument)
	_, err = wq.ScheduleWork(client, nil, time.Time{}, RunOnce)
	assert.ErrorIs(t, err, status.InvalidArgument)
	_, err = wq.ScheduleWork(client, noop, time.Time{}, -time.Second)
	assert.ErrorIs(t, err, status.InvalidArgument)

	assert.ErrorIs(t, wq.UpdateWork(0, InvalidClientID, noop, time.Time{}, RunOnce), status.InvalidArgument)
	assert.ErrorIs(t, wq.UpdateWork(12345, client, noop, time.Time{}, RunOnce), status.NotFound)
	assert.ErrorIs(t, wq.CancelWork(12345), status.NotFound)
	assert.ErrorIs(t, wq.CancelClientWorks(client), status.NotFound)
}

func TestWorkQueue_ClientIDsAreUnique(t *testing.T) {
	wq, _ := newTestQueue(t)

	seen := make(map[ClientID]bool)
	for i := 0; i < 100; i++ {
		id := wq.ClientID()
		assert.NotEqual(t, InvalidClientID, id)
		assert.False(t, seen[id], "duplicate client id %d", id)
		seen[id] = true
	}
}

func TestWorkQueue_IDsSkipInvalidOnWrap(t *testing.T) {
	wq, _ := newTestQueue(t)

	wq.mu.Lock()
	wq.nextClientID = InvalidClientID - 1
	wq.nextWorkID = InvalidWorkID - 1
	wq.mu.Unlock()

	assert.Equal(t, ClientID(0), wq.ClientID())

	id, err := wq.ScheduleWork(0, noop, time.Now().Add(time.Hour), RunOnce)
	require.NoError(t, err)
	assert.Equal(t, WorkID(0), id)
}

func TestWorkQueue_ScheduleWorkRunsOnce(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	var runs atomic.Int32
	id, err := wq.ScheduleWork(client, func(WorkID) bool {
		runs.Add(1)
		return true
	}, time.Time{}, RunOnce)
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool { return runs.Load() == 1 }, time.Second)
	testutil.WaitFor(t, wq.IsIdle, time.Second)

	assert.ErrorIs(t, wq.CancelWork(id), status.NotFound, "run-once work is retired")
	assert.Equal(t, int32(1), runs.Load())
}

func TestWorkQueue_PeriodicWork(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	var runs atomic.Int32
	start := time.Now()
	_, err := wq.ScheduleWork(client, func(WorkID) bool {
		return runs.Add(1) < 5
	}, start, 10*time.Millisecond)
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool { return runs.Load() == 5 }, 2*time.Second)
	testutil.WaitFor(t, wq.IsIdle, time.Second)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int32(5), runs.Load())

	stats := wq.Stats()
	assert.Equal(t, int64(5), stats.Executed)
	assert.Equal(t, int64(4), stats.Rescheduled)
}

func TestWorkQueue_CancelWork(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	var runs atomic.Int32
	id, err := wq.ScheduleWork(client, func(WorkID) bool {
		runs.Add(1)
		return false
	}, time.Now().Add(50*time.Millisecond), RunOnce)
	require.NoError(t, err)

	require.NoError(t, wq.CancelWork(id))
	assert.ErrorIs(t, wq.CancelWork(id), status.NotFound)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
	assert.True(t, wq.IsIdle())
}

func TestWorkQueue_UpdateWork(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	var first, second atomic.Int32
	id, err := wq.ScheduleWork(client, func(WorkID) bool {
		first.Add(1)
		return false
	}, time.Now().Add(time.Hour), RunOnce)
	require.NoError(t, err)

	err = wq.UpdateWork(id, client, func(got WorkID) bool {
		assert.Equal(t, id, got)
		second.Add(1)
		return false
	}, time.Time{}, RunOnce)
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool { return second.Load() == 1 }, time.Second)
	assert.Equal(t, int32(0), first.Load())
}

func TestWorkQueue_NearestTimePoint(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()
	base := time.Now().Add(time.Hour)

	_, err := wq.ScheduleWork(client, noop, base.Add(time.Minute), RunOnce)
	require.NoError(t, err)
	_, err = wq.ScheduleWork(client, noop, base, RunOnce)
	require.NoError(t, err)

	nearest, ok := wq.NearestTimePoint()
	require.True(t, ok)
	assert.True(t, nearest.Equal(base))
	assert.False(t, wq.IsIdle())
	assert.Equal(t, 2, wq.Stats().Pending)
}

func TestWorkQueue_DeadlineOrder(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()
	base := time.Now().Add(30 * time.Millisecond)

	var mu sync.Mutex
	var order []int
	record := func(n int) Work {
		return func(WorkID) bool {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, n)
			return false
		}
	}

	offsets := []int{3, 1, 2, 1, 0}
	for i, off := range offsets {
		_, err := wq.ScheduleWork(client, record(i), base.Add(time.Duration(off)*time.Millisecond), RunOnce)
		require.NoError(t, err)
	}

	testutil.WaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(offsets)
	}, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4, 1, 3, 2, 0}, order, "deadline first, then insertion order")
}

func TestWorkQueue_CancelClientWorks(t *testing.T) {
	wq, _ := newTestQueue(t)
	clientA := wq.ClientID()
	clientB := wq.ClientID()
	later := time.Now().Add(time.Hour)

	for i := 0; i < 3; i++ {
		_, err := wq.ScheduleWork(clientA, noop, later, RunOnce)
		require.NoError(t, err)
	}
	idB, err := wq.ScheduleWork(clientB, noop, later, RunOnce)
	require.NoError(t, err)

	require.NoError(t, wq.CancelClientWorks(clientA))
	assert.ErrorIs(t, wq.CancelClientWorks(clientA), status.NotFound)
	assert.Equal(t, 1, wq.Stats().Pending)
	assert.NoError(t, wq.CancelWork(idB))
}

func TestWorkQueue_CancelWhileExecuting(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	id, err := wq.ScheduleWork(client, func(WorkID) bool {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true
	}, time.Time{}, time.Millisecond)
	require.NoError(t, err)

	<-entered
	assert.False(t, wq.IsIdle(), "running work keeps the queue busy")
	require.NoError(t, wq.CancelWork(id))
	assert.ErrorIs(t, wq.CancelWork(id), status.NotFound)
	close(release)

	testutil.WaitFor(t, wq.IsIdle, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestWorkQueue_UpdateWhileExecuting(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	entered := make(chan struct{})
	release := make(chan struct{})
	var oldRuns, newRuns atomic.Int32

	id, err := wq.ScheduleWork(client, func(WorkID) bool {
		if oldRuns.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true
	}, time.Time{}, time.Millisecond)
	require.NoError(t, err)

	<-entered
	require.NoError(t, wq.UpdateWork(id, client, func(WorkID) bool {
		newRuns.Add(1)
		return false
	}, time.Now().Add(10*time.Millisecond), RunOnce))
	close(release)

	testutil.WaitFor(t, func() bool { return newRuns.Load() == 1 }, time.Second)
	testutil.WaitFor(t, wq.IsIdle, time.Second)
	assert.Equal(t, int32(1), oldRuns.Load())
}

func TestWorkQueue_PanicIsAbsorbed(t *testing.T) {
	wq, tl := newTestQueue(t)
	client := wq.ClientID()

	_, err := wq.ScheduleWork(client, func(WorkID) bool {
		panic("boom")
	}, time.Time{}, time.Millisecond)
	require.NoError(t, err)

	testutil.WaitFor(t, wq.IsIdle, time.Second)
	assert.Equal(t, int64(1), wq.Stats().Panics)
	assert.Len(t, tl.GetEntriesByMessage("work panicked"), 1)

	var runs atomic.Int32
	_, err = wq.ScheduleWork(client, func(WorkID) bool {
		runs.Add(1)
		return false
	}, time.Time{}, RunOnce)
	require.NoError(t, err)
	testutil.WaitFor(t, func() bool { return runs.Load() == 1 }, time.Second, "worker survives panics")
}

func TestWorkQueue_LateWorkIsLogged(t *testing.T) {
	wq, tl := newTestQueue(t)
	client := wq.ClientID()

	var runs atomic.Int32
	_, err := wq.ScheduleWork(client, func(WorkID) bool {
		runs.Add(1)
		return false
	}, time.Now().Add(-time.Second), RunOnce)
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool { return runs.Load() == 1 }, time.Second)
	testutil.WaitFor(t, func() bool { return len(tl.GetEntriesByMessage("work running late")) == 1 }, time.Second)
	assert.True(t, tl.HasWarning())
}

func TestWorkQueue_KillWorker(t *testing.T) {
	wq, _ := newTestQueue(t)
	client := wq.ClientID()

	var runs atomic.Int32
	id, err := wq.ScheduleWork(client, func(WorkID) bool {
		runs.Add(1)
		return false
	}, time.Now().Add(time.Hour), RunOnce)
	require.NoError(t, err)

	require.NoError(t, wq.KillWorker())
	assert.ErrorIs(t, wq.KillWorker(), status.NotAllowed)

	_, err = wq.ScheduleWork(client, noop, time.Time{}, RunOnce)
	assert.ErrorIs(t, err, status.NotAllowed)
	assert.ErrorIs(t, wq.UpdateWork(id, client, noop, time.Time{}, RunOnce), status.NotAllowed)
	assert.ErrorIs(t, wq.CancelWork(id), status.NotAllowed)
	assert.ErrorIs(t, wq.CancelClientWorks(client), status.NotAllowed)

	assert.True(t, wq.IsIdle(), "pending work is dropped")
	_, ok := wq.NearestTimePoint()
	assert.False(t, ok)
	assert.Equal(t, int32(0), runs.Load())
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Name: ""}, nil)
	assert.Error(t, err)

	_, err = New(Config{Name: "x", LateThreshold: -time.Second}, nil)
	assert.Error(t, err)
}

package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/notify"
	"github.com/nadmax/genwatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 5 * time.Millisecond

type pollStep struct {
	resp task.StatusResponse
	err  error
}

// scriptedClient replays a per-task script of poll results; the last step
// repeats once the script is exhausted.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[string][]pollStep
	calls   map[string]int
	gate    chan struct{}
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		scripts: make(map[string][]pollStep),
		calls:   make(map[string]int),
	}
}

func (c *scriptedClient) script(id string, steps ...pollStep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[id] = steps
}

func (c *scriptedClient) TaskStatus(ctx context.Context, id string) (task.StatusResponse, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return task.StatusResponse{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	steps := c.scripts[id]
	n := c.calls[id]
	c.calls[id]++
	if len(steps) == 0 {
		return task.StatusResponse{}, errors.New("no script")
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n].resp, steps[n].err
}

func (c *scriptedClient) callCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

type countingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *countingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *countingNotifier) byLevel(level notify.Level) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []notify.Notification
	for _, msg := range n.sent {
		if msg.Level == level {
			out = append(out, msg)
		}
	}
	return out
}

func (n *countingNotifier) outcomes() int {
	return len(n.byLevel(notify.LevelSuccess)) + len(n.byLevel(notify.LevelError))
}

func setupRegistry(t *testing.T, client StatusClient) (*Registry, *countingNotifier) {
	toasts := &countingNotifier{}
	dedup := notify.NewDeduplicator(toasts, nil, logging.Discard())
	r := New(client, dedup, toasts, Options{
		PollInterval: testInterval,
		Logger:       logging.Discard(),
	})
	t.Cleanup(r.Close)
	return r, toasts
}

func ok(status task.TaskStatus, progress int) pollStep {
	return pollStep{resp: task.StatusResponse{Status: status, Progress: progress}}
}

func TestSubmit_CreatesPendingRecord(t *testing.T) {
	client := newScriptedClient()
	client.gate = make(chan struct{})
	r, toasts := setupRegistry(t, client)

	rec, err := r.Submit("t1", task.KindImage)
	require.NoError(t, err)

	assert.Equal(t, task.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.True(t, rec.IsPolling)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Polling("t1"))

	started := toasts.byLevel(notify.LevelInfo)
	require.Len(t, started, 1)
	assert.Equal(t, "t1", started[0].TaskID)
}

func TestSubmit_Validation(t *testing.T) {
	client := newScriptedClient()
	client.gate = make(chan struct{})
	r, _ := setupRegistry(t, client)

	_, err := r.Submit("", task.KindImage)
	assert.ErrorIs(t, err, ErrEmptyTaskID)

	_, err = r.Submit("t1", task.TaskKind("video"))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = r.Submit("t1", task.KindImage)
	require.NoError(t, err)
	_, err = r.Submit("t1", task.KindImage)
	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Equal(t, 1, r.Len())
}

func TestScenario_PendingThenCompleted(t *testing.T) {
	client := newScriptedClient()
	client.script("t1",
		ok(task.StatusPending, 0),
		pollStep{resp: task.StatusResponse{
			Status:   task.StatusCompleted,
			Progress: 100,
			Result:   map[string]any{"image_url": "https://cdn.example/a.png"},
		}},
	)
	r, toasts := setupRegistry(t, client)

	_, err := r.Submit("t1", task.KindImage)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, _ := r.Get("t1")
		return rec.Status == task.StatusCompleted
	}, time.Second, testInterval)

	assert.Eventually(t, func() bool { return !r.Polling("t1") }, time.Second, testInterval)
	time.Sleep(4 * testInterval)

	list := r.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].IsPolling)
	assert.Equal(t, 100, list[0].Progress)
	assert.Equal(t, "https://cdn.example/a.png", list[0].Result["image_url"])
	assert.Equal(t, 1, toasts.outcomes())
	assert.Equal(t, 2, client.callCount("t1"))
}

func TestPoll_TransportErrorKeepsPolling(t *testing.T) {
	client := newScriptedClient()
	client.script("t1",
		ok(task.StatusProcessing, 30),
		pollStep{err: errors.New("connection reset")},
		pollStep{err: errors.New("connection reset")},
		ok(task.StatusFailed, 30),
	)
	r, toasts := setupRegistry(t, client)

	_, err := r.Submit("t1", task.KindContent)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, _ := r.Get("t1")
		return rec.Status == task.StatusFailed
	}, time.Second, testInterval)

	rec, _ := r.Get("t1")
	assert.Equal(t, 30, rec.Progress)
	assert.Equal(t, "task failed", rec.ErrorMessage)
	assert.GreaterOrEqual(t, client.callCount("t1"), 4)
	assert.Eventually(t, func() bool { return toasts.outcomes() == 1 }, time.Second, testInterval)
}

func TestPoll_TransportErrorLeavesRecordUnchanged(t *testing.T) {
	client := newScriptedClient()
	client.script("t1", pollStep{err: errors.New("timeout")})
	r, _ := setupRegistry(t, client)

	_, err := r.Submit("t1", task.KindImage)
	require.NoError(t, err)
	before, _ := r.Get("t1")

	err = r.Poll(context.Background(), "t1")
	assert.Error(t, err)

	after, _ := r.Get("t1")
	assert.Equal(t, before, after)
	assert.Equal(t, task.StatusPending, after.Status)
	assert.True(t, after.IsPolling)
	assert.True(t, r.Polling("t1"))
}

func TestPoll_UnknownTask(t *testing.T) {
	r, _ := setupRegistry(t, newScriptedClient())

	err := r.Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPoll_OverlappingTerminalResponsesNotifyOnce(t *testing.T) {
	client := newScriptedClient()
	client.script("t1", ok(task.StatusCompleted, 100))
	r, toasts := setupRegistry(t, client)

	_, err := r.Submit("t1", task.KindImage)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Poll(context.Background(), "t1")
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return toasts.outcomes() == 1 }, time.Second, testInterval)
	time.Sleep(4 * testInterval)
	assert.Equal(t, 1, toasts.outcomes())

	rec, _ := r.Get("t1")
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.False(t, rec.IsPolling)
}

func TestPoll_PendingDirectlyToCompleted(t *testing.T) {
	client := newScriptedClient()
	client.script("t1", ok(task.StatusCompleted, 100))
	r, toasts := setupRegistry(t, client)

	_, err := r.Submit("t1", task.KindSchedule)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, _ := r.Get("t1")
		return rec.Status == task.StatusCompleted && !rec.IsPolling
	}, time.Second, testInterval)
	assert.Eventually(t, func() bool { return toasts.outcomes() == 1 }, time.Second, testInterval)
}

func TestRemove_StopsPolling(t *testing.T) {
	client := newScriptedClient()
	client.script("t1", ok(task.StatusProcessing, 10))
	r, _ := setupRegistry(t, client)

	_, err := r.Submit("t1", task.KindContent)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return client.callCount("t1") >= 2 }, time.Second, testInterval)

	assert.True(t, r.Remove("t1"))
	assert.False(t, r.Remove("t1"))

	_, exists := r.Get("t1")
	assert.False(t, exists)
	assert.False(t, r.Polling("t1"))

	time.Sleep(2 * testInterval)
	calls := client.callCount("t1")
	time.Sleep(4 * testInterval)
	assert.Equal(t, calls, client.callCount("t1"))
}

func TestClearTerminal(t *testing.T) {
	client := newScriptedClient()
	client.script("done", ok(task.StatusCompleted, 100))
	client.script("broken", pollStep{resp: task.StatusResponse{Status: task.StatusFailed, ErrorMessage: "nope"}})
	client.script("running", ok(task.StatusProcessing, 50))
	r, _ := setupRegistry(t, client)

	for id, kind := range map[string]task.TaskKind{"done": task.KindImage, "broken": task.KindContent, "running": task.KindSchedule} {
		_, err := r.Submit(id, kind)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		a, _ := r.Get("done")
		b, _ := r.Get("broken")
		c, _ := r.Get("running")
		return a.IsTerminal() && b.IsTerminal() && c.Status == task.StatusProcessing
	}, time.Second, testInterval)

	assert.Equal(t, 2, r.ClearTerminal())
	assert.Equal(t, 0, r.ClearTerminal())

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "running", list[0].ID)
	assert.True(t, r.Polling("running"))
}

func TestSubscribe_ReceivesLifecycleEvents(t *testing.T) {
	client := newScriptedClient()
	client.script("t1", ok(task.StatusProcessing, 50), ok(task.StatusCompleted, 100))
	r, _ := setupRegistry(t, client)

	var mu sync.Mutex
	var got []Event
	unsubscribe := r.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	defer unsubscribe()

	_, err := r.Submit("t1", task.KindImage)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, testInterval)
	r.Remove("t1")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, testInterval)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.Equal(t, EventAdded, got[0].Type)
	assert.Equal(t, EventUpdated, got[1].Type)
	assert.Equal(t, task.StatusProcessing, got[1].Record.Status)
	assert.Equal(t, EventUpdated, got[2].Type)
	assert.Equal(t, task.StatusCompleted, got[2].Record.Status)
	assert.False(t, got[2].Record.IsPolling)
	assert.Equal(t, EventRemoved, got[3].Type)
}

func TestList_SortedByCreation(t *testing.T) {
	client := newScriptedClient()
	client.gate = make(chan struct{})

	var clock atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	toasts := &countingNotifier{}
	r := New(client, notify.NewDeduplicator(toasts, nil, logging.Discard()), nil, Options{
		PollInterval: testInterval,
		Logger:       logging.Discard(),
		Now: func() time.Time {
			return base.Add(time.Duration(clock.Add(1)) * time.Second)
		},
	})
	defer r.Close()

	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Submit(id, task.KindContent)
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestClose_StopsAllPollers(t *testing.T) {
	client := newScriptedClient()
	client.script("a", ok(task.StatusProcessing, 10))
	client.script("b", ok(task.StatusProcessing, 20))

	toasts := &countingNotifier{}
	r := New(client, notify.NewDeduplicator(toasts, nil, logging.Discard()), toasts, Options{
		PollInterval: testInterval,
		Logger:       logging.Discard(),
	})

	_, err := r.Submit("a", task.KindImage)
	require.NoError(t, err)
	_, err = r.Submit("b", task.KindImage)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return client.callCount("a") > 0 && client.callCount("b") > 0
	}, time.Second, testInterval)

	r.Close()
	r.Close()

	assert.False(t, r.Polling("a"))
	assert.False(t, r.Polling("b"))
	for _, rec := range r.List() {
		assert.False(t, rec.IsPolling)
	}

	callsA := client.callCount("a")
	time.Sleep(4 * testInterval)
	assert.Equal(t, callsA, client.callCount("a"))

	_, err = r.Submit("c", task.KindImage)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecordsAreNeverObservedHalfUpdated(t *testing.T) {
	client := newScriptedClient()
	steps := make([]pollStep, 0, 100)
	for i := 1; i <= 99; i++ {
		steps = append(steps, ok(task.StatusProcessing, i))
	}
	steps = append(steps, ok(task.StatusCompleted, 100))
	client.script("t1", steps...)
	r, _ := setupRegistry(t, client)

	_, err := r.Submit("t1", task.KindContent)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		prev := 0
		for {
			rec, exists := r.Get("t1")
			if !exists {
				continue
			}
			if rec.Progress < prev {
				t.Errorf("progress regressed from %d to %d", prev, rec.Progress)
				return
			}
			prev = rec.Progress
			if rec.IsTerminal() {
				if rec.IsPolling || rec.DurationSeconds == nil {
					t.Errorf("terminal record observed without terminal fields: %+v", rec)
				}
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never completed")
	}
}

type removingNotifier struct {
	registry *Registry
}

func (n *removingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	if msg.Level == notify.LevelInfo {
		n.registry.Remove(msg.TaskID)
	}
	return nil
}

func TestSubmit_RemovedByStartedNoticeNeverPolls(t *testing.T) {
	client := newScriptedClient()
	client.script("t1", ok(task.StatusProcessing, 10))

	notifier := &removingNotifier{}
	r := New(client, notify.NewDeduplicator(&countingNotifier{}, nil, logging.Discard()), notifier, Options{
		PollInterval: testInterval,
		Logger:       logging.Discard(),
	})
	defer r.Close()
	notifier.registry = r

	_, err := r.Submit("t1", task.KindContent)
	require.NoError(t, err)

	time.Sleep(10 * testInterval)
	_, exists := r.Get("t1")
	assert.False(t, exists)
	assert.False(t, r.Polling("t1"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, client.callCount("t1"))
}

func TestPoll_StopsPollerForForgottenTask(t *testing.T) {
	client := newScriptedClient()
	client.script("t1", ok(task.StatusProcessing, 10))
	r, _ := setupRegistry(t, client)

	r.mu.Lock()
	r.startPollingLocked("t1")
	r.mu.Unlock()

	assert.Eventually(t, func() bool { return !r.Polling("t1") }, time.Second, testInterval)
	assert.Equal(t, 0, client.callCount("t1"))
}

func TestSubscribe_RemoveFromHandlerKeepsCommitOrder(t *testing.T) {
	client := newScriptedClient()
	steps := make([]pollStep, 0, 50)
	for i := 1; i <= 50; i++ {
		steps = append(steps, ok(task.StatusProcessing, i))
	}
	client.script("t1", steps...)
	r, _ := setupRegistry(t, client)

	var mu sync.Mutex
	var got []EventType
	unsubscribe := r.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()

		if e.Type == EventUpdated && e.Record.Progress >= 3 {
			r.Remove("t1")
		}
	})
	defer unsubscribe()

	_, err := r.Submit("t1", task.KindContent)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == EventRemoved
	}, time.Second, testInterval)

	time.Sleep(5 * testInterval)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventAdded, got[0])
	assert.Equal(t, EventRemoved, got[len(got)-1])
	removed := 0
	for _, typ := range got {
		if typ == EventRemoved {
			removed++
		}
	}
	assert.Equal(t, 1, removed)
	assert.False(t, r.Polling("t1"))
}

func TestSubscribe_ConcurrentRemoveIsLastEvent(t *testing.T) {
	for i := 0; i < 20; i++ {
		client := newScriptedClient()
		steps := make([]pollStep, 0, 100)
		for p := 1; p <= 100; p++ {
			steps = append(steps, ok(task.StatusProcessing, p))
		}
		client.script("t1", steps...)
		r, _ := setupRegistry(t, client)

		var mu sync.Mutex
		var last EventType
		unsubscribe := r.Subscribe(func(e Event) {
			mu.Lock()
			last = e.Type
			mu.Unlock()
		})

		_, err := r.Submit("t1", task.KindContent)
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return client.callCount("t1") >= 2 }, time.Second, time.Millisecond)

		require.True(t, r.Remove("t1"))
		r.Close()

		mu.Lock()
		assert.Equal(t, EventRemoved, last, "iteration %d", i)
		mu.Unlock()
		unsubscribe()
	}
}

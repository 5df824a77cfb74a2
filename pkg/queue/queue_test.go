package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/t-rhex/duckling/pkg/domain"
)

// fakeExecutor is a minimal Executor test double: it completes a task
// after an optional delay, or blocks until the context is cancelled if
// block is set.
type fakeExecutor struct {
	mu      sync.Mutex
	delay   time.Duration
	block   bool
	started chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{started: make(chan string, 64)}
}

func (f *fakeExecutor) Execute(ctx context.Context, task *domain.Task) error {
	f.started <- task.ID
	f.mu.Lock()
	delay, block := f.delay, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		task.MarkCancelled()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			task.MarkCancelled()
			return ctx.Err()
		}
	}
	task.MarkCompleted("https://github.com/acme/widget/pull/1", 1)
	return nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func newTask(id string, priority domain.TaskPriority) *domain.Task {
	return &domain.Task{
		ID:          id,
		Description: "fix the widget rendering bug in the dashboard",
		RepoURL:     "https://github.com/acme/widget",
		BaseBranch:  "main",
		Priority:    priority,
		Mode:        domain.ModeCode,
	}
}

func TestQueue_SubmitAndComplete(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Config{MaxConcurrent: 2}, testLog())
	q.Start()
	defer q.Stop()

	q.Submit(newTask("t1", domain.PriorityMedium))

	require.Eventually(t, func() bool {
		task, ok := q.Get("t1")
		return ok && task.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	task, ok := q.Get("t1")
	require.True(t, ok)
	require.Equal(t, domain.TaskCompleted, task.Status)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = 0
	// Bound concurrency to 1 so dispatch order is observable.
	q := New(exec, Config{MaxConcurrent: 1}, testLog())

	q.Submit(newTask("low", domain.PriorityLow))
	q.Submit(newTask("critical", domain.PriorityCritical))
	q.Submit(newTask("high", domain.PriorityHigh))

	q.Start()
	defer q.Stop()

	var order []string
	for i := 0; i < 3; i++ {
		select {
		case id := <-exec.started:
			order = append(order, id)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}
	require.Equal(t, []string{"critical", "high", "low"}, order)
}

func TestQueue_Cancel(t *testing.T) {
	exec := newFakeExecutor()
	exec.block = true
	q := New(exec, Config{MaxConcurrent: 1}, testLog())
	q.Start()
	defer q.Stop()

	q.Submit(newTask("t1", domain.PriorityMedium))

	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	require.True(t, q.Cancel("t1"))

	require.Eventually(t, func() bool {
		task, ok := q.Get("t1")
		return ok && task.Status == domain.TaskCancelled
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, q.Cancel("t1"), "cancelling an already-terminal task reports no change")
	require.False(t, q.Cancel("does-not-exist"))
}

func TestQueue_MaxConcurrentBound(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = 300 * time.Millisecond
	q := New(exec, Config{MaxConcurrent: 2}, testLog())
	q.Start()
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.Submit(newTask(string(rune('a'+i)), domain.PriorityMedium))
	}

	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, q.activeCount(), 2)

	require.Eventually(t, func() bool {
		tasks, total := q.List(1, 10)
		require.Equal(t, 5, total)
		for _, task := range tasks {
			if !task.Status.Terminal() {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
}

func TestQueue_ListPagination(t *testing.T) {
	exec := newFakeExecutor()
	q := New(exec, Config{MaxConcurrent: 5}, testLog())

	for i := 0; i < 3; i++ {
		task := newTask(string(rune('a'+i)), domain.PriorityMedium)
		task.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		q.tasks[task.ID] = task
	}

	page, total := q.List(1, 2)
	require.Equal(t, 3, total)
	require.Len(t, page, 2)
	require.Equal(t, "c", page[0].ID, "most recently created comes first")

	page2, _ := q.List(2, 2)
	require.Len(t, page2, 1)
	require.Equal(t, "a", page2[0].ID)
}

func TestQueue_PersistAndRestoreHistory(t *testing.T) {
	dir := t.TempDir()
	historyPath := dir + "/task-history.json"

	exec := newFakeExecutor()
	q := New(exec, Config{MaxConcurrent: 2, HistoryPath: historyPath}, testLog())
	q.Start()

	q.Submit(newTask("t1", domain.PriorityMedium))
	require.Eventually(t, func() bool {
		task, ok := q.Get("t1")
		return ok && task.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	q.Stop()

	q2 := New(exec, Config{MaxConcurrent: 2, HistoryPath: historyPath}, testLog())
	q2.Start()
	defer q2.Stop()

	task, ok := q2.Get("t1")
	require.True(t, ok)
	require.Equal(t, domain.TaskCompleted, task.Status)
}

func TestQueue_RestoreHistory_CorruptedFileIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	historyPath := dir + "/task-history.json"
	require.NoError(t, os.WriteFile(historyPath, []byte("not json"), 0o644))

	exec := newFakeExecutor()
	q := New(exec, Config{MaxConcurrent: 2, HistoryPath: historyPath}, testLog())
	q.Start()
	defer q.Stop()

	_, total := q.List(1, 10)
	require.Equal(t, 0, total)
}

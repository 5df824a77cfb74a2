// Package queue implements the Task Queue (C3): priority-ordered admission
// with bounded concurrent execution and minimal on-disk terminal-state
// persistence. Grounded on original_source/orchestrator/services/pipeline.py's
// TaskQueue (asyncio.PriorityQueue + a process loop polling capacity) and
// on cuemby-warren/pkg/scheduler/scheduler.go's ticker-driven dispatch-loop
// idiom, adapted here from a fixed-interval scheduler to a
// capacity-polling dispatch loop driven by a "work available" channel.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/t-rhex/duckling/pkg/domain"
	"github.com/t-rhex/duckling/pkg/metrics"
)

// Executor runs one task end-to-end. pipeline.Driver implements this;
// queue depends only on the interface to avoid a pipeline<->queue import
// cycle (the pipeline package never needs to know about the queue).
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) error
}

// Config configures the Task Queue.
type Config struct {
	MaxConcurrent int
	HistoryPath   string // JSON file persisting terminal task records; "" disables persistence.
}

// inflight tracks a dispatched pipeline goroutine's cancel func so Cancel
// can reach it.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Queue is the Task Queue (C3). It owns the authoritative Task records;
// the Pipeline Driver mutates them during execution but only the queue
// enqueues/cancels/lists.
type Queue struct {
	executor Executor
	cfg      Config
	log      *logrus.Entry

	mu      sync.Mutex
	tasks   map[string]*domain.Task
	active  map[string]*inflight
	h       priorityHeap
	nextSeq int64

	work chan struct{} // signalled on Submit so the dispatch loop wakes immediately

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Queue. Start must be called to begin dispatching.
func New(executor Executor, cfg Config, log *logrus.Entry) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		executor: executor,
		cfg:      cfg,
		log:      log.WithField("component", "queue"),
		tasks:    make(map[string]*domain.Task),
		active:   make(map[string]*inflight),
		h:        priorityHeap{},
		work:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start restores history (best-effort) and spawns the dispatch loop.
func (q *Queue) Start() {
	q.restoreHistory()
	q.wg.Add(1)
	go q.dispatchLoop()
	q.log.WithField("max_concurrent", q.cfg.MaxConcurrent).Info("task queue started")
}

// Stop cancels the dispatch loop and every in-flight pipeline, then writes
// the history file so tasks that reached a terminal state since the last
// reap are kept. It does not wait for in-flight pipelines to finish
// releasing their sandboxes — callers that need that should wait on the
// pipeline's own completion signal (Submit's caller can poll Get for a
// terminal status).
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	inflights := make([]*inflight, 0, len(q.active))
	for _, f := range q.active {
		inflights = append(inflights, f)
	}
	q.mu.Unlock()
	for _, f := range inflights {
		f.cancel()
	}
	q.persistHistory()
}

// Submit stores task (keyed by id) and pushes it onto the priority heap.
func (q *Queue) Submit(task *domain.Task) {
	q.mu.Lock()
	task.Status = domain.TaskPending
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	seq := q.nextSeq
	q.nextSeq++
	q.tasks[task.ID] = task
	heap.Push(&q.h, &entry{priority: task.Priority, seq: seq, id: task.ID})
	depth := len(q.h)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	q.log.WithFields(logrus.Fields{"task_id": task.ID, "priority": task.Priority}).Info("task queued")

	select {
	case q.work <- struct{}{}:
	default:
	}
}

// Cancel cancels the pipeline goroutine for id if one is running and
// eagerly marks the task cancelled. Returns false for an unknown id or an
// already-terminal task — Cancel reports whether it changed anything.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	f, running := q.active[id]
	task.MarkCancelled()
	q.mu.Unlock()

	if running {
		f.cancel()
	}
	return true
}

// Get returns a snapshot of the task record for id.
func (q *Queue) Get(id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// List returns a recent-first page of task snapshots and the total count.
func (q *Queue) List(page, perPage int) ([]domain.Task, int) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}

	q.mu.Lock()
	all := make([]domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		all = append(all, *t)
	}
	q.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	start := (page - 1) * perPage
	if start >= total {
		return []domain.Task{}, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total
}

// dispatchLoop pulls tasks off the heap and spawns a pipeline goroutine
// per task, up to MaxConcurrent concurrently.
func (q *Queue) dispatchLoop() {
	defer q.wg.Done()

	for {
		if q.ctx.Err() != nil {
			return
		}

		q.reapCompleted()

		if q.activeCount() >= q.cfg.MaxConcurrent {
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		id, ok := q.popNext()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.work:
			case <-time.After(time.Second):
			}
			continue
		}

		q.dispatch(id)
	}
}

func (q *Queue) popNext() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return "", false
	}
	e := heap.Pop(&q.h).(*entry)
	metrics.QueueDepth.Set(float64(len(q.h)))
	return e.id, true
}

func (q *Queue) activeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *Queue) reapCompleted() {
	q.mu.Lock()
	done := make([]string, 0)
	for id, f := range q.active {
		select {
		case <-f.done:
			done = append(done, id)
		default:
		}
	}
	var toPersist []*domain.Task
	for _, id := range done {
		delete(q.active, id)
		if t, ok := q.tasks[id]; ok && t.Status.Terminal() {
			toPersist = append(toPersist, t)
		}
	}
	q.mu.Unlock()

	metrics.QueueActive.Set(float64(q.activeCount()))
	for _, t := range toPersist {
		metrics.TaskDuration.WithLabelValues(string(t.Status), string(t.Mode)).Observe(t.DurationSeconds)
	}
	if len(toPersist) > 0 {
		q.persistHistory()
	}
}

// dispatch spawns the pipeline goroutine for id. A panic inside Execute
// is recovered and surfaces as a failed task — the queue never dies from
// a single pipeline's bug.
func (q *Queue) dispatch(id string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(q.ctx)
	f := &inflight{cancel: cancel, done: make(chan struct{})}
	q.active[id] = f
	q.mu.Unlock()

	metrics.QueueActive.Set(float64(q.activeCount()))
	q.log.WithField("task_id", id).Info("task dispatched")

	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				q.log.WithField("task_id", id).WithField("panic", r).Error("pipeline goroutine panicked")
				q.mu.Lock()
				if t := q.tasks[id]; t != nil && !t.Status.Terminal() {
					t.MarkFailed(fmt.Sprintf("internal error: %v", r))
				}
				q.mu.Unlock()
			}
		}()
		if err := q.executor.Execute(ctx, task); err != nil {
			q.log.WithField("task_id", id).WithError(err).Warn("pipeline execution returned an error")
		}
	}()
}

// historyRecord mirrors domain.Task's JSON shape for on-disk persistence
// with RFC 3339 timestamps (the default for time.Time's json marshaling).
type historyRecord = domain.Task

// persistHistory writes every terminal task to HistoryPath atomically
// (temp file + rename), following the teacher's fsm-snapshot-persist
// idiom of never leaving a half-written file on disk.
func (q *Queue) persistHistory() {
	if q.cfg.HistoryPath == "" {
		return
	}

	q.mu.Lock()
	records := make([]historyRecord, 0, len(q.tasks))
	for _, t := range q.tasks {
		if t.Status.Terminal() {
			records = append(records, *t)
		}
	}
	q.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		q.log.WithError(err).Warn("failed to marshal task history")
		return
	}

	dir := filepath.Dir(q.cfg.HistoryPath)
	tmp, err := os.CreateTemp(dir, ".task-history-*.json.tmp")
	if err != nil {
		q.log.WithError(err).Warn("failed to create temp history file")
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		q.log.WithError(err).Warn("failed to write task history")
		return
	}
	tmp.Close()

	if err := os.Rename(tmpPath, q.cfg.HistoryPath); err != nil {
		os.Remove(tmpPath)
		q.log.WithError(err).Warn("failed to rename task history into place")
	}
}

// restoreHistory loads terminal task records from HistoryPath, if it
// exists. A corrupted file yields empty history plus a warning — it is
// never fatal to startup. In-flight tasks are never persisted so nothing
// is resumed; this matches the explicit "no cross-restart resumption"
// simplification.
func (q *Queue) restoreHistory() {
	if q.cfg.HistoryPath == "" {
		return
	}
	data, err := os.ReadFile(q.cfg.HistoryPath)
	if err != nil {
		if !os.IsNotExist(err) {
			q.log.WithError(err).Warn("failed to read task history, starting with empty history")
		}
		return
	}

	var records []historyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		q.log.WithError(err).Warn("task history file is corrupted, starting with empty history")
		return
	}

	q.mu.Lock()
	for i := range records {
		t := records[i]
		q.tasks[t.ID] = &t
	}
	q.mu.Unlock()
	q.log.WithField("restored", len(records)).Info("restored task history")
}

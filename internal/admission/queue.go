// Package admission bounds concurrency on expensive downstream work. Tasks
// enter a priority heap and are promoted while the in-flight count stays
// under the configured maximum; each promotion runs the task's producer under
// a deadline of twice its estimated duration. Failed tasks back off outside
// the heap and re-enter it at their earliest-eligible instant, so inFlight
// counts only actively executing producers.
package admission

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// Producer is the deferred work a task carries. The context expires at the
// task deadline; producers must honor it.
type Producer func(ctx context.Context) (any, error)

// Task describes one unit of admitted work.
type Task struct {
	ID                string
	Priority          int // higher runs earlier; 0 takes the default of 5
	Originator        string
	EstimatedDuration time.Duration
	MaxRetries        int
	Produce           Producer
}

// Options configures a Queue. Zero fields take the documented defaults.
type Options struct {
	MaxConcurrent   int           // default 3
	RetryBaseDelay  time.Duration // default 1s; backoff is base·2^attempt
	DefaultEstimate time.Duration // default 30s, used when a task carries none
	Emitter         events.Emitter
	IDs             core.IDSource
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.DefaultEstimate <= 0 {
		o.DefaultEstimate = 30 * time.Second
	}
	if o.Emitter == nil {
		o.Emitter = events.Nop{}
	}
	if o.IDs == nil {
		o.IDs = core.SequenceSource("task")
	}
	return o
}

// Ticket is the future returned by Enqueue. It resolves exactly once, to the
// producer's result or the last error.
type Ticket struct {
	id   string
	q    *Queue
	done chan struct{}
	once sync.Once

	value any
	err   error
}

func (t *Ticket) resolve(value any, err error) {
	t.once.Do(func() {
		t.value = value
		t.err = err
		close(t.done)
	})
}

// ID returns the task id the ticket tracks.
func (t *Ticket) ID() string { return t.id }

// Done closes when the ticket has resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket resolves or ctx expires.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the task from the waiting set and rejects the ticket with
// context.Canceled. A task already executing is signaled only through its
// deadline; Cancel is then a no-op.
func (t *Ticket) Cancel() {
	t.q.cancel(t)
}

// Queue is the bounded-concurrency scheduler. All state is instance-owned.
type Queue struct {
	opts    Options
	emitter events.Emitter
	ids     core.IDSource

	mu        sync.Mutex
	heap      taskHeap
	backoff   map[uint64]*item
	timers    map[uint64]*time.Timer
	executing map[uint64]*item
	inFlight  int
	paused    bool
	closed    bool
	seq       uint64
	stats     tracker

	wake      chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Queue and starts its scheduler.
func New(opts Options) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		opts:      opts,
		emitter:   opts.Emitter,
		ids:       opts.IDs,
		backoff:   make(map[uint64]*item),
		timers:    make(map[uint64]*time.Timer),
		executing: make(map[uint64]*item),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.schedule()
	return q
}

// Enqueue admits a task and returns its ticket. The ticket resolves when the
// producer succeeds or the retry budget is spent.
func (q *Queue) Enqueue(task Task) (*Ticket, error) {
	if task.Produce == nil {
		return nil, core.NewError(core.ErrValidation, "task has no producer")
	}
	if task.Priority == 0 {
		task.Priority = 5
	}
	if task.ID == "" {
		task.ID = q.ids()
	}

	ticket := &Ticket{id: task.ID, q: q, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, core.NewError(core.ErrValidation, "queue is closed")
	}
	q.seq++
	now := time.Now()
	it := &item{task: task, ticket: ticket, enqueuedAt: now, eligibleAt: now, seq: q.seq}
	heap.Push(&q.heap, it)
	q.stats.total++
	q.stats.observeDepth(q.heap.Len() + len(q.backoff))
	waiting := q.heap.Len()
	q.mu.Unlock()

	q.emitter.Emit("task_enqueued", map[string]any{
		"id":       task.ID,
		"priority": task.Priority,
		"waiting":  waiting,
	})
	q.wakeUp()
	return ticket, nil
}

// SetPriorityForUser reorders every still-waiting task of the originator.
// Executing tasks are unaffected.
func (q *Queue) SetPriorityForUser(originator string, priority int) int {
	q.mu.Lock()
	changed := 0
	for _, it := range q.heap {
		if it.task.Originator == originator {
			it.task.Priority = priority
			changed++
		}
	}
	for _, it := range q.backoff {
		if it.task.Originator == originator {
			it.task.Priority = priority
			changed++
		}
	}
	if changed > 0 {
		heap.Init(&q.heap)
	}
	q.mu.Unlock()

	if changed > 0 {
		q.emitter.Emit("priority_updated", map[string]any{
			"originator": originator,
			"priority":   priority,
			"tasks":      changed,
		})
		q.wakeUp()
	}
	return changed
}

// Pause stops promoting new tasks. In-flight producers run to completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.emitter.Emit("queue_paused", nil)
}

// Resume restarts promotion.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.emitter.Emit("queue_resumed", nil)
	q.wakeUp()
}

// Status returns an immutable snapshot of load and statistics. The estimated
// wait is waiting · avgProcessing / maxConcurrent.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting := q.heap.Len() + len(q.backoff)
	estimated := time.Duration(float64(waiting) * q.stats.avgProcessingMs / float64(q.opts.MaxConcurrent) * float64(time.Millisecond))
	return Status{
		Waiting:         waiting,
		InFlight:        q.inFlight,
		Paused:          q.paused,
		EstimatedWait:   estimated,
		Total:           q.stats.total,
		Completed:       q.stats.completed,
		Failed:          q.stats.failed,
		PeakDepth:       q.stats.peakDepth,
		AvgWaitMs:       q.stats.avgWaitMs,
		AvgProcessingMs: q.stats.avgProcessingMs,
	}
}

// Details returns a snapshot of every waiting, backing-off and executing
// task.
func (q *Queue) Details() []TaskDetail {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	out := make([]TaskDetail, 0, q.heap.Len()+len(q.backoff)+len(q.executing))
	for _, it := range q.heap {
		out = append(out, detail(it, now, "waiting"))
	}
	for _, it := range q.backoff {
		out = append(out, detail(it, now, "backoff"))
	}
	for _, it := range q.executing {
		out = append(out, detail(it, now, "executing"))
	}
	return out
}

func detail(it *item, now time.Time, state string) TaskDetail {
	return TaskDetail{
		ID:         it.task.ID,
		Originator: it.task.Originator,
		Priority:   it.task.Priority,
		Age:        now.Sub(it.enqueuedAt),
		Retries:    it.retries,
		State:      state,
	}
}

// Close stops the scheduler and rejects every task that has not started
// executing. In-flight producers resolve their own tickets.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		rejected := make([]*Ticket, 0, q.heap.Len()+len(q.backoff))
		for _, it := range q.heap {
			rejected = append(rejected, it.ticket)
		}
		q.heap = nil
		for seq, t := range q.timers {
			t.Stop()
			delete(q.timers, seq)
		}
		for seq, it := range q.backoff {
			rejected = append(rejected, it.ticket)
			delete(q.backoff, seq)
		}
		q.mu.Unlock()

		close(q.stopCh)
		<-q.done
		for _, t := range rejected {
			t.resolve(nil, core.NewError(core.ErrValidation, "queue is closed"))
		}
	})
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// schedule promotes eligible tasks while capacity allows. Only items in the
// heap are promotable; backing-off items re-enter through their timers.
func (q *Queue) schedule() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		now := time.Now()
		for !q.paused && q.inFlight < q.opts.MaxConcurrent && q.heap.Len() > 0 {
			it := heap.Pop(&q.heap).(*item)
			q.inFlight++
			q.executing[it.seq] = it
			q.stats.recordWait(now.Sub(it.enqueuedAt))
			go q.run(it)
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stopCh:
			return
		}
	}
}

// run executes one promoted task under its deadline of twice the estimated
// duration.
func (q *Queue) run(it *item) {
	estimate := it.task.EstimatedDuration
	if estimate <= 0 {
		estimate = q.opts.DefaultEstimate
	}
	deadline := 2 * estimate

	q.emitter.Emit("task_started", map[string]any{
		"id":      it.task.ID,
		"retries": it.retries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	start := time.Now()
	outCh := make(chan struct {
		value any
		err   error
	}, 1)
	go func() {
		value, err := it.task.Produce(ctx)
		outCh <- struct {
			value any
			err   error
		}{value, err}
	}()

	var value any
	var err error
	select {
	case out := <-outCh:
		value, err = out.value, out.err
	case <-ctx.Done():
		err = core.Errorf(core.ErrTimeout, "task %q exceeded its deadline of %s", it.task.ID, deadline).
			With("taskId", it.task.ID)
	}
	cancel()
	elapsed := time.Since(start)

	q.mu.Lock()
	q.inFlight--
	delete(q.executing, it.seq)
	q.stats.recordProcessing(elapsed, err == nil)
	if err != nil && it.retries < it.task.MaxRetries && !q.closed {
		it.retries++
		delay := q.opts.RetryBaseDelay * time.Duration(1<<uint(it.retries))
		it.eligibleAt = time.Now().Add(delay)
		seq := it.seq
		q.backoff[seq] = it
		q.timers[seq] = time.AfterFunc(delay, func() { q.requeue(seq) })
		q.mu.Unlock()

		q.emitter.Emit("task_retry_scheduled", map[string]any{
			"id":      it.task.ID,
			"attempt": it.retries,
			"delayMs": delay.Milliseconds(),
		})
		q.wakeUp()
		return
	}
	q.mu.Unlock()

	if err != nil {
		q.emitter.Emit("task_failed", map[string]any{
			"id":      it.task.ID,
			"error":   err.Error(),
			"retries": it.retries,
		})
	} else {
		q.emitter.Emit("task_completed", map[string]any{
			"id":        it.task.ID,
			"elapsedMs": elapsed.Milliseconds(),
		})
	}
	it.ticket.resolve(value, err)
	q.wakeUp()
}

// requeue moves a backed-off task from the timer set back into the heap.
func (q *Queue) requeue(seq uint64) {
	q.mu.Lock()
	delete(q.timers, seq)
	it, ok := q.backoff[seq]
	if !ok || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.backoff, seq)
	heap.Push(&q.heap, it)
	q.mu.Unlock()
	q.wakeUp()
}

// cancel backs Ticket.Cancel: removal is possible only while the task waits.
func (q *Queue) cancel(t *Ticket) {
	q.mu.Lock()
	var removed *item
	for _, it := range q.heap {
		if it.ticket == t {
			removed = it
			break
		}
	}
	if removed != nil {
		heap.Remove(&q.heap, removed.index)
	} else {
		for seq, it := range q.backoff {
			if it.ticket == t {
				removed = it
				delete(q.backoff, seq)
				if timer, ok := q.timers[seq]; ok {
					timer.Stop()
					delete(q.timers, seq)
				}
				break
			}
		}
	}
	q.mu.Unlock()

	if removed != nil {
		q.emitter.Emit("task_cancelled", map[string]any{"id": removed.task.ID})
		t.resolve(nil, context.Canceled)
	}
}

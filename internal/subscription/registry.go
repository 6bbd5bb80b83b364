// Package subscription routes inbound task events to per-task and global
// handlers, holding events for ids nobody has subscribed to yet.
package subscription

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ent0n29/taskpulse/internal/protocol"
)

const (
	DefaultMaxQueuedTasks   = 256
	DefaultMaxQueuedPerTask = 64
	DefaultQueueTTL         = 10 * time.Minute
)

// Handler receives one event. Handlers run on the dispatching goroutine and
// must not block. A handler must not subscribe to an id that still has
// queued events.
type Handler func(protocol.TaskStatus)

// Recorder receives registry metrics. observability.Metrics satisfies it.
type Recorder interface {
	OrphanQueued()
	OrphanDropped(reason string)
	OrphanQueues(n int)
}

type nopRecorder struct{}

func (nopRecorder) OrphanQueued()        {}
func (nopRecorder) OrphanDropped(string) {}
func (nopRecorder) OrphanQueues(int)     {}

type Config struct {
	MaxQueuedTasks   int
	MaxQueuedPerTask int
	QueueTTL         time.Duration
	Logger           *slog.Logger
	Metrics          Recorder
}

type entry struct {
	id int
	fn Handler
}

type Registry struct {
	// deliverMu serializes delivery so every handler sees events in
	// arrival order.
	deliverMu sync.Mutex

	mu       sync.Mutex
	nextID   int
	byTask   map[string][]entry
	global   []entry
	queues   *expirable.LRU[string, []protocol.TaskStatus]
	perTask  int
	closed   bool
	logger   *slog.Logger
	metrics  Recorder
	// set while the registry itself removes a queue so the eviction
	// callback does not count it as a drop
	draining atomic.Bool
}

// New builds a registry. The expirable queue LRU runs a purge goroutine that
// lives for the rest of the process, so build one registry per process.
func New(cfg Config) *Registry {
	if cfg.MaxQueuedTasks <= 0 {
		cfg.MaxQueuedTasks = DefaultMaxQueuedTasks
	}
	if cfg.MaxQueuedPerTask <= 0 {
		cfg.MaxQueuedPerTask = DefaultMaxQueuedPerTask
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = DefaultQueueTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	r := &Registry{
		byTask:  make(map[string][]entry),
		perTask: cfg.MaxQueuedPerTask,
		logger:  cfg.Logger.With("component", "subscription_registry"),
		metrics: cfg.Metrics,
	}
	r.queues = expirable.NewLRU[string, []protocol.TaskStatus](cfg.MaxQueuedTasks, func(taskID string, events []protocol.TaskStatus) {
		if r.draining.Load() {
			return
		}
		r.metrics.OrphanDropped("evicted")
		r.logger.Debug("dropped orphan queue", "task_id", taskID, "events", len(events))
	}, cfg.QueueTTL)
	return r
}

// Subscribe registers fn for taskID. Events queued for taskID before any
// handler existed are delivered to fn before Subscribe returns, in arrival
// order.
func (r *Registry) Subscribe(taskID string, fn Handler) func() {
	// Delivering a backlog needs deliverMu so that no Dispatch can reach fn
	// ahead of it. Only take it when a backlog exists.
	holding := false
	defer func() {
		if holding {
			r.deliverMu.Unlock()
		}
	}()

	var (
		id      int
		pending []protocol.TaskStatus
	)
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return func() {}
		}
		if _, queued := r.queues.Peek(taskID); queued && !holding {
			r.mu.Unlock()
			r.deliverMu.Lock()
			holding = true
			continue
		}
		id = r.nextID
		r.nextID++
		r.byTask[taskID] = append(r.byTask[taskID], entry{id: id, fn: fn})
		pending = r.takeLocked(taskID)
		r.mu.Unlock()
		break
	}

	for _, ev := range pending {
		fn(ev)
	}
	if len(pending) > 0 {
		r.metrics.OrphanQueues(r.queues.Len())
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		handlers := r.byTask[taskID]
		for i, e := range handlers {
			if e.id == id {
				handlers = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
		if len(handlers) == 0 {
			delete(r.byTask, taskID)
			return
		}
		r.byTask[taskID] = handlers
	}
}

// SubscribeGlobal registers fn for every event regardless of task id.
func (r *Registry) SubscribeGlobal(fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.global = append(r.global, entry{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.global {
			if e.id == id {
				r.global = append(r.global[:i:i], r.global[i+1:]...)
				return
			}
		}
	}
}

// Dispatch routes one event: every global handler, then the task's handlers
// or, when it has none, the task's orphan queue.
func (r *Registry) Dispatch(ev protocol.TaskStatus) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	global := append([]entry(nil), r.global...)
	handlers := append([]entry(nil), r.byTask[ev.TaskID]...)
	if len(handlers) == 0 {
		r.enqueueLocked(ev)
	}
	r.mu.Unlock()

	for _, e := range global {
		e.fn(ev)
	}
	for _, e := range handlers {
		e.fn(ev)
	}
}

func (r *Registry) enqueueLocked(ev protocol.TaskStatus) {
	queue, _ := r.queues.Peek(ev.TaskID)
	if len(queue) >= r.perTask {
		queue = queue[1:]
		r.metrics.OrphanDropped("overflow")
	}
	next := make([]protocol.TaskStatus, len(queue), len(queue)+1)
	copy(next, queue)
	next = append(next, ev)
	r.queues.Add(ev.TaskID, next)
	r.metrics.OrphanQueued()
	r.metrics.OrphanQueues(r.queues.Len())
}

// Flush delivers any queued events whose task gained handlers since they
// were queued. It runs whenever the connection comes back.
func (r *Registry) Flush() {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	type batch struct {
		handlers []entry
		events   []protocol.TaskStatus
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var batches []batch
	for _, taskID := range r.queues.Keys() {
		handlers := r.byTask[taskID]
		if len(handlers) == 0 {
			continue
		}
		batches = append(batches, batch{
			handlers: append([]entry(nil), handlers...),
			events:   r.takeLocked(taskID),
		})
	}
	r.metrics.OrphanQueues(r.queues.Len())
	r.mu.Unlock()

	for _, b := range batches {
		for _, ev := range b.events {
			for _, e := range b.handlers {
				e.fn(ev)
			}
		}
	}
}

func (r *Registry) takeLocked(taskID string) []protocol.TaskStatus {
	pending, ok := r.queues.Peek(taskID)
	if !ok {
		return nil
	}
	r.draining.Store(true)
	r.queues.Remove(taskID)
	r.draining.Store(false)
	return pending
}

// Queued reports the events held for taskID.
func (r *Registry) Queued(taskID string) []protocol.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, _ := r.queues.Peek(taskID)
	return append([]protocol.TaskStatus(nil), q...)
}

// HandlerCount reports the handlers registered for taskID.
func (r *Registry) HandlerCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTask[taskID])
}

// Close drops every handler and queued event. Later calls to Dispatch and
// Subscribe are no-ops. The LRU's purge goroutine is not stopped; it only
// ever sees an empty cache after Close.
func (r *Registry) Close() {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.byTask = make(map[string][]entry)
	r.global = nil
	r.draining.Store(true)
	r.queues.Purge()
	r.draining.Store(false)
}

package tasks

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/taskpulse/internal/clock"
	"github.com/ent0n29/taskpulse/internal/protocol"
)

var ErrStoreClosed = errors.New("task store closed")

const defaultAutoDismiss = 10 * time.Second

// Recorder receives store metrics. observability.Metrics satisfies it.
type Recorder interface {
	TaskTransition(outcome string)
	TaskEvicted(partition string)
	PartitionSize(partition string, n int)
	NotificationsVisible(n int)
}

type nopRecorder struct{}

func (nopRecorder) TaskTransition(string)     {}
func (nopRecorder) TaskEvicted(string)        {}
func (nopRecorder) PartitionSize(string, int) {}
func (nopRecorder) NotificationsVisible(int)  {}

type StoreConfig struct {
	Capacities  Capacities
	AutoDismiss time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     Recorder
}

type dismissTimer struct {
	seq   uint64
	timer clock.Timer
}

// Store owns the partitions, the visibility set and the dismiss timers. All
// mutations run on a single goroutine; readers load the latest immutable
// Snapshot without blocking it.
type Store struct {
	caps        Capacities
	autoDismiss time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     Recorder

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	snap atomic.Pointer[Snapshot]

	// owned by the loop goroutine
	timers map[string]dismissTimer
	seq    uint64

	watchMu   sync.Mutex
	watchers  map[int]chan *Snapshot
	nextWatch int
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Capacities == (Capacities{}) {
		cfg.Capacities = DefaultCapacities()
	}
	if cfg.AutoDismiss <= 0 {
		cfg.AutoDismiss = defaultAutoDismiss
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	s := &Store{
		caps:        cfg.Capacities,
		autoDismiss: cfg.AutoDismiss,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("component", "task_store"),
		metrics:     cfg.Metrics,
		cmds:        make(chan func()),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		timers:      make(map[string]dismissTimer),
		watchers:    make(map[int]chan *Snapshot),
	}
	s.snap.Store(emptySnapshot())
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			for id := range s.timers {
				s.cancelTimer(id)
			}
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (s *Store) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.quit:
		return ErrStoreClosed
	}
	<-done
	return nil
}

// Close cancels every pending dismiss timer, stops the loop and closes all
// watch channels. It is safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.quit)
		<-s.stopped

		s.watchMu.Lock()
		for id, ch := range s.watchers {
			delete(s.watchers, id)
			close(ch)
		}
		s.watchMu.Unlock()
	})
	return nil
}

func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Watch delivers the current snapshot and then the latest one after each
// change. Slow readers skip intermediate versions.
func (s *Store) Watch() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)

	s.watchMu.Lock()
	select {
	case <-s.quit:
		s.watchMu.Unlock()
		ch <- s.snap.Load()
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	// Loaded after registration so a concurrent commit is never missed.
	ch <- s.snap.Load()
	s.watchMu.Unlock()

	return ch, func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if existing, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(existing)
		}
	}
}

// HandleEvent applies a live wire event.
func (s *Store) HandleEvent(p protocol.TaskStatus) (Outcome, error) {
	return s.Apply(NewRecord(p))
}

// Apply runs the transition for a live record, including visibility and
// auto-dismiss side effects.
func (s *Store) Apply(rec Record) (Outcome, error) {
	var out Outcome
	err := s.do(func() { out = s.applyLive(rec) })
	return out, err
}

// CreateImmediateTask inserts a started placeholder for a task id the caller
// learned before any event arrived. It reports false when the id is already
// known.
func (s *Store) CreateImmediateTask(id string, op OperationKind) (bool, error) {
	var created bool
	err := s.do(func() {
		if _, _, ok := s.snap.Load().Partitions.Lookup(id); ok {
			s.logger.Debug("task already known, skipping placeholder", "task_id", id)
			return
		}
		out := s.applyLive(Placeholder(id, op, s.clock.Now()))
		created = out.Applied()
	})
	return created, err
}

func (s *Store) DismissNotification(id string) error {
	return s.do(func() {
		s.cancelTimer(id)
		cur := s.snap.Load()
		if !cur.IsVisible(id) {
			return
		}
		visible := cloneSet(cur.Visible)
		delete(visible, id)
		s.commit(cur.Partitions, visible, nil)
	})
}

// ClearAllNotifications hides everything without touching the partitions.
func (s *Store) ClearAllNotifications() error {
	return s.do(func() {
		for id := range s.timers {
			s.cancelTimer(id)
		}
		s.commit(s.snap.Load().Partitions, map[string]struct{}{}, nil)
	})
}

// ClearHistory drops every record, notification and timer.
func (s *Store) ClearHistory() error {
	return s.do(func() {
		for id := range s.timers {
			s.cancelTimer(id)
		}
		empty := emptySnapshot()
		s.commit(empty.Partitions, empty.Visible, nil)
	})
}

func (s *Store) SetConnected(connected bool) error {
	return s.do(func() {
		cur := s.snap.Load()
		if cur.Connected == connected {
			return
		}
		s.commit(cur.Partitions, cur.Visible, func(next *Snapshot) {
			next.Connected = connected
		})
	})
}

// Hydrate applies historical records without raising notifications. Capacity
// eviction still applies. It returns the number of records accepted.
func (s *Store) Hydrate(records []Record) (int, error) {
	var applied int
	err := s.do(func() { applied = s.hydrate(records) })
	return applied, err
}

func (s *Store) hydrate(records []Record) int {
	cur := s.snap.Load()
	parts := cur.Partitions
	visible := cur.Visible
	cloned := false
	applied := 0
	changed := false
	for _, rec := range records {
		next, out := Apply(parts, rec, s.caps)
		s.metrics.TaskTransition(string(out.Kind))
		if !out.Applied() {
			continue
		}
		parts = next
		changed = true
		if out.Evicted != nil {
			s.evicted(*out.Evicted, out.To)
			if !cloned {
				visible = cloneSet(visible)
				cloned = true
			}
			delete(visible, out.Evicted.ID)
		}
		if !out.Placed(rec.ID) {
			continue
		}
		applied++
		// A notification already on screen keeps the timer rule of its new
		// partition: only completed tasks auto-dismiss.
		if _, shown := visible[rec.ID]; shown && out.From != out.To {
			if out.To == PartitionCompleted {
				s.scheduleDismiss(rec.ID)
			} else {
				s.cancelTimer(rec.ID)
			}
		}
	}
	if changed {
		s.commit(parts, visible, nil)
	}
	return applied
}

func (s *Store) applyLive(rec Record) Outcome {
	cur := s.snap.Load()
	parts, out := Apply(cur.Partitions, rec, s.caps)
	s.metrics.TaskTransition(string(out.Kind))
	if !out.Applied() {
		if out.Kind == OutcomeStale {
			s.logger.Debug("ignoring stale task update", "task_id", rec.ID, "status", rec.Status)
		}
		return out
	}

	visible := cloneSet(cur.Visible)
	if out.Evicted != nil {
		s.evicted(*out.Evicted, out.To)
		delete(visible, out.Evicted.ID)
	}
	if out.Placed(rec.ID) {
		visible[rec.ID] = struct{}{}
		if out.To == PartitionCompleted {
			s.scheduleDismiss(rec.ID)
		} else {
			s.cancelTimer(rec.ID)
		}
	}
	s.commit(parts, visible, nil)
	return out
}

func (s *Store) evicted(rec Record, from Partition) {
	s.cancelTimer(rec.ID)
	s.metrics.TaskEvicted(string(from))
	s.logger.Debug("evicted task", "task_id", rec.ID, "partition", from)
}

func (s *Store) scheduleDismiss(id string) {
	s.cancelTimer(id)
	s.seq++
	seq := s.seq
	t := s.clock.AfterFunc(s.autoDismiss, func() {
		_ = s.do(func() { s.fireDismiss(id, seq) })
	})
	s.timers[id] = dismissTimer{seq: seq, timer: t}
}

func (s *Store) fireDismiss(id string, seq uint64) {
	tm, ok := s.timers[id]
	if !ok || tm.seq != seq {
		return
	}
	delete(s.timers, id)
	cur := s.snap.Load()
	if !cur.IsVisible(id) {
		return
	}
	visible := cloneSet(cur.Visible)
	delete(visible, id)
	s.commit(cur.Partitions, visible, nil)
}

func (s *Store) cancelTimer(id string) {
	if tm, ok := s.timers[id]; ok {
		tm.timer.Stop()
		delete(s.timers, id)
	}
}

// PendingDismissals reports ids with a live auto-dismiss timer.
func (s *Store) PendingDismissals() []string {
	var ids []string
	_ = s.do(func() {
		for id := range s.timers {
			ids = append(ids, id)
		}
	})
	return ids
}

func (s *Store) commit(parts Partitions, visible map[string]struct{}, mutate func(*Snapshot)) {
	cur := s.snap.Load()
	next := &Snapshot{
		Version:    cur.Version + 1,
		Partitions: parts,
		Visible:    visible,
		Connected:  cur.Connected,
		History:    cur.History,
	}
	if mutate != nil {
		mutate(next)
	}
	s.snap.Store(next)

	for _, name := range AllPartitions {
		s.metrics.PartitionSize(string(name), parts.Len(name))
	}
	s.metrics.NotificationsVisible(len(visible))
	s.broadcast(next)
}

func (s *Store) broadcast(snap *Snapshot) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in)+1)
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

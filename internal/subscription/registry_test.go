package subscription

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskpulse/internal/protocol"
)

func ev(id, status string, at float64) protocol.TaskStatus {
	return protocol.TaskStatus{TaskID: id, Operation: "daily_sales", Status: status, UpdatedAt: at}
}

type collector struct {
	mu  sync.Mutex
	got []protocol.TaskStatus
}

func (c *collector) handle(e protocol.TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
}

func (c *collector) statuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, e := range c.got {
		out = append(out, e.Status)
	}
	return out
}

type countingRecorder struct {
	mu      sync.Mutex
	queued  int
	dropped map[string]int
}

func (r *countingRecorder) OrphanQueued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued++
}

func (r *countingRecorder) OrphanDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == nil {
		r.dropped = map[string]int{}
	}
	r.dropped[reason]++
}

func (r *countingRecorder) OrphanQueues(int) {}

func TestOrphanEventsDeliveredOnSubscribeInOrder(t *testing.T) {
	r := New(Config{})
	r.Dispatch(ev("x", "started", 1))
	r.Dispatch(ev("x", "processing", 2))
	r.Dispatch(ev("y", "started", 1))

	var c collector
	unsub := r.Subscribe("x", c.handle)
	defer unsub()

	assert.Equal(t, []string{"started", "processing"}, c.statuses())
	assert.Empty(t, r.Queued("x"))
	assert.Len(t, r.Queued("y"), 1)

	r.Dispatch(ev("x", "completed", 3))
	assert.Equal(t, []string{"started", "processing", "completed"}, c.statuses())
}

func TestOrphanDeliveredExactlyOnce(t *testing.T) {
	r := New(Config{})
	r.Dispatch(ev("x", "started", 1))

	var first, second collector
	r.Subscribe("x", first.handle)
	r.Subscribe("x", second.handle)

	assert.Equal(t, []string{"started"}, first.statuses())
	assert.Empty(t, second.statuses())
}

func TestGlobalHandlersSeeEverything(t *testing.T) {
	r := New(Config{})
	var global, perTask collector
	r.SubscribeGlobal(global.handle)
	r.Subscribe("a", perTask.handle)

	r.Dispatch(ev("a", "started", 1))
	r.Dispatch(ev("b", "started", 1))

	assert.Equal(t, []string{"started", "started"}, global.statuses())
	assert.Equal(t, []string{"started"}, perTask.statuses())
	// b had no per-task handler so it is still queued despite the global one
	assert.Len(t, r.Queued("b"), 1)
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	r := New(Config{})
	var a, b collector
	unsubA := r.Subscribe("x", a.handle)
	unsubB := r.Subscribe("x", b.handle)

	unsubA()
	unsubA()
	r.Dispatch(ev("x", "processing", 1))
	assert.Empty(t, a.statuses())
	assert.Equal(t, []string{"processing"}, b.statuses())
	assert.Equal(t, 1, r.HandlerCount("x"))

	unsubB()
	assert.Equal(t, 0, r.HandlerCount("x"))
	r.Dispatch(ev("x", "completed", 2))
	assert.Len(t, r.Queued("x"), 1)
}

func TestGlobalUnsubscribe(t *testing.T) {
	r := New(Config{})
	var c collector
	unsub := r.SubscribeGlobal(c.handle)
	unsub()
	r.Dispatch(ev("x", "started", 1))
	assert.Empty(t, c.statuses())
}

func TestPerTaskQueueCapDropsOldest(t *testing.T) {
	rec := &countingRecorder{}
	r := New(Config{MaxQueuedPerTask: 3, Metrics: rec})
	for i := 0; i < 5; i++ {
		r.Dispatch(ev("x", fmt.Sprintf("s%d", i), float64(i)))
	}

	queued := r.Queued("x")
	require.Len(t, queued, 3)
	assert.Equal(t, "s2", queued[0].Status)
	assert.Equal(t, 2, rec.dropped["overflow"])
	assert.Equal(t, 5, rec.queued)
}

func TestQueuedTaskCapEvictsLeastRecent(t *testing.T) {
	rec := &countingRecorder{}
	r := New(Config{MaxQueuedTasks: 2, Metrics: rec})
	r.Dispatch(ev("a", "started", 1))
	r.Dispatch(ev("b", "started", 1))
	r.Dispatch(ev("c", "started", 1))

	assert.Empty(t, r.Queued("a"))
	assert.Len(t, r.Queued("b"), 1)
	assert.Len(t, r.Queued("c"), 1)
	assert.Equal(t, 1, rec.dropped["evicted"])
}

func TestDrainIsNotCountedAsDrop(t *testing.T) {
	rec := &countingRecorder{}
	r := New(Config{Metrics: rec})
	r.Dispatch(ev("a", "started", 1))
	r.Subscribe("a", func(protocol.TaskStatus) {})
	assert.Empty(t, rec.dropped)
}

func TestQueueExpires(t *testing.T) {
	r := New(Config{QueueTTL: 20 * time.Millisecond})
	r.Dispatch(ev("a", "started", 1))
	require.Len(t, r.Queued("a"), 1)

	require.Eventually(t, func() bool { return len(r.Queued("a")) == 0 }, time.Second, 5*time.Millisecond)

	var c collector
	r.Subscribe("a", c.handle)
	assert.Empty(t, c.statuses())
}

func TestFlushIsSafeWithoutBacklog(t *testing.T) {
	r := New(Config{})
	var c collector
	r.Subscribe("a", c.handle)
	r.Dispatch(ev("b", "started", 1))
	r.Flush()
	assert.Empty(t, c.statuses())
	assert.Len(t, r.Queued("b"), 1)
}

func TestConcurrentSubscribeDuringDispatch(t *testing.T) {
	r := New(Config{MaxQueuedPerTask: 1000})
	const events = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < events; i++ {
			r.Dispatch(ev("x", fmt.Sprintf("%d", i), float64(i)))
		}
	}()

	var c collector
	time.Sleep(time.Millisecond)
	r.Subscribe("x", c.handle)
	wg.Wait()

	got := c.statuses()
	queued := r.Queued("x")
	// every event was either delivered to the handler or is still queued
	// from before it subscribed, never both and never out of order
	assert.Empty(t, queued)
	require.Len(t, got, events)
	for i, s := range got {
		assert.Equal(t, fmt.Sprintf("%d", i), s)
	}
}

func TestClose(t *testing.T) {
	r := New(Config{})
	var c collector
	r.SubscribeGlobal(c.handle)
	r.Dispatch(ev("a", "started", 1))
	r.Close()
	r.Close()

	r.Dispatch(ev("a", "processing", 2))
	assert.Equal(t, []string{"started"}, c.statuses())
	assert.Empty(t, r.Queued("a"))
	r.Subscribe("a", c.handle)
	assert.Equal(t, []string{"started"}, c.statuses())
}

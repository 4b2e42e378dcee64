package events

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xteam/backend/internal/metrics"
)

// collector records delivered events in order.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) snapshot() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFilterMatching(t *testing.T) {
	e := NewEvent(EventAgentMessage, "driver", nil)
	e.ExecutionID = "exec-1"
	e.ProjectID = "proj-1"
	e.Priority = PriorityHigh

	cases := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter matches all", nil, true},
		{"empty filter matches all", &Filter{}, true},
		{"matching type", &Filter{EventTypes: []EventType{EventAgentMessage}}, true},
		{"non-matching type", &Filter{EventTypes: []EventType{EventHeartbeat}}, false},
		{"matching project", &Filter{ProjectIDs: []string{"proj-1"}}, true},
		{"other project", &Filter{ProjectIDs: []string{"proj-2"}}, false},
		{"matching execution", &Filter{ExecutionIDs: []string{"exec-1"}}, true},
		{"min priority met", &Filter{MinPriority: PriorityHigh}, true},
		{"min priority above", &Filter{MinPriority: PriorityCritical}, false},
		{"conjunction fails on one predicate", &Filter{ProjectIDs: []string{"proj-1"}, Sources: []string{"router"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(e))
		})
	}
}

func TestUnscopedEventDoesNotMatchScopedFilter(t *testing.T) {
	e := NewEvent(EventStatusUpdate, "router", nil)
	f := &Filter{ProjectIDs: []string{"proj-1"}}
	assert.False(t, f.Matches(e))
}

func TestSubscribeReceivesExactlyOnce(t *testing.T) {
	bus := NewBus(100, 10*time.Millisecond)
	bus.Start()
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe("sub-1", &Filter{ExecutionIDs: []string{"exec-1"}}, c.handler)

	e := NewEvent(EventAgentMessage, "driver", map[string]interface{}{"text": "hello"})
	e.ExecutionID = "exec-1"
	bus.Emit(e)

	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
	assert.Equal(t, EventAgentMessage, c.snapshot()[0].Type)
}

func TestFilterIsolation(t *testing.T) {
	bus := NewBus(100, 10*time.Millisecond)
	bus.Start()
	defer bus.Stop()

	a := &collector{}
	b := &collector{}
	bus.Subscribe("a", &Filter{ProjectIDs: []string{"p1"}}, a.handler)
	bus.Subscribe("b", &Filter{ProjectIDs: []string{"p2"}}, b.handler)

	for _, pid := range []string{"p1", "p2", ""} {
		e := NewEvent(EventStatusUpdate, "router", nil)
		e.ProjectID = pid
		bus.Emit(e)
	}

	waitFor(t, func() bool { return len(a.snapshot()) == 1 && len(b.snapshot()) == 1 })
	time.Sleep(30 * time.Millisecond)

	require.Len(t, a.snapshot(), 1)
	require.Len(t, b.snapshot(), 1)
	assert.Equal(t, "p1", a.snapshot()[0].ProjectID)
	assert.Equal(t, "p2", b.snapshot()[0].ProjectID)
}

func TestBatchDeliveredPriorityDescending(t *testing.T) {
	// Large batch timeout so all three land in one batch.
	bus := NewBus(100, 200*time.Millisecond)
	bus.Start()
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe("sub", &Filter{}, c.handler)

	low := NewEvent(EventHeartbeat, "t", nil)
	low.Priority = PriorityLow
	critical := NewEvent(EventError, "t", nil)
	critical.Priority = PriorityCritical
	normal := NewEvent(EventStatusUpdate, "t", nil)
	normal.Priority = PriorityNormal

	bus.Emit(low)
	bus.Emit(critical)
	bus.Emit(normal)

	waitFor(t, func() bool { return len(c.snapshot()) == 3 })
	got := c.snapshot()
	assert.Equal(t, PriorityCritical, got[0].Priority)
	assert.Equal(t, PriorityNormal, got[1].Priority)
	assert.Equal(t, PriorityLow, got[2].Priority)
}

func TestFlushOnBufferFull(t *testing.T) {
	// Tiny buffer, huge timeout: only a full buffer can trigger the flush.
	bus := NewBus(2, time.Hour)
	bus.Start()
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe("sub", nil, c.handler)

	bus.Emit(NewEvent(EventLogEntry, "t", nil))
	bus.Emit(NewEvent(EventLogEntry, "t", nil))

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
}

func TestStopFlushesThenDrops(t *testing.T) {
	bus := NewBus(100, time.Hour)
	bus.Start()

	c := &collector{}
	bus.Subscribe("sub", nil, c.handler)

	bus.Emit(NewEvent(EventLogEntry, "t", nil))
	bus.Stop()

	// The pending event was flushed by Stop.
	require.Len(t, c.snapshot(), 1)

	// Emitting after stop is a logged no-op.
	bus.Emit(NewEvent(EventLogEntry, "t", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestBusRecordsMetrics(t *testing.T) {
	m := metrics.NewWith(prometheus.NewRegistry())
	bus := NewBus(100, 10*time.Millisecond)
	bus.SetMetrics(m)
	bus.Start()
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe("sub", nil, c.handler)

	bus.Emit(NewEvent(EventLogEntry, "t", nil))
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.EventsEmitted.WithLabelValues(string(EventLogEntry))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDelivered))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EventsDropped))
}

func TestStopSafeUnderConcurrentEmit(t *testing.T) {
	bus := NewBus(10, time.Millisecond)
	bus.Start()

	c := &collector{}
	bus.Subscribe("sub", nil, c.handler)

	// Emitters race Stop; every send must either deliver or drop,
	// never panic on a closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Emit(NewEvent(EventLogEntry, "t", nil))
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	bus.Stop()
	wg.Wait()

	// Stop is idempotent and the bus stays quiescent afterwards.
	bus.Stop()
	n := len(c.snapshot())
	bus.Emit(NewEvent(EventLogEntry, "t", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(c.snapshot()))
}

func TestUpdateFilterSwapsInPlace(t *testing.T) {
	bus := NewBus(100, 10*time.Millisecond)
	bus.Start()
	defer bus.Stop()

	c := &collector{}
	bus.Subscribe("sub", &Filter{ProjectIDs: []string{"p1"}}, c.handler)

	e := NewEvent(EventStatusUpdate, "t", nil)
	e.ProjectID = "p2"
	bus.Emit(e)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, c.snapshot())

	require.True(t, bus.UpdateFilter("sub", &Filter{ProjectIDs: []string{"p2"}}))
	bus.Emit(e)
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
}

func TestSubscriberErrorDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(100, 10*time.Millisecond)
	bus.Start()
	defer bus.Stop()

	failing := func(e *Event) error { return assert.AnError }
	c := &collector{}
	bus.Subscribe("bad", nil, failing)
	bus.Subscribe("good", nil, c.handler)

	bus.Emit(NewEvent(EventLogEntry, "t", nil))
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
}

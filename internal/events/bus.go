package events

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xteam/backend/internal/metrics"
)

// Handler receives matched events. Returning an error is logged and
// skipped; the bus never retries a delivery.
type Handler func(*Event) error

// Subscriber is a per-session consumer of events.
type Subscriber struct {
	ID             string
	Handler        Handler
	EventsReceived atomic.Int64

	mu     sync.Mutex
	filter *Filter
}

func (s *Subscriber) setFilter(f *Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *Subscriber) matches(e *Event) bool {
	s.mu.Lock()
	f := s.filter
	s.mu.Unlock()
	return f.Matches(e)
}

// Bus is the asynchronous multiplexer between emitters and
// subscribers. Emit returns immediately; a processor goroutine drains
// the queue into a buffer flushed on capacity or batch timeout, with
// priority-descending delivery inside each batch.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	stopped     bool

	// queue is never closed; Stop signals the processor through stop
	// so a concurrent Emit can never hit a closed channel.
	queue        chan *Event
	stop         chan struct{}
	bufferSize   int
	batchTimeout time.Duration
	done         chan struct{}
	metrics      *metrics.Metrics
	logger       *log.Logger
}

// NewBus creates a bus; call Start before emitting.
func NewBus(bufferSize int, batchTimeout time.Duration) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &Bus{
		subscribers:  make(map[string]*Subscriber),
		queue:        make(chan *Event, bufferSize*10),
		stop:         make(chan struct{}),
		bufferSize:   bufferSize,
		batchTimeout: batchTimeout,
		done:         make(chan struct{}),
		logger:       log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// SetMetrics attaches prometheus counters. Call before Start; nil is
// the default and disables recording.
func (b *Bus) SetMetrics(m *metrics.Metrics) { b.metrics = m }

// Start launches the processor goroutine.
func (b *Bus) Start() {
	go b.run()
}

// Stop flushes once and shuts the processor down. Events emitted
// afterwards are dropped with a warning.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
}

// Subscribe registers a subscriber under id, replacing any previous
// registration with the same id.
func (b *Bus) Subscribe(id string, filter *Filter, handler Handler) *Subscriber {
	sub := &Subscriber{ID: id, Handler: handler, filter: filter}
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber; unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// UpdateFilter swaps the filter of a live subscriber in place.
func (b *Bus) UpdateFilter(id string, filter *Filter) bool {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	b.mu.Unlock()
	if ok {
		sub.setFilter(filter)
	}
	return ok
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Emit queues an event for delivery and returns immediately.
func (b *Bus) Emit(e *Event) {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		b.logger.Printf("dropping event %s emitted after stop", e.Type)
		return
	}

	select {
	case b.queue <- e:
		if b.metrics != nil {
			b.metrics.EventsEmitted.WithLabelValues(string(e.Type)).Inc()
		}
	default:
		b.logger.Printf("event queue full, dropping event %s", e.Type)
		if b.metrics != nil {
			b.metrics.EventsDropped.Inc()
		}
	}
}

// run drains the queue into a buffer and flushes on capacity or on
// batchTimeout since the first buffered event.
func (b *Bus) run() {
	defer close(b.done)

	buffer := make([]*Event, 0, b.bufferSize)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
		if len(buffer) == 0 {
			return
		}
		batch := make([]*Event, len(buffer))
		copy(batch, buffer)
		buffer = buffer[:0]
		b.deliver(batch)
	}

	for {
		select {
		case <-b.stop:
			// Final drain: everything queued before the stop is
			// delivered in one last flush.
			for {
				select {
				case e := <-b.queue:
					buffer = append(buffer, e)
				default:
					flush()
					return
				}
			}
		case e := <-b.queue:
			buffer = append(buffer, e)
			if len(buffer) >= b.bufferSize {
				flush()
			} else if timerC == nil {
				timer = time.NewTimer(b.batchTimeout)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

// deliver sorts the batch by priority descending and hands it to every
// matching subscriber. Subscribers run concurrently; within one
// subscriber the batch is walked in order so the priority ordering
// holds per consumer.
func (b *Bus) deliver(batch []*Event) {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			for _, e := range batch {
				if !s.matches(e) {
					continue
				}
				if err := s.Handler(e); err != nil {
					b.logger.Printf("delivery to subscriber %s failed: %v", s.ID, err)
					continue
				}
				s.EventsReceived.Add(1)
				if b.metrics != nil {
					b.metrics.EventsDelivered.Inc()
				}
			}
		}(sub)
	}
	wg.Wait()
}

// =============================================================================
// Convenience emitters
// =============================================================================

// EmitLog emits a log_entry event at normal priority.
func (b *Bus) EmitLog(source, executionID, projectID, level, message string) {
	e := NewEvent(EventLogEntry, source, map[string]interface{}{
		"level":   level,
		"message": message,
	})
	e.ExecutionID = executionID
	e.ProjectID = projectID
	b.Emit(e)
}

// EmitFileChange emits a file_change event at high priority.
func (b *Bus) EmitFileChange(source, executionID, projectID, path, action string) {
	e := NewEvent(EventFileChange, source, map[string]interface{}{
		"path":   path,
		"action": action,
	})
	e.ExecutionID = executionID
	e.ProjectID = projectID
	e.Priority = PriorityHigh
	b.Emit(e)
}

// EmitProgress emits a progress_update event at high priority.
func (b *Bus) EmitProgress(source, executionID, projectID string, progress float64, stage string) {
	e := NewEvent(EventProgressUpdate, source, map[string]interface{}{
		"progress": progress,
		"stage":    stage,
	})
	e.ExecutionID = executionID
	e.ProjectID = projectID
	e.Priority = PriorityHigh
	b.Emit(e)
}

// EmitStatus emits a status_update event at normal priority.
func (b *Bus) EmitStatus(source, executionID, projectID, status string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["status"] = status
	e := NewEvent(EventStatusUpdate, source, data)
	e.ExecutionID = executionID
	e.ProjectID = projectID
	b.Emit(e)
}

// EmitError emits an error event at critical priority.
func (b *Bus) EmitError(source, executionID, projectID, message string) {
	e := NewEvent(EventError, source, map[string]interface{}{
		"message": message,
	})
	e.ExecutionID = executionID
	e.ProjectID = projectID
	e.Priority = PriorityCritical
	b.Emit(e)
}

// EmitHeartbeat emits a heartbeat event at low priority.
func (b *Bus) EmitHeartbeat(source string) {
	e := NewEvent(EventHeartbeat, source, map[string]interface{}{})
	e.Priority = PriorityLow
	b.Emit(e)
}

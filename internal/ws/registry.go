// Package ws implements the streaming session layer: the connection
// registry, the gorilla-backed session pumps, and the message router.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/xteam/backend/internal/metrics"
)

// Sender is the transport side of a registered session. Send must not
// block; it reports false when the session buffer is full or closed.
type Sender interface {
	Send(payload []byte) bool
	Close()
}

// Connection is one registered streaming session.
type Connection struct {
	ID           string
	UserID       string
	ProjectID    string
	ExecutionID  string
	Handle       Sender
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Registry tracks live sessions in three maps guarded by one mutex.
type Registry struct {
	mu        sync.Mutex
	conns     map[string]*Connection
	byUser    map[string]map[string]struct{}
	byProject map[string]map[string]struct{}

	idleTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *log.Logger
	done        chan struct{}
	once        sync.Once
}

// NewRegistry builds a registry. Metrics may be nil.
func NewRegistry(idleTimeout time.Duration, m *metrics.Metrics) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Registry{
		conns:       make(map[string]*Connection),
		byUser:      make(map[string]map[string]struct{}),
		byProject:   make(map[string]map[string]struct{}),
		idleTimeout: idleTimeout,
		metrics:     m,
		logger:      log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
		done:        make(chan struct{}),
	}
}

// Start launches the idle sweep loop.
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop halts the sweep and disconnects every session.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.done) })
	for _, id := range r.ids() {
		r.Disconnect(id)
	}
}

// Connect registers a session.
func (r *Registry) Connect(c *Connection) {
	now := time.Now().UTC()
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = now
	}
	c.LastActivity = now

	r.mu.Lock()
	r.conns[c.ID] = c
	if c.UserID != "" {
		if r.byUser[c.UserID] == nil {
			r.byUser[c.UserID] = make(map[string]struct{})
		}
		r.byUser[c.UserID][c.ID] = struct{}{}
	}
	if c.ProjectID != "" {
		if r.byProject[c.ProjectID] == nil {
			r.byProject[c.ProjectID] = make(map[string]struct{})
		}
		r.byProject[c.ProjectID][c.ID] = struct{}{}
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordConnect()
	}
	r.logger.Printf("connected %s user=%s project=%s", c.ID, c.UserID, c.ProjectID)
}

// Disconnect removes the session from all maps and closes its handle.
// Safe to call more than once for the same id.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		if set := r.byUser[c.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
		if set := r.byProject[c.ProjectID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byProject, c.ProjectID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	c.Handle.Close()
	if r.metrics != nil {
		r.metrics.RecordDisconnect()
	}
	r.logger.Printf("disconnected %s", id)
}

// Touch refreshes the session's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		c.LastActivity = time.Now().UTC()
	}
	r.mu.Unlock()
}

// Get returns the connection for an id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SendToConnection writes a JSON payload to one session.
func (r *Registry) SendToConnection(id string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Printf("marshal payload: %v", err)
		return false
	}
	return r.deliver([]string{id}, data) == 1
}

// SendToUser writes to every session of a user, minus exclusions.
// Returns the number of successful sends.
func (r *Registry) SendToUser(userID string, payload interface{}, exclude ...string) int {
	return r.sendToSet(r.snapshotSet(r.byUser, userID), payload, exclude)
}

// SendToProject writes to every session attached to a project.
func (r *Registry) SendToProject(projectID string, payload interface{}, exclude ...string) int {
	return r.sendToSet(r.snapshotSet(r.byProject, projectID), payload, exclude)
}

// Broadcast writes to every session, minus exclusions.
func (r *Registry) Broadcast(payload interface{}, exclude ...string) int {
	return r.sendToSet(r.ids(), payload, exclude)
}

func (r *Registry) sendToSet(ids []string, payload interface{}, exclude []string) int {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Printf("marshal payload: %v", err)
		return 0
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	var targets []string
	for _, id := range ids {
		if _, skip := excluded[id]; !skip {
			targets = append(targets, id)
		}
	}
	return r.deliver(targets, data)
}

// deliver writes outside the lock; a failed send disconnects the
// session immediately.
func (r *Registry) deliver(ids []string, data []byte) int {
	sent := 0
	for _, id := range ids {
		c, ok := r.Get(id)
		if !ok {
			continue
		}
		if c.Handle.Send(data) {
			sent++
			if r.metrics != nil {
				r.metrics.RecordSend("event", true)
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordSend("event", false)
		}
		r.logger.Printf("send to %s failed, disconnecting", id)
		r.Disconnect(id)
	}
	return sent
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

func (r *Registry) snapshotSet(m map[string]map[string]struct{}, key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id := range m[key] {
		out = append(out, id)
	}
	return out
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepIdle(time.Now().UTC().Add(-r.idleTimeout))
		}
	}
}

func (r *Registry) sweepIdle(cutoff time.Time) {
	r.mu.Lock()
	var stale []string
	for id, c := range r.conns {
		if c.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.logger.Printf("closing idle session %s", id)
		r.Disconnect(id)
	}
}

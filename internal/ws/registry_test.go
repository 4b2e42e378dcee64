package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (f *fakeSender) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.frames = append(f.frames, payload)
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func connect(r *Registry, id, userID, projectID string) *fakeSender {
	s := &fakeSender{}
	r.Connect(&Connection{ID: id, UserID: userID, ProjectID: projectID, Handle: s})
	return s
}

func TestRegistryConnectDisconnect(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	s := connect(r, "c1", "u1", "p1")
	assert.Equal(t, 1, r.Count())

	r.Disconnect("c1")
	assert.Equal(t, 0, r.Count())
	assert.True(t, s.closed)

	// Second disconnect is a no-op.
	r.Disconnect("c1")
	assert.Equal(t, 0, r.Count())
}

func TestRegistrySendToUserAndProject(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	s1 := connect(r, "c1", "u1", "p1")
	s2 := connect(r, "c2", "u1", "p2")
	s3 := connect(r, "c3", "u2", "p1")

	assert.Equal(t, 2, r.SendToUser("u1", map[string]string{"hello": "u1"}))
	assert.Equal(t, 1, s1.count())
	assert.Equal(t, 1, s2.count())
	assert.Equal(t, 0, s3.count())

	assert.Equal(t, 2, r.SendToProject("p1", map[string]string{"hello": "p1"}))
	assert.Equal(t, 2, s1.count())
	assert.Equal(t, 1, s3.count())

	// Exclusions skip the named connections.
	assert.Equal(t, 1, r.SendToUser("u1", "x", "c1"))
	assert.Equal(t, 2, s1.count())
	assert.Equal(t, 2, s2.count())
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	s1 := connect(r, "c1", "u1", "")
	s2 := connect(r, "c2", "u2", "")

	assert.Equal(t, 2, r.Broadcast("announce"))
	assert.Equal(t, 1, r.Broadcast("again", "c1"))
	assert.Equal(t, 1, s1.count())
	assert.Equal(t, 2, s2.count())
}

func TestRegistrySendFailureDisconnects(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	good := connect(r, "c1", "u1", "p1")
	bad := &fakeSender{full: true}
	r.Connect(&Connection{ID: "c2", UserID: "u1", ProjectID: "p1", Handle: bad})

	sent := r.SendToProject("p1", "payload")
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, good.count())

	// The failing session was evicted.
	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("c2")
	assert.False(t, ok)
	assert.True(t, bad.closed)
}

func TestRegistryIdleSweep(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	idle := connect(r, "c1", "u1", "")
	connect(r, "c2", "u2", "")

	c, ok := r.Get("c1")
	require.True(t, ok)
	c.LastActivity = time.Now().UTC().Add(-2 * time.Minute)

	// Fresh activity protects a session.
	r.Touch("c2")

	r.sweepIdle(time.Now().UTC().Add(-time.Minute))
	assert.Equal(t, 1, r.Count())
	assert.True(t, idle.closed)
	_, ok = r.Get("c2")
	assert.True(t, ok)
}

func TestRegistryStopClosesEverything(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	s1 := connect(r, "c1", "u1", "")
	s2 := connect(r, "c2", "u2", "")

	r.Stop()
	assert.Equal(t, 0, r.Count())
	assert.True(t, s1.closed)
	assert.True(t, s2.closed)
}

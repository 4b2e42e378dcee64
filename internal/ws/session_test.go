package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xteam/backend/internal/auth"
	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/events"
	"github.com/xteam/backend/internal/llm"
	"github.com/xteam/backend/internal/middleware"
	"github.com/xteam/backend/internal/queue"
	"github.com/xteam/backend/internal/store"
	"github.com/xteam/backend/internal/workflow"
	"github.com/xteam/backend/internal/workspace"
)

type gatewayFixture struct {
	server    *httptest.Server
	gateway   *Gateway
	registry  *Registry
	bus       *events.Bus
	authority *auth.Authority
	store     store.Store
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	return newGatewayFixtureRPM(t, 1000)
}

func newGatewayFixtureRPM(t *testing.T, rpm int) *gatewayFixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	issuer := auth.NewIssuer("test-secret", 30, 7)
	authority := auth.NewAuthority(issuer, auth.NewBlacklist(rdb))

	st := store.NewMemory()
	require.NoError(t, st.Projects().Create(ctx, &core.Project{
		ID: "p1", OwnerID: "u1", Name: "demo", Status: core.ProjectDraft, WorkspacePath: "/ws/p1",
	}))

	bus := events.NewBus(100, 10*time.Millisecond)
	bus.Start()
	t.Cleanup(bus.Stop)

	files, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	registry := NewRegistry(time.Minute, nil)
	t.Cleanup(registry.Stop)

	q := queue.New(rdb, 3, 300)
	driver := workflow.NewDriver(st, bus, llm.NewRegistry(), files, time.Second)
	router := NewRouter(st, q, bus, files, driver)
	gateway := NewGateway(registry, router, bus, authority, st, middleware.NewRateLimiter(rpm), nil)

	m := mux.NewRouter()
	m.HandleFunc("/ws", gateway.HandleGlobal)
	m.HandleFunc("/ws/projects/{id}", gateway.HandleProject)
	m.HandleFunc("/ws/executions/{id}", gateway.HandleExecution)

	server := httptest.NewServer(m)
	t.Cleanup(server.Close)

	return &gatewayFixture{
		server: server, gateway: gateway, registry: registry,
		bus: bus, authority: authority, store: st,
	}
}

func (f *gatewayFixture) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *gatewayFixture) token(t *testing.T, userID string) string {
	t.Helper()
	pair, err := f.authority.Issuer().IssuePair(userID)
	require.NoError(t, err)
	return pair.AccessToken
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestSessionHandshakeAck(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "/ws", f.token(t, "u1"))

	ack := readFrame(t, conn)
	assert.Equal(t, "connection_ack", ack["type"])
	payload := ack["payload"].(map[string]interface{})
	assert.NotEmpty(t, payload["connection_id"])
	assert.Equal(t, "u1", payload["user_id"])
	assert.Nil(t, payload["project_id"])
}

func TestSessionRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "/ws", "not-a-token")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestProjectSessionRequiresOwnership(t *testing.T) {
	f := newGatewayFixture(t)

	// Foreign project closes with policy violation.
	conn := f.dial(t, "/ws/projects/p1", f.token(t, "intruder"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	// The owner gets a scoped ack.
	owner := f.dial(t, "/ws/projects/p1", f.token(t, "u1"))
	ack := readFrame(t, owner)
	payload := ack["payload"].(map[string]interface{})
	assert.Equal(t, "p1", payload["project_id"])
}

func TestSessionCommandRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "/ws", f.token(t, "u1"))
	readFrame(t, conn) // ack

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	resp := readFrame(t, conn)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "ping", resp["message_type"])

	// Unknown commands answer with an error but keep the session open.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "bogus"}))
	resp = readFrame(t, conn)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["error"], "Unknown message type")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	resp = readFrame(t, conn)
	assert.Equal(t, true, resp["success"])
}

func TestSessionReceivesScopedEvents(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "/ws/projects/p1", f.token(t, "u1"))
	readFrame(t, conn) // ack

	// Project-scoped sessions only see their project's events.
	foreign := events.NewEvent(events.EventLogEntry, "test", map[string]interface{}{"n": 1})
	foreign.ProjectID = "p-other"
	f.bus.Emit(foreign)

	ours := events.NewEvent(events.EventLogEntry, "test", map[string]interface{}{"n": 2})
	ours.ProjectID = "p1"
	f.bus.Emit(ours)

	frame := readFrame(t, conn)
	require.Equal(t, "event", frame["type"])
	event := frame["event"].(map[string]interface{})
	assert.Equal(t, "p1", event["project_id"])
	assert.Equal(t, float64(2), event["data"].(map[string]interface{})["n"])
}

func TestStreamAdmissionRateLimitedPerUser(t *testing.T) {
	f := newGatewayFixtureRPM(t, 2)
	token := f.token(t, "u1")

	// The first two handshakes for the user are admitted.
	for i := 0; i < 2; i++ {
		conn := f.dial(t, "/ws", token)
		ack := readFrame(t, conn)
		require.Equal(t, "connection_ack", ack["type"])
	}

	// The third exceeds the user's budget and closes with 1008.
	conn := f.dial(t, "/ws", token)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Contains(t, closeErr.Text, "rate limit")

	// Another user's budget is untouched.
	other := f.dial(t, "/ws", f.token(t, "u2"))
	ack := readFrame(t, other)
	assert.Equal(t, "connection_ack", ack["type"])
}

func TestSessionDisconnectCleansUp(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "/ws", f.token(t, "u1"))
	readFrame(t, conn)

	require.Eventually(t, func() bool { return f.registry.Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.bus.SubscriberCount())

	conn.Close()
	require.Eventually(t, func() bool { return f.registry.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.bus.SubscriberCount())
}

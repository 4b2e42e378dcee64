package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/xteam/backend/internal/auth"
	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/events"
	"github.com/xteam/backend/internal/metrics"
	"github.com/xteam/backend/internal/middleware"
	"github.com/xteam/backend/internal/store"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max frame
	sendBuffer = 256              // Per-session outbound channel buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the inbound frame shape.
type clientMessage struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Gateway owns session admission for the three streaming endpoints.
type Gateway struct {
	registry  *Registry
	router    *Router
	bus       *events.Bus
	authority *auth.Authority
	store     store.Store
	limiter   *middleware.RateLimiter
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func NewGateway(registry *Registry, router *Router, bus *events.Bus, authority *auth.Authority, st store.Store, limiter *middleware.RateLimiter, m *metrics.Metrics) *Gateway {
	return &Gateway{
		registry:  registry,
		router:    router,
		bus:       bus,
		authority: authority,
		store:     st,
		limiter:   limiter,
		metrics:   m,
		logger:    log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// HandleGlobal serves /ws.
func (g *Gateway) HandleGlobal(w http.ResponseWriter, r *http.Request) {
	g.accept(w, r, "", "")
}

// HandleProject serves /ws/projects/{id}.
func (g *Gateway) HandleProject(w http.ResponseWriter, r *http.Request) {
	g.accept(w, r, mux.Vars(r)["id"], "")
}

// HandleExecution serves /ws/executions/{id}.
func (g *Gateway) HandleExecution(w http.ResponseWriter, r *http.Request) {
	g.accept(w, r, "", mux.Vars(r)["id"])
}

// accept upgrades the socket, authenticates the handshake token, and
// registers the session. Auth and scoping failures close with 1008
// after the upgrade so the client sees the reason.
func (g *Gateway) accept(w http.ResponseWriter, r *http.Request, projectID, executionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("upgrade failed: %v", err)
		return
	}

	claims, err := g.authority.VerifyAccess(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		closeWithPolicyViolation(conn, "authentication failed")
		return
	}
	userID := claims.Subject

	// Admission is rate-limited per authenticated user, not per source
	// address; one user cannot burn the budget of everyone behind a NAT.
	if g.limiter != nil {
		if ok, _ := g.limiter.Allow(userID); !ok {
			if g.metrics != nil {
				g.metrics.RateLimited.Inc()
			}
			closeWithPolicyViolation(conn, "rate limit exceeded")
			return
		}
	}

	if projectID != "" {
		p, err := g.store.Projects().Get(r.Context(), projectID)
		if err != nil || p.OwnerID != userID {
			closeWithPolicyViolation(conn, "project not found")
			return
		}
	}
	if executionID != "" {
		e, err := g.store.Executions().Get(r.Context(), executionID)
		if err != nil || e.UserID != userID {
			closeWithPolicyViolation(conn, "execution not found")
			return
		}
		projectID = e.ProjectID
	}

	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		ProjectID:   projectID,
		ExecutionID: executionID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		gw:          g,
	}

	g.registry.Connect(&Connection{
		ID:          s.ID,
		UserID:      s.UserID,
		ProjectID:   s.ProjectID,
		ExecutionID: s.ExecutionID,
		Handle:      s,
	})

	// One bus subscriber per session, keyed by the connection id so
	// subscribe/unsubscribe commands can swap the filter in place.
	g.bus.Subscribe(s.ID, s.caller().BaseFilter(), s.forwardEvent)

	ack, _ := json.Marshal(map[string]interface{}{
		"type": "connection_ack",
		"payload": map[string]interface{}{
			"connection_id": s.ID,
			"user_id":       s.UserID,
			"project_id":    orNil(s.ProjectID),
			"execution_id":  orNil(s.ExecutionID),
			"timestamp":     time.Now().UTC(),
		},
	})
	s.Send(ack)

	// writePump owns all writes to conn; readPump owns all reads.
	go s.writePump()
	go s.readPump()
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	conn.Close()
}

func orNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Session is one live websocket connection.
type Session struct {
	ID          string
	UserID      string
	ProjectID   string
	ExecutionID string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	gw   *Gateway
}

func (s *Session) caller() Caller {
	return Caller{
		ConnectionID: s.ID,
		UserID:       s.UserID,
		ProjectID:    s.ProjectID,
		ExecutionID:  s.ExecutionID,
	}
}

// Send queues a frame for the write pump. Never blocks; reports false
// when the session is closed or its buffer is full.
func (s *Session) Send(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Close shuts the session down exactly once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.gw.bus.Unsubscribe(s.ID)
		s.conn.Close()
	})
	// Deregistration is idempotent; this covers transport-initiated
	// closes that bypass the registry.
	s.gw.registry.Disconnect(s.ID)
}

// forwardEvent wraps a bus event in the stream frame and queues it.
func (s *Session) forwardEvent(e *events.Event) error {
	frame, err := json.Marshal(map[string]interface{}{
		"type":  "event",
		"event": e,
	})
	if err != nil {
		return err
	}
	if !s.Send(frame) {
		return core.Conflictf("session %s buffer full", s.ID)
	}
	return nil
}

// writePump serializes all writes to the connection: queued frames,
// pings, and the close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain queued frames in the same wakeup.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// readPump reads frames, routes commands, and queues responses.
func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gw.logger.Printf("session %s read error: %v", s.ID, err)
			}
			return
		}

		s.gw.registry.Touch(s.ID)

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.gw.logger.Printf("session %s sent invalid frame: %v", s.ID, err)
			continue
		}

		resp := s.gw.router.Dispatch(context.Background(), s.caller(), msg.Type, msg.Payload)
		out, err := json.Marshal(resp)
		if err != nil {
			s.gw.logger.Printf("marshal response: %v", err)
			continue
		}
		ok := s.Send(out)
		if s.gw.metrics != nil {
			s.gw.metrics.RecordSend("response", ok)
		}
	}
}

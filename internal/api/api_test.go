package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xteam/backend/internal/auth"
	"github.com/xteam/backend/internal/config"
	"github.com/xteam/backend/internal/core"
	"github.com/xteam/backend/internal/events"
	"github.com/xteam/backend/internal/llm"
	"github.com/xteam/backend/internal/queue"
	"github.com/xteam/backend/internal/store"
	"github.com/xteam/backend/internal/workflow"
	"github.com/xteam/backend/internal/workspace"
	"github.com/xteam/backend/internal/ws"
)

type apiFixture struct {
	server *httptest.Server
	store  store.Store
	queue  *queue.Queue
	redis  *miniredis.Miniredis
}

func newAPIFixture(t *testing.T, tweak func(*config.Config)) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Defaults()
	cfg.Auth.BcryptCost = 4
	cfg.RateLimit.RequestsPerMinute = 1000
	if tweak != nil {
		tweak(cfg)
	}

	issuer := auth.NewIssuer("test-secret", 30, 7)
	blacklist := auth.NewBlacklist(rdb)
	authority := auth.NewAuthority(issuer, blacklist)

	st := store.NewMemory()
	q := queue.New(rdb, 3, 300)

	bus := events.NewBus(100, 10*time.Millisecond)
	bus.Start()
	t.Cleanup(bus.Stop)

	files, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	registry := ws.NewRegistry(time.Minute, nil)
	t.Cleanup(registry.Stop)
	driver := workflow.NewDriver(st, bus, llm.NewRegistry(), files, time.Second)
	router := ws.NewRouter(st, q, bus, files, driver)
	gateway := ws.NewGateway(registry, router, bus, authority, st, nil, nil)

	s := NewServer(cfg, st, authority, blacklist, q, bus, files, gateway, nil, nil)
	server := httptest.NewServer(s.Routes())
	t.Cleanup(server.Close)

	return &apiFixture{server: server, store: st, queue: q, redis: mr}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) doList(t *testing.T, path, token string) (*http.Response, []interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded []interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) register(t *testing.T, email, username string) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": email, "username": username, "password": "secret-pass", "full_name": "Test User",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tokens := body["tokens"].(map[string]interface{})
	return tokens["access_token"].(string)
}

func TestAuthFlow(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "dev@example.com", "username": "dev", "password": "secret-pass",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := body["user"].(map[string]interface{})
	assert.Equal(t, "dev@example.com", user["email"])
	assert.NotContains(t, user, "password_hash")

	resp, body = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "dev@example.com", "password": "secret-pass",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access := body["access_token"].(string)
	refresh := body["refresh_token"].(string)

	resp, body = f.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dev", body["username"])

	// Refresh rotates the pair.
	resp, body = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access_token"])

	// Logout revokes the presented access token.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/logout", access, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.register(t, "dev@example.com", "dev")

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "dev@example.com", "username": "other", "password": "secret-pass",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "Email already registered")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "new@example.com", "username": "new", "password": "short",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.register(t, "dev@example.com", "dev")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "dev@example.com", "password": "wrong-pass",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "nobody@example.com", "password": "secret-pass",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	f := newAPIFixture(t, nil)
	first := f.register(t, "dev@example.com", "dev")

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "dev@example.com", "password": "secret-pass",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := body["access_token"].(string)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/logout_all", second, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/auth/me", first, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/auth/me", second, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProjectLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.register(t, "dev@example.com", "dev")

	resp, project := f.do(t, http.MethodPost, "/api/v1/projects", token, map[string]string{
		"name": "todo-app", "requirements": "build a todo app",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "draft", project["status"])
	assert.Equal(t, float64(0), project["progress"])
	assert.NotEmpty(t, project["workspace_path"])
	projectID := project["id"].(string)

	resp, list := f.doList(t, "/api/v1/projects", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)

	resp, got := f.do(t, http.MethodGet, "/api/v1/projects/"+projectID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "todo-app", got["name"])

	// Someone else's token cannot see the project.
	intruder := f.register(t, "other@example.com", "other")
	resp, _ = f.do(t, http.MethodGet, "/api/v1/projects/"+projectID, intruder, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteEnqueuesWorkflowJob(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.register(t, "dev@example.com", "dev")

	_, project := f.do(t, http.MethodPost, "/api/v1/projects", token, map[string]string{
		"name": "todo-app", "requirements": "build a todo app",
	})
	projectID := project["id"].(string)

	resp, body := f.do(t, http.MethodPost,
		"/api/v1/projects/"+projectID+"/execute?execution_type=full", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.NotEmpty(t, body["execution_id"])

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	// The prompt defaults to the project requirements.
	exec, err := f.store.Executions().Get(context.Background(), body["execution_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "build a todo app", exec.Prompt)
	assert.Equal(t, core.ExecutionPending, exec.Status)

	resp, execs := f.doList(t, "/api/v1/projects/"+projectID+"/executions", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, execs, 1)

	resp, _ = f.do(t, http.MethodPost,
		"/api/v1/projects/"+projectID+"/execute?execution_type=bogus", token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAgentConfigEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.register(t, "dev@example.com", "dev")

	resp, cfg := f.do(t, http.MethodPost, "/api/v1/agent-configs", token, map[string]interface{}{
		"role": "engineer", "provider": "openai", "model": "gpt-4o",
		"temperature": 0.7, "max_tokens": 4096,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "engineer", cfg["role"])
	assert.Equal(t, true, cfg["active"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/agent-configs", token, map[string]interface{}{
		"role": "engineer", "provider": "openai", "model": "gpt-4o",
		"temperature": 3.5, "max_tokens": 4096,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, list := f.doList(t, "/api/v1/agent-configs", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list, 1)
}

func TestQueueStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := f.register(t, "dev@example.com", "dev")

	resp, body := f.do(t, http.MethodGet, "/api/v1/queue/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["pending"])
	assert.Equal(t, float64(0), body["dlq"])
}

func TestProbes(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Losing redis takes the queue and blacklist probes down.
	f.redis.Close()
	resp, body := f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not ready", body["status"])
}

func TestRateLimitRejectsBursts(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerMinute = 3
	})

	var last *http.Response
	for i := 0; i < 4; i++ {
		last, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email": "nobody@example.com", "password": "whatever1",
		})
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Equal(t, "60", last.Header.Get("Retry-After"))

	// Probes bypass admission.
	resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

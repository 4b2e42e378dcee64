package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xteam/backend/internal/core"
)

// Memory is the in-process Store used by tests and by the workflow
// driver's unit tests. It enforces the same uniqueness rules as the
// postgres implementation.
type Memory struct {
	mu         sync.RWMutex
	users      map[string]*core.User
	projects   map[string]*core.Project
	executions map[string]*core.Execution
	configs    map[string]*core.AgentConfig
}

func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]*core.User),
		projects:   make(map[string]*core.Project),
		executions: make(map[string]*core.Execution),
		configs:    make(map[string]*core.AgentConfig),
	}
}

func (m *Memory) Users() Users               { return (*memUsers)(m) }
func (m *Memory) Projects() Projects         { return (*memProjects)(m) }
func (m *Memory) Executions() Executions     { return (*memExecutions)(m) }
func (m *Memory) AgentConfigs() AgentConfigs { return (*memConfigs)(m) }

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// =============================================================================
// Users
// =============================================================================

type memUsers Memory

func (m *memUsers) Create(ctx context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return core.Conflictf("email already registered")
		}
		if existing.Username == u.Username {
			return core.Conflictf("username already taken")
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, core.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, core.ErrNotFound)
}

func (m *memUsers) GetByUsername(ctx context.Context, username string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", username, core.ErrNotFound)
}

// =============================================================================
// Projects
// =============================================================================

type memProjects Memory

func (m *memProjects) Create(ctx context.Context, p *core.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.projects {
		if existing.WorkspacePath == p.WorkspacePath {
			return core.Conflictf("workspace path already in use")
		}
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *memProjects) Get(ctx context.Context, id string) (*core.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, core.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) Update(ctx context.Context, p *core.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return fmt.Errorf("project %s: %w", p.ID, core.ErrNotFound)
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *memProjects) ListByOwner(ctx context.Context, ownerID string) ([]*core.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Project
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// Executions
// =============================================================================

type memExecutions Memory

func (m *memExecutions) Create(ctx context.Context, e *core.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.executions[e.ID] = &cp
	return nil
}

func (m *memExecutions) Get(ctx context.Context, id string) (*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	cp := *e
	cp.AgentLogs = append([]core.AgentLog(nil), e.AgentLogs...)
	return &cp, nil
}

func (m *memExecutions) Update(ctx context.Context, e *core.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; !ok {
		return fmt.Errorf("execution %s: %w", e.ID, core.ErrNotFound)
	}
	cp := *e
	cp.AgentLogs = append([]core.AgentLog(nil), e.AgentLogs...)
	m.executions[e.ID] = &cp
	return nil
}

func (m *memExecutions) ListByProject(ctx context.Context, projectID string) ([]*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Execution
	for _, e := range m.executions {
		if e.ProjectID == projectID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// =============================================================================
// AgentConfigs
// =============================================================================

type memConfigs Memory

func (m *memConfigs) Create(ctx context.Context, c *core.AgentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Default {
		m.clearDefaultLocked(c.UserID, c.Role)
	}
	cp := *c
	m.configs[c.ID] = &cp
	return nil
}

func (m *memConfigs) Get(ctx context.Context, id string) (*core.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[id]
	if !ok {
		return nil, fmt.Errorf("agent config %s: %w", id, core.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memConfigs) Update(ctx context.Context, c *core.AgentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[c.ID]; !ok {
		return fmt.Errorf("agent config %s: %w", c.ID, core.ErrNotFound)
	}
	if c.Default {
		m.clearDefaultLocked(c.UserID, c.Role)
	}
	cp := *c
	m.configs[c.ID] = &cp
	return nil
}

func (m *memConfigs) GetDefault(ctx context.Context, userID string, role core.AgentRole) (*core.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.configs {
		if c.UserID == userID && c.Role == role && c.Default && c.Active {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("default config for %s/%s: %w", userID, role, core.ErrNotFound)
}

func (m *memConfigs) ListByUser(ctx context.Context, userID string) ([]*core.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.AgentConfig
	for _, c := range m.configs {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// clearDefaultLocked unsets the previous default for (user, role);
// callers hold the write lock.
func (m *memConfigs) clearDefaultLocked(userID string, role core.AgentRole) {
	for _, c := range m.configs {
		if c.UserID == userID && c.Role == role && c.Default {
			c.Default = false
		}
	}
}

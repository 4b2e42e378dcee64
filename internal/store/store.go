// Package store defines persistence for users, projects, executions,
// and agent configurations, with a postgres implementation for the
// service and an in-memory implementation for tests.
package store

import (
	"context"

	"github.com/xteam/backend/internal/core"
)

// Users persists identity records. Email and username are unique.
type Users interface {
	Create(ctx context.Context, u *core.User) error
	GetByID(ctx context.Context, id string) (*core.User, error)
	GetByEmail(ctx context.Context, email string) (*core.User, error)
	GetByUsername(ctx context.Context, username string) (*core.User, error)
}

// Projects persists project records. WorkspacePath is unique.
type Projects interface {
	Create(ctx context.Context, p *core.Project) error
	Get(ctx context.Context, id string) (*core.Project, error)
	Update(ctx context.Context, p *core.Project) error
	ListByOwner(ctx context.Context, ownerID string) ([]*core.Project, error)
}

// Executions persists pipeline runs.
type Executions interface {
	Create(ctx context.Context, e *core.Execution) error
	Get(ctx context.Context, id string) (*core.Execution, error)
	Update(ctx context.Context, e *core.Execution) error
	ListByProject(ctx context.Context, projectID string) ([]*core.Execution, error)
}

// AgentConfigs persists per-user role configurations. At most one
// default per (user, role); setting a new default clears the old one.
type AgentConfigs interface {
	Create(ctx context.Context, c *core.AgentConfig) error
	Get(ctx context.Context, id string) (*core.AgentConfig, error)
	Update(ctx context.Context, c *core.AgentConfig) error
	GetDefault(ctx context.Context, userID string, role core.AgentRole) (*core.AgentConfig, error)
	ListByUser(ctx context.Context, userID string) ([]*core.AgentConfig, error)
}

// Store bundles the four repositories behind one handle.
type Store interface {
	Users() Users
	Projects() Projects
	Executions() Executions
	AgentConfigs() AgentConfigs
	Ping(ctx context.Context) error
	Close() error
}

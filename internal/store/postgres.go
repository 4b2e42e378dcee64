package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/xteam/backend/internal/core"
)

// Postgres is the relational Store used in production.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection, and ensures the
// schema exists.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL UNIQUE,
			full_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			superuser BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			requirements TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			workspace_path TEXT NOT NULL UNIQUE,
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			agent_logs JSONB NOT NULL DEFAULT '[]',
			output JSONB,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3
		)`,
		`CREATE TABLE IF NOT EXISTS agent_configs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			temperature DOUBLE PRECISION NOT NULL,
			max_tokens INT NOT NULL,
			top_p DOUBLE PRECISION NOT NULL,
			frequency_penalty DOUBLE PRECISION NOT NULL DEFAULT 0,
			presence_penalty DOUBLE PRECISION NOT NULL DEFAULT 0,
			parameters JSONB NOT NULL DEFAULT '{}',
			system_prompt TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS agent_configs_one_default
			ON agent_configs (user_id, role) WHERE is_default`,
	}
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Users() Users               { return &pgUsers{db: p.db} }
func (p *Postgres) Projects() Projects         { return &pgProjects{db: p.db} }
func (p *Postgres) Executions() Executions     { return &pgExecutions{db: p.db} }
func (p *Postgres) AgentConfigs() AgentConfigs { return &pgConfigs{db: p.db} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// uniqueViolation translates lib/pq's unique-constraint error.
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, core.ErrStorage, err)
}

// =============================================================================
// Users
// =============================================================================

type pgUsers struct{ db *sql.DB }

func (s *pgUsers) Create(ctx context.Context, u *core.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, username, full_name, password_hash, active, superuser, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Username, u.FullName, u.PasswordHash, u.Active, u.Superuser, u.CreatedAt)
	if uniqueViolation(err) {
		return core.Conflictf("email or username already registered")
	}
	return wrapStorage("create user", err)
}

func (s *pgUsers) get(ctx context.Context, where, arg string) (*core.User, error) {
	u := &core.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, full_name, password_hash, active, superuser, created_at
		 FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &u.Username, &u.FullName, &u.PasswordHash, &u.Active, &u.Superuser, &u.CreatedAt)
	if err != nil {
		return nil, wrapStorage("get user", err)
	}
	return u, nil
}

func (s *pgUsers) GetByID(ctx context.Context, id string) (*core.User, error) {
	return s.get(ctx, "id = $1", id)
}

func (s *pgUsers) GetByEmail(ctx context.Context, email string) (*core.User, error) {
	return s.get(ctx, "email = $1", email)
}

func (s *pgUsers) GetByUsername(ctx context.Context, username string) (*core.User, error) {
	return s.get(ctx, "username = $1", username)
}

// =============================================================================
// Projects
// =============================================================================

type pgProjects struct{ db *sql.DB }

func (s *pgProjects) Create(ctx context.Context, p *core.Project) error {
	meta, err := json.Marshal(orEmptyMap(p.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, name, description, requirements, status, workspace_path, progress, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OwnerID, p.Name, p.Description, p.Requirements, p.Status, p.WorkspacePath, p.Progress, meta, p.CreatedAt, p.UpdatedAt)
	if uniqueViolation(err) {
		return core.Conflictf("workspace path already in use")
	}
	return wrapStorage("create project", err)
}

func (s *pgProjects) Get(ctx context.Context, id string) (*core.Project, error) {
	p := &core.Project{}
	var meta []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, description, requirements, status, workspace_path, progress, metadata, created_at, updated_at
		 FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Requirements, &p.Status, &p.WorkspacePath, &p.Progress, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, wrapStorage("get project", err)
	}
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *pgProjects) Update(ctx context.Context, p *core.Project) error {
	meta, err := json.Marshal(orEmptyMap(p.Metadata))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=$2, description=$3, requirements=$4, status=$5, progress=$6, metadata=$7, updated_at=$8
		 WHERE id=$1`,
		p.ID, p.Name, p.Description, p.Requirements, p.Status, p.Progress, meta, p.UpdatedAt)
	if err != nil {
		return wrapStorage("update project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", p.ID, core.ErrNotFound)
	}
	return nil
}

func (s *pgProjects) ListByOwner(ctx context.Context, ownerID string) ([]*core.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, description, requirements, status, workspace_path, progress, metadata, created_at, updated_at
		 FROM projects WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, wrapStorage("list projects", err)
	}
	defer rows.Close()

	var out []*core.Project
	for rows.Next() {
		p := &core.Project{}
		var meta []byte
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Requirements, &p.Status, &p.WorkspacePath, &p.Progress, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, wrapStorage("scan project", err)
		}
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// Executions
// =============================================================================

type pgExecutions struct{ db *sql.DB }

func (s *pgExecutions) Create(ctx context.Context, e *core.Execution) error {
	logs, output, err := marshalExecJSON(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, project_id, user_id, type, status, prompt, agent_logs, output, error_message, started_at, completed_at, duration_seconds, retry_count, max_retries)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.ProjectID, e.UserID, e.Type, e.Status, e.Prompt, logs, output, e.ErrorMessage, e.StartedAt, e.CompletedAt, e.DurationSeconds, e.RetryCount, e.MaxRetries)
	return wrapStorage("create execution", err)
}

func (s *pgExecutions) Get(ctx context.Context, id string) (*core.Execution, error) {
	e := &core.Execution{}
	var logs []byte
	var output []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, type, status, prompt, agent_logs, output, error_message, started_at, completed_at, duration_seconds, retry_count, max_retries
		 FROM executions WHERE id = $1`, id).
		Scan(&e.ID, &e.ProjectID, &e.UserID, &e.Type, &e.Status, &e.Prompt, &logs, &output, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt, &e.DurationSeconds, &e.RetryCount, &e.MaxRetries)
	if err != nil {
		return nil, wrapStorage("get execution", err)
	}
	if err := unmarshalExecJSON(e, logs, output); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *pgExecutions) Update(ctx context.Context, e *core.Execution) error {
	logs, output, err := marshalExecJSON(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status=$2, agent_logs=$3, output=$4, error_message=$5, completed_at=$6, duration_seconds=$7, retry_count=$8
		 WHERE id=$1`,
		e.ID, e.Status, logs, output, e.ErrorMessage, e.CompletedAt, e.DurationSeconds, e.RetryCount)
	if err != nil {
		return wrapStorage("update execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", e.ID, core.ErrNotFound)
	}
	return nil
}

func (s *pgExecutions) ListByProject(ctx context.Context, projectID string) ([]*core.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, type, status, prompt, agent_logs, output, error_message, started_at, completed_at, duration_seconds, retry_count, max_retries
		 FROM executions WHERE project_id = $1 ORDER BY started_at`, projectID)
	if err != nil {
		return nil, wrapStorage("list executions", err)
	}
	defer rows.Close()

	var out []*core.Execution
	for rows.Next() {
		e := &core.Execution{}
		var logs, output []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.UserID, &e.Type, &e.Status, &e.Prompt, &logs, &output, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt, &e.DurationSeconds, &e.RetryCount, &e.MaxRetries); err != nil {
			return nil, wrapStorage("scan execution", err)
		}
		if err := unmarshalExecJSON(e, logs, output); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalExecJSON(e *core.Execution) ([]byte, []byte, error) {
	logs, err := json.Marshal(e.AgentLogs)
	if err != nil {
		return nil, nil, err
	}
	var output []byte
	if e.Output != nil {
		output, err = json.Marshal(e.Output)
		if err != nil {
			return nil, nil, err
		}
	}
	return logs, output, nil
}

func unmarshalExecJSON(e *core.Execution, logs, output []byte) error {
	if err := json.Unmarshal(logs, &e.AgentLogs); err != nil {
		return err
	}
	if len(output) > 0 {
		return json.Unmarshal(output, &e.Output)
	}
	return nil
}

// =============================================================================
// AgentConfigs
// =============================================================================

type pgConfigs struct{ db *sql.DB }

const configColumns = `id, user_id, role, provider, model, temperature, max_tokens, top_p, frequency_penalty, presence_penalty, parameters, system_prompt, active, is_default, created_at, updated_at`

func (s *pgConfigs) Create(ctx context.Context, c *core.AgentConfig) error {
	params, err := json.Marshal(orEmptyMap(c.Parameters))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("create config", err)
	}
	defer tx.Rollback()

	if c.Default {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_configs SET is_default = FALSE WHERE user_id = $1 AND role = $2 AND is_default`,
			c.UserID, c.Role); err != nil {
			return wrapStorage("clear default config", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_configs (`+configColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.UserID, c.Role, c.Provider, c.Model, c.Temperature, c.MaxTokens, c.TopP,
		c.FrequencyPenalty, c.PresencePenalty, params, c.SystemPrompt, c.Active, c.Default, c.CreatedAt, c.UpdatedAt); err != nil {
		return wrapStorage("create config", err)
	}
	return wrapStorage("create config", tx.Commit())
}

func (s *pgConfigs) scanRow(row *sql.Row) (*core.AgentConfig, error) {
	c := &core.AgentConfig{}
	var params []byte
	err := row.Scan(&c.ID, &c.UserID, &c.Role, &c.Provider, &c.Model, &c.Temperature, &c.MaxTokens, &c.TopP,
		&c.FrequencyPenalty, &c.PresencePenalty, &params, &c.SystemPrompt, &c.Active, &c.Default, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, wrapStorage("get config", err)
	}
	if err := json.Unmarshal(params, &c.Parameters); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *pgConfigs) Get(ctx context.Context, id string) (*core.AgentConfig, error) {
	return s.scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM agent_configs WHERE id = $1`, id))
}

func (s *pgConfigs) Update(ctx context.Context, c *core.AgentConfig) error {
	params, err := json.Marshal(orEmptyMap(c.Parameters))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("update config", err)
	}
	defer tx.Rollback()

	if c.Default {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_configs SET is_default = FALSE WHERE user_id = $1 AND role = $2 AND is_default AND id <> $3`,
			c.UserID, c.Role, c.ID); err != nil {
			return wrapStorage("clear default config", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_configs SET provider=$2, model=$3, temperature=$4, max_tokens=$5, top_p=$6,
		 frequency_penalty=$7, presence_penalty=$8, parameters=$9, system_prompt=$10, active=$11, is_default=$12, updated_at=$13
		 WHERE id=$1`,
		c.ID, c.Provider, c.Model, c.Temperature, c.MaxTokens, c.TopP,
		c.FrequencyPenalty, c.PresencePenalty, params, c.SystemPrompt, c.Active, c.Default, c.UpdatedAt)
	if err != nil {
		return wrapStorage("update config", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent config %s: %w", c.ID, core.ErrNotFound)
	}
	return wrapStorage("update config", tx.Commit())
}

func (s *pgConfigs) GetDefault(ctx context.Context, userID string, role core.AgentRole) (*core.AgentConfig, error) {
	return s.scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM agent_configs
		 WHERE user_id = $1 AND role = $2 AND is_default AND active`, userID, role))
}

func (s *pgConfigs) ListByUser(ctx context.Context, userID string) ([]*core.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM agent_configs WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, wrapStorage("list configs", err)
	}
	defer rows.Close()

	var out []*core.AgentConfig
	for rows.Next() {
		c := &core.AgentConfig{}
		var params []byte
		if err := rows.Scan(&c.ID, &c.UserID, &c.Role, &c.Provider, &c.Model, &c.Temperature, &c.MaxTokens, &c.TopP,
			&c.FrequencyPenalty, &c.PresencePenalty, &params, &c.SystemPrompt, &c.Active, &c.Default, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, wrapStorage("scan config", err)
		}
		if err := json.Unmarshal(params, &c.Parameters); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

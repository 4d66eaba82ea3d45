package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/names"
)

const agentColumns = `id, project_id, name, program, model, task_description, inception_ts, last_active_ts`

// mintAttempts bounds how often a freshly drawn name may lose an insert race.
const mintAttempts = 5

// RegisterAgent resolves a name for the caller and upserts its profile.
// A valid hint is the name. Any other hint seeds the draw, so the same hint
// always lands on the same identity. Without a hint a random unused name is
// drawn.
func (s *Store) RegisterAgent(ctx context.Context, req core.RegisterRequest) (core.Agent, error) {
	if err := validateProfile(req); err != nil {
		return core.Agent{}, err
	}
	p, err := s.resolveProject(ctx, s.db, req.Project)
	if err != nil {
		return core.Agent{}, err
	}

	hint := strings.TrimSpace(req.NameHint)
	switch {
	case names.Valid(hint):
		return s.upsertAgent(ctx, p.ID, hint, req)
	case hint != "":
		return s.upsertAgent(ctx, p.ID, names.Seeded(hint).Next(), req)
	default:
		return s.mintAgent(ctx, p.ID, names.NewGenerator(), "", req)
	}
}

// CreateAgentIdentity always creates a new agent. The hint is used verbatim
// only when it is valid and free; otherwise it seeds draws that skip taken
// names.
func (s *Store) CreateAgentIdentity(ctx context.Context, req core.RegisterRequest) (core.Agent, error) {
	if err := validateProfile(req); err != nil {
		return core.Agent{}, err
	}
	p, err := s.resolveProject(ctx, s.db, req.Project)
	if err != nil {
		return core.Agent{}, err
	}
	hint := strings.TrimSpace(req.NameHint)
	gen := names.NewGenerator()
	if hint != "" {
		gen = names.Seeded(hint)
	}
	preferred := ""
	if names.Valid(hint) {
		preferred = hint
	}
	return s.mintAgent(ctx, p.ID, gen, preferred, req)
}

func validateProfile(req core.RegisterRequest) error {
	if strings.TrimSpace(req.Program) == "" {
		return core.Invalid("program is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return core.Invalid("model is required")
	}
	return nil
}

func (s *Store) upsertAgent(ctx context.Context, projectID int64, name string, req core.RegisterRequest) (core.Agent, error) {
	now := formatTS(s.clock())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (project_id, name, program, model, task_description, inception_ts, last_active_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, name) DO UPDATE SET
		   program = excluded.program,
		   model = excluded.model,
		   task_description = CASE WHEN excluded.task_description = '' THEN agents.task_description ELSE excluded.task_description END,
		   last_active_ts = excluded.last_active_ts`,
		projectID, name, req.Program, req.Model, req.TaskDescription, now, now)
	if err != nil {
		return core.Agent{}, core.Failed(core.KindAgentCreateFailed, fmt.Errorf("upsert agent: %w", err))
	}
	a, err := s.agentByName(ctx, s.db, projectID, name)
	if err != nil {
		return core.Agent{}, core.Failed(core.KindAgentCreateFailed, fmt.Errorf("reload agent: %w", err))
	}
	return a, nil
}

// mintAgent inserts an agent under a name nobody holds. If another writer
// takes the drawn name first, it draws again.
func (s *Store) mintAgent(ctx context.Context, projectID int64, gen *names.Generator, preferred string, req core.RegisterRequest) (core.Agent, error) {
	for attempt := 0; attempt < mintAttempts; attempt++ {
		taken, err := s.takenNames(ctx, projectID)
		if err != nil {
			return core.Agent{}, core.Failed(core.KindAgentCreateFailed, err)
		}
		name := preferred
		if name == "" || taken[name] {
			name = gen.Unused(taken)
		}
		now := formatTS(s.clock())
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (project_id, name, program, model, task_description, inception_ts, last_active_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(project_id, name) DO NOTHING`,
			projectID, name, req.Program, req.Model, req.TaskDescription, now, now)
		if err != nil {
			return core.Agent{}, core.Failed(core.KindAgentCreateFailed, fmt.Errorf("insert agent: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			a, err := s.agentByName(ctx, s.db, projectID, name)
			if err != nil {
				return core.Agent{}, core.Failed(core.KindAgentCreateFailed, fmt.Errorf("reload agent: %w", err))
			}
			return a, nil
		}
		preferred = ""
	}
	return core.Agent{}, core.Failed(core.KindAgentCreateFailed, errors.New("could not reserve an unused agent name"))
}

func (s *Store) takenNames(ctx context.Context, projectID int64) (map[string]bool, error) {
	list, err := listStrings(ctx, s.db, `SELECT name FROM agents WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agent names: %w", err)
	}
	taken := make(map[string]bool, len(list))
	for _, n := range list {
		taken[n] = true
	}
	return taken, nil
}

// GetAgent returns the named agent and records the lookup as activity.
func (s *Store) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return core.Agent{}, err
	}
	a, err := s.resolveAgent(ctx, s.db, p.ID, name)
	if err != nil {
		return core.Agent{}, err
	}
	if err := s.touchAgent(ctx, s.db, &a); err != nil {
		return core.Agent{}, err
	}
	return a, nil
}

// ListAgents returns the project's agents, most recently active first.
func (s *Store) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ?
		 ORDER BY last_active_ts DESC, id DESC`, p.ID)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query agents: %w", err))
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("scan agent: %w", err))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("rows: %w", err))
	}
	return out, nil
}

// resolveAgent finds an agent by name, case-insensitively, without touching it.
func (s *Store) resolveAgent(ctx context.Context, q queryer, projectID int64, name string) (core.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.Agent{}, core.Invalid("agent name is required")
	}
	a, err := s.agentByName(ctx, q, projectID, name)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, core.Failed(core.KindStoreFailed, fmt.Errorf("lookup agent: %w", err))
	}
	candidates, err := listStrings(ctx, q,
		`SELECT name FROM agents WHERE project_id = ? ORDER BY last_active_ts DESC, id DESC`, projectID)
	if err != nil {
		return core.Agent{}, core.Failed(core.KindStoreFailed, err)
	}
	return core.Agent{}, core.NotFound(core.KindAgentNotFound,
		fmt.Sprintf("agent %q not found", name), names.Suggest(name, candidates, suggestionLimit))
}

func (s *Store) agentByName(ctx context.Context, q queryer, projectID int64, name string) (core.Agent, error) {
	return scanAgent(q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND name = ? COLLATE NOCASE`,
		projectID, name))
}

// touchAgent refreshes last_active_ts on the acting agent.
func (s *Store) touchAgent(ctx context.Context, q queryer, a *core.Agent) error {
	now := s.clock()
	if _, err := q.ExecContext(ctx,
		`UPDATE agents SET last_active_ts = ? WHERE id = ?`, formatTS(now), a.ID); err != nil {
		return core.Failed(core.KindStoreFailed, fmt.Errorf("touch agent: %w", err))
	}
	a.LastActiveTS = now.Truncate(time.Microsecond)
	return nil
}

func scanAgent(row rowScanner) (core.Agent, error) {
	var (
		a                  core.Agent
		inception, updated string
	)
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &inception, &updated); err != nil {
		return core.Agent{}, err
	}
	a.InceptionTS = parseTS(inception)
	a.LastActiveTS = parseTS(updated)
	return a, nil
}

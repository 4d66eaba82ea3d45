package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/names"
)

const (
	suggestionLimit = 3
	wideSlugHashLen = 16
)

const projectColumns = `id, slug, human_key, created_at`

// EnsureProject returns the project for humanKey, creating it on first use.
// Concurrent first calls converge on the row that won the unique constraint.
func (s *Store) EnsureProject(ctx context.Context, humanKey string) (core.Project, error) {
	key := strings.TrimSpace(humanKey)
	if key == "" {
		return core.Project{}, core.Invalid("human_key is required")
	}
	if !filepath.IsAbs(key) {
		return core.Project{}, core.Invalid("human_key must be an absolute path, got %q", humanKey)
	}
	key = filepath.Clean(key)

	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE human_key = ?`, key))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Project{}, core.Failed(core.KindProjectCreateFailed, fmt.Errorf("lookup project: %w", err))
	}

	now := formatTS(s.clock())
	for _, hashLen := range []int{0, wideSlugHashLen} {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO projects (slug, human_key, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(human_key) DO NOTHING`,
			names.ProjectSlug(key, hashLen), key, now)
		if err == nil || !isSlugCollision(err) {
			break
		}
	}
	if err != nil {
		return core.Project{}, core.Failed(core.KindProjectCreateFailed, fmt.Errorf("insert project: %w", err))
	}

	p, err = scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE human_key = ?`, key))
	if err != nil {
		return core.Project{}, core.Failed(core.KindProjectCreateFailed, fmt.Errorf("reload project: %w", err))
	}
	return p, nil
}

func isSlugCollision(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "projects.slug")
}

// GetProject looks a project up by slug or human key.
func (s *Store) GetProject(ctx context.Context, slugOrKey string) (core.Project, error) {
	return s.resolveProject(ctx, s.db, slugOrKey)
}

func (s *Store) resolveProject(ctx context.Context, q queryer, ref string) (core.Project, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return core.Project{}, core.Invalid("project is required")
	}
	key := ref
	if filepath.IsAbs(ref) {
		key = filepath.Clean(ref)
	}
	p, err := scanProject(q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE slug = ? OR human_key = ?`, ref, key))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return core.Project{}, core.Failed(core.KindStoreFailed, fmt.Errorf("lookup project: %w", err))
	}

	candidates, err := listStrings(ctx, q, `SELECT slug FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return core.Project{}, core.Failed(core.KindStoreFailed, err)
	}
	return core.Project{}, core.NotFound(core.KindProjectNotFound,
		fmt.Sprintf("project %q not found", ref), names.Suggest(ref, candidates, suggestionLimit))
}

// ListProjects returns every project, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]core.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query projects: %w", err))
	}
	defer rows.Close()

	var out []core.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("scan project: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("rows: %w", err))
	}
	return out, nil
}

// DeleteProject removes a project and everything that belongs to it.
func (s *Store) DeleteProject(ctx context.Context, slugOrKey string) error {
	p, err := s.GetProject(ctx, slugOrKey)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM message_recipients WHERE message_id IN (SELECT id FROM messages WHERE project_id = ?)`,
			`DELETE FROM messages WHERE project_id = ?`,
			`DELETE FROM file_reservations WHERE project_id = ?`,
			`DELETE FROM agents WHERE project_id = ?`,
			`DELETE FROM projects WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, p.ID); err != nil {
				return fmt.Errorf("delete project: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return core.Failed(core.KindStoreFailed, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (core.Project, error) {
	var (
		p       core.Project
		created string
	)
	if err := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
		return core.Project{}, err
	}
	p.CreatedAt = parseTS(created)
	return p, nil
}

func listStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/glob"
	"github.com/mistakeknot/intermail/internal/metrics"
)

const reservationTables = `file_reservations r JOIN agents a ON a.id = r.agent_id JOIN projects p ON p.id = r.project_id`

const reservationColumns = `r.id, r.project_id, p.slug, r.agent_id, a.name, r.path_pattern, r.exclusive, r.reason, r.created_ts, r.expires_ts, r.released_ts`

// Reserve records one reservation per pattern. It never refuses because of
// overlap: exclusive requests get the other agents' overlapping exclusive
// holders back as conflicts.
func (s *Store) Reserve(ctx context.Context, req core.ReserveRequest) (core.ReservationResult, error) {
	patterns, err := cleanPatterns(req.Patterns, true)
	if err != nil {
		return core.ReservationResult{}, err
	}
	if err := checkComplexity(patterns); err != nil {
		return core.ReservationResult{}, err
	}
	if req.TTL < 0 {
		return core.ReservationResult{}, core.Invalid("ttl must not be negative")
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	p, err := s.resolveProject(ctx, s.db, req.Project)
	if err != nil {
		return core.ReservationResult{}, err
	}
	agent, err := s.resolveAgent(ctx, s.db, p.ID, req.Agent)
	if err != nil {
		return core.ReservationResult{}, err
	}

	// Conflicts come from a snapshot read before the insert; no hold is
	// taken across the decision.
	var conflicts []core.Conflict
	if req.Exclusive {
		conflicts, err = s.conflictsFor(ctx, p.ID, agent.ID, patterns)
		if err != nil {
			return core.ReservationResult{}, err
		}
	}

	now := s.clock()
	created, expires := formatTS(now), formatTS(now.Add(ttl))
	granted := make([]core.Reservation, 0, len(patterns))
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, pattern := range patterns {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO file_reservations (project_id, agent_id, path_pattern, exclusive, reason, created_ts, expires_ts)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				p.ID, agent.ID, pattern, boolInt(req.Exclusive), req.Reason, created, expires)
			if err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reservation id: %w", err)
			}
			granted = append(granted, core.Reservation{
				ID:          id,
				ProjectID:   p.ID,
				Project:     p.Slug,
				AgentID:     agent.ID,
				AgentName:   agent.Name,
				PathPattern: pattern,
				Exclusive:   req.Exclusive,
				Reason:      req.Reason,
				CreatedTS:   parseTS(created),
				ExpiresTS:   parseTS(expires),
			})
		}
		return s.touchAgent(ctx, tx, &agent)
	})
	if err != nil {
		return core.ReservationResult{}, core.Failed(core.KindReservationCreateFailed, err)
	}

	metrics.ReservationsGranted.WithLabelValues(strconv.FormatBool(req.Exclusive)).Add(float64(len(granted)))
	for _, c := range conflicts {
		metrics.ReservationConflicts.Add(float64(len(c.Holders)))
	}
	return core.ReservationResult{Granted: granted, Conflicts: conflicts}, nil
}

// CheckConflicts reports what an exclusive reservation of patterns would
// conflict with, without reserving anything.
func (s *Store) CheckConflicts(ctx context.Context, project, agent string, patterns []string) ([]core.Conflict, error) {
	cleaned, err := cleanPatterns(patterns, true)
	if err != nil {
		return nil, err
	}
	if err := checkComplexity(cleaned); err != nil {
		return nil, err
	}
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	a, err := s.resolveAgent(ctx, s.db, p.ID, agent)
	if err != nil {
		return nil, err
	}
	return s.conflictsFor(ctx, p.ID, a.ID, cleaned)
}

func (s *Store) conflictsFor(ctx context.Context, projectID, agentID int64, patterns []string) ([]core.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM `+reservationTables+`
		 WHERE r.project_id = ? AND r.agent_id != ? AND r.exclusive = 1
		   AND r.released_ts IS NULL AND r.expires_ts > ?
		 ORDER BY r.created_ts DESC, r.id DESC`,
		projectID, agentID, formatTS(s.clock()))
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query active reservations: %w", err))
	}
	held, err := collectReservations(rows)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, err)
	}

	var out []core.Conflict
	for _, pattern := range patterns {
		var holders []core.ConflictHolder
		for _, h := range held {
			if !glob.Overlap(pattern, h.PathPattern) {
				continue
			}
			holders = append(holders, core.ConflictHolder{
				ReservationID: h.ID,
				Agent:         h.AgentName,
				PathPattern:   h.PathPattern,
				ExpiresTS:     h.ExpiresTS,
			})
		}
		if len(holders) > 0 {
			out = append(out, core.Conflict{Path: pattern, Holders: holders})
		}
	}
	return out, nil
}

// ReleaseReservations releases the caller's active reservations, either all
// of them or those whose pattern equals one of req.Patterns exactly.
func (s *Store) ReleaseReservations(ctx context.Context, req core.ReleaseRequest) (int64, error) {
	patterns, err := cleanPatterns(req.Patterns, false)
	if err != nil {
		return 0, err
	}
	switch {
	case req.All && len(patterns) > 0:
		return 0, core.Invalid("release takes either all or patterns, not both")
	case !req.All && len(patterns) == 0:
		return 0, core.Invalid("release requires a pattern or all")
	}

	p, err := s.resolveProject(ctx, s.db, req.Project)
	if err != nil {
		return 0, err
	}
	agent, err := s.resolveAgent(ctx, s.db, p.ID, req.Agent)
	if err != nil {
		return 0, err
	}

	now := formatTS(s.clock())
	query := `UPDATE file_reservations SET released_ts = ?
		WHERE project_id = ? AND agent_id = ? AND released_ts IS NULL AND expires_ts > ?`
	args := []any{now, p.ID, agent.ID, now}
	if !req.All {
		query += ` AND path_pattern IN (` + placeholders(len(patterns)) + `)`
		for _, pat := range patterns {
			args = append(args, pat)
		}
	}

	var released int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("release reservations: %w", err)
		}
		released, _ = res.RowsAffected()
		return s.touchAgent(ctx, tx, &agent)
	})
	if err != nil {
		return 0, core.Failed(core.KindReservationReleaseFailed, err)
	}
	metrics.ReservationsReleased.WithLabelValues("explicit").Add(float64(released))
	return released, nil
}

// RenewReservations pushes out the expiry of the caller's active
// reservations by req.Extend, counted from the later of now and the current
// expiry. No patterns means every active reservation.
func (s *Store) RenewReservations(ctx context.Context, req core.RenewRequest) ([]core.Reservation, error) {
	if req.Extend < 0 {
		return nil, core.Invalid("extend must not be negative")
	}
	extend := req.Extend
	if extend == 0 {
		extend = s.defaultTTL
	}
	patterns, err := cleanPatterns(req.Patterns, false)
	if err != nil {
		return nil, err
	}
	p, err := s.resolveProject(ctx, s.db, req.Project)
	if err != nil {
		return nil, err
	}
	agent, err := s.resolveAgent(ctx, s.db, p.ID, req.Agent)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	query := `SELECT ` + reservationColumns + `
		FROM `+reservationTables+`
		WHERE r.project_id = ? AND r.agent_id = ? AND r.released_ts IS NULL AND r.expires_ts > ?`
	args := []any{p.ID, agent.ID, formatTS(now)}
	if len(patterns) > 0 {
		query += ` AND r.path_pattern IN (` + placeholders(len(patterns)) + `)`
		for _, pat := range patterns {
			args = append(args, pat)
		}
	}
	query += ` ORDER BY r.created_ts DESC, r.id DESC`

	var renewed []core.Reservation
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query reservations: %w", err)
		}
		active, err := collectReservations(rows)
		if err != nil {
			return err
		}
		for _, r := range active {
			base := r.ExpiresTS
			if base.Before(now) {
				base = now
			}
			r.ExpiresTS = parseTS(formatTS(base.Add(extend)))
			if _, err := tx.ExecContext(ctx,
				`UPDATE file_reservations SET expires_ts = ? WHERE id = ?`,
				formatTS(r.ExpiresTS), r.ID); err != nil {
				return fmt.Errorf("renew reservation: %w", err)
			}
			renewed = append(renewed, r)
		}
		return s.touchAgent(ctx, tx, &agent)
	})
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, err)
	}
	return renewed, nil
}

// ListReservations returns the project's reservations, newest first.
// activeOnly filters to unreleased rows that have not expired at call time.
func (s *Store) ListReservations(ctx context.Context, project string, activeOnly bool) ([]core.Reservation, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + reservationColumns + `
		FROM `+reservationTables+`
		WHERE r.project_id = ?`
	args := []any{p.ID}
	if activeOnly {
		query += ` AND r.released_ts IS NULL AND r.expires_ts > ?`
		args = append(args, formatTS(s.clock()))
	}
	query += ` ORDER BY r.created_ts DESC, r.id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query reservations: %w", err))
	}
	out, err := collectReservations(rows)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, err)
	}
	return out, nil
}

// cleanPatterns trims, drops blanks and de-duplicates while keeping order.
func cleanPatterns(in []string, required bool) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if required && len(out) == 0 {
		return nil, core.Invalid("at least one path pattern is required")
	}
	return out, nil
}

// checkComplexity turns glob limits and parse failures into INVALID_INPUT.
func checkComplexity(patterns []string) error {
	for _, p := range patterns {
		if err := glob.ValidateComplexity(p); err != nil {
			return core.Invalid("path pattern %q: %v", p, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// collectReservations drains and closes rows.
func collectReservations(rows *sql.Rows) ([]core.Reservation, error) {
	defer rows.Close()
	var out []core.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func scanReservation(row rowScanner) (core.Reservation, error) {
	var (
		r                core.Reservation
		exclusive        int
		created, expires string
		released         sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Project, &r.AgentID, &r.AgentName, &r.PathPattern,
		&exclusive, &r.Reason, &created, &expires, &released); err != nil {
		return core.Reservation{}, err
	}
	r.Exclusive = exclusive != 0
	r.CreatedTS = parseTS(created)
	r.ExpiresTS = parseTS(expires)
	r.ReleasedTS = parseNullTS(released)
	return r, nil
}

// expireBefore stamps released_ts = expires_ts on every reservation that
// expired before now and was never released.
func expireBefore(ctx context.Context, q queryer, now time.Time) ([]core.Reservation, error) {
	ts := formatTS(now)
	rows, err := q.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM `+reservationTables+`
		 WHERE r.released_ts IS NULL AND r.expires_ts <= ?
		 ORDER BY r.expires_ts ASC, r.id ASC`, ts)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	expired, err := collectReservations(rows)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE file_reservations SET released_ts = expires_ts
		 WHERE released_ts IS NULL AND expires_ts <= ?`, ts); err != nil {
		return nil, fmt.Errorf("stamp expired reservations: %w", err)
	}
	for i := range expired {
		at := expired[i].ExpiresTS
		expired[i].ReleasedTS = &at
	}
	return expired, nil
}

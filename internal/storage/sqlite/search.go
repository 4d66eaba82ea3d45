package sqlite

import (
	"context"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/metrics"
)

var quoteStripper = strings.NewReplacer(`"`, "", `'`, "", "`", "")

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search ranks the project's messages against query with bm25 over the
// full-text index. If the index query fails it falls back to an unranked
// substring scan, newest first. A blank query matches nothing.
func (s *Store) Search(ctx context.Context, project, query string, limit int) ([]core.Message, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	q := strings.TrimSpace(quoteStripper.Replace(query))
	if q == "" {
		return []core.Message{}, nil
	}
	limit = clampLimit(limit)

	out, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+`
		 FROM messages_fts f
		 JOIN messages m ON m.id = f.rowid
		 JOIN agents s ON s.id = m.sender_id
		 WHERE messages_fts MATCH ? AND m.project_id = ?
		 ORDER BY bm25(messages_fts), m.created_ts DESC
		 LIMIT ?`, q, p.ID, limit)
	path := "fts"
	if err != nil {
		s.log.Warn().Err(err).Str("query", q).Msg("full-text search failed, scanning instead")
		path = "fallback"
		pattern := "%" + likeEscaper.Replace(q) + "%"
		out, err = s.queryMessages(ctx,
			`SELECT `+messageColumns+`
			 FROM messages m JOIN agents s ON s.id = m.sender_id
			 WHERE m.project_id = ? AND (m.subject LIKE ? ESCAPE '\' OR m.body LIKE ? ESCAPE '\')
			 ORDER BY m.created_ts DESC, m.id DESC
			 LIMIT ?`, p.ID, pattern, pattern, limit)
		if err != nil {
			return nil, err
		}
	}
	metrics.SearchQueries.WithLabelValues(path).Inc()

	if err := s.attachRecipients(ctx, pointers(out), false); err != nil {
		return nil, err
	}
	if out == nil {
		out = []core.Message{}
	}
	return out, nil
}

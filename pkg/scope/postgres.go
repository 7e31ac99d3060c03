package scope

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/sysmuse/ipflow/pkg/models"
)

// PostgresScope resolves scopes against the patents table.
type PostgresScope struct {
	db *sqlx.DB
}

func NewPostgresScope(db *sqlx.DB) *PostgresScope {
	return &PostgresScope{db: db}
}

// Resolve returns target IDs ordered by relevance score (best first), then
// by ID for determinism. Unknown scope kinds return an empty list.
func (s *PostgresScope) Resolve(ctx context.Context, scopeType, scopeID string) ([]string, error) {
	switch scopeType {
	case SectorScope:
		ids := []string{}
		err := s.db.SelectContext(ctx, &ids, `
			SELECT id FROM patents WHERE sector = $1
			ORDER BY relevance_score DESC NULLS LAST, id`, scopeID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve sector scope %s", scopeID)
		}
		return ids, nil
	case PatentListScope:
		var ids []string
		for _, id := range strings.Split(scopeID, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return []string{}, nil
		}
		// Keep only IDs that exist, preserving the caller's order.
		existing := []string{}
		err := s.db.SelectContext(ctx, &existing, "SELECT id FROM patents WHERE id = ANY($1)", pq.StringArray(ids))
		if err != nil {
			return nil, errors.Wrap(err, "resolve patent list scope")
		}
		known := make(map[string]struct{}, len(existing))
		for _, id := range existing {
			known[id] = struct{}{}
		}
		ordered := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := known[id]; ok {
				ordered = append(ordered, id)
			}
		}
		return ordered, nil
	case AllScope:
		ids := []string{}
		err := s.db.SelectContext(ctx, &ids, "SELECT id FROM patents ORDER BY relevance_score DESC NULLS LAST, id")
		if err != nil {
			return nil, errors.Wrap(err, "resolve all scope")
		}
		return ids, nil
	default:
		return []string{}, nil
	}
}

func (s *PostgresScope) Describe(scopeType, scopeID string) string {
	if scopeType == SectorScope {
		return scopeID
	}
	return "patent portfolio"
}

// Load fetches patent records for prompt construction.
func (s *PostgresScope) Load(ctx context.Context, targetIDs []string) (map[string]map[string]interface{}, error) {
	if len(targetIDs) == 0 {
		return map[string]map[string]interface{}{}, nil
	}
	patents := []models.Patent{}
	err := s.db.SelectContext(ctx, &patents, "SELECT * FROM patents WHERE id = ANY($1)", pq.StringArray(targetIDs))
	if err != nil {
		return nil, errors.Wrap(err, "load patents")
	}
	out := make(map[string]map[string]interface{}, len(patents))
	for _, p := range patents {
		rec := map[string]interface{}{
			"title":    p.Title,
			"abstract": p.Abstract,
			"sector":   p.Sector,
		}
		if p.Assignee != "" {
			rec["assignee"] = p.Assignee
		}
		if p.RelevanceScore != nil {
			rec["relevance_score"] = *p.RelevanceScore
		}
		out[p.ID] = rec
	}
	return out, nil
}

package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	ListTools(ctx context.Context) ([]toolRow, error)
}

type toolRow struct {
	ToolName    string
	Condition   sql.NullString
	Description sql.NullString
}

// sqlToolStore reads the tool_conditions table through *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) ListTools(ctx context.Context) ([]toolRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, condition, description
		FROM tool_conditions
		ORDER BY tool_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []toolRow
	for rows.Next() {
		var r toolRow
		if err := rows.Scan(&r.ToolName, &r.Condition, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadPostgres loads the catalog once from the tool_conditions table.
// The result is immutable; restart the process to pick up changes.
func LoadPostgres(ctx context.Context, db *sql.DB) (*Catalog, error) {
	return loadFromStore(ctx, &sqlToolStore{db: db})
}

func loadFromStore(ctx context.Context, store ToolStore) (*Catalog, error) {
	rows, err := store.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadPostgres: %w", err)
	}

	tools := make([]Tool, 0, len(rows))
	for _, row := range rows {
		t := Tool{Name: row.ToolName}
		if row.Description.Valid {
			t.Description = row.Description.String
		}
		if row.Condition.Valid && row.Condition.String != "" {
			c, err := condition.Parse(row.Condition.String)
			if err != nil {
				return nil, fmt.Errorf("LoadPostgres: tool %q: %w", row.ToolName, err)
			}
			t.Condition = c
		}
		tools = append(tools, t)
	}

	c, err := New(tools)
	if err != nil {
		return nil, fmt.Errorf("LoadPostgres: %w", err)
	}
	return c, nil
}

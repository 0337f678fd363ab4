package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertTool adds a tool to the catalog.
func (db *DB) InsertTool(ctx context.Context, id, name, description string, keywords []string) error {
	var kwJSON *string
	if keywords != nil {
		data, err := json.Marshal(keywords)
		if err != nil {
			return err
		}
		s := string(data)
		kwJSON = &s
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO tools (id, name, description, keywords) VALUES (?, ?, ?, ?)`,
		id, name, description, kwJSON,
	)
	return classify(err)
}

// ListTools returns catalog tools ordered by id.
func (db *DB) ListTools(ctx context.Context, activeOnly bool) ([]Tool, error) {
	query := "SELECT id, name, description, keywords, is_active, created_at, updated_at FROM tools"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY id"

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *t)
	}
	return tools, rows.Err()
}

// ActiveToolIDs returns the ids of active tools.
func (db *DB) ActiveToolIDs(ctx context.Context) ([]string, error) {
	tools, err := db.ListTools(ctx, true)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(tools))
	for i, t := range tools {
		ids[i] = t.ID
	}
	return ids, nil
}

// GetTool returns a single tool by id, or nil if absent.
func (db *DB) GetTool(ctx context.Context, id string) (*Tool, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, description, keywords, is_active, created_at, updated_at FROM tools WHERE id = ?", id,
	)
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

// ToggleTool toggles the active state of a tool.
func (db *DB) ToggleTool(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE tools SET is_active = NOT is_active, updated_at = datetime('now') WHERE id = ?`, id,
	)
	if err != nil {
		return classify(err)
	}
	return requireRow(result, id)
}

// SetToolActive sets the active state of a tool.
func (db *DB) SetToolActive(ctx context.Context, id string, active bool) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE tools SET is_active = ?, updated_at = datetime('now') WHERE id = ?`, boolToInt(active), id,
	)
	if err != nil {
		return classify(err)
	}
	return requireRow(result, id)
}

// AddAlias records that aliasID refers to primaryID, replacing any earlier edge.
func (db *DB) AddAlias(ctx context.Context, aliasID, primaryID string) error {
	if aliasID == primaryID {
		return fmt.Errorf("%w: %s cannot alias itself", ErrInvalidAlias, aliasID)
	}
	for _, id := range []string{aliasID, primaryID} {
		t, err := db.GetTool(ctx, id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("%w: %s", ErrToolNotFound, id)
		}
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_aliases (alias_tool_id, primary_tool_id) VALUES (?, ?)`,
		aliasID, primaryID,
	)
	return classify(err)
}

// RemoveAlias deletes the alias edge starting at aliasID.
func (db *DB) RemoveAlias(ctx context.Context, aliasID string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM tool_aliases WHERE alias_tool_id = ?", aliasID)
	return classify(err)
}

// AliasEdges returns every alias edge as alias id -> primary id.
func (db *DB) AliasEdges(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT alias_tool_id, primary_tool_id FROM tool_aliases")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	edges := make(map[string]string)
	for rows.Next() {
		var alias, primary string
		if err := rows.Scan(&alias, &primary); err != nil {
			return nil, err
		}
		edges[alias] = primary
	}
	return edges, rows.Err()
}

// MergeTools folds sourceIDs into targetID: each source becomes an inactive
// alias of the target, and aliases that pointed at a source are re-pointed.
func (db *DB) MergeTools(ctx context.Context, sourceIDs []string, targetID string) error {
	target, err := db.GetTool(ctx, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrToolNotFound, targetID)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, src := range sourceIDs {
		if src == targetID {
			return fmt.Errorf("%w: cannot merge %s into itself", ErrInvalidAlias, src)
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE tools SET is_active = 0, updated_at = datetime('now') WHERE id = ?`, src,
		)
		if err != nil {
			return classify(err)
		}
		if err := requireRow(result, src); err != nil {
			return err
		}
		// A target that aliased this source would otherwise become a self-loop.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tool_aliases WHERE alias_tool_id = ? AND primary_tool_id = ?`, targetID, src,
		); err != nil {
			return classify(err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tool_aliases SET primary_tool_id = ? WHERE primary_tool_id = ?`, targetID, src,
		); err != nil {
			return classify(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO tool_aliases (alias_tool_id, primary_tool_id) VALUES (?, ?)`, src, targetID,
		); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return nil
}

func scanTool(row rowScanner) (*Tool, error) {
	var t Tool
	var kwJSON *string
	var active int
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &kwJSON, &active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	if kwJSON != nil {
		if err := json.Unmarshal([]byte(*kwJSON), &t.Keywords); err != nil {
			t.Keywords = nil
		}
	}
	return &t, nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const documentColumns = `id, source, title, url, author, content, content_fetched, published_at,
	detected_tool_ids, analysis_version, last_analyzed_at, collected_at`

// InsertDocument stores a newly collected document. Returns false if a
// document with the same id already exists.
func (db *DB) InsertDocument(ctx context.Context, d *Document) (bool, error) {
	toolJSON, err := marshalToolIDs(d.DetectedToolIDs)
	if err != nil {
		return false, err
	}
	result, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO documents (id, source, title, url, author, content, published_at, detected_tool_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Source, d.Title, d.URL, d.Author, d.Content, formatTimePtr(d.PublishedAt), toolJSON,
	)
	if err != nil {
		return false, classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertDocument writes the full document keyed by id. Repeating the same
// write leaves the row unchanged.
func (db *DB) UpsertDocument(ctx context.Context, d *Document) error {
	toolJSON, err := marshalToolIDs(d.DetectedToolIDs)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO documents (id, source, title, url, author, content, content_fetched, published_at,
			detected_tool_ids, analysis_version, last_analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			title = excluded.title,
			url = excluded.url,
			author = excluded.author,
			content = excluded.content,
			content_fetched = excluded.content_fetched,
			published_at = excluded.published_at,
			detected_tool_ids = excluded.detected_tool_ids,
			analysis_version = excluded.analysis_version,
			last_analyzed_at = excluded.last_analyzed_at`,
		d.ID, d.Source, d.Title, d.URL, d.Author, d.Content, boolToInt(d.ContentFetched),
		formatTimePtr(d.PublishedAt), toolJSON, d.AnalysisVersion, formatTimePtr(d.LastAnalyzedAt),
	)
	return classify(err)
}

// GetDocument returns a single document by id, or nil if absent.
func (db *DB) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return d, nil
}

// ListDocuments returns one page of documents matching q, ordered by id.
// Pass the last returned id as q.AfterID to fetch the next page.
func (db *DB) ListDocuments(ctx context.Context, q DocumentQuery) ([]Document, error) {
	where, args := documentFilter(q)
	query := "SELECT " + documentColumns + " FROM documents d" + where + " ORDER BY d.id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// CountDocuments counts documents matching q, ignoring q.Limit.
func (db *DB) CountDocuments(ctx context.Context, q DocumentQuery) (int, error) {
	where, args := documentFilter(q)
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents d"+where, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// GetDocumentsNeedingFetch returns link posts with no text that haven't been fetched.
func (db *DB) GetDocumentsNeedingFetch(ctx context.Context, limit int) ([]Document, error) {
	query := "SELECT " + documentColumns + ` FROM documents
		WHERE (content IS NULL OR content = '') AND content_fetched = 0 AND url <> ''
		ORDER BY collected_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// UpdateDocumentContent stores fetched content.
func (db *DB) UpdateDocumentContent(ctx context.Context, id string, content *string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE documents SET content = ?, content_fetched = 1 WHERE id = ?", content, id,
	)
	return classify(err)
}

// MarkDocumentFetchAttempted marks that we tried to fetch content.
func (db *DB) MarkDocumentFetchAttempted(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE documents SET content_fetched = 1 WHERE id = ?", id)
	return classify(err)
}

func documentFilter(q DocumentQuery) (string, []any) {
	var clauses []string
	var args []any

	if q.AfterID != "" {
		clauses = append(clauses, "d.id > ?")
		args = append(args, q.AfterID)
	}
	if q.From != nil {
		clauses = append(clauses, "d.published_at >= ?")
		args = append(args, formatTime(*q.From))
	}
	if q.To != nil {
		clauses = append(clauses, "d.published_at <= ?")
		args = append(args, formatTime(*q.To))
	}
	if len(q.ToolIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.ToolIDs)), ", ")
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(d.detected_tool_ids) WHERE value IN (%s))", placeholders,
		))
		for _, id := range q.ToolIDs {
			args = append(args, id)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, classify(rows.Err())
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var fetched int
	var published, analyzed, collected *string
	var toolJSON string
	if err := row.Scan(&d.ID, &d.Source, &d.Title, &d.URL, &d.Author, &d.Content, &fetched,
		&published, &toolJSON, &d.AnalysisVersion, &analyzed, &collected); err != nil {
		return nil, err
	}
	d.ContentFetched = fetched != 0
	d.PublishedAt = parseTimePtr(published)
	d.LastAnalyzedAt = parseTimePtr(analyzed)
	d.CollectedAt = parseTimePtr(collected)
	if err := json.Unmarshal([]byte(toolJSON), &d.DetectedToolIDs); err != nil {
		d.DetectedToolIDs = nil
	}
	return &d, nil
}

func marshalToolIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

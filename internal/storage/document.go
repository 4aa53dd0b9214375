package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenDocumentStore opens (and migrates) a SQLite-backed document store at
// path. Use ":memory:" for an ephemeral store, typically in tests.
func OpenDocumentStore(path string) (*DocumentStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: run migrations: %w", err)
	}

	return &DocumentStore{db: db}, nil
}

// DocumentStore is the durable Backend implementation, suitable for a
// controller whose request ledger must survive a restart.
type DocumentStore struct {
	db *sql.DB
}

func (d *DocumentStore) Upsert(ctx context.Context, rec *RequestRecord) error {
	buffers, err := json.Marshal(rec.Buffers)
	if err != nil {
		return fmt.Errorf("storage: marshal buffers: %w", err)
	}
	follow, _ := json.Marshal(rec.Follow)
	after, _ := json.Marshal(rec.After)
	targets, _ := json.Marshal(rec.Targets)

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO requests (
			request_id, client_id, engine_id, submitted_at, started_at, completed_at,
			header, content, result_header, result_content, buffers, stdout, stderr,
			status, channel, follow, after, timeout, targets, resubmit_count
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(request_id) DO UPDATE SET
			client_id=excluded.client_id, engine_id=excluded.engine_id,
			submitted_at=excluded.submitted_at, started_at=excluded.started_at,
			completed_at=excluded.completed_at, header=excluded.header,
			content=excluded.content, result_header=excluded.result_header,
			result_content=excluded.result_content, buffers=excluded.buffers,
			stdout=excluded.stdout, stderr=excluded.stderr, status=excluded.status,
			channel=excluded.channel, follow=excluded.follow, after=excluded.after,
			timeout=excluded.timeout, targets=excluded.targets, resubmit_count=excluded.resubmit_count
	`,
		rec.RequestID, rec.ClientID, rec.EngineID, formatTime(&rec.SubmittedAt),
		formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
		string(rec.Header), string(rec.Content), string(rec.ResultHeader), string(rec.ResultContent),
		string(buffers), rec.Stdout, rec.Stderr, string(rec.Status), rec.Channel,
		string(follow), string(after), formatTime(rec.Timeout), string(targets), rec.ResubmitCount,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert %s: %w", rec.RequestID, err)
	}
	return nil
}

func (d *DocumentStore) GetMany(ctx context.Context, requestIDs []string) ([]*RequestRecord, error) {
	if len(requestIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(requestIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}
	rows, err := d.db.QueryContext(ctx, selectClause+" WHERE request_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get_many: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (d *DocumentStore) Find(ctx context.Context, sel Selector) ([]*RequestRecord, error) {
	query := selectClause
	var clauses []string
	var args []any

	if len(sel.RequestIDs) > 0 {
		placeholders := strings.Repeat("?,", len(sel.RequestIDs))
		placeholders = placeholders[:len(placeholders)-1]
		clauses = append(clauses, "request_id IN ("+placeholders+")")
		for _, id := range sel.RequestIDs {
			args = append(args, id)
		}
	}
	if sel.EngineID != "" {
		clauses = append(clauses, "engine_id = ?")
		args = append(args, sel.EngineID)
	}
	if sel.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(sel.Status))
	}
	if sel.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, sel.ClientID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: find: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (d *DocumentStore) UpdateStatus(ctx context.Context, requestID string, status Status) error {
	completedAt := sql.NullString{}
	if status.Terminal() {
		completedAt = sql.NullString{String: time.Now().UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, completed_at = COALESCE(?, completed_at) WHERE request_id = ?`,
		string(status), completedAt, requestID)
	if err != nil {
		return fmt.Errorf("storage: update_status %s: %w", requestID, err)
	}
	return nil
}

func (d *DocumentStore) Drop(ctx context.Context, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(requestIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}
	_, err := d.db.ExecContext(ctx, "DELETE FROM requests WHERE request_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("storage: drop: %w", err)
	}
	return nil
}

func (d *DocumentStore) Close() error {
	return d.db.Close()
}

const selectClause = `SELECT
	request_id, client_id, engine_id, submitted_at, started_at, completed_at,
	header, content, result_header, result_content, buffers, stdout, stderr,
	status, channel, follow, after, timeout, targets, resubmit_count
FROM requests`

func scanRequests(rows *sql.Rows) ([]*RequestRecord, error) {
	var out []*RequestRecord
	for rows.Next() {
		var (
			rec                                                   RequestRecord
			startedAt, completedAt, timeout                        sql.NullString
			header, content, resultHeader, resultContent, buffers  sql.NullString
			follow, after, targets                                 sql.NullString
			submittedAt                                            string
			status                                                 string
		)
		if err := rows.Scan(
			&rec.RequestID, &rec.ClientID, &rec.EngineID, &submittedAt, &startedAt, &completedAt,
			&header, &content, &resultHeader, &resultContent, &buffers, &rec.Stdout, &rec.Stderr,
			&status, &rec.Channel, &follow, &after, &timeout, &targets, &rec.ResubmitCount,
		); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		rec.Status = Status(status)
		rec.SubmittedAt = mustParseTime(submittedAt)
		rec.StartedAt = parseTimePtr(startedAt)
		rec.CompletedAt = parseTimePtr(completedAt)
		rec.Timeout = parseTimePtr(timeout)
		rec.Header = json.RawMessage(header.String)
		rec.Content = nullableRaw(content)
		rec.ResultHeader = nullableRaw(resultHeader)
		rec.ResultContent = nullableRaw(resultContent)
		if buffers.Valid && buffers.String != "" {
			_ = json.Unmarshal([]byte(buffers.String), &rec.Buffers)
		}
		if follow.Valid {
			_ = json.Unmarshal([]byte(follow.String), &rec.Follow)
		}
		if after.Valid {
			_ = json.Unmarshal([]byte(after.String), &rec.After)
		}
		if targets.Valid {
			_ = json.Unmarshal([]byte(targets.String), &rec.Targets)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullableRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := mustParseTime(s.String)
	return &t
}

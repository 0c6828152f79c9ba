package ledgerdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jingyi7777/adapt-seq-design/internal/platform/database"
	"github.com/jingyi7777/adapt-seq-design/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const invocationColumns = `invocation_id, batch_id, name, fingerprint, status, reason, exit_code, started_at, finished_at, error_message, log_path`

const (
	insertInvocationQuery = `INSERT INTO invocations (
		invocation_id,
		batch_id,
		name,
		fingerprint,
		status,
		reason,
		exit_code,
		started_at,
		finished_at,
		error_message,
		log_path
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (batch_id, name) DO NOTHING
	RETURNING ` + invocationColumns

	selectInvocationQuery = `SELECT ` + invocationColumns + `
	 FROM invocations
	 WHERE batch_id = $1 AND name = $2`

	listInvocationsByBatchQuery = `SELECT ` + invocationColumns + `
	 FROM invocations
	 WHERE batch_id = $1
	 ORDER BY started_at ASC, name ASC`
)

// The two dialects differ only in the timestamp type; go-sqlite3 parses
// TIMESTAMP columns back into time.Time.
var schemas = map[database.Dialect]string{
	database.DialectPostgres: schema("TIMESTAMPTZ"),
	database.DialectSQLite:   schema("TIMESTAMP"),
}

func schema(timestampType string) string {
	return `CREATE TABLE IF NOT EXISTS invocations (
		invocation_id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		name TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		exit_code INTEGER NOT NULL,
		started_at ` + timestampType + ` NOT NULL,
		finished_at ` + timestampType + ` NOT NULL,
		error_message TEXT,
		log_path TEXT,
		UNIQUE (batch_id, name)
	)`
}

type InvocationStore struct {
	db DB
}

func NewInvocationStore(db DB) *InvocationStore {
	if db == nil {
		return nil
	}
	return &InvocationStore{db: db}
}

// EnsureSchema creates the invocations table if it is missing.
func (s *InvocationStore) EnsureSchema(ctx context.Context, dialect database.Dialect) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("invocation store not initialized")
	}
	ddl, ok := schemas[dialect]
	if !ok {
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *InvocationStore) Record(ctx context.Context, record repo.InvocationRecord) (repo.InvocationRecord, bool, error) {
	if s == nil || s.db == nil {
		return repo.InvocationRecord{}, false, fmt.Errorf("invocation store not initialized")
	}
	batchID := strings.TrimSpace(record.BatchID)
	name := strings.TrimSpace(record.Name)
	status := strings.TrimSpace(record.Status)
	fingerprint := strings.TrimSpace(record.Fingerprint)

	if batchID == "" {
		return repo.InvocationRecord{}, false, fmt.Errorf("batch id is required")
	}
	if name == "" {
		return repo.InvocationRecord{}, false, fmt.Errorf("name is required")
	}
	if status == "" {
		return repo.InvocationRecord{}, false, fmt.Errorf("status is required")
	}
	if fingerprint == "" {
		return repo.InvocationRecord{}, false, fmt.Errorf("fingerprint is required")
	}

	startedAt := normalizeTime(record.StartedAt)
	finishedAt := record.FinishedAt.UTC()
	if record.FinishedAt.IsZero() {
		finishedAt = startedAt
	}

	id := record.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	row := s.db.QueryRowContext(
		ctx,
		insertInvocationQuery,
		id,
		batchID,
		name,
		fingerprint,
		status,
		nullIfEmpty(record.Reason),
		record.ExitCode,
		startedAt,
		finishedAt,
		nullIfEmpty(record.ErrorMessage),
		nullIfEmpty(record.LogPath),
	)
	inserted, err := scanInvocation(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return repo.InvocationRecord{}, false, fmt.Errorf("insert invocation: %w", err)
		}
		existing, err := s.get(ctx, batchID, name)
		if err != nil {
			return repo.InvocationRecord{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *InvocationStore) ListByBatch(ctx context.Context, batchID string) ([]repo.InvocationRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("invocation store not initialized")
	}
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("batch id is required")
	}

	rows, err := s.db.QueryContext(ctx, listInvocationsByBatchQuery, batchID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	records := make([]repo.InvocationRecord, 0)
	for rows.Next() {
		record, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	return records, nil
}

func (s *InvocationStore) get(ctx context.Context, batchID, name string) (repo.InvocationRecord, error) {
	record, err := scanInvocation(s.db.QueryRowContext(ctx, selectInvocationQuery, batchID, name))
	if err != nil {
		return repo.InvocationRecord{}, handleNotFound(err)
	}
	return record, nil
}

type invocationScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(scanner invocationScanner) (repo.InvocationRecord, error) {
	var record repo.InvocationRecord
	var reason, errorMessage, logPath sql.NullString
	if err := scanner.Scan(
		&record.ID,
		&record.BatchID,
		&record.Name,
		&record.Fingerprint,
		&record.Status,
		&reason,
		&record.ExitCode,
		&record.StartedAt,
		&record.FinishedAt,
		&errorMessage,
		&logPath,
	); err != nil {
		return repo.InvocationRecord{}, err
	}
	record.Reason = reason.String
	record.ErrorMessage = errorMessage.String
	record.LogPath = logPath.String
	record.StartedAt = record.StartedAt.UTC()
	record.FinishedAt = record.FinishedAt.UTC()
	return record, nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

package jobs

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"broll/internal/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    state         TEXT NOT NULL,
    input         TEXT,
    output        TEXT,
    error_kind    TEXT,
    error_message TEXT,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
)`

// SQLite is a Store backed by a single-node SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the job database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite job store: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Create(ctx context.Context, rec Record) error {
	if err := newRecordCheck(rec); err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, input, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(rec.State), nullableBytes(rec.Input), ts, ts,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errDuplicate(rec.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLite) Transition(ctx context.Context, id string, state State, failure *Failure) error {
	var kind, msg any
	if state == StateFailed && failure != nil {
		kind, msg = failure.Kind, failure.Message
	}
	query, args := updateQuery(`UPDATE jobs SET state = ?, error_kind = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		state, string(state), kind, msg, time.Now().UTC().Format(time.RFC3339Nano), id)
	return s.exec(ctx, id, state, query, args)
}

func (s *SQLite) Complete(ctx context.Context, id string, output []byte) error {
	query, args := updateQuery(`UPDATE jobs SET state = ?, output = ?, updated_at = ? WHERE id = ?`,
		StateCompleted, string(StateCompleted), string(output), time.Now().UTC().Format(time.RFC3339Nano), id)
	return s.exec(ctx, id, StateCompleted, query, args)
}

func (s *SQLite) exec(ctx context.Context, id string, to State, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errTransition(id, rec.State, to)
}

// updateQuery appends a guard restricting the update to legal source states.
func updateQuery(base string, to State, args ...any) (string, []any) {
	from := sourcesOf(to)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	for _, f := range from {
		args = append(args, string(f))
	}
	return base + " AND state IN (" + placeholders + ")", args
}

func (s *SQLite) Get(ctx context.Context, id string) (Record, error) {
	var (
		rec                  Record
		state                string
		input, output        sql.NullString
		errKind, errMsg      sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, input, output, error_kind, error_message, created_at, updated_at FROM jobs WHERE id = ?`, id,
	).Scan(&rec.ID, &state, &input, &output, &errKind, &errMsg, &createdAt, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.NotFound("job", id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("select job: %w", err)
	}

	rec.State = State(state)
	if input.Valid {
		rec.Input = []byte(input.String)
	}
	if output.Valid {
		rec.Output = []byte(output.String)
	}
	if errKind.Valid {
		rec.Failure = &Failure{Kind: errKind.String, Message: errMsg.String}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

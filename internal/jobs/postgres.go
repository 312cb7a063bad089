package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"broll/internal/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS render_jobs (
    id            TEXT PRIMARY KEY,
    state         TEXT NOT NULL,
    input         JSONB,
    output        TEXT,
    error_kind    TEXT,
    error_message TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres is a Store shared by API and worker processes.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create render_jobs table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool. The schema must already exist.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Create(ctx context.Context, rec Record) error {
	if err := newRecordCheck(rec); err != nil {
		return err
	}
	var input any
	if len(rec.Input) > 0 {
		input = string(rec.Input)
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO render_jobs (id, state, input)
		VALUES ($1, $2, $3)
	`, rec.ID, string(rec.State), input)
	if err != nil {
		if IsUniqueViolation(err) {
			return errDuplicate(rec.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (p *Postgres) Transition(ctx context.Context, id string, state State, failure *Failure) error {
	var kind, msg *string
	if state == StateFailed && failure != nil {
		kind, msg = &failure.Kind, &failure.Message
	}
	cmd, err := p.pool.Exec(ctx, `
		UPDATE render_jobs
		SET state=$1, error_kind=$2, error_message=$3, updated_at=now()
		WHERE id=$4 AND state = ANY($5)
	`, string(state), kind, msg, id, stateStrings(sourcesOf(state)))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return p.checkUpdated(ctx, id, state, cmd)
}

func (p *Postgres) Complete(ctx context.Context, id string, output []byte) error {
	cmd, err := p.pool.Exec(ctx, `
		UPDATE render_jobs
		SET state=$1, output=$2, updated_at=now()
		WHERE id=$3 AND state = ANY($4)
	`, string(StateCompleted), string(output), id, stateStrings(sourcesOf(StateCompleted)))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return p.checkUpdated(ctx, id, StateCompleted, cmd)
}

func (p *Postgres) checkUpdated(ctx context.Context, id string, to State, cmd pgconn.CommandTag) error {
	if cmd.RowsAffected() == 1 {
		return nil
	}
	rec, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	return errTransition(id, rec.State, to)
}

func (p *Postgres) Get(ctx context.Context, id string) (Record, error) {
	var (
		rec             Record
		state           string
		input           []byte
		output          *string
		errKind, errMsg *string
		createdAt       time.Time
		updatedAt       time.Time
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, state, input, output, error_kind, error_message, created_at, updated_at
		FROM render_jobs
		WHERE id=$1
	`, id).Scan(&rec.ID, &state, &input, &output, &errKind, &errMsg, &createdAt, &updatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return Record{}, errors.NotFound("job", id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("select job: %w", err)
	}

	rec.State = State(state)
	rec.Input = input
	if output != nil {
		rec.Output = []byte(*output)
	}
	if errKind != nil {
		rec.Failure = &Failure{Kind: *errKind}
		if errMsg != nil {
			rec.Failure.Message = *errMsg
		}
	}
	rec.CreatedAt, rec.UpdatedAt = createdAt.UTC(), updatedAt.UTC()
	return rec, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// IsUniqueViolation returns true if the error is a PostgreSQL unique constraint violation.
// 23505 = unique_violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

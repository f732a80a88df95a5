package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"netbox-avd-sync/internal/entity"
)

var ErrNotFound = errors.New("not found")

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

// RunRepository persists the audit trail of background task runs.
type RunRepository struct {
	pool *pgxpool.Pool
}

func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

func (r *RunRepository) Create(ctx context.Context, event string, payload json.RawMessage) (uuid.UUID, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO task_runs (event, status, payload)
VALUES ($1, 'pending', $2)
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, event, payload).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.TaskRun, error) {
	const q = `
SELECT id, event, status, payload, output, error, created_at, updated_at
FROM task_runs
WHERE id = $1;
`

	var (
		run          entity.TaskRun
		statusText   string
		payloadBytes []byte
		outputBytes  []byte
		errText      *string
		createdAt    time.Time
		updatedAt    time.Time
	)

	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&run.ID,
		&run.Event,
		&statusText,
		&payloadBytes,
		&outputBytes, // NULL => nil
		&errText,     // NULL => nil
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	run.Status = entity.RunStatus(statusText)
	run.Payload = json.RawMessage(payloadBytes)
	if outputBytes != nil {
		run.Output = json.RawMessage(outputBytes)
	}
	run.Error = errText
	run.CreatedAt = createdAt
	run.UpdatedAt = updatedAt

	return &run, nil
}

func (r *RunRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status entity.RunStatus) error {
	const q = `UPDATE task_runs SET status=$2, updated_at=now() WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RunRepository) SetResultDone(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	const q = `UPDATE task_runs SET status='done', output=$2, error=NULL, updated_at=now() WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id, output)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RunRepository) SetResultError(ctx context.Context, id uuid.UUID, errText string) error {
	const q = `UPDATE task_runs SET status='error', error=$2, updated_at=now() WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id, errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

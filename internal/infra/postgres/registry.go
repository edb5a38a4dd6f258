package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/revelium-studio/action-mesh/internal/domain/entity"
)

// Registry is the optional durable job registry. The scheduler remains the
// single writer; Update serializes read-modify-write cycles with a row lock.
type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

const schema = `
	CREATE TABLE IF NOT EXISTS mesh_jobs (
		id             UUID PRIMARY KEY,
		mode           TEXT NOT NULL,
		blender_export BOOLEAN NOT NULL DEFAULT FALSE,
		notify_email   TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		frame_count    INT NOT NULL DEFAULT 0,
		error_reason   TEXT,
		error_detail   TEXT,
		outputs        JSONB,
		submitted_at   TIMESTAMPTZ NOT NULL,
		started_at     TIMESTAMPTZ,
		finished_at    TIMESTAMPTZ
	)`

func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RecoverInterrupted fails any rows a previous process left non-terminal.
// Their workspace inputs did not survive the restart, so they cannot run.
func (r *Registry) RecoverInterrupted(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE mesh_jobs SET
			status=$1, error_reason=$2, error_detail=$3, finished_at=NOW()
		WHERE status IN ($4, $5)`,
		string(entity.JobStatusFailed),
		string(entity.ReasonInternalError),
		"interrupted by worker restart",
		string(entity.JobStatusQueued),
		string(entity.JobStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Registry) Create(ctx context.Context, job *entity.Job) error {
	outputs, err := marshalOutputs(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO mesh_jobs (
			id, mode, blender_export, notify_email, status, frame_count,
			error_reason, error_detail, outputs,
			submitted_at, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = r.pool.Exec(ctx, query,
		job.ID, string(job.Mode), job.BlenderExport, job.NotifyEmail,
		string(job.Status), job.FrameCount,
		errorReason(job), errorDetail(job), outputs,
		job.SubmittedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return r.get(ctx, r.pool, id, false)
}

func (r *Registry) Update(ctx context.Context, id uuid.UUID, mutate func(*entity.Job)) (*entity.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := r.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	mutate(job)

	outputs, err := marshalOutputs(job)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE mesh_jobs SET
			status=$2, frame_count=$3, error_reason=$4, error_detail=$5,
			outputs=$6, started_at=$7, finished_at=$8
		WHERE id=$1`

	_, err = tx.Exec(ctx, query,
		job.ID, string(job.Status), job.FrameCount,
		errorReason(job), errorDetail(job), outputs,
		job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM mesh_jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]*entity.Job, error) {
	rows, err := r.pool.Query(ctx, selectColumns+` FROM mesh_jobs ORDER BY submitted_at`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const selectColumns = `
	SELECT id, mode, blender_export, notify_email, status, frame_count,
		error_reason, error_detail, outputs,
		submitted_at, started_at, finished_at`

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Registry) get(ctx context.Context, q queryRower, id uuid.UUID, forUpdate bool) (*entity.Job, error) {
	query := selectColumns + ` FROM mesh_jobs WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	job, err := scanJob(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	job := &entity.Job{}
	var (
		mode, status         string
		errReason, errDetail *string
		outputs              []byte
	)
	err := row.Scan(
		&job.ID, &mode, &job.BlenderExport, &job.NotifyEmail, &status,
		&job.FrameCount, &errReason, &errDetail, &outputs,
		&job.SubmittedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Mode = entity.Mode(mode)
	job.Status = entity.JobStatus(status)
	if errReason != nil {
		job.Error = &entity.JobError{Reason: entity.FailureReason(*errReason)}
		if errDetail != nil {
			job.Error.Detail = *errDetail
		}
	}
	if len(outputs) > 0 {
		manifest := &entity.OutputManifest{}
		if err := json.Unmarshal(outputs, manifest); err != nil {
			return nil, fmt.Errorf("decode outputs manifest: %w", err)
		}
		job.Outputs = manifest
	}
	return job, nil
}

func marshalOutputs(job *entity.Job) ([]byte, error) {
	if job.Outputs == nil {
		return nil, nil
	}
	data, err := json.Marshal(job.Outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs manifest: %w", err)
	}
	return data, nil
}

func errorReason(job *entity.Job) *string {
	if job.Error == nil {
		return nil
	}
	s := string(job.Error.Reason)
	return &s
}

func errorDetail(job *entity.Job) *string {
	if job.Error == nil || job.Error.Detail == "" {
		return nil
	}
	return &job.Error.Detail
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/merge"
	"github.com/hazyhaar/planset/takeoff"
)

// PGSchema is the Postgres DDL applied by PGStore.EnsureSchema.
const PGSchema = `
CREATE TABLE IF NOT EXISTS plans (
    id           TEXT PRIMARY KEY,
    urls         TEXT NOT NULL DEFAULT '[]',
    name         TEXT NOT NULL DEFAULT '',
    page_count   INTEGER NOT NULL DEFAULT 0,
    chunk_count  INTEGER NOT NULL DEFAULT 0,
    sheet_index  TEXT,
    meta         TEXT,
    warnings     TEXT,
    created_at   BIGINT NOT NULL,
    ingested_at  BIGINT
);

CREATE TABLE IF NOT EXISTS chunks (
    id       TEXT PRIMARY KEY,
    plan_id  TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
    idx      INTEGER NOT NULL,
    body     TEXT NOT NULL,
    UNIQUE (plan_id, idx)
);

CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    owner_ref          TEXT NOT NULL DEFAULT '',
    plan_id            TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL,
    total_batches      INTEGER NOT NULL DEFAULT 0,
    completed_batches  INTEGER NOT NULL DEFAULT 0,
    failed_batches     INTEGER NOT NULL DEFAULT 0,
    progress_percent   INTEGER NOT NULL DEFAULT 0,
    max_parallel       INTEGER NOT NULL DEFAULT 2,
    cancelled          INTEGER NOT NULL DEFAULT 0,
    cost               DOUBLE PRECISION NOT NULL DEFAULT 0,
    input_tokens       BIGINT NOT NULL DEFAULT 0,
    output_tokens      BIGINT NOT NULL DEFAULT 0,
    duration_ms        BIGINT NOT NULL DEFAULT 0,
    spec               TEXT,
    final_result       TEXT,
    error              TEXT NOT NULL DEFAULT '',
    created_at         BIGINT NOT NULL,
    started_at         BIGINT,
    completed_at       BIGINT,
    CHECK (completed_batches <= total_batches)
);

CREATE TABLE IF NOT EXISTS batches (
    id             TEXT PRIMARY KEY,
    job_id         TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    segment_id     TEXT NOT NULL,
    chunk_id       TEXT NOT NULL,
    chunk_index    INTEGER NOT NULL,
    status         TEXT NOT NULL,
    cost           DOUBLE PRECISION NOT NULL DEFAULT 0,
    input_tokens   BIGINT NOT NULL DEFAULT 0,
    output_tokens  BIGINT NOT NULL DEFAULT 0,
    duration_ms    BIGINT NOT NULL DEFAULT 0,
    error_kind     TEXT NOT NULL DEFAULT '',
    error_message  TEXT NOT NULL DEFAULT '',
    outputs        TEXT,
    created_at     BIGINT NOT NULL,
    updated_at     BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_job ON batches(job_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_chunks_plan ON chunks(plan_id, idx);
`

// PGStore is the Store on Postgres. Batch transitions are single
// statements: the batch compare-and-set and the job counter update run as
// one data-modifying CTE with RETURNING.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPG connects to dsn and applies PGSchema.
func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("jobs: pg connect: %w", err)
	}
	s := NewPGStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStore wraps an existing pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the tables if they don't exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PGSchema); err != nil {
		return fmt.Errorf("jobs: pg schema: %w", err)
	}
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) PutPlan(ctx context.Context, p *Plan) error {
	args, err := planArgs(p)
	if err != nil {
		return fmt.Errorf("jobs: encode plan: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO plans (`+planColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			urls = EXCLUDED.urls, name = EXCLUDED.name, page_count = EXCLUDED.page_count,
			chunk_count = EXCLUDED.chunk_count, sheet_index = EXCLUDED.sheet_index,
			meta = EXCLUDED.meta, warnings = EXCLUDED.warnings, ingested_at = EXCLUDED.ingested_at`,
		args...)
	return err
}

func (s *PGStore) Plan(ctx context.Context, id string) (*Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *PGStore) SaveChunks(ctx context.Context, planID string, chunks []chunk.Chunk) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE plan_id = $1`, planID); err != nil {
			return err
		}
		for _, c := range chunks {
			body, err := jsonText(c)
			if err != nil {
				return fmt.Errorf("jobs: encode chunk %s: %w", c.ID, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO chunks (id, plan_id, idx, body) VALUES ($1,$2,$3,$4)`,
				c.ID, planID, c.Index, body); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGStore) Chunk(ctx context.Context, id string) (*chunk.Chunk, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT body FROM chunks WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var c chunk.Chunk
	if err := jsonDecode(body, &c); err != nil {
		return nil, fmt.Errorf("jobs: decode chunk %s: %w", id, err)
	}
	return &c, nil
}

func (s *PGStore) Chunks(ctx context.Context, planID string) ([]chunk.Chunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM chunks WHERE plan_id = $1 ORDER BY idx`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chunk.Chunk
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c chunk.Chunk
		if err := jsonDecode(body, &c); err != nil {
			return nil, fmt.Errorf("jobs: decode chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateJob(ctx context.Context, j *Job, batches []*Batch) error {
	spec, err := jsonText(j.Spec)
	if err != nil {
		return fmt.Errorf("jobs: encode spec: %w", err)
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.TotalBatches = len(batches)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, owner_ref, plan_id, status, total_batches, max_parallel, spec, error, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			j.ID, j.OwnerRef, j.PlanID, string(j.Status), j.TotalBatches, j.MaxParallel, spec, j.Error,
			j.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("jobs: insert job: %w", err)
		}
		for _, b := range batches {
			b.JobID = j.ID
			b.Status = BatchPending
			b.CreatedAt, b.UpdatedAt = now, now
			_, err := tx.Exec(ctx, `
				INSERT INTO batches (id, job_id, segment_id, chunk_id, chunk_index, status, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				b.ID, b.JobID, b.SegmentID, b.ChunkID, b.ChunkIndex, string(b.Status),
				now.UnixMilli(), now.UnixMilli())
			if err != nil {
				return fmt.Errorf("jobs: insert batch %s: %w", b.ID, err)
			}
		}
		return nil
	})
}

func (s *PGStore) Job(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *PGStore) Batches(ctx context.Context, jobID string) ([]*Batch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE job_id = $1 ORDER BY chunk_index, segment_id, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) StartJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, $1) WHERE id = $2 AND status = 'pending'`,
		s.now().UnixMilli(), id)
	return err
}

func (s *PGStore) ClaimBatch(ctx context.Context, batchID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = 'processing', updated_at = $1
		WHERE id = $2 AND status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.id = batches.job_id AND jobs.cancelled = 1)`,
		s.now().UnixMilli(), batchID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// pgOpenJob is the CTE j: the batch's job, locked, while it still has
// batches to count. The batch update joins it, so a batch only moves when
// the job counter can take it and the two never diverge.
func pgOpenJob(batchParam string) string {
	return `j AS (
			SELECT jobs.id FROM jobs JOIN batches ON batches.job_id = jobs.id
			WHERE batches.id = ` + batchParam + ` AND jobs.completed_batches < jobs.total_batches
			FOR UPDATE OF jobs
		)`
}

// pgFinishJob is appended to a batch CTE named b. Parameters $1..$6 are
// failed increment, cost, input tokens, output tokens, duration and now.
const pgFinishJob = `
	UPDATE jobs SET
		completed_batches = completed_batches + 1,
		failed_batches    = failed_batches + $1,
		cost              = cost + $2,
		input_tokens      = input_tokens + $3,
		output_tokens     = output_tokens + $4,
		duration_ms       = duration_ms + $5,
		progress_percent  = (200 * (completed_batches + 1) + total_batches) / (2 * total_batches),
		status            = CASE
			WHEN completed_batches + 1 >= total_batches AND status IN ('pending', 'running') THEN 'partial'
			WHEN status = 'pending' THEN 'running'
			ELSE status END,
		completed_at      = CASE
			WHEN completed_batches + 1 >= total_batches AND completed_at IS NULL THEN $6
			ELSE completed_at END
	FROM b
	WHERE jobs.id = b.job_id AND completed_batches < total_batches
	RETURNING ` + jobColumns

func (s *PGStore) CompleteBatch(ctx context.Context, batchID string, m Metrics, outputs []merge.BatchOutput) (*Job, error) {
	body, err := jsonText(outputs)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode outputs: %w", err)
	}
	now := s.now().UnixMilli()
	return s.finish(ctx, batchID, `
		WITH `+pgOpenJob("$8")+`, b AS (
			UPDATE batches SET status = 'completed', cost = $2, input_tokens = $3, output_tokens = $4,
				duration_ms = $5, outputs = $7, updated_at = $6
			WHERE id = $8 AND status = 'processing' AND job_id IN (SELECT id FROM j)
			RETURNING job_id
		)`+pgFinishJob,
		0, m.Cost, m.InputTokens, m.OutputTokens, m.DurationMs, now, body, batchID)
}

func (s *PGStore) FailBatch(ctx context.Context, batchID string, be *BatchError) (*Job, error) {
	now := s.now().UnixMilli()
	return s.finish(ctx, batchID, `
		WITH `+pgOpenJob("$9")+`, b AS (
			UPDATE batches SET status = 'failed', error_kind = $7, error_message = $8, updated_at = $6
			WHERE id = $9 AND status IN ('pending', 'processing') AND job_id IN (SELECT id FROM j)
			RETURNING job_id
		)`+pgFinishJob,
		1, 0.0, 0, 0, int64(0), now, string(be.Kind), be.Message, batchID)
}

func (s *PGStore) finish(ctx context.Context, batchID, query string, args ...any) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrBatchState)
	}
	return j, err
}

func (s *PGStore) ResetStuck(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = 'pending', updated_at = $1 WHERE job_id = $2 AND status = 'processing'`,
		s.now().UnixMilli(), jobID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET cancelled = 1 WHERE id = $1`, jobID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM batches WHERE job_id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return nil, err
	}
	pending, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, id := range pending {
		_, err := s.FailBatch(ctx, id, &BatchError{Kind: KindCancelled, Message: "job cancelled before dispatch"})
		if err != nil && !errors.Is(err, ErrBatchState) {
			return nil, err
		}
	}
	return s.Job(ctx, jobID)
}

func (s *PGStore) Finalize(ctx context.Context, jobID string, res takeoff.Result) (bool, error) {
	body, err := jsonText(res)
	if err != nil {
		return false, fmt.Errorf("jobs: encode result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'complete', final_result = $1, completed_at = $2
		WHERE id = $3 AND status = 'partial'`,
		body, s.now().UnixMilli(), jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) FailJob(ctx context.Context, jobID, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error = $1, completed_at = $2
		WHERE id = $3 AND status IN ('pending', 'running')`,
		msg, s.now().UnixMilli(), jobID)
	return err
}

var _ Store = (*PGStore)(nil)

package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/dbopen"
	"github.com/hazyhaar/planset/merge"
	"github.com/hazyhaar/planset/takeoff"
)

// Store is the persistence layer for plans, chunks, jobs and batches. It
// is the single source of truth for job state. Batch transitions are
// compare-and-set on the batch status and update the owning job's
// counters in the same transaction.
type Store interface {
	PutPlan(ctx context.Context, p *Plan) error
	Plan(ctx context.Context, id string) (*Plan, error)
	// SaveChunks replaces the chunks of a plan.
	SaveChunks(ctx context.Context, planID string, chunks []chunk.Chunk) error
	Chunk(ctx context.Context, id string) (*chunk.Chunk, error)
	Chunks(ctx context.Context, planID string) ([]chunk.Chunk, error)

	CreateJob(ctx context.Context, j *Job, batches []*Batch) error
	Job(ctx context.Context, id string) (*Job, error)
	Batches(ctx context.Context, jobID string) ([]*Batch, error)
	// StartJob moves a pending job to running.
	StartJob(ctx context.Context, id string) error
	// ClaimBatch moves a pending batch of a live job to processing. It
	// reports false when the batch was not pending or the job is cancelled.
	ClaimBatch(ctx context.Context, batchID string) (bool, error)
	CompleteBatch(ctx context.Context, batchID string, m Metrics, outputs []merge.BatchOutput) (*Job, error)
	FailBatch(ctx context.Context, batchID string, be *BatchError) (*Job, error)
	// ResetStuck returns a job's processing batches to pending.
	ResetStuck(ctx context.Context, jobID string) (int, error)
	// Cancel flags the job and fails its pending batches as cancelled.
	Cancel(ctx context.Context, jobID string) (*Job, error)
	// Finalize stores the merged result and moves partial to complete.
	// It reports false when the job was not partial.
	Finalize(ctx context.Context, jobID string, res takeoff.Result) (bool, error)
	FailJob(ctx context.Context, jobID, msg string) error
	Close() error
}

// Schema is the SQLite DDL, usable with dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS plans (
    id           TEXT PRIMARY KEY,
    urls         TEXT NOT NULL DEFAULT '[]',
    name         TEXT NOT NULL DEFAULT '',
    page_count   INTEGER NOT NULL DEFAULT 0,
    chunk_count  INTEGER NOT NULL DEFAULT 0,
    sheet_index  TEXT,
    meta         TEXT,
    warnings     TEXT,
    created_at   INTEGER NOT NULL,
    ingested_at  INTEGER
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
    cost               REAL NOT NULL DEFAULT 0,
    input_tokens       INTEGER NOT NULL DEFAULT 0,
    output_tokens      INTEGER NOT NULL DEFAULT 0,
    duration_ms        INTEGER NOT NULL DEFAULT 0,
    spec               TEXT,
    final_result       TEXT,
    error              TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    started_at         INTEGER,
    completed_at       INTEGER,
    CHECK (completed_batches <= total_batches)
);

CREATE TABLE IF NOT EXISTS batches (
    id             TEXT PRIMARY KEY,
    job_id         TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    segment_id     TEXT NOT NULL,
    chunk_id       TEXT NOT NULL,
    chunk_index    INTEGER NOT NULL,
    status         TEXT NOT NULL,
    cost           REAL NOT NULL DEFAULT 0,
    input_tokens   INTEGER NOT NULL DEFAULT 0,
    output_tokens  INTEGER NOT NULL DEFAULT 0,
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    error_kind     TEXT NOT NULL DEFAULT '',
    error_message  TEXT NOT NULL DEFAULT '',
    outputs        TEXT,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_job  ON batches(job_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_status  ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_chunks_plan  ON chunks(plan_id, idx);
`

const jobColumns = `id, owner_ref, plan_id, status, total_batches, completed_batches, failed_batches,
	progress_percent, max_parallel, cancelled, cost, input_tokens, output_tokens, duration_ms,
	spec, final_result, error, created_at, started_at, completed_at`

const batchColumns = `id, job_id, segment_id, chunk_id, chunk_index, status, cost, input_tokens,
	output_tokens, duration_ms, error_kind, error_message, outputs, created_at, updated_at`

const planColumns = `id, urls, name, page_count, chunk_count, sheet_index, meta, warnings, created_at, ingested_at`

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                  Job
		status             string
		cancelled, created int64
		spec, final        sql.NullString
		started, completed sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.OwnerRef, &j.PlanID, &status, &j.TotalBatches, &j.CompletedBatches,
		&j.FailedBatches, &j.ProgressPercent, &j.MaxParallel, &cancelled, &j.Metrics.Cost,
		&j.Metrics.InputTokens, &j.Metrics.OutputTokens, &j.Metrics.DurationMs,
		&spec, &final, &j.Error, &created, &started, &completed)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Cancelled = cancelled != 0
	j.CreatedAt = time.UnixMilli(created)
	j.StartedAt = optTime(started)
	j.CompletedAt = optTime(completed)
	if spec.Valid && spec.String != "" {
		if err := json.Unmarshal([]byte(spec.String), &j.Spec); err != nil {
			return nil, fmt.Errorf("jobs: decode spec of %s: %w", j.ID, err)
		}
	}
	if final.Valid && final.String != "" {
		var res takeoff.Result
		if err := json.Unmarshal([]byte(final.String), &res); err != nil {
			return nil, fmt.Errorf("jobs: decode result of %s: %w", j.ID, err)
		}
		j.FinalResult = &res
	}
	return &j, nil
}

func scanBatch(r rowScanner) (*Batch, error) {
	var (
		b                 Batch
		status, kind, msg string
		outputs           sql.NullString
		created, updated  int64
	)
	err := r.Scan(&b.ID, &b.JobID, &b.SegmentID, &b.ChunkID, &b.ChunkIndex, &status,
		&b.Metrics.Cost, &b.Metrics.InputTokens, &b.Metrics.OutputTokens, &b.Metrics.DurationMs,
		&kind, &msg, &outputs, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	if kind != "" {
		b.Error = &BatchError{Kind: ErrorKind(kind), Message: msg}
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &b.Outputs); err != nil {
			return nil, fmt.Errorf("jobs: decode outputs of %s: %w", b.ID, err)
		}
	}
	b.CreatedAt = time.UnixMilli(created)
	b.UpdatedAt = time.UnixMilli(updated)
	return &b, nil
}

func scanPlan(r rowScanner) (*Plan, error) {
	var (
		p                     Plan
		urls                  string
		index, meta, warnings sql.NullString
		created               int64
		ingested              sql.NullInt64
	)
	if err := r.Scan(&p.ID, &urls, &p.Name, &p.PageCount, &p.ChunkCount, &index, &meta,
		&warnings, &created, &ingested); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(urls), &p.URLs); err != nil {
		return nil, fmt.Errorf("jobs: decode urls of %s: %w", p.ID, err)
	}
	if index.Valid && index.String != "" {
		if err := json.Unmarshal([]byte(index.String), &p.Index); err != nil {
			return nil, fmt.Errorf("jobs: decode index of %s: %w", p.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &p.Meta); err != nil {
			return nil, fmt.Errorf("jobs: decode meta of %s: %w", p.ID, err)
		}
	}
	if warnings.Valid && warnings.String != "" {
		_ = json.Unmarshal([]byte(warnings.String), &p.Warnings)
	}
	p.CreatedAt = time.UnixMilli(created)
	p.IngestedAt = optTime(ingested)
	return &p, nil
}

func optTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func optMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func jsonDecode(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// planArgs returns the plan row values in planColumns order.
func planArgs(p *Plan) ([]any, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	urls := p.URLs
	if urls == nil {
		urls = []string{}
	}
	u, err := jsonText(urls)
	if err != nil {
		return nil, err
	}
	var index any
	if p.Index != nil {
		s, err := jsonText(p.Index)
		if err != nil {
			return nil, err
		}
		index = s
	}
	meta, err := jsonText(p.Meta)
	if err != nil {
		return nil, err
	}
	warnings, err := jsonText(p.Warnings)
	if err != nil {
		return nil, err
	}
	return []any{p.ID, u, p.Name, p.PageCount, p.ChunkCount, index, meta, warnings,
		p.CreatedAt.UnixMilli(), optMillis(p.IngestedAt)}, nil
}

// SQLiteStore is the Store on a database opened with dbopen.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps db. The caller opens db with dbopen.WithSchema(Schema).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// OpenSQLite opens (or creates) the store database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(db), nil
}

// DB returns the underlying handle for sharing with the queue.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Plans and chunks ---

func (s *SQLiteStore) PutPlan(ctx context.Context, p *Plan) error {
	args, err := planArgs(p)
	if err != nil {
		return fmt.Errorf("jobs: encode plan: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO plans (`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			urls = excluded.urls, name = excluded.name, page_count = excluded.page_count,
			chunk_count = excluded.chunk_count, sheet_index = excluded.sheet_index,
			meta = excluded.meta, warnings = excluded.warnings, ingested_at = excluded.ingested_at`,
		args...)
	return err
}

func (s *SQLiteStore) Plan(ctx context.Context, id string) (*Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) SaveChunks(ctx context.Context, planID string, chunks []chunk.Chunk) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE plan_id = ?`, planID); err != nil {
			return err
		}
		for _, c := range chunks {
			body, err := jsonText(c)
			if err != nil {
				return fmt.Errorf("jobs: encode chunk %s: %w", c.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (id, plan_id, idx, body) VALUES (?,?,?,?)`,
				c.ID, planID, c.Index, body); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Chunk(ctx context.Context, id string) (*chunk.Chunk, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM chunks WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var c chunk.Chunk
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("jobs: decode chunk %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) Chunks(ctx context.Context, planID string) ([]chunk.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM chunks WHERE plan_id = ? ORDER BY idx`, planID)
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
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("jobs: decode chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Jobs and batches ---

func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job, batches []*Batch) error {
	spec, err := jsonText(j.Spec)
	if err != nil {
		return fmt.Errorf("jobs: encode spec: %w", err)
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.TotalBatches = len(batches)
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, owner_ref, plan_id, status, total_batches, max_parallel, spec, error, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			j.ID, j.OwnerRef, j.PlanID, string(j.Status), j.TotalBatches, j.MaxParallel, spec, j.Error,
			j.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("jobs: insert job: %w", err)
		}
		for _, b := range batches {
			b.JobID = j.ID
			b.Status = BatchPending
			b.CreatedAt, b.UpdatedAt = now, now
			_, err := tx.ExecContext(ctx, `
				INSERT INTO batches (id, job_id, segment_id, chunk_id, chunk_index, status, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,?)`,
				b.ID, b.JobID, b.SegmentID, b.ChunkID, b.ChunkIndex, string(b.Status),
				now.UnixMilli(), now.UnixMilli())
			if err != nil {
				return fmt.Errorf("jobs: insert batch %s: %w", b.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Job(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *SQLiteStore) Batches(ctx context.Context, jobID string) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE job_id = ? ORDER BY chunk_index, segment_id, id`, jobID)
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

func (s *SQLiteStore) StartJob(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, ?) WHERE id = ? AND status = 'pending'`,
		s.now().UnixMilli(), id)
	return err
}

func (s *SQLiteStore) ClaimBatch(ctx context.Context, batchID string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE batches SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.id = batches.job_id AND jobs.cancelled = 1)`,
		s.now().UnixMilli(), batchID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// finishJobSQL counts one more terminal batch on the job and recomputes
// progress and status from the pre-update row values.
const finishJobSQL = `
	UPDATE jobs SET
		completed_batches = completed_batches + 1,
		failed_batches    = failed_batches + ?,
		cost              = cost + ?,
		input_tokens      = input_tokens + ?,
		output_tokens     = output_tokens + ?,
		duration_ms       = duration_ms + ?,
		progress_percent  = (200 * (completed_batches + 1) + total_batches) / (2 * total_batches),
		status            = CASE
			WHEN completed_batches + 1 >= total_batches AND status IN ('pending', 'running') THEN 'partial'
			WHEN status = 'pending' THEN 'running'
			ELSE status END
	WHERE id = ? AND completed_batches < total_batches
	RETURNING ` + jobColumns

func (s *SQLiteStore) CompleteBatch(ctx context.Context, batchID string, m Metrics, outputs []merge.BatchOutput) (*Job, error) {
	body, err := jsonText(outputs)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode outputs: %w", err)
	}
	return s.finish(ctx, batchID, `
		UPDATE batches SET status = 'completed', cost = ?, input_tokens = ?, output_tokens = ?,
			duration_ms = ?, outputs = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
		RETURNING job_id`,
		[]any{m.Cost, m.InputTokens, m.OutputTokens, m.DurationMs, body, s.now().UnixMilli(), batchID},
		[]any{0, m.Cost, m.InputTokens, m.OutputTokens, m.DurationMs})
}

func (s *SQLiteStore) FailBatch(ctx context.Context, batchID string, be *BatchError) (*Job, error) {
	return s.finish(ctx, batchID, `
		UPDATE batches SET status = 'failed', error_kind = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
		RETURNING job_id`,
		[]any{string(be.Kind), be.Message, s.now().UnixMilli(), batchID},
		[]any{1, 0.0, 0, 0, 0})
}

func (s *SQLiteStore) finish(ctx context.Context, batchID, batchSQL string, batchArgs, jobArgs []any) (*Job, error) {
	var job *Job
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var jobID string
		err := tx.QueryRowContext(ctx, batchSQL, batchArgs...).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("batch %s: %w", batchID, ErrBatchState)
		}
		if err != nil {
			return err
		}
		j, err := scanJob(tx.QueryRowContext(ctx, finishJobSQL, append(jobArgs, jobID)...))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("batch %s: job %s has no batches left to count: %w", batchID, jobID, ErrBatchState)
		}
		if err != nil {
			return fmt.Errorf("jobs: update job %s: %w", jobID, err)
		}
		if j.Status == StatusPartial && j.CompletedAt == nil {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET completed_at = ? WHERE id = ?`,
				s.now().UnixMilli(), jobID); err != nil {
				return err
			}
			t := s.now()
			j.CompletedAt = &t
		}
		job = j
		return nil
	})
	return job, err
}

func (s *SQLiteStore) ResetStuck(ctx context.Context, jobID string) (int, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE batches SET status = 'pending', updated_at = ? WHERE job_id = ? AND status = 'processing'`,
		s.now().UnixMilli(), jobID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	res, err := dbopen.Exec(ctx, s.db, `UPDATE jobs SET cancelled = 1 WHERE id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM batches WHERE job_id = ? AND status = 'pending'`, jobID)
	if err != nil {
		return nil, err
	}
	var pending []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, id)
	}
	rows.Close()
	for _, id := range pending {
		_, err := s.FailBatch(ctx, id, &BatchError{Kind: KindCancelled, Message: "job cancelled before dispatch"})
		if err != nil && !errors.Is(err, ErrBatchState) {
			return nil, err
		}
	}
	return s.Job(ctx, jobID)
}

func (s *SQLiteStore) Finalize(ctx context.Context, jobID string, res takeoff.Result) (bool, error) {
	body, err := jsonText(res)
	if err != nil {
		return false, fmt.Errorf("jobs: encode result: %w", err)
	}
	r, err := dbopen.Exec(ctx, s.db, `
		UPDATE jobs SET status = 'complete', final_result = ?, completed_at = ?
		WHERE id = ? AND status = 'partial'`,
		body, s.now().UnixMilli(), jobID)
	if err != nil {
		return false, err
	}
	n, err := r.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, msg string) error {
	_, err := dbopen.Exec(ctx, s.db, `
		UPDATE jobs SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		strings.TrimSpace(msg), s.now().UnixMilli(), jobID)
	return err
}

var _ Store = (*SQLiteStore)(nil)

// Package vtq is the visibility-timeout queue that carries asynchronous
// takeoff jobs between the API process and the workers executing them.
//
// A claimed message is invisible to other consumers until its visibility
// deadline. The consumer acks it when the job has reached a terminal state,
// or nacks it to hand it back. A consumer that crashes simply lets the
// deadline lapse and the message reappears; the job orchestrator resumes
// from the batch states it persisted, so redelivery is safe.
//
// While a handler runs, Run keeps pushing the deadline forward so long
// jobs are not redelivered under a live worker.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS planset_queue (
//	    id          TEXT PRIMARY KEY,      -- job id, publishing twice is a no-op
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix ms
//	    created_at  INTEGER NOT NULL,            -- unix ms
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Message is a row in the queue.
type Message struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Default: "".
	Queue string
	// Visibility is how long a claimed message stays invisible without a
	// keep-alive. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts discards a message delivered more often than this.
	// 0 means unlimited.
	MaxAttempts int
	// OnDiscard is called with a message dropped for exceeding MaxAttempts.
	OnDiscard func(ctx context.Context, m *Message)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Schema is the queue DDL, usable with dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS planset_queue (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_planset_queue_visible ON planset_queue (queue, visible_at);
`

// EnsureTable creates the queue table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// Publish enqueues a message that is immediately visible. It reports false
// when a message with the same id is already queued.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) (bool, error) {
	return q.PublishAfter(ctx, id, payload, 0)
}

// PublishAfter enqueues a message that becomes visible after delay.
func (q *Q) PublishAfter(ctx context.Context, id string, payload []byte, delay time.Duration) (bool, error) {
	now := time.Now()
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO planset_queue (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Claim atomically takes the oldest visible message and hides it for the
// visibility duration. It returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Message, error) {
	now := time.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE planset_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM planset_queue
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(),
	)

	var m Message
	var visAt, creAt int64
	err := row.Scan(&m.ID, &m.Queue, &m.Payload, &visAt, &creAt, &m.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.VisibleAt = time.UnixMilli(visAt)
	m.CreatedAt = time.UnixMilli(creAt)
	return &m, nil
}

// Ack deletes a processed message.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM planset_queue WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a message visible again after delay (0 for immediately).
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE planset_queue SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(delay).UnixMilli(), id, q.opts.Queue)
	return err
}

// Extend pushes the visibility deadline of a claimed message to now+extra.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE planset_queue SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(extra).UnixMilli(), id, q.opts.Queue)
	return err
}

// Len returns the number of queued messages, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM planset_queue WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Purge deletes every message in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM planset_queue WHERE queue = ?`, q.opts.Queue)
	return err
}

// Handler processes a claimed message. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, m *Message) error

// Run claims messages and runs up to concurrency handlers at once, keeping
// each claimed message invisible while its handler runs. It blocks until
// ctx is cancelled, then waits for in-flight handlers.
func (q *Q) Run(ctx context.Context, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	log := q.opts.Logger
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue, "concurrency", concurrency,
		"visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
	}()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			m, err := q.Claim(ctx)
			if err != nil || m == nil {
				<-sem
				if err != nil && ctx.Err() == nil {
					log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
				}
				break
			}
			if q.opts.MaxAttempts > 0 && m.Attempts > q.opts.MaxAttempts {
				<-sem
				log.Warn("vtq: message exceeded max attempts, discarding",
					"id", m.ID, "attempts", m.Attempts, "queue", q.opts.Queue)
				if q.opts.OnDiscard != nil {
					q.opts.OnDiscard(ctx, m)
				}
				_ = q.Ack(ctx, m.ID)
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, m, handler)
			}()
		}
	}
}

func (q *Q) handle(ctx context.Context, m *Message, handler Handler) {
	log := q.opts.Logger
	stop := make(chan struct{})
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		t := time.NewTicker(q.opts.Visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := q.Extend(context.Background(), m.ID, q.opts.Visibility); err != nil {
					log.Warn("vtq: keep-alive failed", "id", m.ID, "error", err)
				}
			}
		}
	}()

	err := handler(ctx, m)
	close(stop)
	<-kept

	// Acks outlive ctx: a shutdown mid-handler must still settle the message.
	if err != nil {
		log.Warn("vtq: handler failed, nacking", "id", m.ID, "error", err, "queue", q.opts.Queue)
		_ = q.Nack(context.Background(), m.ID, 0)
		return
	}
	_ = q.Ack(context.Background(), m.ID)
}

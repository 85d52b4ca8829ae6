package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// HeartbeatWriter writes periodic liveness rows for a queue worker, with
// the number of jobs it is executing.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	inFlight   atomic.Int64
	stop       chan struct{}
	done       chan struct{}
}

// NewHeartbeatWriter creates a writer. 15s is a reasonable interval.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Track adjusts the in-flight job count reported with each beat.
func (hw *HeartbeatWriter) Track(delta int64) { hw.inFlight.Add(delta) }

// Start writes one heartbeat immediately, then one per interval until Stop
// or ctx cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

// WriteHeartbeat writes a single heartbeat row.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.Exec(`
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb, in_flight
		) VALUES (?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, hw.inFlight.Load())
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(); err != nil {
		slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(); err != nil {
				slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
			}
		}
	}
}

// WorkerStatus is the latest heartbeat of a worker.
type WorkerStatus struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	InFlight   int       `json:"in_flight"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat for workerName, or nil
// if none was recorded. A worker is alive when its last beat is younger
// than staleAfter.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*WorkerStatus, error) {
	var ws WorkerStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, in_flight
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName).
		Scan(&ws.WorkerName, &ws.Hostname, &ws.PID, &ts, &ws.InFlight)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	ws.Timestamp = time.Unix(ts, 0)
	ws.Alive = time.Since(ws.Timestamp) <= staleAfter
	return &ws, nil
}

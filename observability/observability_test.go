package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hazyhaar/planset/dbopen"
	"github.com/hazyhaar/planset/idgen"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"metrics_timeseries", "pipeline_events", "worker_heartbeats"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	// Idempotent.
	if err := Init(db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

// --- MetricsManager ---

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      MetricBatchDurationMs,
		Timestamp: time.Now(),
		Value:     42.5,
		Unit:      "milliseconds",
		Labels:    map[string]string{"provider": "openai"},
	})
	mm.Observe(MetricIngestPages, 10, "count")
	mm.Close()

	mm2 := NewMetricsManager(db, 100, time.Hour)
	defer mm2.Close()

	metrics, err := mm2.Query(MetricBatchDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("batch.duration_ms count: got %d", len(metrics))
	}
	if metrics[0].Value != 42.5 {
		t.Fatalf("value: got %f", metrics[0].Value)
	}
	if metrics[0].Labels["provider"] != "openai" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}

	all, err := mm2.Query("", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2, Unit: "x"})
	mm.Flush()

	start := now.Add(-time.Hour)
	metrics, err := mm.Query("m1", &start, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("time-filtered count: got %d", len(metrics))
	}
}

func TestMetricsManager_SumMatchesLabels(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	mm.Observe(MetricBatchCost, 0.25, "usd", "job_id", "job_a", "provider", "openai")
	mm.Observe(MetricBatchCost, 0.50, "usd", "job_id", "job_a", "provider", "gemini")
	mm.Observe(MetricBatchCost, 1.00, "usd", "job_id", "job_b", "provider", "openai")
	mm.Flush()

	got, err := mm.Sum(MetricBatchCost, map[string]string{"job_id": "job_a"})
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.75 {
		t.Fatalf("Sum job_a: got %f, want 0.75", got)
	}
	all, err := mm.Sum(MetricBatchCost, nil)
	if err != nil {
		t.Fatal(err)
	}
	if all != 1.75 {
		t.Fatalf("Sum all: got %f, want 1.75", all)
	}
}

func TestMetricsManager_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour)
	defer mm.Close()

	mm.Record(&Metric{Name: "old_metric", Timestamp: time.Now().Add(-40 * 24 * time.Hour), Value: 1, Unit: "x"})
	mm.Record(&Metric{Name: "new_metric", Timestamp: time.Now(), Value: 2, Unit: "x"})
	mm.Flush()

	deleted, err := mm.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted: got %d", deleted)
	}
}

func TestMetricsManager_NilIsNoop(t *testing.T) {
	var mm *MetricsManager
	mm.Record(&Metric{Name: "x"})
	mm.Observe("x", 1, "count")
}

func TestMetricsManager_CloseTwice(t *testing.T) {
	mm := NewMetricsManager(setupObsDB(t), 10, time.Hour)
	mm.Close()
	mm.Close()
}

// --- EventLogger ---

func TestEventLogger_History(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db, WithEventIDGenerator(idgen.Sequence("evt_")))
	ctx := context.Background()
	base := time.Now()

	el.Log(ctx, Event{Type: "job.created", EntityType: "job", EntityID: "job_1", Success: true, At: base})
	el.Log(ctx, Event{
		Type: "batch.failed", EntityType: "batch", EntityID: "bat_1", ParentID: "job_1",
		Details: map[string]any{"kind": "timeout"}, At: base.Add(time.Second),
	})
	el.Log(ctx, Event{Type: "job.created", EntityType: "job", EntityID: "job_2", Success: true, At: base})

	evs, err := el.History(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("events for job_1: got %d, want 2", len(evs))
	}
	if evs[0].Type != "job.created" || evs[1].Type != "batch.failed" {
		t.Fatalf("order: got %s, %s", evs[0].Type, evs[1].Type)
	}
	if evs[1].Success {
		t.Fatal("batch.failed should be recorded as unsuccessful")
	}
	if evs[1].Details["kind"] != "timeout" {
		t.Fatalf("details: got %v", evs[1].Details)
	}
}

func TestEventLogger_NilIsNoop(t *testing.T) {
	var el *EventLogger
	el.Log(context.Background(), Event{Type: "x"})
}

func TestEventLogger_Cleanup(t *testing.T) {
	db := setupObsDB(t)
	el := NewEventLogger(db)
	ctx := context.Background()
	el.Log(ctx, Event{Type: "old", EntityType: "job", EntityID: "j", At: time.Now().AddDate(0, 0, -10)})
	el.Log(ctx, Event{Type: "new", EntityType: "job", EntityID: "j"})

	n, err := el.Cleanup(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted: got %d, want 1", n)
	}
}

// --- HeartbeatWriter ---

func TestHeartbeatWriter_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "planset-worker", time.Hour)
	hw.Track(3)
	hw.Track(-1)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	ws, err := LatestHeartbeat(context.Background(), db, "planset-worker", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ws == nil {
		t.Fatal("expected a heartbeat")
	}
	if ws.InFlight != 2 {
		t.Fatalf("in_flight: got %d, want 2", ws.InFlight)
	}
	if !ws.Alive {
		t.Fatal("fresh heartbeat should be alive")
	}
}

func TestLatestHeartbeat_Unknown(t *testing.T) {
	ws, err := LatestHeartbeat(context.Background(), setupObsDB(t), "ghost", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ws != nil {
		t.Fatalf("expected nil, got %+v", ws)
	}
}

func TestHeartbeatWriter_StartStop(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "w", time.Hour)
	hw.Start(context.Background())
	hw.Stop()

	var n int
	db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name = 'w'").Scan(&n)
	if n != 1 {
		t.Fatalf("heartbeats: got %d, want 1 immediate beat", n)
	}
}

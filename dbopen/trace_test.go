package dbopen_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/planset/dbopen"
	"github.com/hazyhaar/planset/kit"
)

func TestWithTrace_LogsStatements(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	db := dbopen.OpenMemory(t,
		dbopen.WithTrace(logger, time.Hour),
		dbopen.WithSchema("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"),
	)

	ctx := kit.WithJobID(kit.WithRequestID(context.Background(), "req_7"), "job_3")
	if _, err := db.ExecContext(ctx, "INSERT INTO t (v) VALUES (?)", "a"); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM t").Scan(&n); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO missing (v) VALUES (1)"); err == nil {
		t.Fatal("expected an error")
	}

	out := buf.String()
	for _, want := range []string{
		`"query":"INSERT INTO t (v) VALUES (?)"`,
		`"query":"SELECT count(*) FROM t"`,
		`"request_id":"req_7"`,
		`"job_id":"job_3"`,
		`"level":"ERROR"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log lacks %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "PRAGMA") {
		t.Errorf("fast pragmas were logged:\n%s", out)
	}
}

func TestWithTrace_SlowIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db := dbopen.OpenMemory(t, dbopen.WithTrace(logger, time.Nanosecond))

	if _, err := db.Exec("CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("log = %s", buf.String())
	}
}

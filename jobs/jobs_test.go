package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/planset/chunk"
	"github.com/hazyhaar/planset/connectivity"
	"github.com/hazyhaar/planset/dbopen"
	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/inference"
	"github.com/hazyhaar/planset/scoping"
	"github.com/hazyhaar/planset/takeoff"
	"github.com/hazyhaar/planset/vtq"
)

const studJSON = `{"takeoff":[{"name":"2x4 stud","quantity":48,"unit":"ea","location_key":"wall-A3","confidence":0.9}],"analysis":[{"kind":"missing_info","severity":"warning","message":"Header size not shown"}]}`

type fakeAnalyzer struct {
	name  string
	calls atomic.Int32
	fn    func(p inference.Prompt) (string, error)
}

func (f *fakeAnalyzer) Name() string { return f.name }

func (f *fakeAnalyzer) Analyze(ctx context.Context, p inference.Prompt) (inference.Analysis, error) {
	f.calls.Add(1)
	text, err := f.fn(p)
	if err != nil {
		return inference.Analysis{}, err
	}
	return inference.Analysis{
		Completion: inference.Completion{Text: text, Provider: f.name, Cost: 0.5, InputTokens: 100, OutputTokens: 20},
		Decoded:    inference.Decode(text),
	}, nil
}

func always(text string) func(inference.Prompt) (string, error) {
	return func(inference.Prompt) (string, error) { return text, nil }
}

func testChunks(planID string, n int) []chunk.Chunk {
	out := make([]chunk.Chunk, n)
	for i := range out {
		page := i + 1
		out[i] = chunk.Chunk{
			ID:        idgen.ChunkID(planID, i),
			Index:     i,
			PageRange: chunk.PageRange{Start: page, End: page, Pages: []int{page}},
			Content:   chunk.Content{Text: fmt.Sprintf("[page %d | sheet A-10%d]\nwall framing", page, page), TokenCount: 10},
			Metadata: chunk.Metadata{
				Anchors: []takeoff.Anchor{{Kind: takeoff.AnchorPage, Page: page, SheetID: fmt.Sprintf("A-10%d", page)}},
			},
			Safeguards: chunk.Safeguards{DedupeHash: fmt.Sprintf("hash%d", i)},
		}
	}
	return out
}

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema), dbopen.WithSchema(vtq.Schema))
	return NewSQLiteStore(db)
}

func newOrchestrator(t *testing.T, analyzers ...Analyzer) (*Orchestrator, *SQLiteStore) {
	t.Helper()
	st := newStore(t)
	return New(Config{
		Store:      st,
		Analyzers:  analyzers,
		NewJobID:   idgen.Sequence("job_"),
		NewBatchID: idgen.Sequence("bat_"),
	}), st
}

func create(t *testing.T, o *Orchestrator, chunks []chunk.Chunk, parallel int) *Job {
	t.Helper()
	return createFor(t, o, "pln_t", chunks, parallel)
}

func createFor(t *testing.T, o *Orchestrator, planID string, chunks []chunk.Chunk, parallel int) *Job {
	t.Helper()
	j, err := o.Create(context.Background(), JobSpec{
		PlanID:      planID,
		Chunks:      chunks,
		Currency:    "USD",
		CostPolicy:  inference.CostEstimate,
		MaxParallel: parallel,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func resultJSON(t *testing.T, r takeoff.Result) string {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestProgress(t *testing.T) {
	cases := []struct{ c, total, want int }{
		{0, 3, 0}, {1, 3, 33}, {2, 3, 67}, {3, 3, 100}, {1, 2, 50}, {0, 0, 100},
	}
	for _, tc := range cases {
		if got := Progress(tc.c, tc.total); got != tc.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", tc.c, tc.total, got, tc.want)
		}
	}
}

func TestCreate_OneBatchPerSegmentChunk(t *testing.T) {
	o, st := newOrchestrator(t)
	chunks := testChunks("pln_t", 3)
	plan := &scoping.Plan{Segments: []scoping.Segment{
		{ID: "seg_02_structural", Industry: "structural", ChunkIDs: []string{chunks[2].ID}},
		{ID: "seg_01_architectural", Industry: "architectural", ChunkIDs: []string{chunks[0].ID, chunks[1].ID, "pln_t/chk_9999"}},
	}}
	j, err := o.Create(context.Background(), JobSpec{PlanID: "pln_t", Chunks: chunks, Plan: plan})
	if err != nil {
		t.Fatal(err)
	}
	if j.TotalBatches != 3 || j.Status != StatusPending || j.MaxParallel != 2 {
		t.Fatalf("job = %+v", j)
	}
	batches, err := st.Batches(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, b := range batches {
		got = append(got, fmt.Sprintf("%d:%s", b.ChunkIndex, b.SegmentID))
	}
	want := "0:seg_01_architectural,1:seg_01_architectural,2:seg_02_structural"
	if strings.Join(got, ",") != want {
		t.Errorf("batches = %v", got)
	}
	c, err := st.Chunk(context.Background(), chunks[1].ID)
	if err != nil || c.Index != 1 {
		t.Errorf("stored chunk = %+v, %v", c, err)
	}
}

func TestCreate_DefaultSegment(t *testing.T) {
	o, _ := newOrchestrator(t)
	j := create(t, o, testChunks("pln_t", 2), 0)
	if len(j.Spec.Segments) != 1 || j.Spec.Segments[0].ID != "seg_default" || j.TotalBatches != 2 {
		t.Errorf("job = %+v", j)
	}
}

func TestCreate_NoChunksFails(t *testing.T) {
	o, st := newOrchestrator(t)
	j, err := o.Create(context.Background(), JobSpec{PlanID: "pln_t"})
	if !errors.Is(err, ErrNoChunks) {
		t.Fatalf("err = %v", err)
	}
	got, err := st.Job(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Error == "" {
		t.Errorf("job = %+v", got)
	}
	if _, _, err := o.MergeJobResults(context.Background(), j.ID); !errors.Is(err, ErrJobFailed) {
		t.Errorf("merge err = %v", err)
	}
}

func TestExecute_OneBatchFailsIsPartial(t *testing.T) {
	a := &fakeAnalyzer{name: "openai", fn: func(p inference.Prompt) (string, error) {
		if strings.Contains(p.User, "[page 2 |") {
			return "", errors.New("upstream 500")
		}
		return studJSON, nil
	}}
	o, _ := newOrchestrator(t, a)
	j := create(t, o, testChunks("pln_t", 3), 2)

	done, err := o.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusPartial {
		t.Fatalf("status = %s", done.Status)
	}
	if done.CompletedBatches != 3 || done.FailedBatches != 1 || done.ProgressPercent != 100 {
		t.Errorf("counts = %d/%d failed %d progress %d", done.CompletedBatches, done.TotalBatches, done.FailedBatches, done.ProgressPercent)
	}
	if done.Metrics.Cost != 1.0 || done.Metrics.InputTokens != 200 || done.Metrics.OutputTokens != 40 {
		t.Errorf("metrics = %+v, want the two completed batches only", done.Metrics)
	}
	if done.CompletedAt == nil || done.StartedAt == nil {
		t.Error("timestamps not set")
	}

	res, j2, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j2.Status != StatusPartial || j2.FinalResult != nil {
		t.Errorf("job after merge = %s, final %v", j2.Status, j2.FinalResult != nil)
	}
	// Chunks 0 and 2 are not neighbours, so both rows stay.
	if len(res.Takeoff) != 2 {
		t.Errorf("takeoff = %d items", len(res.Takeoff))
	}
	var failedLogged bool
	for _, e := range res.RunLog {
		if e.Type == takeoff.LogBatch && strings.Contains(e.Message, "upstream 500") {
			failedLogged = true
		}
	}
	if !failedLogged {
		t.Errorf("run log = %+v", res.RunLog)
	}

	again, _, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resultJSON(t, again) != resultJSON(t, res) {
		t.Error("second merge differs")
	}
}

func TestExecute_AllFailIsPartialWithEmptyArrays(t *testing.T) {
	a := &fakeAnalyzer{name: "openai", fn: func(inference.Prompt) (string, error) {
		return "", errors.New("boom")
	}}
	o, _ := newOrchestrator(t, a)
	j := create(t, o, testChunks("pln_t", 3), 3)

	done, err := o.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusPartial || done.FailedBatches != 3 {
		t.Fatalf("job = %+v", done)
	}
	if done.Metrics != (Metrics{}) {
		t.Errorf("metrics = %+v", done.Metrics)
	}
	res, _, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Takeoff) != 0 || len(res.Analysis) != 0 || res.Takeoff == nil || res.Analysis == nil {
		t.Errorf("takeoff=%v analysis=%v", res.Takeoff, res.Analysis)
	}
	if res.Failed() {
		t.Error("all-failed job rendered as the error shape")
	}
}

func TestExecute_CompleteFinalizes(t *testing.T) {
	a := &fakeAnalyzer{name: "openai", fn: always(studJSON)}
	o, _ := newOrchestrator(t, a)
	j := create(t, o, testChunks("pln_t", 3), 2)

	if _, err := o.Execute(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	res, done, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusComplete || done.FinalResult == nil {
		t.Fatalf("job = %s final=%v", done.Status, done.FinalResult != nil)
	}
	// The same stud on three neighbouring chunks collapses to one row.
	if len(res.Takeoff) != 1 || len(res.Takeoff[0].SourceChunks) != 3 {
		t.Fatalf("takeoff = %+v", res.Takeoff)
	}
	if len(res.Segments) != 1 || res.Segments[0].ItemCount != 1 {
		t.Errorf("segments = %+v", res.Segments)
	}

	again, _, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resultJSON(t, again) != resultJSON(t, res) {
		t.Errorf("stored result differs:\n%s\n%s", resultJSON(t, again), resultJSON(t, res))
	}
	if a.calls.Load() != 3 {
		t.Errorf("calls = %d", a.calls.Load())
	}

	// A finished job is not re-dispatched.
	if _, err := o.Execute(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 3 {
		t.Errorf("calls after re-execute = %d", a.calls.Load())
	}
}

func TestExecute_RespectsMaxParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	a := &fakeAnalyzer{name: "openai", fn: func(inference.Prompt) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return studJSON, nil
	}}
	o, _ := newOrchestrator(t, a)
	j := create(t, o, testChunks("pln_t", 6), 2)
	if _, err := o.Execute(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p > 2 || p < 1 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestExecute_ErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		fn   func(inference.Prompt) (string, error)
		want ErrorKind
	}{
		{"timeout", func(inference.Prompt) (string, error) {
			return "", &connectivity.ErrCallTimeout{Service: "inference.openai", Cause: context.DeadlineExceeded}
		}, KindTimeout},
		{"inference", func(inference.Prompt) (string, error) { return "", errors.New("bad gateway") }, KindInference},
		{"decode", always("I could not read the drawing."), KindDecode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, st := newOrchestrator(t, &fakeAnalyzer{name: "openai", fn: tc.fn})
			j := create(t, o, testChunks("pln_t", 1), 1)
			if _, err := o.Execute(context.Background(), j.ID); err != nil {
				t.Fatal(err)
			}
			batches, err := st.Batches(context.Background(), j.ID)
			if err != nil {
				t.Fatal(err)
			}
			b := batches[0]
			if b.Status != BatchFailed || b.Error == nil || b.Error.Kind != tc.want {
				t.Errorf("batch = %s %+v", b.Status, b.Error)
			}
		})
	}
}

func TestExecute_ConsensusAndPartialProviderFailure(t *testing.T) {
	good := &fakeAnalyzer{name: "openai", fn: always(studJSON)}
	garbled := &fakeAnalyzer{name: "gemini", fn: always("not json")}
	o, st := newOrchestrator(t, good, garbled)
	j := create(t, o, testChunks("pln_t", 1), 1)
	done, err := o.Execute(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.FailedBatches != 0 {
		t.Fatalf("failed = %d", done.FailedBatches)
	}
	// Both calls are paid for.
	if done.Metrics.Cost != 1.0 {
		t.Errorf("cost = %v", done.Metrics.Cost)
	}
	batches, _ := st.Batches(context.Background(), j.ID)
	outs := batches[0].Outputs
	if len(outs) != 1 || outs[0].Provider != "openai" || len(outs[0].Warnings) != 1 {
		t.Fatalf("outputs = %+v", outs)
	}
	res, _, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Takeoff) != 1 || res.Takeoff[0].NeedsReview {
		t.Errorf("takeoff = %+v", res.Takeoff)
	}
}

type blockingAnalyzer struct{ name string }

func (b blockingAnalyzer) Name() string { return b.name }

func (b blockingAnalyzer) Analyze(ctx context.Context, _ inference.Prompt) (inference.Analysis, error) {
	<-ctx.Done()
	return inference.Analysis{}, ctx.Err()
}

func TestExecute_DeadlineSettlesJob(t *testing.T) {
	o, st := newOrchestrator(t, blockingAnalyzer{"openai"}, blockingAnalyzer{"gemini"})
	j := create(t, o, testChunks("pln_t", 3), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done, err := o.Execute(ctx, j.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if done == nil || done.Status != StatusPartial || done.CompletedBatches != 3 || done.FailedBatches != 3 {
		t.Fatalf("job = %+v", done)
	}
	batches, err := st.Batches(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range batches {
		if b.Status != BatchFailed || b.Error == nil || b.Error.Kind != KindTimeout {
			t.Errorf("batch %s = %s %+v", b.ID, b.Status, b.Error)
		}
	}
	res, _, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Takeoff) != 0 || len(res.RunLog) == 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_CancelSettlesJob(t *testing.T) {
	o, st := newOrchestrator(t, blockingAnalyzer{"openai"})
	j := create(t, o, testChunks("pln_t", 2), 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	done, err := o.Execute(ctx, j.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if done.Status != StatusPartial {
		t.Fatalf("status = %s", done.Status)
	}
	batches, _ := st.Batches(context.Background(), j.ID)
	for _, b := range batches {
		if b.Error == nil || b.Error.Kind != KindCancelled {
			t.Errorf("batch %s error = %+v", b.ID, b.Error)
		}
	}
}

func TestExecute_ResumableRunLeavesBatchProcessing(t *testing.T) {
	o, st := newOrchestrator(t, blockingAnalyzer{"openai"})
	j := create(t, o, testChunks("pln_t", 1), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.execute(ctx, j.ID, true); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	batches, _ := st.Batches(context.Background(), j.ID)
	if batches[0].Status != BatchProcessing {
		t.Fatalf("status = %s", batches[0].Status)
	}
	if n, err := st.ResetStuck(context.Background(), j.ID); err != nil || n != 1 {
		t.Errorf("reset = %d, %v", n, err)
	}
}

func TestCancel_BeforeDispatch(t *testing.T) {
	a := &fakeAnalyzer{name: "openai", fn: always(studJSON)}
	o, _ := newOrchestrator(t, a)
	j := create(t, o, testChunks("pln_t", 3), 2)

	c, err := o.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Cancelled || c.Status != StatusPartial || c.FailedBatches != 3 {
		t.Fatalf("job = %+v", c)
	}
	if _, err := o.Execute(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != 0 {
		t.Errorf("cancelled job dispatched %d calls", a.calls.Load())
	}
	res, _, err := o.MergeJobResults(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Takeoff) != 0 {
		t.Errorf("takeoff = %+v", res.Takeoff)
	}
	var cancelled bool
	for _, e := range res.RunLog {
		if strings.Contains(e.Message, "cancelled") {
			cancelled = true
		}
	}
	if !cancelled {
		t.Errorf("run log = %+v", res.RunLog)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	o, _ := newOrchestrator(t)
	if _, err := o.Cancel(context.Background(), "job_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestMergeJobResults_NotReady(t *testing.T) {
	o, _ := newOrchestrator(t)
	j := create(t, o, testChunks("pln_t", 2), 1)
	if _, _, err := o.MergeJobResults(context.Background(), j.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v", err)
	}
}

func TestStatus_Counts(t *testing.T) {
	a := &fakeAnalyzer{name: "openai", fn: func(p inference.Prompt) (string, error) {
		if strings.Contains(p.User, "[page 1 |") {
			return "", errors.New("boom")
		}
		return studJSON, nil
	}}
	o, _ := newOrchestrator(t, a)
	j := create(t, o, testChunks("pln_t", 3), 1)
	if _, err := o.Execute(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	st, err := o.Status(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Completed != 2 || st.Failed != 1 || st.Pending != 0 || st.Job.Status != StatusPartial {
		t.Errorf("status = %+v", st)
	}
}

// storeCases run against every Store implementation.
var storeCases = []struct {
	name string
	fn   func(t *testing.T, o *Orchestrator, st Store, planID string)
}{
	{"BatchTransitionsAreCAS", testBatchTransitionsAreCAS},
	{"ConcurrentCompletions", testConcurrentCompletions},
	{"ResetStuck", testResetStuck},
	{"CancelFailsPending", testCancelFailsPending},
}

func TestStore_SQLite(t *testing.T) {
	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			o, st := newOrchestrator(t)
			tc.fn(t, o, st, "pln_t")
		})
	}
}

func testBatchTransitionsAreCAS(t *testing.T, o *Orchestrator, st Store, planID string) {
	j := createFor(t, o, planID, testChunks(planID, 2), 1)
	ctx := context.Background()
	batches, _ := st.Batches(ctx, j.ID)
	id := batches[0].ID

	if _, err := st.CompleteBatch(ctx, id, Metrics{}, nil); !errors.Is(err, ErrBatchState) {
		t.Errorf("complete of pending batch: err = %v", err)
	}
	ok, err := st.ClaimBatch(ctx, id)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if ok, _ := st.ClaimBatch(ctx, id); ok {
		t.Error("second claim succeeded")
	}
	got, err := st.CompleteBatch(ctx, id, Metrics{Cost: 0.25, InputTokens: 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedBatches != 1 || got.ProgressPercent != 50 || got.Status != StatusRunning {
		t.Errorf("job = %+v", got)
	}
	if _, err := st.CompleteBatch(ctx, id, Metrics{}, nil); !errors.Is(err, ErrBatchState) {
		t.Errorf("double completion: err = %v", err)
	}
	if _, err := st.FailBatch(ctx, id, &BatchError{Kind: KindInference, Message: "x"}); !errors.Is(err, ErrBatchState) {
		t.Errorf("fail after completion: err = %v", err)
	}
	got, err = st.Job(ctx, j.ID)
	if err != nil || got.CompletedBatches != 1 || got.Metrics.Cost != 0.25 {
		t.Errorf("job after rejected transitions = %+v, %v", got, err)
	}
}

func testConcurrentCompletions(t *testing.T, o *Orchestrator, st Store, planID string) {
	j := createFor(t, o, planID, testChunks(planID, 8), 1)
	ctx := context.Background()
	batches, _ := st.Batches(ctx, j.ID)
	for _, b := range batches {
		if ok, err := st.ClaimBatch(ctx, b.ID); !ok || err != nil {
			t.Fatalf("claim %s: %v", b.ID, err)
		}
	}
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.CompleteBatch(ctx, b.ID, Metrics{InputTokens: 1}, nil); err != nil {
				t.Errorf("complete %s: %v", b.ID, err)
			}
		}()
	}
	wg.Wait()
	got, err := st.Job(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedBatches != 8 || got.Metrics.InputTokens != 8 || got.Status != StatusPartial || got.CompletedAt == nil {
		t.Errorf("job = %+v", got)
	}
}

func testResetStuck(t *testing.T, o *Orchestrator, st Store, planID string) {
	j := createFor(t, o, planID, testChunks(planID, 2), 1)
	ctx := context.Background()
	batches, _ := st.Batches(ctx, j.ID)
	st.ClaimBatch(ctx, batches[0].ID)
	n, err := st.ResetStuck(ctx, j.ID)
	if err != nil || n != 1 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	batches, _ = st.Batches(ctx, j.ID)
	if batches[0].Status != BatchPending {
		t.Errorf("status = %s", batches[0].Status)
	}
}

func testCancelFailsPending(t *testing.T, o *Orchestrator, st Store, planID string) {
	j := createFor(t, o, planID, testChunks(planID, 3), 1)
	ctx := context.Background()
	batches, _ := st.Batches(ctx, j.ID)
	if ok, err := st.ClaimBatch(ctx, batches[0].ID); !ok || err != nil {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	c, err := st.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Cancelled || c.CompletedBatches != 2 || c.FailedBatches != 2 || c.Status.Terminal() {
		t.Fatalf("job after cancel = %+v", c)
	}
	got, err := st.CompleteBatch(ctx, batches[0].ID, Metrics{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPartial || got.CompletedBatches != 3 {
		t.Errorf("job = %+v", got)
	}
	if _, err := st.Cancel(ctx, "job_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel unknown: err = %v", err)
	}
}

func TestStore_PlanRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	p := &Plan{ID: "pln_x", URLs: []string{"obj://plans/a.pdf"}, Name: "Clinic", PageCount: 12, IngestedAt: &now}
	if err := st.PutPlan(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.ChunkCount = 3
	if err := st.PutPlan(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := st.Plan(ctx, "pln_x")
	if err != nil {
		t.Fatal(err)
	}
	if got.ChunkCount != 3 || got.URLs[0] != "obj://plans/a.pdf" || got.IngestedAt == nil || !got.IngestedAt.Equal(now) {
		t.Errorf("plan = %+v", got)
	}
	if _, err := st.Plan(ctx, "pln_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestWork_RunsQueuedJob(t *testing.T) {
	st := newStore(t)
	q := vtq.New(st.DB(), vtq.Options{Queue: "jobs", PollInterval: 10 * time.Millisecond})
	a := &fakeAnalyzer{name: "openai", fn: always(studJSON)}
	o := New(Config{
		Store:      st,
		Analyzers:  []Analyzer{a},
		Queue:      q,
		NewJobID:   idgen.Sequence("job_"),
		NewBatchID: idgen.Sequence("bat_"),
	})
	j := create(t, o, testChunks("pln_t", 2), 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Submit(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Work(ctx)
	}()
	for {
		got, err := st.Job(ctx, j.ID)
		if err == nil && got.Status == StatusComplete {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("job not complete: %+v, %v", got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestSubmit_NoQueue(t *testing.T) {
	o, _ := newOrchestrator(t)
	if err := o.Submit(context.Background(), "job_1"); !errors.Is(err, ErrNoQueue) {
		t.Errorf("err = %v", err)
	}
}

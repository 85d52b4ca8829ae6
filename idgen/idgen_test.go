package idgen

import (
	"strings"
	"sync"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || len(strings.Split(id, "-")) != 5 {
		t.Fatalf("UUIDv7: unexpected format %q", id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 50; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("UUIDv7 not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestRecordPrefixes(t *testing.T) {
	cases := map[string]Generator{"job_": Job, "bat_": Batch, "pln_": Plan}
	for prefix, gen := range cases {
		if id := gen(); !strings.HasPrefix(id, prefix) {
			t.Errorf("expected prefix %q, got %q", prefix, id)
		}
	}
}

func TestSequence_Concurrent(t *testing.T) {
	gen := Sequence("b")
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct ids, got %d", len(seen))
	}
	if !seen["b1"] || !seen["b20"] {
		t.Fatalf("expected b1..b20, got %v", seen)
	}
}

func TestChunkID_Stable(t *testing.T) {
	if a, b := ChunkID("pln_x", 3), ChunkID("pln_x", 3); a != b {
		t.Fatalf("ChunkID not stable: %q vs %q", a, b)
	}
	if got := ChunkID("pln_x", 12); got != "pln_x/chk_0012" {
		t.Fatalf("ChunkID: got %q", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

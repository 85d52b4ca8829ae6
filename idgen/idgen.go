// Package idgen provides pluggable ID generation for planset records.
//
// Stores and orchestrators accept a Generator so tests can swap in
// deterministic sequences while production uses time-sortable UUIDv7.
package idgen

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so job and batch listings order naturally by creation.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator producing prefix1, prefix2, ... It is safe
// for concurrent use and intended for tests and reproducible fixtures.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Record-scoped generators. Prefixes make IDs self-describing in logs.
var (
	Job   = Prefixed("job_", Default)
	Batch = Prefixed("bat_", Default)
	Plan  = Prefixed("pln_", Default)
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// ChunkID derives the stable ID of the chunk at index within a plan. Chunk
// IDs must not change between ingestion runs of the same plan, so they are
// derived rather than generated.
func ChunkID(planID string, index int) string {
	return fmt.Sprintf("%s/chk_%04d", planID, index)
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}

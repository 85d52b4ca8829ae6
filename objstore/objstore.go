// Package objstore is the object store planset reads source PDFs from and
// writes page rasters to. Objects are content addressed and written once:
// putting the same bytes twice returns the same key and touches nothing.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("objstore: not found")

// Scheme prefixes store keys used as URLs, e.g. "obj://ab/abcd….png".
const Scheme = "obj://"

// Store is a write-once, read-many blob store.
type Store interface {
	Put(ctx context.Context, data []byte, ext string) (key string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	URL(key string) string
}

// FS stores objects under a root directory, sharded by the first two hex
// characters of their sha256.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: mkdir root: %w", err)
	}
	return &FS{root: root}, nil
}

// Key derives the key for data with extension ext (".png", ".pdf").
func Key(data []byte, ext string) string {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return h[:2] + "/" + h + ext
}

// Put writes data once. A concurrent or repeated Put of the same bytes is a
// no-op that returns the same key.
func (s *FS) Put(ctx context.Context, data []byte, ext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := Key(data, ext)
	final := s.path(key)
	if _, err := os.Stat(final); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("objstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".put-*")
	if err != nil {
		return "", fmt.Errorf("objstore: temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("objstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("objstore: close: %w", err)
	}
	// Link fails if a concurrent Put won; the content is identical either way.
	if err := os.Link(tmp.Name(), final); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("objstore: link: %w", err)
	}
	return key, nil
}

// Get reads the object at key.
func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = strings.TrimPrefix(key, Scheme)
	if !validKey(key) {
		return nil, fmt.Errorf("objstore: invalid key %q", key)
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// URL returns the store URL of key.
func (s *FS) URL(key string) string { return Scheme + key }

func (s *FS) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// validKey rejects anything that could escape the root.
func validKey(key string) bool {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	return true
}

package objstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFS_PutGetWriteOnce(t *testing.T) {
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	k1, err := s.Put(ctx, []byte("page raster"), ".png")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := s.Put(ctx, []byte("page raster"), "png")
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("same bytes, different keys: %q vs %q", k1, k2)
	}
	if filepath.Ext(k1) != ".png" {
		t.Fatalf("key extension: %q", k1)
	}

	got, err := s.Get(ctx, s.URL(k1))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "page raster" {
		t.Fatalf("Get: %q", got)
	}
}

func TestFS_ConcurrentPut(t *testing.T) {
	s, _ := NewFS(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(context.Background(), []byte("same"), ".bin"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestFS_GetMissingAndInvalid(t *testing.T) {
	s, _ := NewFS(t.TempDir())
	ctx := context.Background()
	if _, err := s.Get(ctx, "ab/missing.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v", err)
	}
	if _, err := s.Get(ctx, "../etc/passwd"); err == nil {
		t.Fatal("expected invalid key error")
	}
}

func TestFetcher_Schemes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.pdf" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("%PDF-1.4 http"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	local := filepath.Join(dir, "plan.pdf")
	os.WriteFile(local, []byte("%PDF-1.4 file"), 0o644)

	store, _ := NewFS(filepath.Join(dir, "store"))
	key, _ := store.Put(context.Background(), []byte("%PDF-1.4 obj"), ".pdf")

	f := NewFetcher(WithStore(store))
	ctx := context.Background()

	cases := map[string]string{
		srv.URL + "/plan.pdf": "%PDF-1.4 http",
		"file://" + local:     "%PDF-1.4 file",
		store.URL(key):        "%PDF-1.4 obj",
	}
	for u, want := range cases {
		got, err := f.Fetch(ctx, u)
		if err != nil {
			t.Fatalf("Fetch(%s): %v", u, err)
		}
		if string(got) != want {
			t.Fatalf("Fetch(%s): got %q", u, got)
		}
	}

	if _, err := f.Fetch(ctx, srv.URL+"/missing.pdf"); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, err := f.Fetch(ctx, "ftp://x/y.pdf"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestFetcher_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := NewFetcher(WithMaxBytes(1024))
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestPublicHostsOnly(t *testing.T) {
	ctx := context.Background()
	cases := map[string]bool{
		"http://127.0.0.1/a.pdf":    false,
		"http://[::1]/a.pdf":        false,
		"http://10.1.2.3/a.pdf":     false,
		"http://192.168.0.10/a.pdf": false,
		"http://169.254.169.254/x":  false,
		"https://8.8.8.8/set.pdf":   true,
		"https://planset.invalid/a": true,
	}
	for raw, ok := range cases {
		u, _ := url.Parse(raw)
		if err := PublicHostsOnly(ctx, u); (err == nil) != ok {
			t.Errorf("%s: err = %v", raw, err)
		}
	}
}

func TestFetcher_GuardBlocksURLAndRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/plan.pdf" {
			http.Redirect(w, r, "/secret.pdf", http.StatusFound)
			return
		}
		w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	guard := func(_ context.Context, u *url.URL) error {
		if u.Path == "/secret.pdf" {
			return errors.New("forbidden path")
		}
		return nil
	}
	f := NewFetcher(WithURLGuard(guard))
	ctx := context.Background()
	if _, err := f.Fetch(ctx, srv.URL+"/secret.pdf"); !errors.Is(err, ErrBlockedURL) {
		t.Errorf("direct: err = %v", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/plan.pdf"); !errors.Is(err, ErrBlockedURL) {
		t.Errorf("redirect: err = %v", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/open.pdf"); err != nil {
		t.Errorf("allowed: err = %v", err)
	}
}

func TestFetcher_FileRoot(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "sets", "a.pdf")
	os.MkdirAll(filepath.Dir(inside), 0o755)
	os.WriteFile(inside, []byte("%PDF-1.4"), 0o644)
	outside := filepath.Join(t.TempDir(), "b.pdf")
	os.WriteFile(outside, []byte("%PDF-1.4"), 0o644)

	f := NewFetcher(WithFileRoot(root))
	ctx := context.Background()
	if _, err := f.Fetch(ctx, "file://"+inside); err != nil {
		t.Errorf("inside: %v", err)
	}
	if _, err := f.Fetch(ctx, "file://"+outside); !errors.Is(err, ErrBlockedURL) {
		t.Errorf("outside: err = %v", err)
	}
	if _, err := f.Fetch(ctx, "file://"+root+"/../"+filepath.Base(outside)); !errors.Is(err, ErrBlockedURL) {
		t.Errorf("dot-dot: err = %v", err)
	}
}

package objstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// ErrBlockedURL is returned for a document URL the fetcher refuses to read.
var ErrBlockedURL = errors.New("objstore: url blocked")

// URLGuard vets an http(s) URL before it is requested, and again on every
// redirect.
type URLGuard func(ctx context.Context, u *url.URL) error

// WithURLGuard installs guard on http(s) fetches.
func WithURLGuard(guard URLGuard) FetchOption { return func(f *Fetcher) { f.guard = guard } }

// WithFileRoot restricts file:// URLs to paths under root.
func WithFileRoot(root string) FetchOption { return func(f *Fetcher) { f.fileRoot = root } }

// PublicHostsOnly rejects hosts that are, or resolve to, loopback,
// link-local, private or unspecified addresses. A host that does not
// resolve is let through; the request fails on its own.
func PublicHostsOnly(ctx context.Context, u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if internalIP(ip) {
			return fmt.Errorf("%s is an internal address", host)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if internalIP(a.IP) {
			return fmt.Errorf("%s resolves to internal address %s", host, a.IP)
		}
	}
	return nil
}

func internalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

func (f *Fetcher) checkURL(ctx context.Context, u *url.URL) error {
	if f.guard == nil {
		return nil
	}
	if err := f.guard(ctx, u); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBlockedURL, u.Redacted(), err)
	}
	return nil
}

// guardRedirects copies the client so redirects pass the guard too.
func (f *Fetcher) guardRedirects() {
	if f.guard == nil {
		return
	}
	c := *f.client
	next := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if err := f.checkURL(req.Context(), req.URL); err != nil {
			return err
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	f.client = &c
}

// filePath resolves a file:// path, enforcing the file root when set.
func (f *Fetcher) filePath(path string) (string, error) {
	if f.fileRoot == "" {
		return path, nil
	}
	root, err := filepath.Abs(f.fileRoot)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrBlockedURL, path, f.fileRoot)
	}
	return abs, nil
}

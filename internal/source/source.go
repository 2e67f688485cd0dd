// Package source fetches the file named by an ingest job into local storage.
//
// Three locations are understood: the file repository that issued the job,
// an S3-compatible object store (s3://bucket/key) and the local filesystem
// (file:///path or an absolute path).
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/beetlebugorg/geoingest/internal/filehost"
)

// ErrNoSource is returned for a request that names nothing to fetch.
var ErrNoSource = errors.New("source: request names no file")

// Request describes the file to fetch.
type Request struct {
	// FileID is the repository id of the file.
	FileID string

	// URL overrides the repository as the location, e.g. s3://bucket/key.
	URL string

	// Endpoint is the repository the job came from.
	Endpoint filehost.Endpoint
}

// Artifact is a fetched file. Release removes it when the fetch created it.
type Artifact struct {
	Path  string
	owned bool
}

// Release removes an owned artifact. A file that is already gone is not an
// error, so Release may be called more than once.
func (a *Artifact) Release() error {
	if a == nil || !a.owned {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("source: release %s: %w", a.Path, err)
	}
	return nil
}

// Fetcher retrieves the file for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Artifact, error)
}

// Downloader is the repository side of a Router.
type Downloader interface {
	Download(ctx context.Context, ep filehost.Endpoint, id, dir string) (string, error)
}

// Router dispatches requests on the scheme of their URL. A request without
// a URL is fetched from the repository.
type Router struct {
	// Dir receives downloads. Empty means os.TempDir().
	Dir string

	Files Downloader

	// S3 handles s3:// URLs; nil rejects them.
	S3 *ObjectStore
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, req Request) (*Artifact, error) {
	if req.URL == "" {
		if req.FileID == "" {
			return nil, ErrNoSource
		}
		if r.Files == nil {
			return nil, errors.New("source: no file repository configured")
		}
		path, err := r.Files.Download(ctx, req.Endpoint, req.FileID, r.Dir)
		if err != nil {
			return nil, err
		}
		return &Artifact{Path: path, owned: true}, nil
	}

	if filepath.IsAbs(req.URL) {
		return fetchLocal(req.URL)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("source: parse %q: %w", req.URL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return fetchLocal(u.Path)
	case "s3":
		if r.S3 == nil {
			return nil, fmt.Errorf("source: no object store configured for %s", req.URL)
		}
		return r.S3.Fetch(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), r.Dir)
	default:
		return nil, fmt.Errorf("source: unsupported scheme %q", u.Scheme)
	}
}

// fetchLocal hands out the file in place; releasing it leaves it alone.
func fetchLocal(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source: %s is a directory", path)
	}
	return &Artifact{Path: path}, nil
}

// Package source reads video files from remote object stores. Each store
// is addressed by a scheme-qualified file id ("drive://<id>",
// "gs://<bucket>/<object>", "s3://<bucket>/<key>") and a Router dispatches
// on the scheme.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel errors. ErrNotFound and ErrPermission are not retryable.
var (
	ErrNotFound          = errors.New("source: file not found")
	ErrPermission        = errors.New("source: permission denied")
	ErrUnsupportedScheme = errors.New("source: unsupported scheme")
	ErrMalformedRef      = errors.New("source: malformed file reference")
)

// Supported schemes.
const (
	SchemeDrive = "drive"
	SchemeGCS   = "gs"
	SchemeS3    = "s3"
)

// Metadata describes a source file. Fingerprint is the lowercase hex MD5
// when the store exposes one, empty otherwise.
type Metadata struct {
	Name        string
	Size        int64
	MimeType    string
	Fingerprint string
}

// Store reads files from one object store.
type Store interface {
	Stat(ctx context.Context, fileID string) (*Metadata, error)
	// Open streams the file starting at offset. Implementations must honour
	// offset even when the backend ignores range requests.
	Open(ctx context.Context, fileID string, offset int64) (io.ReadCloser, error)
}

// Ref is a parsed file id.
type Ref struct {
	Scheme    string
	Container string // bucket; empty for drive
	Path      string // object key, or the drive file id
}

// ParseRef splits a scheme-qualified file id.
func ParseRef(fileID string) (Ref, error) {
	scheme, rest, ok := strings.Cut(fileID, "://")
	if !ok || scheme == "" || rest == "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrMalformedRef, fileID)
	}

	switch scheme {
	case SchemeDrive:
		if strings.Contains(rest, "/") {
			return Ref{}, fmt.Errorf("%w: %q", ErrMalformedRef, fileID)
		}

		return Ref{Scheme: scheme, Path: rest}, nil

	case SchemeGCS, SchemeS3:
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return Ref{}, fmt.Errorf("%w: %q", ErrMalformedRef, fileID)
		}

		return Ref{Scheme: scheme, Container: bucket, Path: key}, nil

	default:
		return Ref{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// Router dispatches to the Store registered for a file id's scheme.
type Router struct {
	stores map[string]Store
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{stores: make(map[string]Store)}
}

// Register binds scheme to st, replacing any previous binding.
func (r *Router) Register(scheme string, st Store) {
	r.stores[scheme] = st
}

func (r *Router) route(fileID string) (Store, error) {
	ref, err := ParseRef(fileID)
	if err != nil {
		return nil, err
	}

	st, ok := r.stores[ref.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnsupportedScheme, ref.Scheme)
	}

	return st, nil
}

// Stat implements Store.
func (r *Router) Stat(ctx context.Context, fileID string) (*Metadata, error) {
	st, err := r.route(fileID)
	if err != nil {
		return nil, err
	}

	return st.Stat(ctx, fileID)
}

// Open implements Store.
func (r *Router) Open(ctx context.Context, fileID string, offset int64) (io.ReadCloser, error) {
	st, err := r.route(fileID)
	if err != nil {
		return nil, err
	}

	return st.Open(ctx, fileID, offset)
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrUnsupportedScheme) ||
		errors.Is(err, ErrMalformedRef)
}

// skipReader discards the first n bytes of rc. It covers backends that
// answer a range request with the full body.
func skipReader(rc io.ReadCloser, n int64) (io.ReadCloser, error) {
	if n <= 0 {
		return rc, nil
	}

	if _, err := io.CopyN(io.Discard, rc, n); err != nil {
		rc.Close()

		return nil, fmt.Errorf("source: skipping to offset %d: %w", n, err)
	}

	return rc, nil
}

package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the shared failure taxonomy between the fetch collaborator and
// the worker pool. Retryability is decided from a fixed allow-list of kinds,
// not from error text.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network"
	KindRateLimited    ErrorKind = "rate_limited"
	KindSizeExceeded   ErrorKind = "size_exceeded"
	KindUnsupportedURL ErrorKind = "unsupported_url"
	KindNotFound       ErrorKind = "not_found"
	KindInternal       ErrorKind = "internal"
)

// Retryable reports whether the kind is a transient condition worth retrying.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimited:
		return true
	}
	return false
}

// Error is a fetch failure carrying its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a taxonomy kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from an error, defaulting to internal.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Result is a successfully fetched media file on local disk.
type Result struct {
	FilePath  string
	SizeBytes int64
	Title     string
}

// Fetcher downloads the media behind a URL. Implementations must enforce the
// supplied size limit or report KindSizeExceeded when it is discovered
// mid-transfer, must not select a video format taller than maxHeight pixels
// (0 means unconstrained), and must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, url string, sizeLimit int64, maxHeight int) (*Result, error)
}

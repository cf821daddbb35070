package engine

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidConfiguration is returned before any network activity when a
	// job carries a non-positive split size or connection count.
	ErrInvalidConfiguration = errors.New("invalid download configuration")

	// ErrIncompleteDownload is returned by Finalize when a segment has not
	// reached the done state.
	ErrIncompleteDownload = errors.New("download incomplete")
)

// FetchError is a segment-level failure. Transient errors stay inside the
// fetcher's retry loop; non-retriable ones fail the segment and the job.
type FetchError struct {
	SegmentIndex int
	Transient    bool
	Err          error
}

func (e *FetchError) Error() string {
	kind := "non-retriable"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("segment %d: %s: %v", e.SegmentIndex, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func transientErr(index int, err error) *FetchError {
	return &FetchError{SegmentIndex: index, Transient: true, Err: err}
}

func fatalErr(index int, err error) *FetchError {
	return &FetchError{SegmentIndex: index, Transient: false, Err: err}
}

func isTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	// Anything without an explicit classification (connection resets,
	// timeouts, truncated reads) is worth another attempt.
	return true
}

// transientStatus reports whether an HTTP status signals a server-side or
// rate-limit condition that a later attempt may clear.
func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Package automation defines the boundary between the orchestrator and whatever
// drives the recruiting platform's pages. Implementations must tolerate being
// used by exactly one goroutine at a time; the orchestrator creates one adapter
// per download.
package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrAuthChallenge means the page rendered a login challenge instead of content.
	ErrAuthChallenge = errors.New("authentication challenge")
	// ErrAbsent means the candidate page has no resume element.
	ErrAbsent = errors.New("resume not present")
	// ErrJobNotFound means the platform does not know the job at all.
	ErrJobNotFound = errors.New("job not found")
)

// CandidateRef identifies one applicant record. Treat as immutable.
type CandidateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// FileHandle identifies a downloadable resume on the current candidate page.
type FileHandle struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Page is one page of the candidate listing. Next is the opaque cursor token
// of the following page; empty on the last page.
type Page struct {
	Refs []CandidateRef
	Next string
}

type Adapter interface {
	Navigate(ctx context.Context, url string) error
	SetCookies(ctx context.Context, cookies []*http.Cookie) error
	// ListCandidates fetches the listing page addressed by cursor ("" is the first page).
	ListCandidates(ctx context.Context, jobID, cursor string) (Page, error)
	OpenCandidate(ctx context.Context, ref CandidateRef) error
	// LocateResume inspects the page opened by the last OpenCandidate call.
	LocateResume(ctx context.Context) (FileHandle, error)
	Download(ctx context.Context, h FileHandle) (io.ReadCloser, error)
	Close() error
}

// Factory creates a fresh adapter for one download.
type Factory func(ctx context.Context) (Adapter, error)

// TransientError marks a failure that may succeed if retried: timeouts,
// elements not yet rendered, upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

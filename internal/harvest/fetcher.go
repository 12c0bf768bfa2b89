package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/fault"
)

// OutcomeKind tags the result of one resume attempt.
type OutcomeKind int

const (
	Saved OutcomeKind = iota
	NotFound
	AuthLost
	TransientError
)

func (k OutcomeKind) String() string {
	switch k {
	case Saved:
		return "Saved"
	case NotFound:
		return "NotFound"
	case AuthLost:
		return "AuthLost"
	case TransientError:
		return "TransientError"
	default:
		return "Unknown"
	}
}

// Outcome is the result of Fetcher.Fetch. Path is set for Saved, Reason for
// NotFound and TransientError.
type Outcome struct {
	Kind     OutcomeKind
	Ref      automation.CandidateRef
	Path     string
	Reason   string
	Err      error
	Attempts int
}

// Sink persists a downloaded resume and returns where it was written.
// Saving the same name twice must overwrite.
type Sink interface {
	Save(jobID, name string, r io.Reader) (string, error)
}

type Fetcher struct {
	adapter automation.Adapter
	limiter Limiter
	entry   Limiter
	sink    Sink
	retry   RetryConfig
}

func NewFetcher(a automation.Adapter, lim Limiter, sink Sink, rc RetryConfig) *Fetcher {
	return &Fetcher{adapter: a, limiter: lim, entry: lim, sink: sink, retry: rc}
}

// SetEntryLimiter replaces the limiter for the call that opens a candidate.
// Once that call is admitted every other call for the candidate, retries
// included, goes through the regular limiter.
func (f *Fetcher) SetEntryLimiter(lim Limiter) { f.entry = lim }

var errAbsent = errors.New("candidate page has no resume")

// Fetch opens the candidate, locates its resume and saves it. A login
// challenge marks sess stale and yields AuthLost. Transient adapter failures
// are retried with backoff before TransientError is returned.
func (f *Fetcher) Fetch(ctx context.Context, sess *auth.Session, jobID string, ref automation.CandidateRef) Outcome {
	out := Outcome{Ref: ref}

	var path string
	started := false
	attempts, err := retry(ctx, f.retry, automation.IsTransient, func() error {
		p, err := f.attempt(ctx, sess, jobID, ref, &started)
		path = p
		return err
	})
	out.Attempts = attempts

	switch {
	case err == nil:
		out.Kind = Saved
		out.Path = path
	case errors.Is(err, errAbsent):
		out.Kind = NotFound
		out.Reason = "no resume attached"
	case errors.Is(err, automation.ErrAuthChallenge):
		sess.MarkStale()
		out.Kind = AuthLost
		out.Err = fault.Wrap(fault.KindAuthLost, "fetch", err)
	case errors.Is(err, fault.ErrAuthLost):
		out.Kind = AuthLost
		out.Err = err
	default:
		out.Kind = TransientError
		out.Err = fault.Wrap(fault.KindTransient, "fetch", err)
		out.Reason = err.Error()
		if automation.IsTransient(err) {
			out.Reason = fmt.Sprintf("gave up after %d attempts: %v", attempts, err)
		}
	}
	return out
}

func (f *Fetcher) attempt(ctx context.Context, sess *auth.Session, jobID string, ref automation.CandidateRef, started *bool) (string, error) {
	lim := f.limiter
	if !*started {
		lim = f.entry
	}
	if err := Gate(ctx, lim, sess); err != nil {
		return "", err
	}
	*started = true
	if err := f.adapter.OpenCandidate(ctx, ref); err != nil {
		return "", err
	}

	h, err := f.adapter.LocateResume(ctx)
	if errors.Is(err, automation.ErrAbsent) {
		return "", errAbsent
	}
	if err != nil {
		return "", err
	}

	if err := Gate(ctx, f.limiter, sess); err != nil {
		return "", err
	}
	body, err := f.adapter.Download(ctx, h)
	if errors.Is(err, automation.ErrAbsent) {
		return "", errAbsent
	}
	if err != nil {
		return "", err
	}
	defer body.Close()

	name := FileName(ref.Name, h.ID, ref.ID, h.Name)
	path, err := f.sink.Save(jobID, name, body)
	if err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return path, nil
}

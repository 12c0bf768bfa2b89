// Package harvest walks a job's candidate listing and retrieves each
// candidate's resume through an automation.Adapter.
package harvest

import (
	"context"
	"errors"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/fault"
)

// ErrEndOfSequence is returned by Paginator.Next once every candidate has been produced.
var ErrEndOfSequence = errors.New("end of candidate sequence")

// Limiter gates external calls. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Gate must be passed before every external call. A stale session
// short-circuits with AuthLost instead of touching the platform.
func Gate(ctx context.Context, lim Limiter, sess *auth.Session) error {
	if sess.Stale() {
		return fault.New(fault.KindAuthLost, "gate", "session is stale")
	}
	if lim == nil {
		return ctx.Err()
	}
	return lim.Acquire(ctx)
}

// Cursor is a restartable position in the listing. PageToken addresses the
// page holding the next candidate and Offset is the position within it.
// Index counts the distinct candidates produced so far.
type Cursor struct {
	PageToken string `json:"page_token"`
	Offset    int    `json:"offset"`
	Index     int    `json:"index"`
}

type Paginator struct {
	adapter automation.Adapter
	limiter Limiter
	jobID   string
	retry   RetryConfig

	cursor Cursor
	page   *automation.Page
	seen   map[string]struct{}
	done   bool
	total  int
	known  bool
}

// NewPaginator starts at from. The zero Cursor is the beginning of the listing.
func NewPaginator(a automation.Adapter, lim Limiter, jobID string, from Cursor, rc RetryConfig) *Paginator {
	return &Paginator{
		adapter: a,
		limiter: lim,
		jobID:   jobID,
		retry:   rc,
		cursor:  from,
		seen:    make(map[string]struct{}),
	}
}

// Next returns the next distinct candidate in listing order. It returns
// ErrEndOfSequence at the end and a fault.KindAuthLost error when the listing
// answers with a login challenge; in that case the cursor is left untouched
// and a later call with a fresh session fetches the same page again.
func (p *Paginator) Next(ctx context.Context, sess *auth.Session) (automation.CandidateRef, error) {
	for {
		if p.done {
			return automation.CandidateRef{}, ErrEndOfSequence
		}
		if p.page == nil {
			page, err := p.load(ctx, sess)
			if err != nil {
				return automation.CandidateRef{}, err
			}
			p.page = &page
			if page.Next == "" {
				p.total = p.cursor.Index + p.countRemaining()
				p.known = true
			}
		}

		if p.cursor.Offset >= len(p.page.Refs) {
			if p.page.Next == "" {
				p.done = true
				continue
			}
			p.cursor = Cursor{PageToken: p.page.Next, Index: p.cursor.Index}
			p.page = nil
			continue
		}

		ref := p.page.Refs[p.cursor.Offset]
		p.cursor.Offset++
		if _, dup := p.seen[ref.ID]; dup {
			continue
		}
		p.seen[ref.ID] = struct{}{}
		p.cursor.Index++
		return ref, nil
	}
}

func (p *Paginator) load(ctx context.Context, sess *auth.Session) (automation.Page, error) {
	var page automation.Page
	_, err := retry(ctx, p.retry, automation.IsTransient, func() error {
		if err := Gate(ctx, p.limiter, sess); err != nil {
			return err
		}
		var err error
		page, err = p.adapter.ListCandidates(ctx, p.jobID, p.cursor.PageToken)
		return err
	})

	switch {
	case err == nil:
		return page, nil
	case errors.Is(err, automation.ErrAuthChallenge):
		sess.MarkStale()
		return page, fault.Wrap(fault.KindAuthLost, "list candidates", err)
	case errors.Is(err, fault.ErrAuthLost):
		return page, err
	case errors.Is(err, automation.ErrJobNotFound):
		return page, fault.New(fault.KindFatal, "list candidates", "job %s does not exist", p.jobID)
	case ctx.Err() != nil:
		return page, ctx.Err()
	case errors.Is(err, context.Canceled):
		return page, err
	default:
		return page, fault.Wrap(fault.KindFatal, "list candidates", err)
	}
}

func (p *Paginator) countRemaining() int {
	pending := make(map[string]struct{})
	for _, ref := range p.page.Refs[min(p.cursor.Offset, len(p.page.Refs)):] {
		if _, ok := p.seen[ref.ID]; ok {
			continue
		}
		pending[ref.ID] = struct{}{}
	}
	return len(pending)
}

// Position returns the cursor of the next candidate to be produced.
func (p *Paginator) Position() Cursor { return p.cursor }

// Total reports the number of distinct candidates once the last page has been loaded.
func (p *Paginator) Total() (int, bool) { return p.total, p.known }

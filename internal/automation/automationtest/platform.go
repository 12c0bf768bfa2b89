// Package automationtest provides a scripted in-memory recruiting platform
// that satisfies automation.Adapter.
package automationtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/hirefetch/harvester/internal/automation"
)

// SessionCookie is the cookie name the platform checks when a token is required.
const SessionCookie = "PHPSESSID"

// Candidate is one applicant on the fake platform. A nil Resume means the
// candidate page has no resume element.
type Candidate struct {
	Ref    automation.CandidateRef
	Resume []byte
	FileID string
	Ext    string
}

// Platform is shared by every adapter it creates. All methods are safe for
// concurrent use.
type Platform struct {
	mu sync.Mutex

	jobs     map[string][]Candidate
	pageSize int
	token    string
	rotation int

	expireAfterOpens int
	transientOpens   map[string]int
	transientLists   int
	block            chan struct{}
	blocked          int
	onOpen           func()

	opens     map[string]int
	downloads map[string]int
	listCalls int
	openCount int
	adapters  int
	closed    int
}

func NewPlatform() *Platform {
	return &Platform{
		jobs:           make(map[string][]Candidate),
		pageSize:       2,
		transientOpens: make(map[string]int),
		opens:          make(map[string]int),
		downloads:      make(map[string]int),
	}
}

// AddJob registers a job listing. Candidates may repeat to model duplicated rows.
func (p *Platform) AddJob(jobID string, cands ...Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[jobID] = append(p.jobs[jobID], cands...)
}

func (p *Platform) SetPageSize(n int) {
	p.mu.Lock()
	p.pageSize = n
	p.mu.Unlock()
}

// RequireToken makes every protected call answer with a login challenge
// unless the adapter carries SessionCookie=tok.
func (p *Platform) RequireToken(tok string) {
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
}

// Token returns the currently accepted session token.
func (p *Platform) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// ExpireAfterOpens rotates the accepted token once n candidate pages have
// been opened successfully, so the next protected call is challenged.
func (p *Platform) ExpireAfterOpens(n int) {
	p.mu.Lock()
	p.expireAfterOpens = n
	p.mu.Unlock()
}

// FailOpens makes the next n opens of candidate id fail transiently.
func (p *Platform) FailOpens(id string, n int) {
	p.mu.Lock()
	p.transientOpens[id] = n
	p.mu.Unlock()
}

// FailLists makes the next n listing fetches fail transiently.
func (p *Platform) FailLists(n int) {
	p.mu.Lock()
	p.transientLists = n
	p.mu.Unlock()
}

// BlockOpens makes OpenCandidate wait until the returned release func is called.
func (p *Platform) BlockOpens() (release func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.block = ch
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.block == ch {
				p.block = nil
			}
			p.mu.Unlock()
			close(ch)
		})
	}
}

// OnOpen registers fn to run after every successful OpenCandidate.
func (p *Platform) OnOpen(fn func()) {
	p.mu.Lock()
	p.onOpen = fn
	p.mu.Unlock()
}

// Blocked reports how many OpenCandidate calls have waited on BlockOpens.
func (p *Platform) Blocked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked
}

func (p *Platform) Opens(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens[id]
}

func (p *Platform) Downloads(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloads[id]
}

func (p *Platform) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

// Adapters reports how many adapters were created and how many were closed.
func (p *Platform) Adapters() (created, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adapters, p.closed
}

// Factory returns an automation.Factory producing adapters bound to p.
func (p *Platform) Factory() automation.Factory {
	return func(ctx context.Context) (automation.Adapter, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.adapters++
		p.mu.Unlock()
		return &Adapter{p: p}, nil
	}
}

// Adapter is the per-download view of a Platform.
type Adapter struct {
	p       *Platform
	token   string
	current *Candidate
	closed  bool
}

func (a *Adapter) authorized() bool {
	return a.p.token == "" || a.token == a.p.token
}

func (a *Adapter) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	if !a.authorized() {
		return automation.ErrAuthChallenge
	}
	return nil
}

func (a *Adapter) SetCookies(_ context.Context, cookies []*http.Cookie) error {
	for _, c := range cookies {
		if c.Name == SessionCookie {
			a.token = c.Value
		}
	}
	return nil
}

func (a *Adapter) ListCandidates(ctx context.Context, jobID, cursor string) (automation.Page, error) {
	if err := ctx.Err(); err != nil {
		return automation.Page{}, err
	}
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()

	p.listCalls++
	if !a.authorized() {
		return automation.Page{}, automation.ErrAuthChallenge
	}
	if p.transientLists > 0 {
		p.transientLists--
		return automation.Page{}, automation.Transient(errors.New("listing timed out"))
	}
	cands, ok := p.jobs[jobID]
	if !ok {
		return automation.Page{}, automation.ErrJobNotFound
	}

	page := 0
	if cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(cursor, "page-"))
		if err != nil {
			return automation.Page{}, fmt.Errorf("bad cursor %q", cursor)
		}
		page = n
	}
	start := page * p.pageSize
	if start > len(cands) {
		start = len(cands)
	}
	end := start + p.pageSize
	if end > len(cands) {
		end = len(cands)
	}

	out := automation.Page{}
	for _, c := range cands[start:end] {
		out.Refs = append(out.Refs, c.Ref)
	}
	if end < len(cands) {
		out.Next = "page-" + strconv.Itoa(page+1)
	}
	return out, nil
}

func (a *Adapter) OpenCandidate(ctx context.Context, ref automation.CandidateRef) error {
	p := a.p
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		p.mu.Lock()
		p.blocked++
		p.mu.Unlock()
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	a.current = nil

	if p.expireAfterOpens > 0 && p.openCount >= p.expireAfterOpens {
		p.expireAfterOpens = 0
		p.rotation++
		p.token = "rotated-" + strconv.Itoa(p.rotation)
	}
	if !a.authorized() {
		return automation.ErrAuthChallenge
	}
	if n := p.transientOpens[ref.ID]; n > 0 {
		p.transientOpens[ref.ID] = n - 1
		return automation.Transient(errors.New("candidate page did not render"))
	}

	p.opens[ref.ID]++
	p.openCount++
	if p.onOpen != nil {
		p.onOpen()
	}
	for _, cands := range p.jobs {
		for i := range cands {
			if cands[i].Ref.ID == ref.ID {
				c := cands[i]
				a.current = &c
				return nil
			}
		}
	}
	return automation.Transient(fmt.Errorf("candidate %s not rendered", ref.ID))
}

func (a *Adapter) LocateResume(ctx context.Context) (automation.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return automation.FileHandle{}, err
	}
	if a.current == nil {
		return automation.FileHandle{}, errors.New("no candidate page open")
	}
	if a.current.Resume == nil {
		return automation.FileHandle{}, automation.ErrAbsent
	}
	id := a.current.FileID
	if id == "" {
		id = "f" + a.current.Ref.ID
	}
	ext := a.current.Ext
	if ext == "" {
		ext = ".pdf"
	}
	return automation.FileHandle{ID: id, Name: "resume" + ext}, nil
}

func (a *Adapter) Download(ctx context.Context, h automation.FileHandle) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if !a.authorized() {
		return nil, automation.ErrAuthChallenge
	}
	if a.current == nil || a.current.Resume == nil {
		return nil, automation.ErrAbsent
	}
	p.downloads[a.current.Ref.ID]++
	return io.NopCloser(bytes.NewReader(a.current.Resume)), nil
}

func (a *Adapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.p.mu.Lock()
	a.p.closed++
	a.p.mu.Unlock()
	return nil
}

// Refs builds n candidates named "Candidate <i>" with ids "c<i>", each with a resume.
func Refs(n int) []Candidate {
	out := make([]Candidate, 0, n)
	for i := 1; i <= n; i++ {
		id := "c" + strconv.Itoa(i)
		out = append(out, Candidate{
			Ref:    automation.CandidateRef{ID: id, Name: "Candidate " + strconv.Itoa(i)},
			Resume: []byte("resume of " + id),
		})
	}
	return out
}

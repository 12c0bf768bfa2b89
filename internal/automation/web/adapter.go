// Package web drives the recruiting platform over plain HTTP, parsing the
// rendered pages with goquery and keeping the session in a cookie jar.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/logger"
)

const (
	DefaultListPath = "/app/v2/job/%s/candidates"
	DefaultTimeout  = 60 * time.Second

	candidateSelector = "a[href*='/candidate/']"
	nextSelector      = "a[rel=next], .pagination .next a"
	resumeSelector    = "a[data-file-id], a[href*='/file/'], a[download]"
	notHiredSelector  = ".is-workflow-not-hired, .not-hired"
	rowSelector       = "tr, li, [data-candidate-id], .candidate-row"
)

var (
	candidateIDPattern = regexp.MustCompile(`/candidate/([^/?#]+)`)
	fileIDPattern      = regexp.MustCompile(`/file/([^/?#]+)`)

	errPageNotFound = errors.New("page not found")
)

type Config struct {
	BaseURL string
	// ListPath is joined to BaseURL; %s is replaced with the job id.
	ListPath        string
	Timeout         time.Duration
	ExcludeNotHired bool
	UserAgent       string
	Logger          logger.Logger
}

// Adapter implements automation.Adapter. Not safe for concurrent use.
type Adapter struct {
	cfg    Config
	base   *url.URL
	jar    *cookiejar.Jar
	client *http.Client
	log    logger.Logger

	page    *goquery.Document
	pageURL *url.URL
}

// NewFactory returns a factory creating one adapter, and one cookie jar, per download.
func NewFactory(cfg Config) automation.Factory {
	return func(ctx context.Context) (automation.Adapter, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return New(cfg)
	}
}

func New(cfg Config) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("web: base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("web: invalid base url %q", cfg.BaseURL)
	}
	if cfg.ListPath == "" {
		cfg.ListPath = DefaultListPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("web: create cookie jar: %w", err)
	}
	return &Adapter{
		cfg:    cfg,
		base:   base,
		jar:    jar,
		client: &http.Client{Jar: jar, Timeout: cfg.Timeout},
		log:    cfg.Logger,
	}, nil
}

func (a *Adapter) Navigate(ctx context.Context, rawURL string) error {
	_, _, err := a.get(ctx, rawURL)
	if errors.Is(err, errPageNotFound) {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return err
}

// SetCookies installs cookies for the platform's base URL.
func (a *Adapter) SetCookies(_ context.Context, cookies []*http.Cookie) error {
	a.jar.SetCookies(a.base, cookies)
	return nil
}

func (a *Adapter) ListCandidates(ctx context.Context, jobID, cursor string) (automation.Page, error) {
	target := cursor
	if target == "" {
		target = a.cfg.ListPath
		if strings.Contains(target, "%s") {
			target = fmt.Sprintf(target, url.PathEscape(jobID))
		}
	}

	doc, at, err := a.get(ctx, target)
	if errors.Is(err, errPageNotFound) {
		return automation.Page{}, automation.ErrJobNotFound
	}
	if err != nil {
		return automation.Page{}, err
	}

	var page automation.Page
	seen := make(map[string]struct{})
	excluded := 0
	doc.Find(candidateSelector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		m := candidateIDPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id := m[1]
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if a.cfg.ExcludeNotHired && notHired(s) {
			excluded++
			return
		}

		name := strings.Join(strings.Fields(s.Text()), " ")
		if name == "" {
			name, _ = s.Attr("title")
		}
		page.Refs = append(page.Refs, automation.CandidateRef{
			ID:   id,
			Name: name,
			URL:  resolve(at, href),
		})
	})
	if excluded > 0 {
		a.log.Debug("Excluded candidates marked Not Hired",
			logger.String("job_id", jobID),
			logger.Int("excluded", excluded))
	}

	if href, ok := doc.Find(nextSelector).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		page.Next = resolve(at, href)
	}
	return page, nil
}

// notHired looks for a "Not Hired" workflow tag on the link's row.
func notHired(s *goquery.Selection) bool {
	if s.Is(notHiredSelector) {
		return true
	}
	row := s.Closest(rowSelector)
	if row.Length() == 0 {
		row = s.Parent()
	}
	if row.Is(notHiredSelector) || row.Find(notHiredSelector).Length() > 0 {
		return true
	}
	tags := strings.ToLower(row.Find(".jz-tag, .tag, .status").Text())
	return strings.Contains(tags, "not hired")
}

func (a *Adapter) OpenCandidate(ctx context.Context, ref automation.CandidateRef) error {
	a.page, a.pageURL = nil, nil
	if ref.URL == "" {
		return fmt.Errorf("candidate %s has no page url", ref.ID)
	}
	doc, at, err := a.get(ctx, ref.URL)
	if errors.Is(err, errPageNotFound) {
		return fmt.Errorf("open candidate %s: %w", ref.ID, err)
	}
	if err != nil {
		return err
	}
	a.page, a.pageURL = doc, at
	return nil
}

func (a *Adapter) LocateResume(context.Context) (automation.FileHandle, error) {
	if a.page == nil {
		return automation.FileHandle{}, errors.New("no candidate page open")
	}
	link := a.page.Find(resumeSelector).First()
	href, _ := link.Attr("href")
	if link.Length() == 0 || strings.TrimSpace(href) == "" {
		return automation.FileHandle{}, automation.ErrAbsent
	}

	id, _ := link.Attr("data-file-id")
	if id == "" {
		if m := fileIDPattern.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
	}
	name, _ := link.Attr("download")
	if name == "" {
		name = strings.TrimSpace(link.Text())
	}
	return automation.FileHandle{ID: id, Name: name, URL: resolve(a.pageURL, href)}, nil
}

// Download streams the file behind h. The caller closes the body.
func (a *Adapter) Download(ctx context.Context, h automation.FileHandle) (io.ReadCloser, error) {
	if h.URL == "" {
		return nil, automation.ErrAbsent
	}
	resp, err := a.do(ctx, h.URL)
	if errors.Is(err, errPageNotFound) {
		return nil, automation.ErrAbsent
	}
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		defer resp.Body.Close()
		doc, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return nil, automation.Transient(fmt.Errorf("read %s: %w", h.URL, err))
		}
		if challenged(resp.Request.URL, doc) {
			return nil, automation.ErrAuthChallenge
		}
		return nil, fmt.Errorf("download %s: got an html page instead of a file", h.URL)
	}
	return resp.Body, nil
}

func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	a.page, a.pageURL = nil, nil
	return nil
}

// get fetches and parses a page, reporting a login challenge as
// automation.ErrAuthChallenge.
func (a *Adapter) get(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error) {
	resp, err := a.do(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, automation.Transient(fmt.Errorf("parse %s: %w", rawURL, err))
	}
	at := resp.Request.URL
	if challenged(at, doc) {
		return nil, nil, automation.ErrAuthChallenge
	}
	return doc, at, nil
}

func (a *Adapter) do(ctx context.Context, rawURL string) (*http.Response, error) {
	target := resolve(a.base, rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, automation.Transient(fmt.Errorf("request %s timed out: %w", target, err))
		}
		return nil, automation.Transient(fmt.Errorf("request %s: %w", target, err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, automation.ErrAuthChallenge
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errPageNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, automation.Transient(fmt.Errorf("%s returned status %d", target, resp.StatusCode))
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned status %d", target, resp.StatusCode)
	}
	return resp, nil
}

// challenged reports whether the page is a login form rather than content.
func challenged(at *url.URL, doc *goquery.Document) bool {
	if at != nil {
		p := strings.ToLower(at.Path)
		if strings.Contains(p, "login") || strings.Contains(p, "signin") {
			return true
		}
	}
	return doc.Find("input[type=password]").Length() > 0
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

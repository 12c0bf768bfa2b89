// Package auth holds the credential material injected into an automation session.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/fault"
)

// DefaultSessionNames are cookie names that identify a logged-in session.
var DefaultSessionNames = []string{"PHPSESSID", "sessionid", "session", "sid", "remember_token"}

// Credential is one cookie record as exported by a browser extension.
// Unknown JSON fields are ignored.
type Credential struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// ParseCredentials decodes a JSON array of credential records.
func ParseCredentials(data []byte) ([]Credential, error) {
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, "parse credentials", err)
	}
	if err := Validate(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// Validate rejects records that cannot be installed as cookies.
func Validate(creds []Credential) error {
	for i, c := range creds {
		if strings.TrimSpace(c.Name) == "" {
			return fault.New(fault.KindInvalidInput, "validate credentials", "record %d has no name", i)
		}
		if strings.ContainsAny(c.Name, " \t\r\n;=,") {
			return fault.New(fault.KindInvalidInput, "validate credentials", "record %d has an invalid name %q", i, c.Name)
		}
	}
	return nil
}

type Options struct {
	// Origin is navigated to before cookies are installed.
	Origin        string
	DefaultDomain string
	SessionNames  []string
}

// Session is immutable apart from its staleness flag. Replace it wholesale
// when new credentials arrive.
type Session struct {
	creds  []Credential
	usable bool
	origin string
	domain string
	stale  atomic.Bool
}

func NewSession(creds []Credential, opts Options) *Session {
	names := opts.SessionNames
	if len(names) == 0 {
		names = DefaultSessionNames
	}
	s := &Session{
		creds:  append([]Credential(nil), creds...),
		origin: opts.Origin,
		domain: opts.DefaultDomain,
	}
	for _, c := range s.creds {
		if c.Value != "" && identifiesSession(c.Name, names) {
			s.usable = true
			break
		}
	}
	return s
}

func identifiesSession(name string, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(name, n) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(name), "sess")
}

// Usable reports whether the material carries a session-identifying cookie.
func (s *Session) Usable() bool { return s != nil && s.usable }

func (s *Session) Stale() bool { return s != nil && s.stale.Load() }

// MarkStale is called when a protected page renders a login challenge.
func (s *Session) MarkStale() {
	if s != nil {
		s.stale.Store(true)
	}
}

func (s *Session) Len() int {
	if s == nil {
		return 0
	}
	return len(s.creds)
}

// Names lists the cookie names, for logging. Values are never exposed.
func (s *Session) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.creds))
	for _, c := range s.creds {
		names = append(names, c.Name)
	}
	return names
}

func (s *Session) Cookies() []*http.Cookie {
	if s == nil {
		return nil
	}
	cookies := make([]*http.Cookie, 0, len(s.creds))
	for _, c := range s.creds {
		domain := c.Domain
		if domain == "" {
			domain = s.domain
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return cookies
}

// Limiter admits one external call. A nil Limiter admits everything.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Apply installs the credentials into the automation context. The origin is
// visited first, through lim, because cookies can only be set for the current
// site; a login challenge at that point is expected and ignored.
func (s *Session) Apply(ctx context.Context, a automation.Adapter, lim Limiter) error {
	if s == nil || len(s.creds) == 0 {
		return nil
	}
	if s.origin != "" {
		if lim != nil {
			if err := lim.Acquire(ctx); err != nil {
				return err
			}
		}
		if err := a.Navigate(ctx, s.origin); err != nil && !errors.Is(err, automation.ErrAuthChallenge) {
			return fmt.Errorf("navigate to %s: %w", s.origin, err)
		}
	}
	if err := a.SetCookies(ctx, s.Cookies()); err != nil {
		return fmt.Errorf("install cookies: %w", err)
	}
	return nil
}

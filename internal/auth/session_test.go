package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	navigated []string
	cookies   []*http.Cookie
	navErr    error
}

func (r *recordingAdapter) Navigate(_ context.Context, url string) error {
	r.navigated = append(r.navigated, url)
	return r.navErr
}

func (r *recordingAdapter) SetCookies(_ context.Context, c []*http.Cookie) error {
	r.cookies = append(r.cookies, c...)
	return nil
}

func (r *recordingAdapter) ListCandidates(context.Context, string, string) (automation.Page, error) {
	return automation.Page{}, nil
}
func (r *recordingAdapter) OpenCandidate(context.Context, automation.CandidateRef) error { return nil }
func (r *recordingAdapter) LocateResume(context.Context) (automation.FileHandle, error) {
	return automation.FileHandle{}, nil
}
func (r *recordingAdapter) Download(context.Context, automation.FileHandle) (io.ReadCloser, error) {
	return nil, nil
}
func (r *recordingAdapter) Close() error { return nil }

type countingLimiter struct {
	n   int
	err error
}

func (c *countingLimiter) Acquire(context.Context) error {
	c.n++
	return c.err
}

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials([]byte(`[
		{"name":"PHPSESSID","value":"abc","domain":".example.com","path":"/","secure":true,"httpOnly":true,"sameSite":"Lax"},
		{"name":"theme","value":"dark"}
	]`))
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "PHPSESSID", creds[0].Name)
	assert.True(t, creds[0].HTTPOnly)
	assert.Equal(t, "", creds[1].Domain)
}

func TestParseCredentials_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"missing name", `[{"value":"x"}]`},
		{"bad name", `[{"name":"a b","value":"x"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCredentials([]byte(tt.input))
			assert.ErrorIs(t, err, fault.ErrInvalidInput)
		})
	}
}

func TestSession_Usable(t *testing.T) {
	assert.True(t, NewSession([]Credential{{Name: "PHPSESSID", Value: "x"}}, Options{}).Usable())
	assert.True(t, NewSession([]Credential{{Name: "app_session_v2", Value: "x"}}, Options{}).Usable())
	assert.False(t, NewSession([]Credential{{Name: "theme", Value: "dark"}}, Options{}).Usable())
	assert.False(t, NewSession([]Credential{{Name: "PHPSESSID"}}, Options{}).Usable(), "empty value")
	assert.False(t, NewSession(nil, Options{}).Usable())

	var nilSession *Session
	assert.False(t, nilSession.Usable())
	assert.False(t, nilSession.Stale())
}

func TestSession_CustomNames(t *testing.T) {
	s := NewSession([]Credential{{Name: "auth_token", Value: "x"}}, Options{SessionNames: []string{"auth_token"}})
	assert.True(t, s.Usable())
}

func TestSession_Stale(t *testing.T) {
	s := NewSession([]Credential{{Name: "sid", Value: "x"}}, Options{})
	assert.False(t, s.Stale())
	s.MarkStale()
	assert.True(t, s.Stale())
}

func TestSession_CookiesDefaults(t *testing.T) {
	s := NewSession([]Credential{
		{Name: "sid", Value: "x"},
		{Name: "pref", Value: "y", Domain: "other.example.com", Path: "/app"},
	}, Options{DefaultDomain: "example.com"})

	cookies := s.Cookies()
	require.Len(t, cookies, 2)
	assert.Equal(t, "example.com", cookies[0].Domain)
	assert.Equal(t, "/", cookies[0].Path)
	assert.Equal(t, "other.example.com", cookies[1].Domain)
	assert.Equal(t, "/app", cookies[1].Path)
	assert.Equal(t, []string{"sid", "pref"}, s.Names())
}

func TestSession_ApplyIgnoresChallengeOnOrigin(t *testing.T) {
	a := &recordingAdapter{navErr: automation.ErrAuthChallenge}
	s := NewSession([]Credential{{Name: "sid", Value: "x"}}, Options{Origin: "https://app.example.com"})

	require.NoError(t, s.Apply(context.Background(), a, nil))
	assert.Equal(t, []string{"https://app.example.com"}, a.navigated)
	require.Len(t, a.cookies, 1)
	assert.Equal(t, "sid", a.cookies[0].Name)
}

func TestSession_ApplyNavigateFailure(t *testing.T) {
	a := &recordingAdapter{navErr: errors.New("dns failure")}
	s := NewSession([]Credential{{Name: "sid", Value: "x"}}, Options{Origin: "https://app.example.com"})

	err := s.Apply(context.Background(), a, nil)
	require.Error(t, err)
	assert.Empty(t, a.cookies)
}

func TestSession_ApplyEmptyIsNoop(t *testing.T) {
	a := &recordingAdapter{}
	require.NoError(t, NewSession(nil, Options{Origin: "https://x"}).Apply(context.Background(), a, nil))
	assert.Empty(t, a.navigated)
}

func TestSession_ApplyGatesOriginNavigation(t *testing.T) {
	a := &recordingAdapter{}
	lim := &countingLimiter{}
	s := NewSession([]Credential{{Name: "sid", Value: "x"}}, Options{Origin: "https://app.example.com"})

	require.NoError(t, s.Apply(context.Background(), a, lim))
	assert.Equal(t, 1, lim.n)
	assert.Len(t, a.navigated, 1)

	noOrigin := NewSession([]Credential{{Name: "sid", Value: "x"}}, Options{})
	require.NoError(t, noOrigin.Apply(context.Background(), a, lim))
	assert.Equal(t, 1, lim.n, "installing cookies alone is not an external call")
}

func TestSession_ApplyStopsWhenLimiterRefuses(t *testing.T) {
	a := &recordingAdapter{}
	lim := &countingLimiter{err: context.Canceled}
	s := NewSession([]Credential{{Name: "sid", Value: "x"}}, Options{Origin: "https://app.example.com"})

	err := s.Apply(context.Background(), a, lim)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, a.navigated)
	assert.Empty(t, a.cookies)
}

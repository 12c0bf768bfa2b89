package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirefetch/harvester/internal/automation"
)

const sessionToken = "abc123"

func platform(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie("PHPSESSID")
			if err != nil || c.Value != sessionToken {
				http.Redirect(w, r, "/login?next="+r.URL.Path, http.StatusFound)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form><input type="email"><input type="password"></form></body></html>`)
	})
	mux.HandleFunc("/app/v2/job/42/candidates", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><table>
<tr><td><a href="/app/v2/job/42/candidate/1/profile"> Ada  Lovelace </a></td></tr>
<tr><td><a href="/app/v2/job/42/candidate/2/profile">Grace Hopper</a></td></tr>
<tr class="row"><td><a href="/app/v2/job/42/candidate/9/profile">Not Wanted</a></td>
  <td><span class="jz-tag is-workflow-not-hired">Not Hired</span></td></tr>
<tr><td><a href="/app/v2/job/42/candidate/1/profile">Ada Lovelace</a></td></tr>
</table>
<ul class="pagination"><li class="next"><a href="/app/v2/job/42/candidates?page=2">Next</a></li></ul>
</body></html>`)
	}))
	mux.HandleFunc("/app/v2/job/42/candidate/1/profile", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="documents">
<a data-file-id="f77" href="/file/f77/download" download="ada.pdf">Resume</a></div></body></html>`)
	}))
	mux.HandleFunc("/app/v2/job/42/candidate/2/profile", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>No documents</p></body></html>`)
	}))
	mux.HandleFunc("/file/f77/download", authed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-ada")
	}))
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	a, err := New(Config{BaseURL: srv.URL, ExcludeNotHired: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func login(t *testing.T, a *Adapter) {
	t.Helper()
	require.NoError(t, a.SetCookies(context.Background(), []*http.Cookie{{Name: "PHPSESSID", Value: sessionToken, Path: "/"}}))
}

func TestListCandidates_ChallengeWithoutSession(t *testing.T) {
	a := newAdapter(t, platform(t))
	_, err := a.ListCandidates(context.Background(), "42", "")
	assert.ErrorIs(t, err, automation.ErrAuthChallenge)
}

func TestListCandidates_ParsesPage(t *testing.T) {
	srv := platform(t)
	a := newAdapter(t, srv)
	login(t, a)

	page, err := a.ListCandidates(context.Background(), "42", "")
	require.NoError(t, err)

	require.Len(t, page.Refs, 2, "duplicates and Not Hired rows are dropped")
	assert.Equal(t, automation.CandidateRef{
		ID:   "1",
		Name: "Ada Lovelace",
		URL:  srv.URL + "/app/v2/job/42/candidate/1/profile",
	}, page.Refs[0])
	assert.Equal(t, "2", page.Refs[1].ID)
	assert.Equal(t, srv.URL+"/app/v2/job/42/candidates?page=2", page.Next)
}

func TestListCandidates_KeepsNotHiredWhenNotExcluding(t *testing.T) {
	srv := platform(t)
	a, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	login(t, a)

	page, err := a.ListCandidates(context.Background(), "42", "")
	require.NoError(t, err)
	assert.Len(t, page.Refs, 3)
}

func TestListCandidates_UnknownJob(t *testing.T) {
	a := newAdapter(t, platform(t))
	login(t, a)
	_, err := a.ListCandidates(context.Background(), "404", "")
	assert.ErrorIs(t, err, automation.ErrJobNotFound)
}

func TestResumeLifecycle(t *testing.T) {
	srv := platform(t)
	a := newAdapter(t, srv)
	login(t, a)
	ctx := context.Background()

	require.NoError(t, a.OpenCandidate(ctx, automation.CandidateRef{ID: "1", URL: srv.URL + "/app/v2/job/42/candidate/1/profile"}))
	h, err := a.LocateResume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "f77", h.ID)
	assert.Equal(t, "ada.pdf", h.Name)

	body, err := a.Download(ctx, h)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-ada", string(data))

	require.NoError(t, a.OpenCandidate(ctx, automation.CandidateRef{ID: "2", URL: "/app/v2/job/42/candidate/2/profile"}))
	_, err = a.LocateResume(ctx)
	assert.ErrorIs(t, err, automation.ErrAbsent)
}

func TestOpenCandidate_ChallengeAfterSessionLoss(t *testing.T) {
	srv := platform(t)
	a := newAdapter(t, srv)
	login(t, a)
	require.NoError(t, a.SetCookies(context.Background(), []*http.Cookie{{Name: "PHPSESSID", Value: "expired", Path: "/"}}))

	err := a.OpenCandidate(context.Background(), automation.CandidateRef{ID: "1", URL: srv.URL + "/app/v2/job/42/candidate/1/profile"})
	assert.ErrorIs(t, err, automation.ErrAuthChallenge)
}

func TestServerErrorsAreTransient(t *testing.T) {
	a := newAdapter(t, platform(t))
	err := a.Navigate(context.Background(), "/flaky")
	require.Error(t, err)
	assert.True(t, automation.IsTransient(err))
}

func TestNavigate_ReportsLoginPage(t *testing.T) {
	a := newAdapter(t, platform(t))
	err := a.Navigate(context.Background(), "/login")
	assert.True(t, errors.Is(err, automation.ErrAuthChallenge))
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}

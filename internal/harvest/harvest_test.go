package harvest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/automation/automationtest"
	"github.com/hirefetch/harvester/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

type memorySink struct {
	mu    sync.Mutex
	files map[string][]byte
	saves int
}

func (s *memorySink) Save(jobID, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	path := "job_" + jobID + "/" + name
	s.files[path] = data
	s.saves++
	return path, nil
}

type countingLimiter struct{ n int }

func (c *countingLimiter) Acquire(ctx context.Context) error {
	c.n++
	return ctx.Err()
}

// stoppingLimiter refuses calls once stop is done.
type stoppingLimiter struct{ stop context.Context }

func (l *stoppingLimiter) Acquire(context.Context) error { return l.stop.Err() }

func session(tok string) *auth.Session {
	return auth.NewSession([]auth.Credential{{Name: automationtest.SessionCookie, Value: tok}}, auth.Options{})
}

func newAdapter(t *testing.T, p *automationtest.Platform, sess *auth.Session) automation.Adapter {
	t.Helper()
	a, err := p.Factory()(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.Apply(context.Background(), a, nil))
	return a
}

func drain(t *testing.T, pg *Paginator, sess *auth.Session) []string {
	t.Helper()
	var ids []string
	for {
		ref, err := pg.Next(context.Background(), sess)
		if err == ErrEndOfSequence {
			return ids
		}
		require.NoError(t, err)
		ids = append(ids, ref.ID)
	}
}

func TestPaginator_WalksPagesInOrder(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(5)...)
	sess := session("")
	lim := &countingLimiter{}
	pg := NewPaginator(newAdapter(t, p, sess), lim, "42", Cursor{}, fastRetry)

	_, known := pg.Total()
	assert.False(t, known)

	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, drain(t, pg, sess))
	total, known := pg.Total()
	assert.True(t, known)
	assert.Equal(t, 5, total)
	assert.Equal(t, 3, p.ListCalls())
	assert.Equal(t, 3, lim.n, "every page fetch is gated")

	_, err := pg.Next(context.Background(), sess)
	assert.ErrorIs(t, err, ErrEndOfSequence)
}

func TestPaginator_DeduplicatesByID(t *testing.T) {
	cands := automationtest.Refs(3)
	p := automationtest.NewPlatform()
	p.AddJob("7", cands[0], cands[1], cands[1], cands[2], cands[0])
	sess := session("")
	pg := NewPaginator(newAdapter(t, p, sess), nil, "7", Cursor{}, fastRetry)

	assert.Equal(t, []string{"c1", "c2", "c3"}, drain(t, pg, sess))
	total, _ := pg.Total()
	assert.Equal(t, 3, total)
}

func TestPaginator_AuthLostPreservesCursor(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(5)...)
	p.RequireToken("good")
	stale := session("bad")
	a := newAdapter(t, p, stale)
	pg := NewPaginator(a, nil, "42", Cursor{}, fastRetry)

	_, err := pg.Next(context.Background(), stale)
	require.ErrorIs(t, err, fault.ErrAuthLost)
	assert.True(t, stale.Stale())
	assert.Equal(t, Cursor{}, pg.Position())

	calls := p.ListCalls()
	_, err = pg.Next(context.Background(), stale)
	require.ErrorIs(t, err, fault.ErrAuthLost)
	assert.Equal(t, calls, p.ListCalls(), "stale session must not reach the platform")

	fresh := session("good")
	require.NoError(t, fresh.Apply(context.Background(), a, nil))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, drain(t, pg, fresh))
}

func TestPaginator_RestartsFromCursor(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(5)...)
	sess := session("")
	a := newAdapter(t, p, sess)

	pg := NewPaginator(a, nil, "42", Cursor{}, fastRetry)
	for i := 0; i < 3; i++ {
		_, err := pg.Next(context.Background(), sess)
		require.NoError(t, err)
	}
	pos := pg.Position()
	assert.Equal(t, Cursor{PageToken: "page-1", Offset: 1, Index: 3}, pos)

	resumed := NewPaginator(a, nil, "42", pos, fastRetry)
	assert.Equal(t, []string{"c4", "c5"}, drain(t, resumed, sess))
	assert.Equal(t, 5, resumed.Position().Index)
}

func TestPaginator_JobNotFoundIsFatal(t *testing.T) {
	p := automationtest.NewPlatform()
	sess := session("")
	pg := NewPaginator(newAdapter(t, p, sess), nil, "missing", Cursor{}, fastRetry)

	_, err := pg.Next(context.Background(), sess)
	assert.ErrorIs(t, err, fault.ErrFatal)
}

func TestPaginator_RetriesTransientListing(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(1)...)
	p.FailLists(2)
	sess := session("")
	pg := NewPaginator(newAdapter(t, p, sess), nil, "42", Cursor{}, fastRetry)

	assert.Equal(t, []string{"c1"}, drain(t, pg, sess))
	assert.Equal(t, 3, p.ListCalls())
}

func TestPaginator_ListingUnreachableIsFatal(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(1)...)
	p.FailLists(10)
	sess := session("")
	pg := NewPaginator(newAdapter(t, p, sess), nil, "42", Cursor{}, fastRetry)

	_, err := pg.Next(context.Background(), sess)
	assert.ErrorIs(t, err, fault.ErrFatal)
	assert.Equal(t, 3, p.ListCalls())
}

func TestFetcher_Outcomes(t *testing.T) {
	cands := automationtest.Refs(3)
	cands[1].Resume = nil
	p := automationtest.NewPlatform()
	p.AddJob("42", cands...)
	sess := session("")
	sink := &memorySink{}
	f := NewFetcher(newAdapter(t, p, sess), nil, sink, fastRetry)

	out := f.Fetch(context.Background(), sess, "42", cands[0].Ref)
	assert.Equal(t, Saved, out.Kind)
	assert.Equal(t, "job_42/Candidate_1_fc1.pdf", out.Path)
	assert.Equal(t, []byte("resume of c1"), sink.files[out.Path])

	out = f.Fetch(context.Background(), sess, "42", cands[1].Ref)
	assert.Equal(t, NotFound, out.Kind)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, 0, p.Downloads("c2"))
}

func TestFetcher_SameCandidateOverwrites(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(1)...)
	sess := session("")
	sink := &memorySink{}
	f := NewFetcher(newAdapter(t, p, sess), nil, sink, fastRetry)

	first := f.Fetch(context.Background(), sess, "42", automationtest.Refs(1)[0].Ref)
	second := f.Fetch(context.Background(), sess, "42", automationtest.Refs(1)[0].Ref)
	assert.Equal(t, first.Path, second.Path)
	assert.Len(t, sink.files, 1)
	assert.Equal(t, 2, sink.saves)
}

func TestFetcher_RetriesTransientOpen(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(1)...)
	p.FailOpens("c1", 2)
	sess := session("")
	f := NewFetcher(newAdapter(t, p, sess), nil, &memorySink{}, fastRetry)

	out := f.Fetch(context.Background(), sess, "42", automationtest.Refs(1)[0].Ref)
	assert.Equal(t, Saved, out.Kind)
	assert.Equal(t, 3, out.Attempts)
}

func TestFetcher_TransientExhausted(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(1)...)
	p.FailOpens("c1", 5)
	sess := session("")
	f := NewFetcher(newAdapter(t, p, sess), nil, &memorySink{}, fastRetry)

	out := f.Fetch(context.Background(), sess, "42", automationtest.Refs(1)[0].Ref)
	assert.Equal(t, TransientError, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.ErrorIs(t, out.Err, fault.ErrTransient)
	assert.Contains(t, out.Reason, "gave up after 3 attempts")
}

func TestFetcher_EntryLimiterGatesOnlyTheOpeningCall(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(1)...)
	p.FailOpens("c1", 1)
	sess := session("")
	entry, regular := &countingLimiter{}, &countingLimiter{}
	f := NewFetcher(newAdapter(t, p, sess), regular, &memorySink{}, fastRetry)
	f.SetEntryLimiter(entry)

	out := f.Fetch(context.Background(), sess, "42", automationtest.Refs(1)[0].Ref)
	require.Equal(t, Saved, out.Kind)
	assert.Equal(t, 1, entry.n)
	assert.Equal(t, 2, regular.n, "the retried open and the download use the regular limiter")
}

func TestFetcher_StartedCandidateIgnoresEntryStop(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(1)...)
	sess := session("")
	stop, halt := context.WithCancel(context.Background())
	entry := &stoppingLimiter{stop: stop}
	f := NewFetcher(newAdapter(t, p, sess), nil, &memorySink{}, fastRetry)
	f.SetEntryLimiter(entry)
	p.OnOpen(halt)

	out := f.Fetch(context.Background(), sess, "42", automationtest.Refs(1)[0].Ref)
	assert.Equal(t, Saved, out.Kind)
	assert.Equal(t, 1, p.Downloads("c1"))

	out = f.Fetch(context.Background(), sess, "42", automationtest.Refs(1)[0].Ref)
	assert.Equal(t, TransientError, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, p.Opens("c1"), "a stopped entry gate must not open the candidate")
}

func TestFetcher_AuthChallengeMarksStale(t *testing.T) {
	p := automationtest.NewPlatform()
	p.AddJob("42", automationtest.Refs(2)...)
	p.RequireToken("good")
	p.ExpireAfterOpens(1)
	sess := session("good")
	sink := &memorySink{}
	f := NewFetcher(newAdapter(t, p, sess), nil, sink, fastRetry)

	out := f.Fetch(context.Background(), sess, "42", automationtest.Refs(2)[0].Ref)
	require.Equal(t, Saved, out.Kind)

	out = f.Fetch(context.Background(), sess, "42", automationtest.Refs(2)[1].Ref)
	assert.Equal(t, AuthLost, out.Kind)
	assert.ErrorIs(t, out.Err, fault.ErrAuthLost)
	assert.True(t, sess.Stale())
	assert.Equal(t, 1, sink.saves)

	out = f.Fetch(context.Background(), sess, "42", automationtest.Refs(2)[1].Ref)
	assert.Equal(t, AuthLost, out.Kind)
	assert.Equal(t, 0, p.Opens("c2"))
}

func TestGate(t *testing.T) {
	sess := session("x")
	lim := &countingLimiter{}
	require.NoError(t, Gate(context.Background(), lim, sess))
	assert.Equal(t, 1, lim.n)

	sess.MarkStale()
	assert.ErrorIs(t, Gate(context.Background(), lim, sess), fault.ErrAuthLost)
	assert.Equal(t, 1, lim.n)
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name, display, fileID, candID, platform, want string
	}{
		{"plain", "Jane Doe", "981", "c1", "cv.docx", "Jane_Doe_981.docx"},
		{"unsafe chars", `A/B:C*D?"E"<F>|G\H`, "1", "", "", "A_B_C_D_E_F_G_H_1.pdf"},
		{"diacritics", "José Müller", "2", "", "resume.PDF", "Jose_Muller_2.pdf"},
		{"trimmed", "  .Ann.  ", "3", "", "", "Ann_3.pdf"},
		{"empty name", "", "4", "", "", "candidate_4.pdf"},
		{"candidate id fallback", "Bo", "", "c9", "", "Bo_c9.pdf"},
		{"odd extension", "Bo", "5", "", "file.tar-gz!", "Bo_5.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.display, tt.fileID, tt.candID, tt.platform))
		})
	}
}

func TestFileName_DistinctCandidatesSameName(t *testing.T) {
	a := FileName("Sam Lee", "100", "c1", "")
	b := FileName("Sam Lee", "200", "c2", "")
	assert.NotEqual(t, a, b)
}

func TestRetryConfig_DelayCapped(t *testing.T) {
	rc := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, rc.delay(1))
	assert.Equal(t, 2*time.Second, rc.delay(2))
	assert.Equal(t, 3*time.Second, rc.delay(5))
}

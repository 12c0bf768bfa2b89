package progress

import (
	"context"
	"sync"
	"time"

	"github.com/hirefetch/harvester/internal/fault"
)

const DefaultRetention = 1000

// Reporter holds one feed per download. Safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	feeds     map[string]*feed
	retention int
}

type feed struct {
	events []Event
	next   int64
	closed bool
	// notify is closed and replaced on every publish.
	notify chan struct{}
}

func NewReporter(retention int) *Reporter {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Reporter{
		feeds:     make(map[string]*feed),
		retention: retention,
	}
}

// Open creates the feed for a download. Opening an existing feed is a no-op.
func (r *Reporter) Open(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.feeds[id]; ok {
		return
	}
	r.feeds[id] = &feed{next: 1, notify: make(chan struct{})}
}

// Publish appends e to the download's feed, assigning its sequence number.
// A Final event closes the feed. Events for unknown or closed feeds are
// dropped and returned with Seq 0.
func (r *Reporter) Publish(id string, e Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[id]
	if !ok || f.closed {
		return e
	}
	e.Seq = f.next
	f.next++
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	f.events = append(f.events, e)
	if over := len(f.events) - r.retention; over > 0 {
		f.events = append(f.events[:0], f.events[over:]...)
	}
	if e.Final {
		f.closed = true
	}
	close(f.notify)
	f.notify = make(chan struct{})
	return e
}

func (f *feed) after(seq int64) []Event {
	for i, e := range f.events {
		if e.Seq > seq {
			return append([]Event(nil), f.events[i:]...)
		}
	}
	return nil
}

// Since returns the retained events with a sequence number above seq and
// whether the feed has ended.
func (r *Reporter) Since(id string, seq int64) ([]Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[id]
	if !ok {
		return nil, false, fault.New(fault.KindUnknownDownload, "progress", "download %s not found", id)
	}
	return f.after(seq), f.closed, nil
}

// Wait is Since, except that it blocks while there is nothing after seq and
// the feed is still open.
func (r *Reporter) Wait(ctx context.Context, id string, seq int64) ([]Event, bool, error) {
	for {
		r.mu.Lock()
		f, ok := r.feeds[id]
		if !ok {
			r.mu.Unlock()
			return nil, false, fault.New(fault.KindUnknownDownload, "progress", "download %s not found", id)
		}
		events, closed, notify := f.after(seq), f.closed, f.notify
		r.mu.Unlock()

		if len(events) > 0 || closed {
			return events, closed, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Last returns the most recent event of a feed.
func (r *Reporter) Last(id string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[id]
	if !ok || len(f.events) == 0 {
		return Event{}, false
	}
	return f.events[len(f.events)-1], true
}

// Drop forgets a feed. Waiters blocked on it return UnknownDownload.
func (r *Reporter) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.feeds[id]; ok {
		close(f.notify)
		delete(r.feeds, id)
	}
}

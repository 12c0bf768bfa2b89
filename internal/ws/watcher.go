package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/progress"
)

// ErrRejected is returned when the server refuses to stream the download.
var ErrRejected = errors.New("stream rejected")

// Watcher follows one download's progress stream, reconnecting on failure
// and resuming after the last event it delivered.
type Watcher struct {
	url         string
	log         logger.Logger
	retryDelay  time.Duration
	maxRetries  int
	lastSeq     int64
	connections int
}

// NewWatcher targets a stream URL such as ws://host/ws/downloads/<id>.
func NewWatcher(streamURL string, log logger.Logger) *Watcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Watcher{url: streamURL, log: log, retryDelay: 5 * time.Second, maxRetries: 10}
}

// SetRetry changes the reconnect delay and how many consecutive failed
// connections are tolerated; zero retries means unlimited.
func (w *Watcher) SetRetry(delay time.Duration, maxRetries int) {
	w.retryDelay = delay
	w.maxRetries = maxRetries
}

// Resume skips events up to and including seq.
func (w *Watcher) Resume(seq int64) { w.lastSeq = seq }

// LastSeq is the sequence number of the last delivered event.
func (w *Watcher) LastSeq() int64 { return w.lastSeq }

// Connections counts successful connections, including reconnects.
func (w *Watcher) Connections() int { return w.connections }

// Run delivers events to fn in order until the final event has been
// delivered, ctx is done or reconnecting keeps failing.
func (w *Watcher) Run(ctx context.Context, fn func(progress.Event)) error {
	failures := 0
	for {
		done, progressed, err := w.connect(ctx, fn)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if progressed {
			failures = 0
		}
		failures++
		if w.maxRetries > 0 && failures > w.maxRetries {
			return fmt.Errorf("giving up after %d failed connections: %w", failures-1, err)
		}

		w.log.Warn("Connection error, reconnecting",
			logger.Error(err),
			logger.Duration("delay", w.retryDelay),
			logger.Int("after_seq", int(w.lastSeq)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.retryDelay):
		}
	}
}

func (w *Watcher) target() (string, error) {
	u, err := url.Parse(w.url)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("since", strconv.FormatInt(w.lastSeq, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect runs one connection. It reports whether the final event was
// delivered and whether any event was delivered at all.
func (w *Watcher) connect(ctx context.Context, fn func(progress.Event)) (done, progressed bool, err error) {
	target, err := w.target()
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	w.log.Debug("Connecting", logger.String("url", target))

	conn, resp, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return false, false, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		return false, false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")
	w.connections++

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return false, progressed, fmt.Errorf("read: %w", err)
		}

		var base BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			w.log.Debug("Invalid message", logger.Error(err))
			continue
		}

		switch base.Type {
		case TypeProgress:
			var msg ProgressMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				w.log.Debug("Invalid progress message", logger.Error(err))
				continue
			}
			if msg.Event.Seq <= w.lastSeq {
				continue
			}
			w.lastSeq = msg.Event.Seq
			progressed = true
			fn(msg.Event)
			if msg.Event.Final {
				return true, true, nil
			}
		case TypeError:
			var msg ErrorMessage
			json.Unmarshal(data, &msg)
			return false, progressed, fmt.Errorf("server error: %s", msg.Error)
		case TypeAck, TypeHeartbeat:
		default:
			w.log.Debug("Unknown message type", logger.String("type", base.Type))
		}
	}
}

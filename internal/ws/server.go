package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hirefetch/harvester/internal/fault"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/progress"
)

// Feed is the part of the orchestrator the stream reads from.
type Feed interface {
	Events(id string, since int64) ([]progress.Event, bool, error)
	WaitEvents(ctx context.Context, id string, since int64) ([]progress.Event, bool, error)
}

const DefaultHeartbeat = 30 * time.Second

// Server streams progress events of one download per connection.
type Server struct {
	feed      Feed
	log       logger.Logger
	heartbeat time.Duration

	connsMu sync.RWMutex
	conns   map[string]int
}

func NewServer(feed Feed, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		feed:      feed,
		log:       log,
		heartbeat: DefaultHeartbeat,
		conns:     make(map[string]int),
	}
}

func (s *Server) SetHeartbeat(d time.Duration) {
	if d > 0 {
		s.heartbeat = d
	}
}

// Watchers returns the number of open streams per download.
func (s *Server) Watchers() map[string]int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	out := make(map[string]int, len(s.conns))
	for id, n := range s.conns {
		out[id] = n
	}
	return out
}

func (s *Server) track(id string, delta int) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[id] += delta
	if s.conns[id] <= 0 {
		delete(s.conns, id)
	}
}

// HandleDownload serves GET /ws/downloads/{id}?since=N. Events after N are
// replayed first; the connection closes normally after the final event.
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if since < 0 {
		since = 0
	}

	if _, _, err := s.feed.Events(id, since); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fault.ErrUnknownDownload) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("WebSocket accept error", logger.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	s.track(id, 1)
	defer s.track(id, -1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := wsjson.Write(ctx, conn, AckMessage{Type: TypeAck, DownloadID: id, Since: since}); err != nil {
		s.log.Debug("Failed to send ack", logger.Error(err))
		return
	}

	go func() {
		defer cancel()
		s.handleMessages(ctx, conn)
	}()

	if err := s.stream(ctx, conn, id, since); err != nil {
		if ctx.Err() == nil {
			s.log.Debug("Progress stream ended", logger.String("download_id", id), logger.Error(err))
			wsjson.Write(context.Background(), conn, ErrorMessage{Type: TypeError, Error: err.Error()})
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "download finished")
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, id string, since int64) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
		events, closed, err := s.feed.WaitEvents(waitCtx, id, since)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			hb := HeartbeatMessage{Type: TypeHeartbeat, Timestamp: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, hb); err != nil {
				return err
			}
			continue
		default:
			return err
		}

		for _, e := range events {
			if err := wsjson.Write(ctx, conn, ProgressMessage{Type: TypeProgress, Event: e}); err != nil {
				return err
			}
			since = e.Seq
		}
		if closed {
			return nil
		}
	}
}

// handleMessages reads watcher messages until the connection goes away.
func (s *Server) handleMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.log.Debug("WebSocket read error", logger.Error(err))
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("Invalid message format", logger.Error(err))
			continue
		}

		switch msg.Type {
		case TypeHeartbeat:
			hb := HeartbeatMessage{Type: TypeHeartbeat, Timestamp: time.Now().UTC()}
			wsjson.Write(ctx, conn, hb)
		case TypeQuit:
			return
		default:
			s.log.Debug("Unknown message type", logger.String("type", msg.Type))
		}
	}
}

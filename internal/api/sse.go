package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/progress"
)

const (
	sseContentType = "text/event-stream"

	eventProgress = "progress"
	eventComplete = "complete"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", sseContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func writeEvent(w io.Writer, e progress.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	name := eventProgress
	if e.Final {
		name = eventComplete
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", name, e.Seq, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func writeStreamError(w io.Writer, cause error) error {
	data, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return fmt.Errorf("marshal error event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	return err
}

func writeHeartbeat(w io.Writer) error {
	_, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339))
	return err
}

// StreamProgress serves the progress feed as Server-Sent Events. A
// reconnecting client resumes after Last-Event-ID (or ?since=N). The stream
// ends after the "complete" event carrying the final record.
func (h *Handlers) StreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if last := strings.TrimSpace(r.Header.Get("Last-Event-ID")); last != "" {
		if n, err := strconv.ParseInt(last, 10, 64); err == nil {
			since = n
		}
	}

	if _, _, err := h.downloads.Events(id, since); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
		events, closed, err := h.downloads.WaitEvents(waitCtx, id, since)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if err := writeHeartbeat(w); err != nil {
				return
			}
			flusher.Flush()
			continue
		case ctx.Err() != nil:
			return
		default:
			h.log.Debug("Progress stream ended", logger.String("download_id", id), logger.Error(err))
			writeStreamError(w, err)
			flusher.Flush()
			return
		}

		for _, e := range events {
			if err := writeEvent(w, e); err != nil {
				h.log.Debug("SSE write failed (client likely disconnected)", logger.Error(err))
				return
			}
			since = e.Seq
		}
		flusher.Flush()
		if closed {
			return
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/config"
	"github.com/hirefetch/harvester/internal/fault"
	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/progress"
	"github.com/hirefetch/harvester/internal/ws"
)

const version = "0.1.0"

var startTime = time.Now()

// Downloads is the orchestrator surface the handlers drive.
type Downloads interface {
	Start(jobID string, creds []auth.Credential) (job.Job, error)
	Progress(id string) (job.Job, error)
	Events(id string, since int64) ([]progress.Event, bool, error)
	WaitEvents(ctx context.Context, id string, since int64) ([]progress.Event, bool, error)
	Authenticate(id string, creds []auth.Credential) (job.Job, error)
	Cancel(id string) (job.Job, error)
	Get(id string) (job.Record, error)
	List(limit, offset int, status string) ([]job.Job, int)
	History(limit, offset int) ([]job.Record, int, error)
	Stats() map[job.Status]int
}

type Handlers struct {
	cfg       *config.Config
	downloads Downloads
	stream    *ws.Server
	log       logger.Logger
	heartbeat time.Duration
}

func NewHandlers(cfg *config.Config, downloads Downloads, log logger.Logger) *Handlers {
	return &Handlers{cfg: cfg, downloads: downloads, log: log, heartbeat: 15 * time.Second}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"version":        version,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"platform":       h.cfg.PlatformBaseURL,
		"rate_limit": map[string]any{
			"calls":          h.cfg.RateLimitCalls,
			"window_seconds": int(h.cfg.RateLimitWindow.Seconds()),
		},
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	counts := h.downloads.Stats()
	byStatus := make(map[string]int, len(counts))
	active := 0
	for st, n := range counts {
		byStatus[string(st)] = n
		if !st.Terminal() {
			active += n
		}
	}
	watchers := 0
	if h.stream != nil {
		for _, n := range h.stream.Watchers() {
			watchers += n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"downloads":      byStatus,
		"active":         active,
		"watchers":       watchers,
	})
}

// JobID accepts the job identifier as a JSON string or number.
type JobID string

func (id *JobID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("job_id must be a string or number")
	}
	*id = JobID(n.String())
	return nil
}

type StartRequest struct {
	JobID   JobID             `json:"job_id"`
	Cookies []auth.Credential `json:"cookies,omitempty"`
}

type StartResponse struct {
	DownloadID string     `json:"download_id"`
	Status     job.Status `json:"status"`
	JobID      string     `json:"job_id"`
	Message    string     `json:"message"`
}

func (h *Handlers) StartDownload(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	snap, err := h.downloads.Start(string(req.JobID), req.Cookies)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, StartResponse{
		DownloadID: snap.ID,
		Status:     snap.Status,
		JobID:      snap.JobID,
		Message:    "Download started",
	})
}

func (h *Handlers) ListDownloads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	if q.Get("source") == "archive" {
		records, total, err := h.downloads.History(limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"downloads": records,
			"total":     total,
			"limit":     limit,
			"offset":    offset,
		})
		return
	}

	status := q.Get("status")
	if status != "" && !job.Status(status).Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + status})
		return
	}
	downloads, total := h.downloads.List(limit, offset, status)
	writeJSON(w, http.StatusOK, map[string]any{
		"downloads": downloads,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (h *Handlers) GetDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := h.downloads.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type StatusResponse struct {
	job.Job
	Percentage float64  `json:"percentage"`
	ETA        *float64 `json:"estimated_time_remaining,omitempty"`
}

func (h *Handlers) DownloadStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.downloads.Progress(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StatusResponse{Job: snap, Percentage: snap.Percentage()}
	if eta, ok := progress.ETA(&snap); ok {
		secs := eta.Seconds()
		resp.ETA = &secs
	}
	writeJSON(w, http.StatusOK, resp)
}

type EventsResponse struct {
	DownloadID string           `json:"download_id"`
	Events     []progress.Event `json:"events"`
	Closed     bool             `json:"closed"`
	LastSeq    int64            `json:"last_seq"`
}

// DownloadEvents answers a poll for events after ?since=N. With ?wait=<duration>
// it holds the request until something is published or the wait elapses.
func (h *Handlers) DownloadEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	wait, _ := time.ParseDuration(r.URL.Query().Get("wait"))
	if wait > time.Minute {
		wait = time.Minute
	}

	var (
		events []progress.Event
		closed bool
		err    error
	)
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		events, closed, err = h.downloads.WaitEvents(ctx, id, since)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	} else {
		events, closed, err = h.downloads.Events(id, since)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	resp := EventsResponse{DownloadID: id, Events: events, Closed: closed, LastSeq: since}
	if resp.Events == nil {
		resp.Events = []progress.Event{}
	}
	if n := len(events); n > 0 {
		resp.LastSeq = events[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

type CredentialsRequest struct {
	Cookies []auth.Credential `json:"cookies"`
}

func (h *Handlers) Authenticate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	snap, err := h.downloads.Authenticate(id, req.Cookies)
	if err != nil {
		writeError(w, err)
		return
	}

	msg := "Authentication provided. Download resumed."
	if snap.Status == job.StatusLoginRequired {
		msg = "No session cookie in the provided credentials; still waiting for login."
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"download_id": id,
		"status":      snap.Status,
		"checkpoint":  snap.Checkpoint,
		"message":     msg,
	})
}

// CancelDownload is idempotent: unknown and finished downloads succeed too.
func (h *Handlers) CancelDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.downloads.Cancel(id)
	if errors.Is(err, fault.ErrUnknownDownload) {
		writeJSON(w, http.StatusOK, map[string]string{
			"download_id": id,
			"message":     "Download not found or already cancelled",
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	msg := "Cancellation requested"
	if snap.Status.Terminal() {
		msg = fmt.Sprintf("Download already %s", snap.Status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"download_id": id,
		"status":      snap.Status,
		"message":     msg,
	})
}

// resolveJob maps a download id to the job whose files it wrote.
func (h *Handlers) resolveJob(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if snap, err := h.downloads.Progress(id); err == nil {
		return snap.JobID, true
	}
	rec, err := h.downloads.Get(id)
	if err != nil {
		return "", false
	}
	return rec.JobID, true
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindUnknownDownload, fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindNotWaiting, fault.KindNotTerminal:
		return http.StatusConflict
	case fault.KindFatal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	if kind := fault.KindOf(err); kind != fault.KindUnknown {
		body["kind"] = kind.String()
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Message != "" {
			body["error"] = fe.Message
		}
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package progress

import (
	"time"

	"github.com/hirefetch/harvester/internal/job"
)

// MaxETA caps the estimate reported to callers.
const MaxETA = 24 * time.Hour

// ETA thresholds: no estimate is made before either is reached.
const (
	etaMinProcessed = 3
	etaMinElapsed   = 30 * time.Second
)

type Event struct {
	Seq        int64          `json:"seq"`
	DownloadID string         `json:"download_id"`
	Time       time.Time      `json:"time"`
	Status     job.Status     `json:"status"`
	Processed  int            `json:"processed"`
	Total      int            `json:"total"`
	TotalKnown bool           `json:"total_known"`
	Percentage float64        `json:"percentage"`
	Message    string         `json:"message"`
	Counters   job.Counters   `json:"counters"`
	Checkpoint int            `json:"checkpoint"`
	Log        []job.LogEntry `json:"log"`
	// ETA is the estimated seconds remaining.
	ETA    *float64    `json:"estimated_time_remaining,omitempty"`
	Final  bool        `json:"final"`
	Result *job.Record `json:"result,omitempty"`
}

// FromJob builds the event for j's current state. fresh holds the log
// entries added by the change being reported.
func FromJob(j *job.Job, fresh []job.LogEntry) Event {
	e := Event{
		DownloadID: j.ID,
		Status:     j.Status,
		Processed:  j.Counters.CandidatesProcessed,
		Total:      j.Counters.CandidatesFound,
		TotalKnown: j.Counters.FoundKnown(),
		Percentage: j.Percentage(),
		Message:    j.Message,
		Counters:   j.Counters,
		Checkpoint: j.Checkpoint,
		Log:        fresh,
	}
	if e.Log == nil {
		e.Log = []job.LogEntry{}
	}
	if eta, ok := ETA(j); ok {
		secs := eta.Seconds()
		e.ETA = &secs
	}
	if j.Status.Terminal() {
		rec := j.Record()
		e.Final = true
		e.Result = &rec
	}
	return e
}

// ETA extrapolates the average time per processed candidate over the rest of
// the listing. It is only available while running with a known total.
func ETA(j *job.Job) (time.Duration, bool) {
	c := j.Counters
	if j.Status != job.StatusRunning || !c.FoundKnown() || c.CandidatesProcessed == 0 {
		return 0, false
	}
	elapsed := j.Elapsed()
	if c.CandidatesProcessed < etaMinProcessed && elapsed < etaMinElapsed {
		return 0, false
	}
	remaining := c.CandidatesFound - c.CandidatesProcessed
	if remaining <= 0 {
		return 0, true
	}
	eta := time.Duration(float64(elapsed) / float64(c.CandidatesProcessed) * float64(remaining))
	if eta > MaxETA {
		eta = MaxETA
	}
	return eta, true
}

package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/harvest"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusLoginRequired Status = "login_required"
	StatusCancelling    Status = "cancelling"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusRunning, StatusLoginRequired, StatusCancelling,
	StatusCompleted, StatusFailed, StatusCancelled,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:       {StatusRunning, StatusCancelling, StatusFailed},
	StatusRunning:       {StatusLoginRequired, StatusCancelling, StatusCompleted, StatusFailed},
	StatusLoginRequired: {StatusRunning, StatusCancelling, StatusFailed},
	StatusCancelling:    {StatusCancelled, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FoundUnknown is CandidatesFound until the last listing page has been read.
const FoundUnknown = -1

// Counters invariant: FilesSaved + FilesFailed + ResumesMissing == CandidatesProcessed.
type Counters struct {
	CandidatesFound     int `json:"candidates_found"`
	CandidatesProcessed int `json:"candidates_processed"`
	FilesSaved          int `json:"files_saved"`
	FilesFailed         int `json:"files_failed"`
	ResumesMissing      int `json:"resumes_missing"`
}

func (c Counters) FoundKnown() bool { return c.CandidatesFound != FoundUnknown }

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type LogEntry struct {
	Time     time.Time `json:"time"`
	Level    Level     `json:"level"`
	Message  string    `json:"message"`
	Terminal bool      `json:"terminal,omitempty"`
}

// Job is one download run. Mutate it only inside Store.Update.
type Job struct {
	ID           string         `json:"download_id"`
	JobID        string         `json:"job_id"`
	Status       Status         `json:"status"`
	Counters     Counters       `json:"counters"`
	Checkpoint   int            `json:"checkpoint"`
	Cursor       harvest.Cursor `json:"cursor"`
	Message      string         `json:"message"`
	Error        string         `json:"error,omitempty"`
	FileLocation string         `json:"file_location"`
	Log          []LogEntry     `json:"log"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`

	// Session is replaced wholesale on re-authentication.
	Session *auth.Session `json:"-"`
	logCap  int
	logged  int
}

func New(jobID, fileLocation string, logCap int) *Job {
	return &Job{
		ID:           uuid.NewString(),
		JobID:        jobID,
		Status:       StatusPending,
		Counters:     Counters{CandidatesFound: FoundUnknown},
		FileLocation: fileLocation,
		Log:          []LogEntry{},
		CreatedAt:    time.Now().UTC(),
		logCap:       logCap,
	}
}

// Transition moves the job to status to, stamping StartedAt on the first
// entry into running and CompletedAt on the first terminal transition.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s", j.Status, to)
	}
	now := time.Now().UTC()
	if to == StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() && j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	j.Status = to
	return nil
}

// Logf appends a log entry and makes it the current message. Once the log
// holds logCap entries the oldest non-terminal entry is dropped.
func (j *Job) Logf(level Level, format string, args ...any) {
	j.appendLog(LogEntry{Time: time.Now().UTC(), Level: level, Message: fmt.Sprintf(format, args...)})
}

// Finish logs the outcome message, which is never evicted.
func (j *Job) Finish(level Level, format string, args ...any) {
	j.appendLog(LogEntry{Time: time.Now().UTC(), Level: level, Message: fmt.Sprintf(format, args...), Terminal: true})
}

func (j *Job) appendLog(e LogEntry) {
	j.Log = append(j.Log, e)
	j.Message = e.Message
	j.logged++
	if j.logCap <= 0 {
		return
	}
	for len(j.Log) > j.logCap {
		evicted := false
		for i, old := range j.Log {
			if !old.Terminal {
				j.Log = append(j.Log[:i], j.Log[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// Logged counts every entry ever appended, evicted ones included.
func (j *Job) Logged() int { return j.logged }

// LogSince returns the entries appended after Logged() returned mark.
func (j *Job) LogSince(mark int) []LogEntry {
	n := j.logged - mark
	if n <= 0 {
		return nil
	}
	if n > len(j.Log) {
		n = len(j.Log)
	}
	return append([]LogEntry(nil), j.Log[len(j.Log)-n:]...)
}

// Percentage of known candidates processed; 0 while the total is unknown.
func (j *Job) Percentage() float64 {
	c := j.Counters
	if !c.FoundKnown() || c.CandidatesFound == 0 {
		if j.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	p := float64(c.CandidatesProcessed) / float64(c.CandidatesFound) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Elapsed is the time spent since the run started, up to completion.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Snapshot returns a copy that shares no mutable state with j.
func (j *Job) Snapshot() Job {
	s := *j
	s.Log = append([]LogEntry(nil), j.Log...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		s.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

type Stats struct {
	Saved           int `json:"saved"`
	Failed          int `json:"failed"`
	NotFound        int `json:"not_found"`
	TotalFound      int `json:"total_found"`
	TotalDownloaded int `json:"total_downloaded"`
}

// Record is the final result of a terminal download.
type Record struct {
	DownloadID   string     `json:"download_id"`
	JobID        string     `json:"job_id"`
	Status       Status     `json:"status"`
	Stats        Stats      `json:"stats"`
	FileLocation string     `json:"file_location"`
	Duration     float64    `json:"duration"`
	Checkpoint   int        `json:"checkpoint"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Log          []LogEntry `json:"log"`
}

// Record summarises the job. TotalFound falls back to the processed count
// when the listing was never fully enumerated.
func (j *Job) Record() Record {
	c := j.Counters
	found := c.CandidatesFound
	if !c.FoundKnown() {
		found = c.CandidatesProcessed
	}
	r := Record{
		DownloadID: j.ID,
		JobID:      j.JobID,
		Status:     j.Status,
		Stats: Stats{
			Saved:           c.FilesSaved,
			Failed:          c.FilesFailed,
			NotFound:        c.ResumesMissing,
			TotalFound:      found,
			TotalDownloaded: c.FilesSaved,
		},
		FileLocation: j.FileLocation,
		Duration:     j.Elapsed().Seconds(),
		Checkpoint:   j.Checkpoint,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		Log:          append([]LogEntry(nil), j.Log...),
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		r.CompletedAt = &t
	}
	return r
}

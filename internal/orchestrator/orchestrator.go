// Package orchestrator owns the lifecycle of resume downloads: it starts one
// execution goroutine per download, parks it when the platform asks for a
// login, and resumes or stops it on request.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/fault"
	"github.com/hirefetch/harvester/internal/harvest"
	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/metrics"
	"github.com/hirefetch/harvester/internal/progress"
)

// Sink stores resumes and knows where a job's files go.
type Sink interface {
	harvest.Sink
	JobDir(jobID string) string
}

type Options struct {
	Factory  automation.Factory
	Sink     Sink
	Limiter  harvest.Limiter
	Archive  job.Archive
	Reporter *progress.Reporter
	Metrics  *metrics.Metrics
	Logger   logger.Logger

	Retry   harvest.RetryConfig
	Session auth.Options
	// DefaultCredentials are used when Start is given none.
	DefaultCredentials []auth.Credential

	LogCap int
	// LoginTimeout fails a parked download after this long; zero waits forever.
	LoginTimeout time.Duration
	// CancelGrace is how long a cancellation may stay pending before a warning is logged.
	CancelGrace time.Duration
	// RetainTerminal is how long finished downloads stay in the registry; zero keeps them.
	RetainTerminal  time.Duration
	JanitorInterval time.Duration
}

type Orchestrator struct {
	opts     Options
	store    *job.Store
	reporter *progress.Reporter
	archive  job.Archive
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// run is the control surface of one execution goroutine.
type run struct {
	resume chan *auth.Session
	cancel chan struct{}
	once   sync.Once
	// stop interrupts rate limiter waits once cancellation is requested.
	stop       context.Context
	stopCancel context.CancelFunc
}

func (r *run) requestCancel() {
	r.once.Do(func() {
		close(r.cancel)
		r.stopCancel()
	})
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Factory == nil {
		return nil, errors.New("orchestrator: automation factory is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("orchestrator: sink is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Archive == nil {
		opts.Archive = job.NewMemoryArchive()
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.NewReporter(progress.DefaultRetention)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = harvest.DefaultRetryConfig()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 30 * time.Second
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:     opts,
		store:    job.NewStore(),
		reporter: opts.Reporter,
		archive:  opts.Archive,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}
	if opts.RetainTerminal > 0 {
		o.wg.Add(1)
		go o.janitor()
	}
	return o, nil
}

// update mutates a download under the registry lock and publishes the
// resulting progress event in the same critical section. fn must not change
// anything when it returns an error; nothing is published in that case.
func (o *Orchestrator) update(id string, fn func(j *job.Job) error) (job.Job, error) {
	return o.store.Update(id, func(j *job.Job) error {
		mark := j.Logged()
		if err := fn(j); err != nil {
			return err
		}
		o.reporter.Publish(j.ID, progress.FromJob(j, j.LogSince(mark)))
		return nil
	})
}

// Start registers a download for jobID and launches its execution goroutine.
// It returns immediately with the pending snapshot.
func (o *Orchestrator) Start(jobID string, creds []auth.Credential) (job.Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return job.Job{}, fault.New(fault.KindInvalidInput, "start", "job id is required")
	}
	if strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return job.Job{}, fault.New(fault.KindInvalidInput, "start", "job id %q contains path characters", jobID)
	}
	if creds == nil {
		creds = o.opts.DefaultCredentials
	}
	if err := auth.Validate(creds); err != nil {
		return job.Job{}, err
	}
	if err := o.ctx.Err(); err != nil {
		return job.Job{}, fault.New(fault.KindFatal, "start", "orchestrator is shutting down")
	}

	j := job.New(jobID, o.opts.Sink.JobDir(jobID), o.opts.LogCap)
	j.Session = auth.NewSession(creds, o.opts.Session)

	stop, stopCancel := context.WithCancel(o.ctx)
	r := &run{
		resume:     make(chan *auth.Session, 1),
		cancel:     make(chan struct{}),
		stop:       stop,
		stopCancel: stopCancel,
	}

	o.reporter.Open(j.ID)
	o.store.Add(j)
	o.mu.Lock()
	o.runs[j.ID] = r
	o.mu.Unlock()

	snap, _ := o.update(j.ID, func(j *job.Job) error {
		j.Logf(job.LevelInfo, "Download queued for job %s", jobID)
		if len(creds) > 0 {
			j.Logf(job.LevelInfo, "Using %d credential records", len(creds))
		}
		return nil
	})

	o.opts.Metrics.Started()
	o.log.Info("Download started",
		logger.String("download_id", j.ID),
		logger.String("job_id", jobID),
		logger.Int("credentials", len(creds)))

	o.wg.Add(1)
	go o.execute(j.ID, r)
	return snap, nil
}

// Progress returns a consistent snapshot of a download.
func (o *Orchestrator) Progress(id string) (job.Job, error) {
	snap, ok := o.store.Get(id)
	if !ok {
		return job.Job{}, fault.New(fault.KindUnknownDownload, "progress", "download %s not found", id)
	}
	return snap, nil
}

// Events returns the progress events after seq and whether the feed has ended.
func (o *Orchestrator) Events(id string, since int64) ([]progress.Event, bool, error) {
	return o.reporter.Since(id, since)
}

// WaitEvents blocks until there are events after seq, the feed ends or ctx is done.
func (o *Orchestrator) WaitEvents(ctx context.Context, id string, since int64) ([]progress.Event, bool, error) {
	return o.reporter.Wait(ctx, id, since)
}

// Authenticate replaces the session of a download parked in login_required
// and resumes it. Credentials without a session cookie leave it parked.
func (o *Orchestrator) Authenticate(id string, creds []auth.Credential) (job.Job, error) {
	if err := auth.Validate(creds); err != nil {
		return job.Job{}, err
	}
	sess := auth.NewSession(creds, o.opts.Session)

	resumed := false
	snap, err := o.update(id, func(j *job.Job) error {
		if j.Status != job.StatusLoginRequired {
			return fault.New(fault.KindNotWaiting, "authenticate", "download %s is %s", id, j.Status)
		}
		if !sess.Usable() {
			j.Logf(job.LevelWarning, "Credentials ignored: none of %d records is a session cookie; still waiting for login", sess.Len())
			return nil
		}
		if err := j.Transition(job.StatusRunning); err != nil {
			return err
		}
		j.Session = sess
		j.Logf(job.LevelInfo, "Credentials received, resuming at candidate %d", j.Checkpoint+1)
		resumed = true
		return nil
	})
	if err != nil {
		return snap, err
	}

	if resumed {
		if r := o.runFor(id); r != nil {
			select {
			case r.resume <- sess:
			default:
			}
		}
		o.log.Info("Download resumed after login",
			logger.String("download_id", id),
			logger.Int("checkpoint", snap.Checkpoint),
			logger.Any("cookies", sess.Names()))
	}
	return snap, nil
}

var errSettled = errors.New("already settled")

// Cancel asks a download to stop after its current candidate. It is a no-op
// for downloads that are already cancelling or terminal.
func (o *Orchestrator) Cancel(id string) (job.Job, error) {
	snap, err := o.update(id, func(j *job.Job) error {
		if j.Status.Terminal() || j.Status == job.StatusCancelling {
			return errSettled
		}
		if err := j.Transition(job.StatusCancelling); err != nil {
			return err
		}
		j.Logf(job.LevelWarning, "Cancellation requested after %d candidates", j.Checkpoint)
		return nil
	})
	if errors.Is(err, errSettled) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}

	if r := o.runFor(id); r != nil {
		r.requestCancel()
	}
	time.AfterFunc(o.opts.CancelGrace, func() {
		o.update(id, func(j *job.Job) error {
			if j.Status != job.StatusCancelling {
				return errSettled
			}
			j.Logf(job.LevelWarning, "Cancellation still pending after %s: waiting for the current page to finish", o.opts.CancelGrace)
			return nil
		})
	})
	o.log.Info("Download cancellation requested", logger.String("download_id", id))
	return snap, nil
}

// Get returns the final record of a terminal download, from the registry or
// the archive once the registry has forgotten it.
func (o *Orchestrator) Get(id string) (job.Record, error) {
	if snap, ok := o.store.Get(id); ok {
		if !snap.Status.Terminal() {
			return job.Record{}, fault.New(fault.KindNotTerminal, "get", "download %s is %s", id, snap.Status)
		}
		return snap.Record(), nil
	}
	return o.archive.Get(id)
}

func (o *Orchestrator) List(limit, offset int, status string) ([]job.Job, int) {
	return o.store.List(limit, offset, status)
}

func (o *Orchestrator) Stats() map[job.Status]int {
	return o.store.Stats()
}

// History lists archived final records, most recent first.
func (o *Orchestrator) History(limit, offset int) ([]job.Record, int, error) {
	return o.archive.List(limit, offset)
}

// Evict forgets terminal downloads that completed before cutoff.
func (o *Orchestrator) Evict(cutoff time.Time) []string {
	ids := o.store.Evict(cutoff)
	for _, id := range ids {
		o.reporter.Drop(id)
	}
	if len(ids) > 0 {
		o.log.Debug("Evicted finished downloads", logger.Int("count", len(ids)))
	}
	return ids
}

func (o *Orchestrator) janitor() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Evict(time.Now().Add(-o.opts.RetainTerminal))
		case <-o.ctx.Done():
			return
		}
	}
}

// Shutdown interrupts every download and waits for their goroutines.
// Interrupted downloads end as failed with their partial stats.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runFor(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	r := o.runs[id]
	delete(o.runs, id)
	o.mu.Unlock()
	if r != nil {
		r.stopCancel()
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/automation"
	"github.com/hirefetch/harvester/internal/fault"
	"github.com/hirefetch/harvester/internal/harvest"
	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/logger"
)

// runLimiter gates the calls that start new work: listing pages, opening a
// candidate and installing credentials. It refuses as soon as the download is
// cancelled and stops waiting on the shared limiter at that point. Calls made
// for a candidate that is already open go through the shared limiter directly.
type runLimiter struct {
	lim  harvest.Limiter
	stop context.Context
}

func (l runLimiter) Acquire(ctx context.Context) error {
	if err := l.stop.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.lim == nil {
		return nil
	}
	return l.lim.Acquire(l.stop)
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// execute is the only goroutine that advances the download's counters and
// checkpoint.
func (o *Orchestrator) execute(id string, r *run) {
	defer o.wg.Done()
	defer o.forget(id)

	ctx := o.ctx
	snap, _ := o.store.Get(id)
	jobID := snap.JobID
	sess := snap.Session
	log := o.log.With(logger.String("download_id", id), logger.String("job_id", jobID))

	adapter, err := o.opts.Factory(ctx)
	if err != nil {
		o.fail(id, log, fmt.Sprintf("automation could not be initialised: %v", err))
		return
	}
	defer adapter.Close()

	_, err = o.update(id, func(j *job.Job) error {
		if j.Status != job.StatusPending {
			return errSettled
		}
		if err := j.Transition(job.StatusRunning); err != nil {
			return err
		}
		j.Logf(job.LevelInfo, "Processing candidates of job %s", jobID)
		return nil
	})
	if err != nil {
		o.stopped(id, log)
		return
	}

	lim := runLimiter{lim: o.opts.Limiter, stop: r.stop}
	if err := sess.Apply(ctx, adapter, lim); err != nil {
		if interrupted(err) && (r.cancelled() || ctx.Err() != nil) {
			o.stopped(id, log)
			return
		}
		o.fail(id, log, fmt.Sprintf("credentials could not be applied: %v", err))
		return
	}

	pager := harvest.NewPaginator(adapter, lim, jobID, harvest.Cursor{}, o.opts.Retry)
	fetcher := harvest.NewFetcher(adapter, o.opts.Limiter, o.opts.Sink, o.opts.Retry)
	fetcher.SetEntryLimiter(lim)

	// pending holds a candidate whose fetch was cut short by a login
	// challenge; it is retried once the session has been replaced.
	var pending *automation.CandidateRef

	for {
		if r.cancelled() || ctx.Err() != nil {
			o.stopped(id, log)
			return
		}

		var ref automation.CandidateRef
		if pending != nil {
			ref = *pending
		} else {
			ref, err = pager.Next(ctx, sess)
			switch {
			case err == nil:
			case errors.Is(err, harvest.ErrEndOfSequence):
				o.complete(id, pager, log)
				return
			case errors.Is(err, fault.ErrAuthLost):
				next, ok := o.park(ctx, id, r, adapter, lim, log)
				if !ok {
					return
				}
				sess = next
				continue
			case interrupted(err) && (r.cancelled() || ctx.Err() != nil):
				continue
			default:
				o.fail(id, log, err.Error())
				return
			}
		}

		out := fetcher.Fetch(ctx, sess, jobID, ref)
		if out.Kind == harvest.AuthLost {
			pending = &ref
			next, ok := o.park(ctx, id, r, adapter, lim, log)
			if !ok {
				return
			}
			sess = next
			continue
		}
		if out.Kind == harvest.TransientError && interrupted(out.Err) && (r.cancelled() || ctx.Err() != nil) {
			continue
		}
		pending = nil
		o.record(id, out, pager)
	}
}

// record folds one outcome into the counters and advances the checkpoint.
func (o *Orchestrator) record(id string, out harvest.Outcome, pager *harvest.Paginator) {
	name := out.Ref.Name
	if name == "" {
		name = out.Ref.ID
	}
	o.update(id, func(j *job.Job) error {
		c := &j.Counters
		switch out.Kind {
		case harvest.Saved:
			c.FilesSaved++
			j.Logf(job.LevelSuccess, "Saved resume of %s as %s", name, filepath.Base(out.Path))
		case harvest.NotFound:
			c.ResumesMissing++
			j.Logf(job.LevelWarning, "NotFound: %s has no resume (%s)", name, out.Reason)
		default:
			c.FilesFailed++
			j.Logf(job.LevelError, "Failed to retrieve resume of %s: %s", name, out.Reason)
		}
		c.CandidatesProcessed++
		j.Checkpoint = c.CandidatesProcessed
		j.Cursor = pager.Position()
		noteTotal(j, pager)
		return nil
	})
	o.opts.Metrics.Candidate(out.Kind.String())
}

func noteTotal(j *job.Job, pager *harvest.Paginator) {
	total, ok := pager.Total()
	if !ok || j.Counters.FoundKnown() {
		return
	}
	if total < j.Counters.CandidatesProcessed {
		total = j.Counters.CandidatesProcessed
	}
	j.Counters.CandidatesFound = total
	j.Logf(job.LevelInfo, "Found %d candidates", total)
}

// park marks the download login_required and blocks until new credentials,
// cancellation, the login timeout or shutdown. It returns the new session and
// true when the download should continue.
func (o *Orchestrator) park(ctx context.Context, id string, r *run, adapter automation.Adapter, lim auth.Limiter, log logger.Logger) (*auth.Session, bool) {
	_, err := o.update(id, func(j *job.Job) error {
		if err := j.Transition(job.StatusLoginRequired); err != nil {
			return err
		}
		j.Logf(job.LevelWarning, "Login required: session expired at candidate %d, waiting for credentials", j.Checkpoint+1)
		return nil
	})
	if err != nil {
		// Cancelled while the challenge was being handled.
		o.stopped(id, log)
		return nil, false
	}
	o.opts.Metrics.LoginRequired()
	log.Warn("Download parked waiting for login")

	var timeout <-chan time.Time
	if o.opts.LoginTimeout > 0 {
		t := time.NewTimer(o.opts.LoginTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case sess := <-r.resume:
		if err := sess.Apply(ctx, adapter, lim); err != nil {
			if interrupted(err) && (r.cancelled() || ctx.Err() != nil) {
				o.stopped(id, log)
				return nil, false
			}
			o.fail(id, log, fmt.Sprintf("credentials could not be applied: %v", err))
			return nil, false
		}
		return sess, true
	case <-r.cancel:
		o.stopped(id, log)
		return nil, false
	case <-timeout:
		o.fail(id, log, fmt.Sprintf("no credentials received within %s", o.opts.LoginTimeout))
		return nil, false
	case <-ctx.Done():
		o.stopped(id, log)
		return nil, false
	}
}

func (o *Orchestrator) complete(id string, pager *harvest.Paginator, log logger.Logger) {
	o.settle(id, log, func(j *job.Job) (job.Status, job.Level, string) {
		noteTotal(j, pager)
		c := j.Counters
		if j.Status == job.StatusCancelling {
			return job.StatusCancelled, job.LevelWarning, cancelMessage(j)
		}
		return job.StatusCompleted, job.LevelSuccess, fmt.Sprintf(
			"Download complete: %d saved, %d without resume, %d failed of %d candidates",
			c.FilesSaved, c.ResumesMissing, c.FilesFailed, c.CandidatesProcessed)
	})
}

// stopped ends a download that was cancelled or interrupted by shutdown.
func (o *Orchestrator) stopped(id string, log logger.Logger) {
	o.settle(id, log, func(j *job.Job) (job.Status, job.Level, string) {
		if j.Status == job.StatusCancelling {
			return job.StatusCancelled, job.LevelWarning, cancelMessage(j)
		}
		j.Error = "interrupted by shutdown"
		return job.StatusFailed, job.LevelError, fmt.Sprintf("Download interrupted by shutdown after %d candidates", j.Checkpoint)
	})
}

func (o *Orchestrator) fail(id string, log logger.Logger, reason string) {
	o.settle(id, log, func(j *job.Job) (job.Status, job.Level, string) {
		j.Error = reason
		return job.StatusFailed, job.LevelError, "Download failed: " + reason
	})
}

func cancelMessage(j *job.Job) string {
	return fmt.Sprintf("Download cancelled at checkpoint %d", j.Checkpoint)
}

// settle performs the terminal transition chosen by decide, archives the
// final record and closes the progress feed.
func (o *Orchestrator) settle(id string, log logger.Logger, decide func(j *job.Job) (job.Status, job.Level, string)) {
	snap, err := o.update(id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return errSettled
		}
		status, level, msg := decide(j)
		if err := j.Transition(status); err != nil {
			return err
		}
		j.Finish(level, "%s", msg)
		return nil
	})
	if err != nil {
		log.Error("Terminal transition failed", logger.Error(err))
		return
	}

	rec := snap.Record()
	if err := o.archive.Put(rec); err != nil {
		log.Error("Failed to archive download record", logger.Error(err))
	}
	o.opts.Metrics.Finished(string(snap.Status), snap.Elapsed())
	log.Info("Download finished",
		logger.String("status", string(snap.Status)),
		logger.Int("saved", rec.Stats.Saved),
		logger.Int("not_found", rec.Stats.NotFound),
		logger.Int("failed", rec.Stats.Failed),
		logger.Int("checkpoint", rec.Checkpoint))
}

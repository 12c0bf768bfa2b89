package main

import (
	"fmt"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/automation/web"
	"github.com/hirefetch/harvester/internal/config"
	"github.com/hirefetch/harvester/internal/db"
	"github.com/hirefetch/harvester/internal/harvest"
	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/metrics"
	"github.com/hirefetch/harvester/internal/orchestrator"
	"github.com/hirefetch/harvester/internal/progress"
	"github.com/hirefetch/harvester/internal/ratelimit"
	"github.com/hirefetch/harvester/internal/storage"
)

// stack is the orchestrator and everything it owns.
type stack struct {
	orch    *orchestrator.Orchestrator
	files   *storage.Store
	metrics *metrics.Metrics
	db      *db.Store
}

func (s *stack) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// buildStack wires the orchestrator from cfg. persist selects the badger
// archive under cfg.DataDir; otherwise records stay in memory.
func buildStack(cfg *config.Config, log logger.Logger, persist bool) (*stack, error) {
	files, err := storage.NewStore(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("open output dir: %w", err)
	}

	s := &stack{files: files, metrics: metrics.New()}

	var archive job.Archive = job.NewMemoryArchive()
	if persist && cfg.DataDir != "" {
		s.db, err = db.NewStore(cfg.DataDir, log)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		archive = job.NewPersistentArchive(s.db)
	}

	defaults, err := cfg.Credentials()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("HARVEST_COOKIES: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimitCalls, cfg.RateLimitWindow, log.With(logger.String("component", "ratelimit")))
	limiter.SetObserver(s.metrics.ObserveWait)

	retry := harvest.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryAttempts
	retry.BaseDelay = cfg.RetryBaseDelay
	retry.MaxDelay = cfg.RetryMaxDelay

	factory := web.NewFactory(web.Config{
		BaseURL:         cfg.PlatformBaseURL,
		ListPath:        cfg.PlatformListPath,
		Timeout:         cfg.RequestTimeout,
		ExcludeNotHired: cfg.ExcludeNotHired,
		UserAgent:       "harvester/" + cfg.NodeID,
		Logger:          log.With(logger.String("component", "web")),
	})

	s.orch, err = orchestrator.New(orchestrator.Options{
		Factory:  factory,
		Sink:     files,
		Limiter:  limiter,
		Archive:  archive,
		Reporter: progress.NewReporter(cfg.EventCap),
		Metrics:  s.metrics,
		Logger:   log.With(logger.String("component", "orchestrator")),
		Retry:    retry,
		Session: auth.Options{
			Origin:       cfg.PlatformBaseURL,
			SessionNames: cfg.SessionCookies,
		},
		DefaultCredentials: defaults,
		LogCap:             cfg.JobLogCap,
		LoginTimeout:       cfg.LoginTimeout,
		CancelGrace:        cfg.CancelGrace,
		RetainTerminal:     cfg.RetainTerminal,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

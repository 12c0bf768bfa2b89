package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hirefetch/harvester/internal/config"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/metrics"
	"github.com/hirefetch/harvester/internal/storage"
	"github.com/hirefetch/harvester/internal/ws"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Downloads Downloads
	Files     *storage.Store
	Metrics   *metrics.Metrics
	Stream    *ws.Server
	Logger    logger.Logger
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

func NewRouter(cfg *config.Config, d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.Stream == nil {
		d.Stream = ws.NewServer(d.Downloads, d.Logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	h := NewHandlers(cfg, d.Downloads, d.Logger)
	h.stream = d.Stream
	if d.Heartbeat > 0 {
		h.heartbeat = d.Heartbeat
	}

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	// Downloads API
	r.Route("/api/downloads", func(r chi.Router) {
		r.Post("/start", h.StartDownload)
		r.Get("/", h.ListDownloads)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetDownload)
			r.Delete("/", h.CancelDownload)
			r.Get("/status", h.DownloadStatus)
			r.Get("/events", h.DownloadEvents)
			r.Get("/progress", h.StreamProgress)
			r.Post("/authenticate", h.Authenticate)

			if d.Files != nil {
				files := storage.NewHandlers(d.Files, h.resolveJob)
				r.Get("/files", files.List)
				r.Get("/files/*", files.Download)
			}
		})
	})

	// WebSocket
	r.Get("/ws/downloads/{id}", d.Stream.HandleDownload)

	return r
}

// requestLogger logs one line per request through the service logger.
func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("HTTP request",
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.Int("status", ww.Status()),
					logger.Int("bytes", ww.BytesWritten()),
					logger.Duration("duration", time.Since(start)),
					logger.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

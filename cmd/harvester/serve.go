package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hirefetch/harvester/internal/api"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/ws"
)

func newServeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				a.cfg.HTTPPort = port
			}
			return serve(a)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides HTTP_PORT)")
	return cmd
}

func serve(a *app) error {
	cfg, log := a.cfg, a.log
	log.Info("Starting harvester node",
		logger.String("node_id", cfg.NodeID),
		logger.Int("http_port", cfg.HTTPPort),
		logger.String("output_dir", cfg.OutputDir))

	st, err := buildStack(cfg, log, true)
	if err != nil {
		return err
	}
	defer st.Close()

	router := api.NewRouter(cfg, api.Deps{
		Downloads: st.orch,
		Files:     st.files,
		Metrics:   st.metrics,
		Stream:    ws.NewServer(st.orch, log.With(logger.String("component", "ws"))),
		Logger:    log.With(logger.String("component", "http")),
	})

	// No WriteTimeout: progress streams stay open for the whole download.
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errs := make(chan error, 1)
	go func() {
		log.Info("Server listening", logger.String("addr", cfg.Addr()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-done:
	case err := <-errs:
		return err
	}
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.orch.Shutdown(ctx); err != nil {
		log.Warn("Downloads did not stop in time", logger.Error(err))
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/progress"
	"github.com/hirefetch/harvester/internal/ws"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		since   int64
		retries int
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "watch <base-url> <download-id>",
		Short: "Follow a download running on a harvester service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := streamURL(args[0], args[1])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := ws.NewWatcher(target, a.log.With(logger.String("component", "watch")))
			w.SetRetry(2*time.Second, retries)
			if since > 0 {
				w.Resume(since)
			}

			view := newProgressView(cmd.OutOrStdout(), quiet)
			var final *job.Record
			err = w.Run(ctx, func(e progress.Event) {
				view.Update(e)
				if e.Final {
					final = e.Result
				}
			})
			view.Finish()
			printSummary(cmd.OutOrStdout(), final)
			return err
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "skip events up to this sequence number")
	cmd.Flags().IntVar(&retries, "retries", 10, "consecutive failed connections tolerated (0 = unlimited)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the progress bar")
	return cmd
}

// streamURL turns a service base URL into the download's websocket stream URL.
func streamURL(base, downloadID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid base url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/downloads/" + url.PathEscape(downloadID)
	return u.String(), nil
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hirefetch/harvester/internal/auth"
	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/logger"
	"github.com/hirefetch/harvester/internal/progress"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		cookiesPath string
		quiet       bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <job-id>",
		Short: "Download every resume of one job in-process",
		Long: `Fetch runs one download in this process and shows its progress. When the
platform asks for a login, fetch prompts for the path of a credential JSON file
(a browser cookie export) and resumes where it stopped. Ctrl-C cancels after the
current candidate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var creds []auth.Credential
			if cookiesPath != "" {
				var err error
				if creds, err = readCredentials(cookiesPath); err != nil {
					return err
				}
			}

			st, err := buildStack(a.cfg, a.log, false)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rec, err := runFetch(ctx, st.orch, args[0], creds, cmd.InOrStdin(), cmd.OutOrStdout(), quiet)
			printSummary(cmd.OutOrStdout(), rec)
			if err != nil {
				return err
			}
			if rec != nil && rec.Status == job.StatusFailed {
				return fmt.Errorf("download failed: %s", rec.Error)
			}
			a.log.Debug("Fetch finished", logger.String("job_id", args[0]))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cookiesPath, "cookies", "c", "", "credential JSON file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the progress bar")
	return cmd
}

// fetchRunner is the slice of the orchestrator that fetch drives.
type fetchRunner interface {
	Start(jobID string, creds []auth.Credential) (job.Job, error)
	WaitEvents(ctx context.Context, id string, since int64) ([]progress.Event, bool, error)
	Authenticate(id string, creds []auth.Credential) (job.Job, error)
	Cancel(id string) (job.Job, error)
}

// runFetch starts a download and follows it to its final record, prompting
// on in for credentials whenever the download is parked.
func runFetch(ctx context.Context, r fetchRunner, jobID string, creds []auth.Credential, in io.Reader, out io.Writer, quiet bool) (*job.Record, error) {
	snap, err := r.Start(jobID, creds)
	if err != nil {
		return nil, err
	}
	id := snap.ID

	view := newProgressView(out, quiet)
	defer view.Finish()

	var answers <-chan string
	waitCtx := ctx
	var seq int64
	for {
		events, _, err := r.WaitEvents(waitCtx, id, seq)
		if err != nil {
			if waitCtx.Err() != nil && waitCtx == ctx {
				// Interrupted: cancel and keep following until the final record.
				r.Cancel(id)
				waitCtx = context.Background()
				continue
			}
			return nil, err
		}

		parked := false
		for _, e := range events {
			seq = e.Seq
			view.Update(e)
			if e.Final {
				return e.Result, nil
			}
			parked = e.Status == job.StatusLoginRequired
		}
		if parked {
			if answers == nil {
				answers = readLines(in)
			}
			if err := promptLogin(waitCtx, r, id, answers, out); err != nil {
				return nil, err
			}
		}
	}
}

// readLines delivers in line by line until end of input. The goroutine stays
// blocked on in once nobody listens, which is fine for a terminal.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// promptLogin asks for credential files until the download resumes. An empty
// answer, end of input or an interrupt cancels the download.
func promptLogin(ctx context.Context, r fetchRunner, id string, answers <-chan string, out io.Writer) error {
	for {
		fmt.Fprint(out, "\nLogin required. Path to a credential JSON file (empty to cancel): ")
		var path string
		select {
		case line, ok := <-answers:
			if ok {
				path = strings.TrimSpace(line)
			}
		case <-ctx.Done():
		}
		if path == "" {
			fmt.Fprintln(out, "Cancelling download.")
			_, err := r.Cancel(id)
			return err
		}

		creds, err := readCredentials(path)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		snap, err := r.Authenticate(id, creds)
		if err != nil {
			return err
		}
		if snap.Status != job.StatusLoginRequired {
			return nil
		}
		fmt.Fprintln(out, "Those credentials carry no session cookie.")
	}
}

func readCredentials(path string) ([]auth.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return auth.ParseCredentials(data)
}

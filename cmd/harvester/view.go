package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/progress"
)

const barTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{string . "eta"}}`

// progressView renders progress events as a terminal bar and prints
// warnings and errors from the download log.
type progressView struct {
	out   io.Writer
	bar   *pb.ProgressBar
	quiet bool
}

func newProgressView(out io.Writer, quiet bool) *progressView {
	v := &progressView{out: out, quiet: quiet}
	if !quiet {
		v.bar = pb.ProgressBarTemplate(barTemplate).New(0)
		v.bar.SetWriter(out)
		v.bar.Set("prefix", "Starting: ")
		v.bar.Start()
	}
	return v
}

func (v *progressView) Update(e progress.Event) {
	if v.bar != nil {
		if e.TotalKnown {
			v.bar.SetTotal(int64(e.Total))
		}
		v.bar.SetCurrent(int64(e.Processed))
		v.bar.Set("prefix", fmt.Sprintf("%s: ", e.Status))
		eta := ""
		if e.ETA != nil {
			eta = "ETA " + (time.Duration(*e.ETA) * time.Second).String()
		}
		v.bar.Set("eta", eta)
	}
	if v.quiet {
		return
	}
	for _, entry := range e.Log {
		if entry.Level == job.LevelWarning || entry.Level == job.LevelError {
			fmt.Fprintf(v.out, "\n[%s] %s\n", entry.Level, entry.Message)
		}
	}
}

func (v *progressView) Finish() {
	if v.bar != nil {
		v.bar.Finish()
	}
}

func printSummary(out io.Writer, rec *job.Record) {
	if rec == nil {
		return
	}
	s := rec.Stats
	fmt.Fprintf(out, "\nDownload %s: %s\n", rec.DownloadID, rec.Status)
	fmt.Fprintf(out, "  Saved:        %d\n", s.Saved)
	fmt.Fprintf(out, "  No resume:    %d\n", s.NotFound)
	fmt.Fprintf(out, "  Failed:       %d\n", s.Failed)
	fmt.Fprintf(out, "  Candidates:   %d\n", s.TotalFound)
	fmt.Fprintf(out, "  Location:     %s\n", rec.FileLocation)
	fmt.Fprintf(out, "  Duration:     %s\n", (time.Duration(rec.Duration * float64(time.Second))).Round(time.Second))
	if rec.Error != "" {
		fmt.Fprintf(out, "  Error:        %s\n", rec.Error)
	}
}

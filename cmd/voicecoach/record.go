package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/pending"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/waveform"
)

type recordFlags struct {
	owner      string
	duration   time.Duration
	background bool
	quiet      bool
}

func newRecordCmd(g *globalFlags) *cobra.Command {
	rf := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an answer, submit it and wait for the analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rf.owner == "" {
				return fmt.Errorf("--owner is required")
			}
			return runRecord(cmd.Context(), g, rf)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&rf.owner, "owner", "o", "", "Owner id (answer or session) the recording belongs to")
	f.DurationVarP(&rf.duration, "duration", "d", 10*time.Second, "How long to record; Ctrl-C stops early")
	f.BoolVar(&rf.background, "background", true, "Keep tracking in the background after the foreground wait times out")
	f.BoolVarP(&rf.quiet, "quiet", "q", false, "Hide the level meter")
	return cmd
}

func runRecord(parent context.Context, g *globalFlags, rf *recordFlags) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	log := newLogger(cfg, true)

	c := newCore(cfg, log, coreOptions{synthetic: g.synthetic})
	defer c.close()

	var onFrame func(waveform.Frame)
	if !rf.quiet {
		onFrame = func(f waveform.Frame) { fmt.Fprint(os.Stderr, meter(f)) }
	}
	session := c.newSession(nil, onFrame)
	defer session.Close()

	// First interrupt ends the recording, the second aborts the command.
	stopRec, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	if err := session.Start(parent); err != nil {
		stop()
		return err
	}
	fmt.Fprintf(os.Stderr, "recording for up to %s, Ctrl-C to stop\n", rf.duration)

	t := time.NewTimer(rf.duration)
	select {
	case <-t.C:
	case <-stopRec.Done():
	}
	t.Stop()
	stop()

	blob := session.Blob()
	if blob == nil {
		blob, err = session.Stop()
		if err != nil {
			if errors.Is(err, recording.ErrRecordingTooShort) {
				return fmt.Errorf("%w: need at least %s", err, cfg.MinRecordingTime)
			}
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "\nrecorded %s (%d bytes)\n", formatElapsed(session.Snapshot().ElapsedSeconds), blob.Size())

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	jobID, err := c.jobs.Submit(ctx, rf.owner, blob)
	if err != nil {
		return err
	}
	blob.Revoke()
	fmt.Fprintf(os.Stderr, "submitted job %s\n", jobID)

	job, err := c.jobs.AwaitCompletion(ctx, jobID, foregroundPoll(cfg))
	switch {
	case err == nil:
		return printJSON(job)
	case errors.Is(err, analysis.ErrTimeout) && rf.background:
		return waitInBackground(ctx, c, jobID)
	default:
		if analysis.IsTerminalErr(err) {
			_ = printJSON(job)
		}
		return err
	}
}

// waitInBackground hands the job to the pending registry and blocks until
// it raises a notification.
func waitInBackground(ctx context.Context, c *core, jobID string) error {
	got := make(chan pending.Notification, 1)
	unsub := c.pending.OnJobNotification(func(n pending.Notification) {
		if n.JobID == jobID {
			select {
			case got <- n:
			default:
			}
		}
	})
	defer unsub()

	if err := c.pending.Register(jobID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "analysis is taking longer than usual, waiting in the background\n")

	select {
	case n := <-got:
		fmt.Fprintln(os.Stderr, n.Summary)
		return printJSON(n)
	case <-ctx.Done():
		c.pending.Dismiss(jobID)
		return ctx.Err()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

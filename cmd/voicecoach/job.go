package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snarg/voicecoach/internal/analysis"
)

func newJobCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Query analyzer jobs",
	}
	cmd.AddCommand(newJobStatusCmd(g))
	cmd.AddCommand(newJobAwaitCmd(g))
	cmd.AddCommand(newFinalizeCmd(g))
	return cmd
}

func newJobStatusCmd(g *globalFlags) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Query a job once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), g, func(ctx context.Context, c *core) error {
				c.jobs.Track(args[0], owner)
				job, err := c.jobs.PollOnce(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner id the job belongs to")
	return cmd
}

func newJobAwaitCmd(g *globalFlags) *cobra.Command {
	var (
		owner    string
		attempts int
	)
	cmd := &cobra.Command{
		Use:   "await <job-id>",
		Short: "Poll a job until it finishes or the attempt budget is spent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), g, func(ctx context.Context, c *core) error {
				c.jobs.Track(args[0], owner)
				poll := foregroundPoll(c.cfg)
				if attempts > 0 {
					poll.MaxAttempts = attempts
				}
				job, err := c.jobs.AwaitCompletion(ctx, args[0], poll)
				if err != nil && !analysis.IsTerminalErr(err) {
					return err
				}
				if perr := printJSON(job); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&owner, "owner", "o", "", "Owner id the job belongs to")
	f.IntVar(&attempts, "attempts", 0, "Maximum status queries (default POLL_MAX_ATTEMPTS)")
	return cmd
}

func newFinalizeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <owner-id>",
		Short: "Request the aggregate analysis for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), g, func(ctx context.Context, c *core) error {
				out, err := c.jobs.Finalize(ctx, args[0])
				if err != nil {
					return err
				}
				if len(out) == 0 {
					return fmt.Errorf("finalize %s: empty response", args[0])
				}
				return printJSON(out)
			})
		},
	}
}

func withJobs(parent context.Context, g *globalFlags, fn func(context.Context, *core) error) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	c := newCore(cfg, newLogger(cfg, true), coreOptions{synthetic: g.synthetic})
	defer c.close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, c)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/game"
)

type gameFlags struct {
	target        int
	timeLimit     time.Duration
	promptsFile   string
	roundDuration time.Duration
	session       string
}

func newGameCmd(g *globalFlags) *cobra.Command {
	gf := &gameFlags{}
	cmd := &cobra.Command{
		Use:   "game [sentence...]",
		Short: "Play the pronunciation game",
		Long: "Reads each sentence aloud in turn. The game ends after --target scored\n" +
			"rounds or when --time-limit elapses. Sentences come from the arguments\n" +
			"or from --prompts, one per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGame(cmd.Context(), g, gf, args)
		},
	}
	f := cmd.Flags()
	f.IntVar(&gf.target, "target", 0, "End after this many scored rounds")
	f.DurationVar(&gf.timeLimit, "time-limit", 0, "End when this much time has elapsed")
	f.StringVar(&gf.promptsFile, "prompts", "", "File with one sentence per line")
	f.DurationVar(&gf.roundDuration, "round-duration", 5*time.Second, "Recording length per round")
	f.StringVar(&gf.session, "session", "", "Game session id (generated when empty)")
	return cmd
}

func runGame(parent context.Context, g *globalFlags, gf *gameFlags, args []string) error {
	prompts := args
	if gf.promptsFile != "" {
		lines, err := readPrompts(gf.promptsFile)
		if err != nil {
			return err
		}
		prompts = append(prompts, lines...)
	}
	if len(prompts) == 0 {
		return fmt.Errorf("no sentences: pass them as arguments or with --prompts")
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	log := newLogger(cfg, true)
	c := newCore(cfg, log, coreOptions{synthetic: g.synthetic})
	defer c.close()

	session := c.newSession(nil, nil)
	defer session.Close()

	ctrl, err := game.New(c.jobs, game.NewSliceSource(prompts...),
		&game.SessionRecorder{Session: session, Duration: gf.roundDuration},
		game.Policy{TargetCount: gf.target, TimeLimit: gf.timeLimit},
		game.Options{
			SessionID: gf.session,
			Poll:      analysis.PollOptions{Interval: cfg.PollInterval, MaxAttempts: cfg.GameMaxAttempts},
			OnPrompt: func(p game.Prompt) {
				fmt.Fprintf(os.Stderr, "\nsay: %q\n", p.Text)
			},
			OnRound: func(r game.Round) {
				fmt.Fprintf(os.Stderr, "round %d: %s (%s)\n", r.Index, r.Outcome, r.Elapsed.Round(time.Millisecond))
			},
			Events: c.bus,
			Log:    log,
		})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := ctrl.Run(ctx)
	if perr := printJSON(sum); perr != nil {
		return perr
	}
	return err
}

func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return out, nil
}

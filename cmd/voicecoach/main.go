package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/snarg/voicecoach/internal/config"
)

var version = "dev"

// globalFlags are shared by every subcommand and override env vars.
type globalFlags struct {
	overrides config.Overrides
	synthetic bool
}

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "voicecoach",
		Short:         "Record speech, submit it for analysis and track the results",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.overrides.EnvFile, "env-file", "", "Path to .env file (default .env)")
	pf.StringVar(&g.overrides.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&g.overrides.AnalyzerURL, "analyzer-url", "", "Analyzer base URL")
	pf.BoolVar(&g.synthetic, "synthetic", false, "Use a synthetic tone instead of the microphone")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newRecordCmd(g))
	root.AddCommand(newGameCmd(g))
	root.AddCommand(newJobCmd(g))
	return root
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.overrides)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the root logger. Interactive commands log to stderr in
// console format so stdout stays clean for results.
func newLogger(cfg *config.Config, console bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	if cfg.LogFile != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}

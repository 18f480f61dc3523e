// Package cmd holds the cobra command tree of mbox-mood.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-mood/config"
	"github.com/dhcgn/mbox-mood/runner"
)

var rootCmd = &cobra.Command{
	Use:   "mbox-mood [flags] <mailbox> <output-log>",
	Short: "Annotate every message of a mailbox with its mood and flag regrettable ones",
	Long: `mbox-mood reads an mbox file (optionally gzip or zstd compressed) or an
IMAP folder (imap[s]://user@host/Folder, password from IMAP_PASS), cleans
each message body, runs it through a tone engine and writes one record per
message to the output log:

  {"subject":...,"mood_score":...,"primary_tag":...,"is_regrettable":...}`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := config.LoadEnv()
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		cfg, err := config.LoadConfig(cmd, args, env)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir)
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		defer func() {
			_ = cleanup()
		}()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runner.New(cfg, logger).Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("annotation complete", "records", res.Records, "skipped", res.Failures, "output", cfg.OutputPath, "duration", res.Duration)
		return nil
	},
}

func init() {
	if err := config.RegisterFlags(rootCmd); err != nil {
		panic(fmt.Sprintf("register CLI flags: %v", err))
	}
	// Subcommands inherit this unless they set their own.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	})
}

// usageArgs marks positional argument errors as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		return nil
	}
}

// logFlags reads the persistent logging flags.
func logFlags(cmd *cobra.Command) (level, dir string, err error) {
	flags := cmd.Flags()
	level, levelErr := flags.GetString("log-level")
	dir, dirErr := flags.GetString("log-dir")
	if err := errors.Join(levelErr, dirErr); err != nil {
		return "", "", fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return level, dir, nil
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return runner.ExitCode(err)
	}
	return 0
}

func setupLogger(logLevel, logDir string) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch config.NormalizeLogLevel(logLevel) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(logDir, fmt.Sprintf("mbox-mood-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}

// Package runner wires one annotation run together: source, cleaner,
// engine, cache and output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mbox-mood/annotate"
	"github.com/dhcgn/mbox-mood/clean"
	"github.com/dhcgn/mbox-mood/config"
	"github.com/dhcgn/mbox-mood/filter"
	"github.com/dhcgn/mbox-mood/imap"
	"github.com/dhcgn/mbox-mood/mbox"
	"github.com/dhcgn/mbox-mood/output"
	"github.com/dhcgn/mbox-mood/progress"
	"github.com/dhcgn/mbox-mood/state"
	"github.com/dhcgn/mbox-mood/stats"
)

// Result describes a finished run.
type Result struct {
	RunID    string
	Records  int
	Failures int
	Summary  stats.Summary
	Duration time.Duration
}

type Runner struct {
	cfg      config.Config
	logger   *slog.Logger
	runID    string
	analyzer AnalyzerFactory
}

// AnalyzerFactory is BuildAnalyzer unless a test swaps it.
type AnalyzerFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (Analyzer, error)

func New(cfg config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	return &Runner{
		cfg:      cfg,
		logger:   logger.With("run", runID),
		runID:    runID,
		analyzer: BuildAnalyzer,
	}
}

// WithAnalyzerFactory replaces the engine construction.
func (r *Runner) WithAnalyzerFactory(f AnalyzerFactory) *Runner {
	r.analyzer = f
	return r
}

// Run processes every message of the configured mailbox and replaces the
// output log. Nothing is written unless the whole pass succeeds.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	started := time.Now()
	cfg := r.cfg
	r.logger.Info("starting mbox-mood", "mailbox", redact(cfg.MailboxPath), "output", cfg.OutputPath, "engine", cfg.Engine, "sensitivity", cfg.Sensitivity, "onError", cfg.OnError)

	analyzer, err := r.analyzer(ctx, cfg, r.logger)
	if err != nil {
		return Result{}, err
	}
	policy, err := annotate.ParsePolicy(cfg.OnError)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	format, err := output.ParseFormat(cfg.Format)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
		IgnoreCase:    cfg.IgnoreCase,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	scope, err := CacheScope(cfg)
	if err != nil {
		return Result{}, err
	}

	var cache state.Cache
	if cfg.CacheDir != "" {
		fc, err := state.NewFileCache(cfg.CacheDir, true)
		if err != nil {
			return Result{}, fmt.Errorf("%w: analysis cache: %w", config.ErrInvalid, err)
		}
		defer func() {
			if err := fc.Close(); err != nil {
				r.logger.Warn("closing analysis cache failed", "path", fc.Path(), "err", err)
			}
		}()
		cache = fc
	}

	src, total, err := r.openSource(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", annotate.ErrMailboxRead, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			r.logger.Warn("closing mailbox failed", "err", err)
		}
	}()

	collector := stats.NewCollector()
	bar := progress.New(total, cfg.Progress)
	a, err := annotate.New(annotate.Options{
		Cleaner:     clean.New(),
		Analyzer:    analyzer,
		EngineName:  scope,
		Sensitivity: cfg.Sensitivity,
		Filter:      f,
		Cache:       cache,
		Policy:      policy,
		Observer:    stats.Multi{collector, bar},
		Logger:      r.logger,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	res, err := a.Annotate(ctx, src)
	bar.Stop(collector.Snapshot())
	if err != nil {
		collector.Log(r.logger, started, err)
		return Result{}, err
	}

	if err := output.NewWriter(format).Write(ctx, cfg.OutputPath, res.Records, res.Failures); err != nil {
		collector.Observe(stats.Event{Stage: stats.StagePersist, Type: stats.EventTypeError, Err: err})
		collector.Log(r.logger, started, err)
		return Result{}, fmt.Errorf("%w: %w", annotate.ErrPersistence, err)
	}
	if len(res.Failures) > 0 {
		r.logger.Warn("some messages were skipped", "count", len(res.Failures), "errorsFile", output.ErrorsPath(cfg.OutputPath))
	}

	collector.Log(r.logger, started, nil)
	return Result{
		RunID:    r.runID,
		Records:  len(res.Records),
		Failures: len(res.Failures),
		Summary:  collector.Snapshot(),
		Duration: time.Since(started),
	}, nil
}

func (r *Runner) openSource(ctx context.Context) (annotate.Source, int, error) {
	cfg := r.cfg
	if imap.IsURL(cfg.MailboxPath) {
		opts, err := imap.ParseURL(cfg.MailboxPath)
		if err != nil {
			return nil, 0, err
		}
		opts.Password = cfg.IMAPPass
		if cfg.IMAPFolder != "" {
			opts.Folder = cfg.IMAPFolder
		}
		src, err := imap.Open(ctx, opts, r.logger)
		if err != nil {
			return nil, 0, err
		}
		return src, src.Total(), nil
	}

	total := 0
	if cfg.Progress {
		n, err := mbox.CountMessages(cfg.MailboxPath)
		if err != nil {
			return nil, 0, err
		}
		total = n
	}
	src, err := mbox.Open(cfg.MailboxPath, r.logger)
	if err != nil {
		return nil, 0, err
	}
	return src, total, nil
}

// redact drops any userinfo password from a mailbox URL before logging.
func redact(mailbox string) string {
	if !imap.IsURL(mailbox) {
		return mailbox
	}
	opts, err := imap.ParseURL(mailbox)
	if err != nil {
		return "imap://<invalid>"
	}
	return fmt.Sprintf("imap://%s@%s:%d/%s", opts.Username, opts.Host, opts.Port, opts.Folder)
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalid):
		return 2
	case errors.Is(err, annotate.ErrMailboxRead):
		return 3
	case errors.Is(err, annotate.ErrPayloadCleaning):
		return 4
	case errors.Is(err, annotate.ErrAnalysis):
		return 5
	case errors.Is(err, annotate.ErrPersistence):
		return 6
	default:
		return 1
	}
}

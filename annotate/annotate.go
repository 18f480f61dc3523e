// Package annotate runs every mailbox message through cleaning and analysis
// and collects one record per message.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/filter"
	"github.com/dhcgn/mbox-mood/model"
	"github.com/dhcgn/mbox-mood/state"
	"github.com/dhcgn/mbox-mood/stats"
)

var (
	ErrMailboxRead     = errors.New("mailbox read error")
	ErrPayloadCleaning = errors.New("payload cleaning error")
	ErrAnalysis        = errors.New("analysis error")
	ErrPersistence     = errors.New("persistence error")
)

// Policy decides what happens when a single message fails.
type Policy string

const (
	PolicySkip  Policy = "skip"
	PolicyAbort Policy = "abort"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("unknown error policy %q (want skip or abort)", s)
	}
}

// Source yields mailbox messages in order and returns io.EOF when done.
type Source interface {
	Next(ctx context.Context) (model.Envelope, error)
	Close() error
}

// PayloadCleaner turns a raw RFC 5322 message into analysable text.
type PayloadCleaner interface {
	Clean(raw []byte) (string, error)
}

// MessageError carries the position of the message that failed.
type MessageError struct {
	Index   int
	Subject string
	Stage   stats.Stage
	Err     error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %d (%q) failed at %s: %v", e.Index, e.Subject, e.Stage, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

type Options struct {
	Cleaner  PayloadCleaner
	Analyzer engine.Analyzer

	// EngineName and Sensitivity scope cache entries. Analyses marked as
	// Fallback are never cached.
	EngineName  string
	Sensitivity float64

	Filter   *filter.Filter
	Cache    state.Cache
	Policy   Policy
	Observer stats.Observer
	Logger   *slog.Logger
}

// Result is the output of one pass. Records and Failures keep mailbox order.
type Result struct {
	Records  []model.Record
	Failures []model.Failure
}

type Annotator struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Annotator, error) {
	if opts.Cleaner == nil {
		return nil, fmt.Errorf("payload cleaner is required")
	}
	if opts.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if err := (engine.Options{Sensitivity: opts.Sensitivity}).Validate(); err != nil {
		return nil, err
	}
	if opts.Policy == "" {
		opts.Policy = PolicySkip
	}
	if opts.Observer == nil {
		opts.Observer = stats.Multi(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Annotator{opts: opts, logger: logger.With("component", "annotate")}, nil
}

// Annotate drains src. A mailbox-level read error always stops the run. A
// per-message failure is recorded or returned depending on the policy.
func (a *Annotator) Annotate(ctx context.Context, src Source) (Result, error) {
	result := Result{Records: []model.Record{}}
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		env, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			a.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: err})
			return Result{}, fmt.Errorf("%w: %w", ErrMailboxRead, err)
		}

		msg := env.Message
		a.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, Index: msg.Index, MessageID: msg.ID, Subject: msg.Subject})

		record, ok, msgErr := a.process(ctx, env)
		if msgErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			a.emit(stats.Event{Stage: msgErr.Stage, Type: stats.EventTypeError, Index: msg.Index, MessageID: msg.ID, Subject: msg.Subject, Err: msgErr})
			if a.opts.Policy == PolicyAbort {
				return Result{}, msgErr
			}
			a.logger.Warn("skipping message", "index", msg.Index, "subject", msg.Subject, "stage", msgErr.Stage, "err", msgErr.Err)
			result.Failures = append(result.Failures, model.Failure{
				Index:     msg.Index,
				Subject:   msg.Subject,
				MessageID: msg.ID,
				Stage:     string(msgErr.Stage),
				Error:     msgErr.Err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}

		result.Records = append(result.Records, record)
		a.emit(stats.Event{Stage: stats.StageAnalyze, Type: stats.EventTypeRecorded, Index: msg.Index, MessageID: msg.ID, Subject: msg.Subject, Tag: record.PrimaryTag, Alert: record.IsRegrettable})
	}
	return result, nil
}

// process returns ok=false without error when the filter drops the message.
func (a *Annotator) process(ctx context.Context, env model.Envelope) (model.Record, bool, *MessageError) {
	msg := env.Message
	fail := func(stage stats.Stage, sentinel, err error) *MessageError {
		return &MessageError{Index: msg.Index, Subject: msg.Subject, Stage: stage, Err: fmt.Errorf("%w: %w", sentinel, err)}
	}

	if env.Err != nil {
		return model.Record{}, false, fail(stats.StageParse, ErrPayloadCleaning, env.Err)
	}

	if d := a.opts.Filter.Check(msg); !d.Allowed {
		a.logger.Debug("message filtered", "index", msg.Index, "subject", msg.Subject, "rule", d.Rule)
		a.emit(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, Index: msg.Index, MessageID: msg.ID, Subject: msg.Subject, Detail: d.Rule})
		return model.Record{}, false, nil
	}

	text, err := a.opts.Cleaner.Clean(msg.Raw)
	if err != nil {
		return model.Record{}, false, fail(stats.StageClean, ErrPayloadCleaning, err)
	}

	key := state.Key{Hash: msg.Hash, Engine: a.opts.EngineName, Sensitivity: a.opts.Sensitivity}
	if a.opts.Cache != nil {
		if cached, hit := a.opts.Cache.Get(key); hit {
			a.emit(stats.Event{Stage: stats.StageAnalyze, Type: stats.EventTypeCacheHit, Index: msg.Index, MessageID: msg.ID, Subject: msg.Subject})
			return model.NewRecord(msg, cached), true, nil
		}
	}

	analysis, err := a.opts.Analyzer.Analyze(ctx, text)
	if err != nil {
		return model.Record{}, false, fail(stats.StageAnalyze, ErrAnalysis, err)
	}
	a.emit(stats.Event{Stage: stats.StageAnalyze, Type: stats.EventTypeAnalyzed, Index: msg.Index, MessageID: msg.ID, Subject: msg.Subject})

	if a.opts.Cache != nil && !analysis.Fallback {
		if err := a.opts.Cache.Put(key, analysis); err != nil {
			a.logger.Warn("cache write failed", "index", msg.Index, "err", err)
		}
	}
	return model.NewRecord(msg, analysis), true, nil
}

func (a *Annotator) emit(evt stats.Event) {
	a.opts.Observer.Observe(evt)
}

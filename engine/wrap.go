package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/dhcgn/mbox-mood/model"
)

// TransientError marks an analysis failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// RetryOptions configures WithRetry.
type RetryOptions struct {
	MaxRetries     int
	RequestTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  bool
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	return o
}

type retrying struct {
	next    Analyzer
	opts    RetryOptions
	backoff *backoff.Backoff
}

// WithRetry retries transient failures of next with exponential backoff.
func WithRetry(next Analyzer, opts RetryOptions) Analyzer {
	opts = opts.withDefaults()
	return &retrying{
		next:    next,
		opts:    opts,
		backoff: NewBackoff(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitter),
	}
}

func (r *retrying) Analyze(ctx context.Context, text string) (model.Analysis, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Analysis{}, err
		}

		reqCtx := ctx
		cancel := context.CancelFunc(func() {})
		if r.opts.RequestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, r.opts.RequestTimeout)
		}
		res, err := r.next.Analyze(reqCtx, text)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return model.Analysis{}, ctx.Err()
		}
		if !IsTransient(err) || attempt >= r.opts.MaxRetries {
			return model.Analysis{}, err
		}

		t := time.NewTimer(r.backoff.ForAttempt(float64(attempt)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return model.Analysis{}, ctx.Err()
		}
	}
}

// NewBackoff doubles the wait from min up to max. Callers use ForAttempt,
// which leaves the Backoff untouched.
func NewBackoff(min, max time.Duration, jitter bool) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    min,
		Max:    max,
		Factor: 2,
		Jitter: jitter,
	}
}

type fallback struct {
	primary   Analyzer
	secondary Analyzer
	logger    *slog.Logger
}

// WithFallback answers from secondary whenever primary fails and marks such
// answers with Analysis.Fallback. Cancellation is never masked.
func WithFallback(primary, secondary Analyzer, logger *slog.Logger) Analyzer {
	return &fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *fallback) Analyze(ctx context.Context, text string) (model.Analysis, error) {
	res, err := f.primary.Analyze(ctx, text)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return model.Analysis{}, ctx.Err()
	}
	if f.logger != nil {
		f.logger.Warn("analysis engine failed, using fallback", "err", err)
	}
	res, err = f.secondary.Analyze(ctx, text)
	if err != nil {
		return model.Analysis{}, err
	}
	res.Fallback = true
	return res, nil
}

// Package remote calls a tone API over HTTP. Every request goes through a
// circuit breaker, an optional rate limiter and a retry loop for 429/5xx
// responses.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/model"
)

// DefaultBaseURL is where `mbox-mood serve` listens by default.
const DefaultBaseURL = "http://localhost:8787"

// DefaultTimeout bounds a single request.
const DefaultTimeout = 8 * time.Second

var ErrUnavailable = errors.New("tone api unavailable")

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tone api returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("tone api returned %d", e.Code)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// RetryPolicy configures retries of 429/5xx and transport failures.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used when Config.Retry is zero.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RPS         float64
	Retry       RetryPolicy
	Sensitivity float64
	UserAgent   string
	HTTPClient  *http.Client
}

type Client struct {
	baseURL     string
	timeout     time.Duration
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	limiter     *rate.Limiter
	retry       RetryPolicy
	backoff     *backoff.Backoff
	sensitivity float64
	userAgent   string
	sleep       func(context.Context, time.Duration) error
}

type Option func(*Client)

// WithSleepFunc replaces the wait between retries.
func WithSleepFunc(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := (engine.Options{Sensitivity: cfg.Sensitivity}).Validate(); err != nil {
		return nil, err
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("api url must start with http:// or https://, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retry := cfg.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "mbox-mood"
	}

	c := &Client{
		baseURL:     base,
		timeout:     timeout,
		http:        httpClient,
		retry:       retry,
		backoff:     engine.NewBackoff(retry.MinWait, retry.MaxWait, false),
		sensitivity: cfg.Sensitivity,
		userAgent:   userAgent,
		sleep:       sleepContext,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "tone-api",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type analyzeRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode"`
}

type analyzeResponse struct {
	ToneLabel   string          `json:"toneLabel"`
	Confidence  float64         `json:"confidence"`
	Explanation string          `json:"explanation"`
	Emotions    []model.Emotion `json:"emotions"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) Analyze(ctx context.Context, text string) (model.Analysis, error) {
	payload, err := json.Marshal(analyzeRequest{Text: text, Mode: "incoming"})
	if err != nil {
		return model.Analysis{}, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return model.Analysis{}, err
			}
		}

		res, err := c.analyzeOnce(ctx, payload)
		if err == nil {
			return engine.Finish(res, c.sensitivity), nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return model.Analysis{}, ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return model.Analysis{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		wait, retry := c.retryDelay(err, attempt)
		if !retry || attempt == c.retry.MaxRetries {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			return model.Analysis{}, err
		}
	}

	return model.Analysis{}, fmt.Errorf("remote analyze: %w", lastErr)
}

func (c *Client) analyzeOnce(ctx context.Context, payload []byte) (model.Analysis, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return model.Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			defer r.Body.Close()
			return nil, readStatusError(r)
		}
		return r, nil
	})
	if err != nil {
		return model.Analysis{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Analysis{}, readStatusError(resp)
	}

	var body analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Analysis{}, fmt.Errorf("decode response: %w", err)
	}

	emotions := make([]model.Emotion, 0, len(body.Emotions))
	for _, e := range body.Emotions {
		emotions = append(emotions, model.Emotion{Name: e.Name, Intensity: engine.Clamp01(e.Intensity)})
	}
	return model.Analysis{
		Tone:        body.ToneLabel,
		Confidence:  engine.Clamp01(body.Confidence),
		Explanation: body.Explanation,
		Emotions:    emotions,
	}, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %w", ErrUnavailable, readStatusError(resp))
	}
	return nil
}

func (c *Client) retryDelay(err error, attempt int) (time.Duration, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if !statusErr.retryable() {
			return 0, false
		}
		if statusErr.RetryAfter > 0 {
			return min(statusErr.RetryAfter, c.retry.MaxWait), true
		}
		return c.backoff.ForAttempt(float64(attempt)), true
	}

	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return c.backoff.ForAttempt(float64(attempt)), true
	}
	return 0, false
}

func readStatusError(resp *http.Response) *StatusError {
	statusErr := &StatusError{Code: resp.StatusCode}
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
			statusErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorResponse
	if json.Unmarshal(data, &body) == nil {
		statusErr.Message = body.Error
		if body.Message != "" {
			statusErr.Message = strings.TrimSpace(body.Error + " " + body.Message)
		}
	}
	return statusErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

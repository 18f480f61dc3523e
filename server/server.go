// Package server exposes the tone analyzer and rewriter over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mbox-mood/clean"
	"github.com/dhcgn/mbox-mood/model"
	"github.com/dhcgn/mbox-mood/rewrite"
)

const (
	ServiceName  = "mailmood-api"
	MaxBodyBytes = clean.DefaultMaxBytes
)

// ToneAnalyzer classifies text without applying an alert threshold.
type ToneAnalyzer interface {
	Tone(text string) model.Analysis
}

type analyzeRequest struct {
	Text string `json:"text" validate:"required"`
	Mode string `json:"mode" validate:"omitempty,oneof=incoming outgoing"`
}

type analyzeResponse struct {
	ToneLabel   string          `json:"toneLabel"`
	Confidence  float64         `json:"confidence"`
	Explanation string          `json:"explanation"`
	Emotions    []model.Emotion `json:"emotions"`
}

type rewriteRequest struct {
	Text       string `json:"text" validate:"required"`
	TargetTone string `json:"targetTone"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Privacy   string `json:"privacy"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Server struct {
	analyzer ToneAnalyzer
	rewriter *rewrite.Rewriter
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func New(analyzer ToneAnalyzer, rewriter *rewrite.Rewriter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		analyzer: analyzer,
		rewriter: rewriter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "server"),
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/analyze", s.handleAnalyze)
	r.Post("/rewrite", s.handleRewrite)
	return r
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		s.logger.Info("server stopped cleanly")
		return nil
	})
	return g.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		// Bodies are never logged.
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Service:   ServiceName,
		Privacy:   "process-and-forget",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decode(w, r, &req) {
		return
	}

	a := s.analyzer.Tone(req.Text)
	emotions := a.Emotions
	if emotions == nil {
		emotions = []model.Emotion{}
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		ToneLabel:   a.Tone,
		Confidence:  a.Confidence,
		Explanation: a.Explanation,
		Emotions:    emotions,
	})
}

func (s *Server) handleRewrite(w http.ResponseWriter, r *http.Request) {
	var req rewriteRequest
	if !s.decode(w, r, &req) {
		return
	}

	writeJSON(w, http.StatusOK, s.rewriter.Rewrite(req.Text, req.TargetTone))
}

// decode reads a JSON body into dst, trims its text and validates it. It
// writes the error response itself and reports whether handling may go on.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload_too_large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Message: err.Error()})
		return false
	}

	switch req := dst.(type) {
	case *analyzeRequest:
		req.Text = strings.TrimSpace(req.Text)
	case *rewriteRequest:
		req.Text = strings.TrimSpace(req.Text)
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Text" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

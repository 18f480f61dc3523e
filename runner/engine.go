package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dhcgn/mbox-mood/config"
	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/engine/gemini"
	"github.com/dhcgn/mbox-mood/engine/keyword"
	"github.com/dhcgn/mbox-mood/engine/lexicon"
	"github.com/dhcgn/mbox-mood/engine/remote"
)

// Analyzer is the engine used for a run.
type Analyzer = engine.Analyzer

// BuildAnalyzer constructs the engine named by cfg.Engine, optionally backed
// by the keyword engine when it fails.
func BuildAnalyzer(ctx context.Context, cfg config.Config, logger *slog.Logger) (Analyzer, error) {
	opts := engine.Options{Sensitivity: cfg.Sensitivity}

	var (
		a   Analyzer
		err error
	)
	switch cfg.Engine {
	case "", engine.NameLexicon:
		lex := lexicon.Default()
		if cfg.LexiconPath != "" {
			if lex, err = lexicon.Load(cfg.LexiconPath); err != nil {
				return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
			}
		}
		a, err = lexicon.New(opts, lex)
	case engine.NameKeyword:
		a, err = keyword.New(opts)
	case engine.NameRemote:
		a, err = remote.New(remote.Config{
			BaseURL:     cfg.APIURL,
			RPS:         cfg.APIRPS,
			Sensitivity: cfg.Sensitivity,
		})
	case engine.NameGemini:
		var g *gemini.Analyzer
		g, err = gemini.New(ctx, gemini.Config{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GeminiModel,
			Sensitivity: cfg.Sensitivity,
		})
		if err == nil {
			a = engine.WithRetry(g, engine.RetryOptions{
				MaxRetries:     3,
				RequestTimeout: 60 * time.Second,
				BackoffInitial: time.Second,
				BackoffMax:     20 * time.Second,
				BackoffJitter:  true,
			})
		}
	default:
		err = fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: engine %s: %w", config.ErrInvalid, cfg.Engine, err)
	}

	if cfg.Fallback && cfg.Engine != engine.NameKeyword {
		kw, err := keyword.New(opts)
		if err != nil {
			return nil, fmt.Errorf("%w: fallback engine: %w", config.ErrInvalid, err)
		}
		a = engine.WithFallback(a, kw, logger)
	}
	return a, nil
}

// CacheScope names everything besides sensitivity that shapes an analysis:
// the engine, a digest of a custom lexicon, the Gemini model and whether a
// fallback engine is configured. Cached analyses are only served within the
// same scope.
func CacheScope(cfg config.Config) (string, error) {
	name := cfg.Engine
	if name == "" {
		name = engine.NameLexicon
	}

	scope := name
	switch name {
	case engine.NameLexicon:
		if cfg.LexiconPath != "" {
			data, err := os.ReadFile(cfg.LexiconPath)
			if err != nil {
				return "", fmt.Errorf("%w: read lexicon: %w", config.ErrInvalid, err)
			}
			sum := sha256.Sum256(data)
			scope += "@" + hex.EncodeToString(sum[:8])
		}
	case engine.NameGemini:
		model := cfg.GeminiModel
		if model == "" {
			model = gemini.DefaultModel
		}
		scope += "@" + model
	case engine.NameRemote:
		scope += "@" + cfg.APIURL
	}
	if cfg.Fallback && name != engine.NameKeyword {
		scope += "+fallback"
	}
	return scope, nil
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func parse(t *testing.T, flags ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags(flags); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(parse(t), []string{"mail.mbox", "out.jsonl"}, Env{})
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Sensitivity != 0.7 || cfg.Engine != "lexicon" || cfg.OnError != "skip" || cfg.Format != "jsonl" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.APIURL != DefaultAPIURL || cfg.LogLevel != "info" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	env := Env{APIURL: "http://tone.internal:9000", IMAPPass: "secret", GeminiAPIKey: "k"}

	cfg, err := LoadConfig(parse(t, "--engine", "gemini"), []string{"imaps://me@host/INBOX", "out.jsonl"}, env)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.APIURL != env.APIURL || cfg.IMAPPass != "secret" || cfg.GeminiAPIKey != "k" {
		t.Errorf("env not applied: %+v", cfg)
	}

	cfg, err = LoadConfig(parse(t, "--api-url", "http://flag:1"), []string{"a", "b"}, env)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.APIURL != "http://flag:1" {
		t.Errorf("flag should win over env, got %q", cfg.APIURL)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		args    []string
		env     Env
		wantErr string
	}{
		{"missing args", nil, []string{"only-one"}, Env{}, "expected <mailbox> <output-log>"},
		{"empty mailbox", nil, []string{" ", "out"}, Env{}, "<mailbox> is required"},
		{"sensitivity high", []string{"--sensitivity", "1.5"}, []string{"a", "b"}, Env{}, "--sensitivity out of range"},
		{"sensitivity low", []string{"--sensitivity", "-0.1"}, []string{"a", "b"}, Env{}, "--sensitivity out of range"},
		{"engine", []string{"--engine", "magic"}, []string{"a", "b"}, Env{}, "--engine must be one of"},
		{"gemini key", []string{"--engine", "gemini"}, []string{"a", "b"}, Env{}, "GEMINI_API_KEY is required"},
		{"policy", []string{"--on-error", "retry"}, []string{"a", "b"}, Env{}, "--on-error"},
		{"format", []string{"--format", "xml"}, []string{"a", "b"}, Env{}, "--format"},
		{"log level", []string{"--log-level", "loud"}, []string{"a", "b"}, Env{}, "--log-level"},
		{"api url", []string{"--api-url", "ftp://x"}, []string{"a", "b"}, Env{}, "--api-url is invalid"},
		{"filters", []string{"--include-body", "a", "--exclude-body", "b"}, []string{"a", "b"}, Env{}, "mutually exclusive"},
		{"imap password", nil, []string{"imap://me@host", "b"}, Env{}, "IMAP_PASS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(parse(t, tt.flags...), tt.args, tt.env)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigWarningLevel(t *testing.T) {
	cfg, err := LoadConfig(parse(t, "--log-level", "WARNING"), []string{"a", "b"}, Env{})
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadEnvFromDotenv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("GEMINI_MODEL=gemini-test\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("GEMINI_MODEL", "")
	os.Unsetenv("GEMINI_MODEL")
	t.Setenv("MBOXMOOD_API_URL", "http://from-env:1")

	env, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if env.GeminiModel != "gemini-test" {
		t.Errorf("GeminiModel = %q", env.GeminiModel)
	}
	if env.APIURL != "http://from-env:1" {
		t.Errorf("APIURL = %q", env.APIURL)
	}
}

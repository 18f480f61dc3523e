package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/mbox-mood/annotate"
	"github.com/dhcgn/mbox-mood/config"
	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/model"
	"github.com/dhcgn/mbox-mood/output"
)

func testConfig(t *testing.T, mailbox string) config.Config {
	t.Helper()
	return config.Config{
		MailboxPath: mailbox,
		OutputPath:  filepath.Join(t.TempDir(), "log.jsonl"),
		Sensitivity: engine.DefaultSensitivity,
		Engine:      engine.NameLexicon,
		APIURL:      config.DefaultAPIURL,
		OnError:     "skip",
		Format:      "jsonl",
		LogLevel:    "info",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSample(t *testing.T) {
	cfg := testConfig(t, "testdata/sample.mbox")
	res, err := New(cfg, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Records != 3 || res.Failures != 0 || res.RunID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	records, err := output.ReadRecords(cfg.OutputPath)
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	wantSubjects := []string{"Test", "=?UTF-8?Q?Gr=C3=BC=C3=9Fe?=", "Re: deadline"}
	for i, r := range records {
		if r.Subject != wantSubjects[i] {
			t.Errorf("record %d subject = %q, want %q", i, r.Subject, wantSubjects[i])
		}
		if r.MoodScore < -1 || r.MoodScore > 1 {
			t.Errorf("record %d score out of range: %v", i, r.MoodScore)
		}
	}
	if records[2].PrimaryTag != "urgency" || !records[2].IsRegrettable {
		t.Errorf("expected the deadline message to be flagged, got %+v", records[2])
	}
	if records[1].PrimaryTag != "warmth" || records[1].MoodScore <= 0 {
		t.Errorf("expected the thank-you message to be warm, got %+v", records[1])
	}
}

func TestRunIdempotent(t *testing.T) {
	cfg := testConfig(t, "testdata/sample.mbox")
	if _, err := New(cfg, quietLogger()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg, quietLogger()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Errorf("output changed between runs:\n%s\n---\n%s", first, second)
	}
}

func TestRunCacheReproducesRecords(t *testing.T) {
	cfg := testConfig(t, "testdata/sample.mbox")
	cfg.CacheDir = t.TempDir()

	if _, err := New(cfg, quietLogger()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(cfg.OutputPath)

	calls := 0
	res, err := New(cfg, quietLogger()).WithAnalyzerFactory(func(ctx context.Context, cfg config.Config, logger *slog.Logger) (Analyzer, error) {
		return engine.Func(func(ctx context.Context, text string) (model.Analysis, error) {
			calls++
			return model.Analysis{}, errors.New("engine should not be called")
		}), nil
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 0 || res.Summary.Cached != 3 {
		t.Errorf("expected all cache hits, calls=%d summary=%+v", calls, res.Summary)
	}
	second, _ := os.ReadFile(cfg.OutputPath)
	if string(first) != string(second) {
		t.Error("cached run produced different output")
	}
}

const replacingLexicon = `replace: true
categories:
  urgent:
    - term: "zzqx"
  warm:
    - term: "zzqx"
`

func TestRunCacheScopedToLexicon(t *testing.T) {
	cacheDir := t.TempDir()
	lexPath := filepath.Join(t.TempDir(), "lexicon.yaml")
	if err := os.WriteFile(lexPath, []byte(replacingLexicon), 0o600); err != nil {
		t.Fatal(err)
	}

	warm := testConfig(t, "testdata/sample.mbox")
	warm.CacheDir = cacheDir
	if _, err := New(warm, quietLogger()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	defaults, err := output.ReadRecords(warm.OutputPath)
	if err != nil {
		t.Fatal(err)
	}

	uncached := testConfig(t, "testdata/sample.mbox")
	uncached.LexiconPath = lexPath
	if _, err := New(uncached, quietLogger()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want, err := output.ReadRecords(uncached.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if want[2] == defaults[2] {
		t.Fatalf("custom lexicon should change the deadline record, got %+v", want[2])
	}

	cached := testConfig(t, "testdata/sample.mbox")
	cached.LexiconPath = lexPath
	cached.CacheDir = cacheDir
	res, err := New(cached, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Cached != 0 {
		t.Errorf("default-lexicon cache entries served to a custom lexicon run: %+v", res.Summary)
	}
	got, err := output.ReadRecords(cached.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRunDoesNotCacheFallbackAnswers(t *testing.T) {
	cfg := testConfig(t, "testdata/sample.mbox")
	cfg.CacheDir = t.TempDir()

	down := func(ctx context.Context, cfg config.Config, logger *slog.Logger) (Analyzer, error) {
		primary := engine.Func(func(ctx context.Context, text string) (model.Analysis, error) {
			return model.Analysis{}, errors.New("tone api unavailable")
		})
		backup := engine.Func(func(ctx context.Context, text string) (model.Analysis, error) {
			return model.Analysis{Score: 0.1, TopEmotion: model.TagNeutral}, nil
		})
		return engine.WithFallback(primary, backup, logger), nil
	}
	if _, err := New(cfg, quietLogger()).WithAnalyzerFactory(down).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	calls := 0
	healthy := func(ctx context.Context, cfg config.Config, logger *slog.Logger) (Analyzer, error) {
		return engine.Func(func(ctx context.Context, text string) (model.Analysis, error) {
			calls++
			return model.Analysis{Score: -0.5, TopEmotion: "urgency"}, nil
		}), nil
	}
	res, err := New(cfg, quietLogger()).WithAnalyzerFactory(healthy).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 || res.Summary.Cached != 0 {
		t.Errorf("fallback answers were cached: calls=%d summary=%+v", calls, res.Summary)
	}
}

func TestCacheScope(t *testing.T) {
	lexPath := filepath.Join(t.TempDir(), "lexicon.yaml")
	if err := os.WriteFile(lexPath, []byte(replacingLexicon), 0o600); err != nil {
		t.Fatal(err)
	}

	base := config.Config{APIURL: config.DefaultAPIURL}
	scope := func(mutate func(*config.Config)) string {
		t.Helper()
		cfg := base
		mutate(&cfg)
		s, err := CacheScope(cfg)
		if err != nil {
			t.Fatalf("CacheScope() error = %v", err)
		}
		return s
	}

	plain := scope(func(c *config.Config) { c.Engine = engine.NameLexicon })
	if plain != engine.NameLexicon {
		t.Errorf("default lexicon scope = %q", plain)
	}
	if got := scope(func(c *config.Config) {}); got != plain {
		t.Errorf("empty engine scope = %q, want %q", got, plain)
	}

	custom := scope(func(c *config.Config) { c.Engine = engine.NameLexicon; c.LexiconPath = lexPath })
	if custom == plain || !strings.HasPrefix(custom, "lexicon@") {
		t.Errorf("custom lexicon scope = %q", custom)
	}
	if got := scope(func(c *config.Config) { c.Engine = engine.NameRemote; c.Fallback = true }); got != "remote@"+config.DefaultAPIURL+"+fallback" {
		t.Errorf("remote fallback scope = %q", got)
	}
	if got := scope(func(c *config.Config) { c.Engine = engine.NameKeyword; c.Fallback = true }); got != engine.NameKeyword {
		t.Errorf("keyword scope = %q", got)
	}
	if got := scope(func(c *config.Config) { c.Engine = engine.NameGemini }); got != "gemini@gemini-2.5-flash" {
		t.Errorf("gemini scope = %q", got)
	}

	_, err := CacheScope(config.Config{Engine: engine.NameLexicon, LexiconPath: filepath.Join(t.TempDir(), "missing.yaml")})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid for a missing lexicon, got %v", err)
	}
}

func TestRunEmptyMailbox(t *testing.T) {
	cfg := testConfig(t, "testdata/empty.mbox")
	res, err := New(cfg, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Records != 0 {
		t.Errorf("expected 0 records, got %d", res.Records)
	}
	info, err := os.Stat(cfg.OutputPath)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty output, got %d bytes", info.Size())
	}
}

func TestRunUnreadableMailbox(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.mbox"))
	_, err := New(cfg, quietLogger()).Run(context.Background())
	if !errors.Is(err, annotate.ErrMailboxRead) {
		t.Fatalf("expected ErrMailboxRead, got %v", err)
	}
	if ExitCode(err) != 3 {
		t.Errorf("ExitCode() = %d, want 3", ExitCode(err))
	}
	if _, statErr := os.Stat(cfg.OutputPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("no output log expected, stat err = %v", statErr)
	}
}

func TestRunInvalidMailboxFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("just some notes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, path)
	_, err := New(cfg, quietLogger()).Run(context.Background())
	if !errors.Is(err, annotate.ErrMailboxRead) {
		t.Fatalf("expected ErrMailboxRead, got %v", err)
	}
}

func TestRunFailurePolicy(t *testing.T) {
	failing := func(ctx context.Context, cfg config.Config, logger *slog.Logger) (Analyzer, error) {
		return engine.Func(func(ctx context.Context, text string) (model.Analysis, error) {
			if strings.Contains(strings.ToLower(text), "urgent") {
				return model.Analysis{}, errors.New("engine rejected payload")
			}
			return model.Analysis{Score: 0.5, TopEmotion: model.TagNeutral}, nil
		}), nil
	}

	t.Run("skip", func(t *testing.T) {
		cfg := testConfig(t, "testdata/sample.mbox")
		res, err := New(cfg, quietLogger()).WithAnalyzerFactory(failing).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Records != 2 || res.Failures != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		data, err := os.ReadFile(output.ErrorsPath(cfg.OutputPath))
		if err != nil {
			t.Fatalf("errors sidecar missing: %v", err)
		}
		if !strings.Contains(string(data), `"stage":"analyze"`) {
			t.Errorf("unexpected sidecar %s", data)
		}
	})

	t.Run("abort", func(t *testing.T) {
		cfg := testConfig(t, "testdata/sample.mbox")
		cfg.OnError = "abort"
		_, err := New(cfg, quietLogger()).WithAnalyzerFactory(failing).Run(context.Background())
		if !errors.Is(err, annotate.ErrAnalysis) || ExitCode(err) != 5 {
			t.Fatalf("expected analysis error, got %v", err)
		}
		if _, statErr := os.Stat(cfg.OutputPath); !errors.Is(statErr, os.ErrNotExist) {
			t.Error("abort must not write an output log")
		}
	})
}

func TestRunPersistenceError(t *testing.T) {
	cfg := testConfig(t, "testdata/sample.mbox")
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.OutputPath = filepath.Join(blocker, "log.jsonl")

	_, err := New(cfg, quietLogger()).Run(context.Background())
	if !errors.Is(err, annotate.ErrPersistence) || ExitCode(err) != 6 {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestRunCSV(t *testing.T) {
	cfg := testConfig(t, "testdata/sample.mbox")
	cfg.Format = "csv"
	if _, err := New(cfg, quietLogger()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 || lines[0] != "subject,mood_score,primary_tag,is_regrettable,message_id" {
		t.Errorf("unexpected csv output:\n%s", data)
	}
}

func TestBuildAnalyzer(t *testing.T) {
	ctx := context.Background()
	base := config.Config{Sensitivity: 0.7, APIURL: config.DefaultAPIURL}

	for _, name := range []string{engine.NameLexicon, engine.NameKeyword, engine.NameRemote} {
		cfg := base
		cfg.Engine = name
		cfg.Fallback = true
		if _, err := BuildAnalyzer(ctx, cfg, quietLogger()); err != nil {
			t.Errorf("BuildAnalyzer(%s) error = %v", name, err)
		}
	}

	cfg := base
	cfg.Engine = "magic"
	if _, err := BuildAnalyzer(ctx, cfg, quietLogger()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown engine, got %v", err)
	}

	cfg = base
	cfg.Engine = engine.NameGemini
	if _, err := BuildAnalyzer(ctx, cfg, quietLogger()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid for gemini without key, got %v", err)
	}

	cfg = base
	cfg.LexiconPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := BuildAnalyzer(ctx, cfg, quietLogger()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid for missing lexicon, got %v", err)
	}
}

func TestBuildAnalyzerFallback(t *testing.T) {
	cfg := config.Config{Sensitivity: 0.7, Engine: engine.NameRemote, APIURL: "http://127.0.0.1:1", Fallback: true}
	a, err := BuildAnalyzer(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Analyze(ctx, "hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("fallback must not mask cancellation, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{config.ErrInvalid, 2},
		{annotate.ErrMailboxRead, 3},
		{&annotate.MessageError{Err: annotate.ErrPayloadCleaning}, 4},
		{annotate.ErrAnalysis, 5},
		{annotate.ErrPersistence, 6},
		{errors.New("other"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := redact("imaps://me@mail.example.com/Archive"); got != "imap://me@mail.example.com:993/Archive" {
		t.Errorf("redact() = %q", got)
	}
	if got := redact("local.mbox"); got != "local.mbox" {
		t.Errorf("redact() = %q", got)
	}
}

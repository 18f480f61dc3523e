package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/imap"
)

const DefaultAPIURL = "http://localhost:8787"

// ErrInvalid marks usage and configuration errors.
var ErrInvalid = errors.New("invalid configuration")

// Config captures all options for one annotation run.
type Config struct {
	MailboxPath string `validate:"required"`
	OutputPath  string `validate:"required"`

	Sensitivity float64 `validate:"gte=0,lte=1"`
	Engine      string  `validate:"oneof=lexicon keyword remote gemini"`
	Fallback    bool
	LexiconPath string
	APIURL      string  `validate:"required,http_url"`
	APIRPS      float64 `validate:"gte=0"`

	GeminiAPIKey string `validate:"required_if=Engine gemini"`
	GeminiModel  string

	IMAPFolder string
	IMAPPass   string

	OnError  string `validate:"oneof=skip abort"`
	Format   string `validate:"oneof=jsonl csv"`
	CacheDir string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
	IgnoreCase    bool

	LogLevel string `validate:"oneof=debug info warn error"`
	LogDir   string
	Progress bool
}

// Env holds settings read from the environment or a .env file.
type Env struct {
	IMAPPass     string `envconfig:"IMAP_PASS"`
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  string `envconfig:"GEMINI_MODEL"`
	APIURL       string `envconfig:"MBOXMOOD_API_URL"`
}

// LoadEnv reads .env (if present) and the process environment. Variables
// already set in the environment win over .env.
func LoadEnv() (Env, error) {
	_ = godotenv.Load()

	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, fmt.Errorf("process environment: %w", err)
	}
	return env, nil
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.Float64("sensitivity", engine.DefaultSensitivity, "Alert sensitivity in [0,1]; higher flags more messages as regrettable")
	flags.String("engine", engine.NameLexicon, "Analysis engine: lexicon, keyword, remote, gemini")
	flags.Bool("fallback", false, "Fall back to the keyword engine when the selected engine fails")
	flags.String("lexicon", "", "YAML file extending or replacing the built-in lexicon")
	flags.String("api-url", DefaultAPIURL, "Tone API base URL for the remote engine (falls back to MBOXMOOD_API_URL)")
	flags.Float64("api-rps", 0, "Max requests per second to the tone API (0 = unlimited)")
	flags.String("imap-folder", "", "IMAP folder to read; defaults to the URL path or INBOX")
	flags.String("on-error", "skip", "Per-message failure policy: skip or abort")
	flags.String("format", "jsonl", "Output format: jsonl or csv")
	flags.String("cache-dir", "", "Directory for the analysis cache (disabled when empty)")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.Bool("ignore-case", false, "Match filter patterns case-insensitively")
	flags.Bool("progress", false, "Show a progress bar")
	RegisterLogFlags(cmd)
	return nil
}

// RegisterLogFlags adds the logging flags shared by all commands.
func RegisterLogFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	if flags.Lookup("log-level") != nil {
		return
	}
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (logs go to stderr only when empty)")
}

// LoadConfig converts the parsed Cobra flags and positional arguments into a
// validated Config.
func LoadConfig(cmd *cobra.Command, args []string, env Env) (Config, error) {
	if len(args) != 2 {
		return Config{}, fmt.Errorf("%w: expected <mailbox> <output-log>, got %d arguments", ErrInvalid, len(args))
	}

	flags := cmd.Flags()
	var (
		cfg  Config
		errs []error
	)
	getString := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)
		return v
	}
	getFloat := func(name string) float64 {
		v, err := flags.GetFloat64(name)
		errs = append(errs, err)
		return v
	}
	getBool := func(name string) bool {
		v, err := flags.GetBool(name)
		errs = append(errs, err)
		return v
	}
	getArray := func(name string) []string {
		v, err := flags.GetStringArray(name)
		errs = append(errs, err)
		return v
	}

	cfg.MailboxPath = strings.TrimSpace(args[0])
	cfg.OutputPath = strings.TrimSpace(args[1])
	cfg.Sensitivity = getFloat("sensitivity")
	cfg.Engine = strings.ToLower(strings.TrimSpace(getString("engine")))
	cfg.Fallback = getBool("fallback")
	cfg.LexiconPath = getString("lexicon")
	cfg.APIURL = getString("api-url")
	cfg.APIRPS = getFloat("api-rps")
	cfg.IMAPFolder = getString("imap-folder")
	cfg.OnError = strings.ToLower(getString("on-error"))
	cfg.Format = strings.ToLower(getString("format"))
	cfg.CacheDir = getString("cache-dir")
	cfg.IncludeHeader = getArray("include-header")
	cfg.IncludeBody = getArray("include-body")
	cfg.ExcludeHeader = getArray("exclude-header")
	cfg.ExcludeBody = getArray("exclude-body")
	cfg.IgnoreCase = getBool("ignore-case")
	cfg.Progress = getBool("progress")
	cfg.LogLevel = getString("log-level")
	cfg.LogDir = getString("log-dir")
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if !flags.Changed("api-url") && env.APIURL != "" {
		cfg.APIURL = env.APIURL
	}
	cfg.IMAPPass = env.IMAPPass
	cfg.GeminiAPIKey = env.GeminiAPIKey
	cfg.GeminiModel = env.GeminiModel
	cfg.LogLevel = NormalizeLogLevel(cfg.LogLevel)
	if cfg.CacheDir != "" {
		cfg.CacheDir = filepath.Clean(cfg.CacheDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NormalizeLogLevel lowercases level and maps "warning" to "warn".
func NormalizeLogLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	return level
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalid, describe(verrs[0]))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("%w: include and exclude flags are mutually exclusive", ErrInvalid)
	}
	if imap.IsURL(cfg.MailboxPath) && cfg.IMAPPass == "" {
		return fmt.Errorf("%w: IMAP password must be provided via IMAP_PASS env var", ErrInvalid)
	}
	return nil
}

var flagNames = map[string]string{
	"MailboxPath":  "<mailbox>",
	"OutputPath":   "<output-log>",
	"Sensitivity":  "--sensitivity",
	"Engine":       "--engine",
	"APIURL":       "--api-url",
	"APIRPS":       "--api-rps",
	"GeminiAPIKey": "GEMINI_API_KEY",
	"OnError":      "--on-error",
	"Format":       "--format",
	"LogLevel":     "--log-level",
}

func describe(fe validator.FieldError) string {
	name := flagNames[fe.Field()]
	if name == "" {
		name = fe.Field()
	}
	switch fe.Tag() {
	case "required", "required_if":
		return name + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", name, fe.Param(), fe.Value())
	case "gte", "lte":
		return fmt.Sprintf("%s out of range: %v", name, fe.Value())
	default:
		return fmt.Sprintf("%s is invalid: %v", name, fe.Value())
	}
}

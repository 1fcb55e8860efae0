// Package config loads relay settings from defaults, an optional YAML file,
// an optional .env file and the process environment, in increasing order of
// precedence.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/szaher/chatrelay/internal/access"
	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/memory"
	"github.com/szaher/chatrelay/internal/prompt"
	"github.com/szaher/chatrelay/internal/secrets"
)

// ErrMissingBotToken is returned by Validate when no Telegram token is set.
var ErrMissingBotToken = errors.New("telegram bot token is required (set TELEGRAM_TOKEN)")

// Environment variables read by Load.
const (
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvAPIKey        = "GROK_API_KEY"
	EnvProvider      = "CHATRELAY_PROVIDER"
	EnvBaseURL       = "CHATRELAY_BASE_URL"
	EnvModel         = "CHATRELAY_MODEL"
	EnvMemoryFile    = "CHATRELAY_MEMORY_FILE"
	EnvMemoryBackend = "CHATRELAY_MEMORY_BACKEND"
	EnvMemoryDSN     = "CHATRELAY_MEMORY_DSN"
	EnvMemoryBucket  = "CHATRELAY_MEMORY_BUCKET"
	EnvOpsAddr       = "CHATRELAY_OPS_ADDR"
	EnvOpsToken      = "CHATRELAY_OPS_TOKEN"
	EnvLogLevel      = "CHATRELAY_LOG_LEVEL"
)

// DefaultEnvFile is read when present.
const DefaultEnvFile = ".env"

// Config is the full relay configuration.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Completion CompletionConfig `yaml:"completion"`
	Memory     MemoryConfig     `yaml:"memory"`
	Prompt     PromptConfig     `yaml:"prompt"`
	Replies    RepliesConfig    `yaml:"replies"`
	Access     AccessConfig     `yaml:"access"`
	Ops        OpsConfig        `yaml:"ops"`
	Log        LogConfig        `yaml:"log"`
}

// TelegramConfig configures the Bot API connection.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout   int  `yaml:"poll_timeout"`
	MaxConcurrent int  `yaml:"max_concurrent"`
	Debug         bool `yaml:"debug"`
}

// CompletionConfig selects the completion provider and request settings.
type CompletionConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Memory backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// MemoryConfig selects where conversation memory is kept.
type MemoryConfig struct {
	Backend string `yaml:"backend"`
	// Path is the JSON store file for the file backend. Empty keeps memory
	// in process only.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
	// S3 holds the object location for the s3 backend.
	S3         S3Config `yaml:"s3"`
	HistoryCap int      `yaml:"history_cap"`
}

// S3Config locates the store object for the s3 backend. Credentials come
// from the standard AWS environment and shared config.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Key    string `yaml:"key"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, for MinIO and similar servers.
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// PromptConfig configures the system prompt.
type PromptConfig struct {
	BotName     string `yaml:"bot_name"`
	Window      int    `yaml:"window"`
	Placeholder string `yaml:"placeholder"`
	// PersonaFile replaces the built-in persona template.
	PersonaFile string `yaml:"persona_file"`
}

// RepliesConfig overrides the canned chat replies. Empty fields keep the
// built-in text.
type RepliesConfig struct {
	Greeting    string `yaml:"greeting"`
	Cleared     string `yaml:"cleared"`
	HTTPError   string `yaml:"http_error"`
	Transient   string `yaml:"transient"`
	RateLimited string `yaml:"rate_limited"`
}

// AccessConfig restricts who the bot answers.
type AccessConfig struct {
	// Allow is an expr-lang boolean over user_id, user_name, command and
	// text. Empty allows everyone.
	Allow string `yaml:"allow"`
	// RatePerMinute limits text messages per user. Zero disables it.
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

// OpsConfig configures the operational HTTP server.
type OpsConfig struct {
	// Addr is the listen address for /healthz and /metrics. Empty disables it.
	Addr string `yaml:"addr"`
	// Token, when set, is required as a bearer token on /metrics.
	Token string `yaml:"token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{PollTimeout: 60, MaxConcurrent: 32},
		Completion: CompletionConfig{
			Provider:    string(llm.ProviderXAI),
			Model:       "grok-beta",
			Temperature: 0.7,
			MaxTokens:   1000,
			Timeout:     llm.DefaultTimeout,
		},
		Memory: MemoryConfig{
			Backend:    BackendFile,
			Path:       "memory.json",
			S3:         S3Config{Key: "memory.json"},
			HistoryCap: memory.DefaultHistoryCap,
		},
		Prompt: PromptConfig{
			BotName: prompt.DefaultBotName,
			Window:  prompt.DefaultWindow,
		},
		Access: AccessConfig{Burst: 5},
		Ops:    OpsConfig{Addr: ":9090"},
		Log:    LogConfig{Level: "info"},
	}
}

type loader struct {
	envFile  string
	lookup   func(string) (string, bool)
	resolver secrets.Resolver
	filter   *secrets.RedactFilter
}

// Option configures Load.
type Option func(*loader)

// WithEnvFile sets the .env path. An empty path skips .env loading.
func WithEnvFile(path string) Option {
	return func(l *loader) { l.envFile = path }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(l *loader) { l.lookup = fn }
}

// WithRedactFilter registers resolved credentials with f.
func WithRedactFilter(f *secrets.RedactFilter) Option {
	return func(l *loader) { l.filter = f }
}

// Load builds the configuration. path may be empty.
func Load(ctx context.Context, path string, opts ...Option) (*Config, error) {
	l := &loader{
		envFile:  DefaultEnvFile,
		lookup:   os.LookupEnv,
		resolver: secrets.NewEnvResolver(),
	}
	for _, opt := range opts {
		opt(l)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFile(l.envFile)
	if err != nil {
		return nil, err
	}
	lookup := func(name string) (string, bool) {
		if v, ok := l.lookup(name); ok {
			return v, true
		}
		v, ok := dotenv[name]
		return v, ok
	}
	cfg.applyEnv(lookup)

	if cfg.Telegram.Token, err = secrets.Expand(ctx, l.resolver, l.filter, cfg.Telegram.Token); err != nil {
		return nil, fmt.Errorf("telegram.token: %w", err)
	}
	if cfg.Completion.APIKey, err = secrets.Expand(ctx, l.resolver, l.filter, cfg.Completion.APIKey); err != nil {
		return nil, fmt.Errorf("completion.api_key: %w", err)
	}
	if cfg.Memory.DSN, err = secrets.Expand(ctx, l.resolver, l.filter, cfg.Memory.DSN); err != nil {
		return nil, fmt.Errorf("memory.dsn: %w", err)
	}
	if cfg.Ops.Token, err = secrets.Expand(ctx, l.resolver, l.filter, cfg.Ops.Token); err != nil {
		return nil, fmt.Errorf("ops.token: %w", err)
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return values, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvTelegramToken, &c.Telegram.Token)
	set(EnvAPIKey, &c.Completion.APIKey)
	set(EnvProvider, &c.Completion.Provider)
	set(EnvBaseURL, &c.Completion.BaseURL)
	set(EnvModel, &c.Completion.Model)
	set(EnvMemoryFile, &c.Memory.Path)
	set(EnvMemoryBackend, &c.Memory.Backend)
	set(EnvMemoryDSN, &c.Memory.DSN)
	set(EnvMemoryBucket, &c.Memory.S3.Bucket)
	set(EnvOpsAddr, &c.Ops.Addr)
	set(EnvOpsToken, &c.Ops.Token)
	set(EnvLogLevel, &c.Log.Level)
}

// Validate checks the configuration. It returns non-fatal findings as
// warnings; a missing bot token is ErrMissingBotToken.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, ErrMissingBotToken)
	}
	if strings.TrimSpace(c.Completion.APIKey) == "" {
		warnings = append(warnings, "completion api key is empty (set GROK_API_KEY); every completion call will fail")
	}
	if _, perr := llm.ParseProvider(c.Completion.Provider); perr != nil {
		errs = append(errs, perr)
	}
	if c.Completion.Model == "" {
		errs = append(errs, errors.New("completion.model is required"))
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		errs = append(errs, fmt.Errorf("completion.temperature %.2f out of range [0, 2]", c.Completion.Temperature))
	}
	if c.Completion.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("completion.max_tokens must be positive, got %d", c.Completion.MaxTokens))
	}
	if c.Completion.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("completion.timeout must be positive, got %s", c.Completion.Timeout))
	}
	if c.Telegram.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("telegram.max_concurrent must be positive, got %d", c.Telegram.MaxConcurrent))
	}
	if c.Memory.HistoryCap <= 0 {
		errs = append(errs, fmt.Errorf("memory.history_cap must be positive, got %d", c.Memory.HistoryCap))
	}
	if c.Prompt.Window <= 0 {
		errs = append(errs, fmt.Errorf("prompt.window must be positive, got %d", c.Prompt.Window))
	} else if c.Prompt.Window > c.Memory.HistoryCap {
		warnings = append(warnings, fmt.Sprintf("prompt.window %d exceeds memory.history_cap %d", c.Prompt.Window, c.Memory.HistoryCap))
	}
	if _, perr := access.Compile(c.Access.Allow); perr != nil {
		errs = append(errs, perr)
	}
	if c.Access.RatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("access.rate_per_minute must not be negative, got %g", c.Access.RatePerMinute))
	}
	switch c.Memory.Backend {
	case BackendFile, "":
		if c.Memory.Path == "" {
			warnings = append(warnings, "memory.path is empty; conversation memory will not survive a restart")
		}
	case BackendPostgres:
		if c.Memory.DSN == "" {
			errs = append(errs, errors.New("memory.dsn is required for the postgres backend (set CHATRELAY_MEMORY_DSN)"))
		}
	case BackendS3:
		if c.Memory.S3.Bucket == "" {
			errs = append(errs, errors.New("memory.s3.bucket is required for the s3 backend (set CHATRELAY_MEMORY_BUCKET)"))
		}
		if c.Memory.S3.Key == "" {
			errs = append(errs, errors.New("memory.s3.key is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory.backend %q (expected file, postgres or s3)", c.Memory.Backend))
	}
	return warnings, errors.Join(errs...)
}

// PromptSettings converts the prompt section, reading PersonaFile if set.
func (c *Config) PromptSettings() (prompt.Config, error) {
	out := prompt.Config{
		BotName:     c.Prompt.BotName,
		Window:      c.Prompt.Window,
		Placeholder: c.Prompt.Placeholder,
	}
	if c.Prompt.PersonaFile != "" {
		data, err := os.ReadFile(c.Prompt.PersonaFile)
		if err != nil {
			return prompt.Config{}, fmt.Errorf("reading persona: %w", err)
		}
		out.Persona = string(data)
	}
	return out, nil
}

// S3Location converts the s3 memory section for memory.OpenS3Repository.
func (c *Config) S3Location() memory.S3Location {
	return memory.S3Location{
		Bucket:    c.Memory.S3.Bucket,
		Key:       c.Memory.S3.Key,
		Region:    c.Memory.S3.Region,
		Endpoint:  c.Memory.S3.Endpoint,
		PathStyle: c.Memory.S3.PathStyle,
	}
}

// ProviderSettings converts the completion section for llm.NewClient.
func (c *Config) ProviderSettings() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider: llm.Provider(c.Completion.Provider),
		APIKey:   c.Completion.APIKey,
		BaseURL:  c.Completion.BaseURL,
		Timeout:  c.Completion.Timeout,
	}
}

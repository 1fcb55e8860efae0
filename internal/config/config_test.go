package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szaher/chatrelay/internal/memory"
	"github.com/szaher/chatrelay/internal/secrets"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "", WithEnvFile(""), WithLookup(envMap(nil)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Completion.Model != "grok-beta" || cfg.Completion.Temperature != 0.7 || cfg.Completion.MaxTokens != 1000 {
		t.Errorf("unexpected completion defaults: %+v", cfg.Completion)
	}
	if cfg.Completion.Timeout != 30*time.Second {
		t.Errorf("timeout = %s, want 30s", cfg.Completion.Timeout)
	}
	if cfg.Memory.Path != "memory.json" || cfg.Memory.HistoryCap != 30 || cfg.Prompt.Window != 10 {
		t.Errorf("unexpected memory/prompt defaults: %+v %+v", cfg.Memory, cfg.Prompt)
	}
	if cfg.Ops.Addr != ":9090" {
		t.Errorf("ops addr = %q", cfg.Ops.Addr)
	}
}

func TestLoadPrecedence(t *testing.T) {
	yamlPath := writeFile(t, "chatrelay.yaml", `
telegram:
  token: yaml-token
completion:
  model: yaml-model
  temperature: 0.3
  timeout: 5s
memory:
  path: /var/lib/chatrelay/memory.json
  history_cap: 40
ops:
  addr: ":8081"
replies:
  greeting: namaste
`)
	envPath := writeFile(t, ".env", "CHATRELAY_MODEL=dotenv-model\nGROK_API_KEY=dotenv-key\nCHATRELAY_OPS_ADDR=:7000\n")

	cfg, err := Load(context.Background(), yamlPath,
		WithEnvFile(envPath),
		WithLookup(envMap(map[string]string{
			"CHATRELAY_OPS_ADDR": "",
			"TELEGRAM_TOKEN":     "env-token",
		})),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	checks := []struct {
		name, got, want string
	}{
		{"token from env over yaml", cfg.Telegram.Token, "env-token"},
		{"model from .env over yaml", cfg.Completion.Model, "dotenv-model"},
		{"api key from .env", cfg.Completion.APIKey, "dotenv-key"},
		{"ops addr env empty wins over .env", cfg.Ops.Addr, ""},
		{"memory path from yaml", cfg.Memory.Path, "/var/lib/chatrelay/memory.json"},
		{"greeting from yaml", cfg.Replies.Greeting, "namaste"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.Completion.Temperature != 0.3 || cfg.Completion.Timeout != 5*time.Second || cfg.Memory.HistoryCap != 40 {
		t.Errorf("yaml numeric values not applied: %+v %+v", cfg.Completion, cfg.Memory)
	}
	if cfg.Completion.MaxTokens != 1000 {
		t.Errorf("unset yaml key should keep default, got %d", cfg.Completion.MaxTokens)
	}
}

func TestLoadResolvesSecretRefs(t *testing.T) {
	yamlPath := writeFile(t, "chatrelay.yaml", "telegram:\n  token: env(MY_BOT_TOKEN)\n")
	filter := secrets.NewRedactFilter(nil)

	t.Setenv("MY_BOT_TOKEN", "123:abc")
	cfg, err := Load(context.Background(), yamlPath,
		WithEnvFile(""),
		WithLookup(envMap(nil)),
		WithRedactFilter(filter),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if got := filter.RedactString("bot123:abc"); got != "bot"+secrets.Redacted {
		t.Errorf("resolved token not registered for redaction: %q", got)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "telegram:\n  tokn: x\n", "field tokn not found"},
		{"bad type", "completion:\n  max_tokens: lots\n", "cannot unmarshal"},
		{"unset secret ref", "completion:\n  api_key: env(CHATRELAY_TEST_NOT_SET)\n", "completion.api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "c.yaml", tt.yaml)
			_, err := Load(context.Background(), path, WithEnvFile(""), WithLookup(envMap(nil)))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")
	cfg, err := Load(context.Background(), path, WithEnvFile(""), WithLookup(envMap(nil)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Completion.Model != "grok-beta" {
		t.Errorf("expected defaults, got %+v", cfg.Completion)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Telegram.Token = "t"
		c.Completion.APIKey = "k"
		return c
	}

	t.Run("valid", func(t *testing.T) {
		warnings, err := valid().Validate()
		if err != nil || len(warnings) != 0 {
			t.Errorf("expected clean result, got %v %v", warnings, err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		c := valid()
		c.Telegram.Token = " "
		if _, err := c.Validate(); !errors.Is(err, ErrMissingBotToken) {
			t.Errorf("expected ErrMissingBotToken, got %v", err)
		}
	})

	t.Run("missing api key is a warning", func(t *testing.T) {
		c := valid()
		c.Completion.APIKey = ""
		warnings, err := c.Validate()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(warnings) != 1 || !strings.Contains(warnings[0], "GROK_API_KEY") {
			t.Errorf("unexpected warnings: %v", warnings)
		}
	})

	bad := map[string]func(*Config){
		"provider":    func(c *Config) { c.Completion.Provider = "bard" },
		"temperature": func(c *Config) { c.Completion.Temperature = 3 },
		"max tokens":  func(c *Config) { c.Completion.MaxTokens = 0 },
		"timeout":     func(c *Config) { c.Completion.Timeout = 0 },
		"cap":         func(c *Config) { c.Memory.HistoryCap = 0 },
		"window":      func(c *Config) { c.Prompt.Window = -1 },
		"access":      func(c *Config) { c.Access.Allow = "user_id ==" },
		"backend":     func(c *Config) { c.Memory.Backend = "sqlite" },
		"dsn":         func(c *Config) { c.Memory.Backend = BackendPostgres },
		"bucket":      func(c *Config) { c.Memory.Backend = BackendS3 },
		"s3 key":      func(c *Config) { c.Memory = MemoryConfig{Backend: BackendS3, S3: S3Config{Bucket: "relay"}, HistoryCap: 30} },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			if _, err := c.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadS3Backend(t *testing.T) {
	yamlPath := writeFile(t, "chatrelay.yaml", `
telegram:
  token: t
memory:
  backend: s3
  s3:
    region: eu-west-1
    endpoint: http://minio:9000
    path_style: true
`)
	cfg, err := Load(context.Background(), yamlPath,
		WithEnvFile(""),
		WithLookup(envMap(map[string]string{"CHATRELAY_MEMORY_BUCKET": "relay-memory"})),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := memory.S3Location{
		Bucket:    "relay-memory",
		Key:       "memory.json",
		Region:    "eu-west-1",
		Endpoint:  "http://minio:9000",
		PathStyle: true,
	}
	if got := cfg.S3Location(); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestPromptSettingsPersonaFile(t *testing.T) {
	c := Default()
	c.Prompt.PersonaFile = writeFile(t, "persona.tmpl", "Hi {{.UserName}}")
	got, err := c.PromptSettings()
	if err != nil {
		t.Fatalf("PromptSettings: %v", err)
	}
	if got.Persona != "Hi {{.UserName}}" || got.Window != 10 {
		t.Errorf("unexpected prompt config: %+v", got)
	}

	c.Prompt.PersonaFile = filepath.Join(t.TempDir(), "nope")
	if _, err := c.PromptSettings(); err == nil {
		t.Error("expected error for missing persona file")
	}
}

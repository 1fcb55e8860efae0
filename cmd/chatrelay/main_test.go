package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/szaher/chatrelay/internal/memory"
	"github.com/szaher/chatrelay/internal/secrets"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file="}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "chatrelay version "+version) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestMemoryCommands(t *testing.T) {
	file := filepath.Join(t.TempDir(), "memory.json")
	repo := memory.NewFileRepository(file)
	ctx := context.Background()
	_ = repo.Save(ctx, "42", memory.UserState{
		History: []memory.Turn{
			{Role: memory.RoleUser, Content: "hi"},
			{Role: memory.RoleAssistant, Content: "hello!"},
		},
	})

	out, err := execute(t, "memory", "list", "--file", file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "42\t2 turns") {
		t.Errorf("list output %q", out)
	}

	if _, err := execute(t, "memory", "set-info", "--file", file, "42", "cricket", "fan"); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "memory", "show", "--file", file, "42")
	if err != nil {
		t.Fatal(err)
	}
	var shown map[string]memory.UserState
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("show output is not JSON: %v\n%s", err, out)
	}
	if shown["42"].PersonalInfo != "cricket fan" || len(shown["42"].History) != 2 {
		t.Errorf("unexpected state %+v", shown["42"])
	}

	if _, err := execute(t, "memory", "clear", "--file", file, "42"); err != nil {
		t.Fatal(err)
	}
	if got := repo.Load(ctx, "42"); len(got.History) != 0 || got.PersonalInfo != "" {
		t.Errorf("expected cleared state, got %+v", got)
	}
}

func TestAskCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello!"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "memory.json")
	t.Setenv("CHATRELAY_BASE_URL", srv.URL)
	t.Setenv("CHATRELAY_MEMORY_FILE", file)
	t.Setenv("GROK_API_KEY", "test-key")
	t.Setenv("CHATRELAY_LOG_LEVEL", "error")

	out, err := execute(t, "ask", "--user", "42", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "hello!" {
		t.Errorf("reply %q", out)
	}

	state := memory.NewFileRepository(file).Load(context.Background(), "42")
	if len(state.History) != 2 || state.History[0].Content != "hi" || state.History[1].Content != "hello!" {
		t.Errorf("unexpected stored history %+v", state.History)
	}
}

func TestServeRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("CHATRELAY_LOG_LEVEL", "error")
	if _, err := execute(t, "serve"); err == nil || !strings.Contains(err.Error(), "TELEGRAM_TOKEN") {
		t.Errorf("expected missing token error, got %v", err)
	}
}

func TestRedactScrubsErrors(t *testing.T) {
	filter := secrets.NewRedactFilter(slog.NewTextHandler(io.Discard, nil))
	filter.AddSecret("123:bot-token")
	e := &env{filter: filter}

	if e.redact(nil) != nil {
		t.Error("nil error should stay nil")
	}
	err := e.redact(errors.New(`Post "https://api.telegram.org/bot123:bot-token/getMe": dial tcp: timeout`))
	if strings.Contains(err.Error(), "bot-token") {
		t.Errorf("token leaked: %v", err)
	}
	if !strings.Contains(err.Error(), "getMe") {
		t.Errorf("unexpected error text %q", err)
	}
}

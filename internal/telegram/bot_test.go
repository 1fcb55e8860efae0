package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/szaher/chatrelay/internal/conversation"
)

type fakeAPI struct {
	updates chan tgbotapi.Update

	mu       sync.Mutex
	stopped  bool
	sent     []tgbotapi.MessageConfig
	actions  []tgbotapi.ChatActionConfig
	sendErr  error
	pollConf tgbotapi.UpdateConfig
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	f.mu.Lock()
	f.pollConf = config
	f.mu.Unlock()
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := c.(tgbotapi.ChatActionConfig); ok {
		f.actions = append(f.actions, a)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type echoHandler struct {
	mu       sync.Mutex
	inbound  []conversation.Inbound
	release  chan struct{}
	finished int
}

func (h *echoHandler) Handle(ctx context.Context, in conversation.Inbound, out conversation.Responder) {
	if h.release != nil {
		<-h.release
	}
	_ = out.Typing(ctx)
	_ = out.Reply(ctx, "echo: "+in.Text)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbound = append(h.inbound, in)
	h.finished++
}

func textUpdate(id int, userID int64, chatID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: id,
		From:      &tgbotapi.User{ID: userID, FirstName: "Rahul"},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{UpdateID: id, Message: msg}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name   string
		update tgbotapi.Update
		want   conversation.Inbound
		ok     bool
	}{
		{
			name:   "text",
			update: textUpdate(1, 42, 100, "kya haal hai"),
			want:   conversation.Inbound{UserID: "42", UserName: "Rahul", Text: "kya haal hai"},
			ok:     true,
		},
		{
			name:   "command",
			update: textUpdate(2, 42, 100, "/start"),
			want:   conversation.Inbound{UserID: "42", UserName: "Rahul", Command: "start"},
			ok:     true,
		},
		{
			name:   "command with bot suffix and args",
			update: textUpdate(3, 42, 100, "/Clear@dilranjan_bot now"),
			want:   conversation.Inbound{UserID: "42", UserName: "Rahul", Command: "clear", Text: "now"},
			ok:     true,
		},
		{
			name:   "no message",
			update: tgbotapi.Update{UpdateID: 4},
		},
		{
			name:   "no sender",
			update: tgbotapi.Update{UpdateID: 5, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, ok := convert(tt.update)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConvertFallsBackToUsername(t *testing.T) {
	u := textUpdate(1, 7, 7, "hi")
	u.Message.From.FirstName = ""
	u.Message.From.UserName = "rahul_p"
	got, chatID, _ := convert(u)
	if got.UserName != "rahul_p" || chatID != 7 {
		t.Errorf("got %+v chat %d", got, chatID)
	}
}

func TestBotRunDispatchesAndStops(t *testing.T) {
	api := newFakeAPI()
	handler := &echoHandler{}
	bot := NewBot(api, handler, Options{PollTimeout: 5, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	api.updates <- textUpdate(1, 1, 10, "pehla")
	api.updates <- tgbotapi.Update{UpdateID: 2}
	api.updates <- textUpdate(3, 2, 20, "doosra")

	deadline := time.Now().Add(2 * time.Second)
	for {
		handler.mu.Lock()
		n := handler.finished
		handler.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for handlers, finished %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.stopped {
		t.Error("expected StopReceivingUpdates on shutdown")
	}
	if api.pollConf.Timeout != 5 {
		t.Errorf("poll timeout = %d", api.pollConf.Timeout)
	}
	if len(api.sent) != 2 || len(api.actions) != 2 {
		t.Fatalf("expected 2 messages and 2 typing actions, got %d and %d", len(api.sent), len(api.actions))
	}
	chats := map[int64]string{}
	for _, m := range api.sent {
		chats[m.ChatID] = m.Text
	}
	if chats[10] != "echo: pehla" || chats[20] != "echo: doosra" {
		t.Errorf("replies routed to wrong chats: %v", chats)
	}
	if api.actions[0].Action != tgbotapi.ChatTyping {
		t.Errorf("unexpected action %q", api.actions[0].Action)
	}
}

func TestBotRunWaitsForInFlightHandlers(t *testing.T) {
	api := newFakeAPI()
	handler := &echoHandler{release: make(chan struct{})}
	bot := NewBot(api, handler, Options{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	api.updates <- textUpdate(1, 1, 10, "slow")
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(handler.release)
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if handler.finished != 1 {
		t.Errorf("expected handler to finish, got %d", handler.finished)
	}
}

func TestBotRunReturnsWhenChannelCloses(t *testing.T) {
	api := newFakeAPI()
	bot := NewBot(api, &echoHandler{}, Options{Logger: quietLogger()})
	close(api.updates)
	if err := bot.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestResponderReplyError(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("Forbidden: bot was blocked by the user")
	r := &responder{api: api, chatID: 1}
	if err := r.Reply(context.Background(), "hi"); err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Errorf("expected wrapped send error, got %v", err)
	}
}

func TestResponderSplitsLongReplies(t *testing.T) {
	api := newFakeAPI()
	r := &responder{api: api, chatID: 1}
	text := strings.Repeat("है", MaxMessageLength)

	if err := r.Reply(context.Background(), text); err != nil {
		t.Fatal(err)
	}
	if len(api.sent) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(api.sent))
	}
	if api.sent[0].Text+api.sent[1].Text != text {
		t.Error("parts do not reassemble the original text")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"exact", "abcde", 5, []string{"abcde"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newline boundary", "abc\ndefgh", 6, []string{"abc\n", "defgh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := split(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("split = %q, want %q", got, tt.want)
			}
			for _, p := range got {
				if utf8.RuneCountInString(p) > tt.limit {
					t.Errorf("part %q exceeds limit", p)
				}
			}
		})
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf strings.Builder
	a := slogAdapter{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	a.Printf("Endpoint: %s", "getUpdates")
	a.Println("Failed to get updates,", "retrying")
	out := buf.String()
	if !strings.Contains(out, "Endpoint: getUpdates") || !strings.Contains(out, "retrying") || !strings.Contains(out, "component=tgbotapi") {
		t.Errorf("unexpected log output: %s", out)
	}
}

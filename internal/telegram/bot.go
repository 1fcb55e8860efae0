// Package telegram connects the Bot API long-poll loop to the conversation
// handler.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/chatrelay/internal/conversation"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// MaxMessageLength is the Bot API limit for one text message, in characters.
const MaxMessageLength = 4096

// DefaultMaxConcurrent bounds in-flight message handlers.
const DefaultMaxConcurrent = 32

// API is the subset of *tgbotapi.BotAPI the relay uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// MessageHandler processes one inbound message. *conversation.Handler
// implements it.
type MessageHandler interface {
	Handle(ctx context.Context, in conversation.Inbound, out conversation.Responder)
}

// Options configures a Bot.
type Options struct {
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout   int
	MaxConcurrent int
	Logger        *slog.Logger
}

// Bot polls for updates and dispatches each message on its own goroutine.
type Bot struct {
	api         API
	handler     MessageHandler
	pollTimeout int
	limit       int
	logger      *slog.Logger
}

// Connect authenticates token against the Bot API.
func Connect(token string, debug bool, client *http.Client) (*tgbotapi.BotAPI, error) {
	if client == nil {
		client = &http.Client{}
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	api.Debug = debug
	return api, nil
}

// NewBot creates a Bot.
func NewBot(api API, handler MessageHandler, opts Options) *Bot {
	b := &Bot{
		api:         api,
		handler:     handler,
		pollTimeout: opts.PollTimeout,
		limit:       opts.MaxConcurrent,
		logger:      opts.Logger,
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = 60
	}
	if b.limit <= 0 {
		b.limit = DefaultMaxConcurrent
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Run polls until ctx is cancelled or the update channel closes, then waits
// for in-flight handlers. Handlers run on a context that is not cancelled by
// shutdown so a started exchange can finish and be saved.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)

	var g errgroup.Group
	g.SetLimit(b.limit)
	handlerCtx := context.WithoutCancel(ctx)

	b.logger.Info("telegram polling started", "poll_timeout", b.pollTimeout, "max_concurrent", b.limit)
	defer b.logger.Info("telegram polling stopped")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return g.Wait()
		case update, ok := <-updates:
			if !ok {
				return g.Wait()
			}
			in, chatID, ok := convert(update)
			if !ok {
				continue
			}
			msgCtx := telemetry.WithCorrelationID(handlerCtx, "")
			b.logger.Debug("update received",
				"update_id", update.UpdateID,
				"user_id", in.UserID,
				"command", in.Command,
				"correlation_id", telemetry.CorrelationID(msgCtx),
			)
			out := &responder{api: b.api, chatID: chatID}
			g.Go(func() error {
				b.handler.Handle(msgCtx, in, out)
				return nil
			})
		}
	}
}

// convert maps an update to an Inbound. Updates without a message or a
// sender are skipped.
func convert(update tgbotapi.Update) (conversation.Inbound, int64, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return conversation.Inbound{}, 0, false
	}

	in := conversation.Inbound{
		UserID:   strconv.FormatInt(msg.From.ID, 10),
		UserName: msg.From.FirstName,
		Text:     msg.Text,
	}
	if in.UserName == "" {
		in.UserName = msg.From.UserName
	}
	if msg.IsCommand() {
		in.Command = strings.ToLower(msg.Command())
		in.Text = msg.CommandArguments()
	}
	return in, msg.Chat.ID, true
}

type responder struct {
	api    API
	chatID int64
}

func (r *responder) Typing(context.Context) error {
	_, err := r.api.Request(tgbotapi.NewChatAction(r.chatID, tgbotapi.ChatTyping))
	return err
}

func (r *responder) Reply(_ context.Context, text string) error {
	for _, part := range split(text, MaxMessageLength) {
		if _, err := r.api.Send(tgbotapi.NewMessage(r.chatID, part)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// split cuts text into chunks of at most limit runes, preferring newline
// boundaries.
func split(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Println(v ...any) {
	a.logger.Debug(strings.TrimSpace(fmt.Sprintln(v...)), "component", "tgbotapi")
}

func (a slogAdapter) Printf(format string, v ...any) {
	a.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "tgbotapi")
}

// UseLogger routes the Bot API library's own log output through logger.
// The library logs request URLs, which contain the bot token, so logger
// should carry a redacting handler.
func UseLogger(logger *slog.Logger) error {
	return tgbotapi.SetLogger(slogAdapter{logger: logger})
}

// Package conversation routes inbound chat messages to memory, the prompt
// assembler and the completion client, and turns every outcome into a reply.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/szaher/chatrelay/internal/access"
	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/memory"
	"github.com/szaher/chatrelay/internal/prompt"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// Supported commands.
const (
	CommandStart = "start"
	CommandClear = "clear"
)

// Message kinds used in logs and metrics.
const (
	KindStart   = "start"
	KindClear   = "clear"
	KindText    = "text"
	KindIgnored = "ignored"
)

// Inbound is a platform-neutral chat message.
type Inbound struct {
	UserID   string
	UserName string
	// Command is the command name without the leading slash, or empty for
	// plain text.
	Command string
	Text    string
}

// Responder delivers output back to the chat the message came from.
type Responder interface {
	Typing(ctx context.Context) error
	Reply(ctx context.Context, text string) error
}

// Recorder receives per-message metrics. *telemetry.Metrics implements it.
type Recorder interface {
	RecordMessage(kind, outcome string)
	RecordCompletion(d time.Duration, failureKind string, inputTokens, outputTokens int)
}

// Config holds the handler's collaborators and completion settings.
type Config struct {
	Memory      memory.Repository
	Assembler   *prompt.Assembler
	Client      llm.Client
	Model       string
	Temperature float64
	MaxTokens   int
	Replies     Replies
	Logger      *slog.Logger
	Metrics     Recorder
	// Access filters senders. Nil allows everyone.
	Access *access.Policy
	// Limiter bounds text messages per user. Nil disables limiting.
	Limiter *access.Limiter
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler processes inbound messages. It is safe for concurrent use.
type Handler struct {
	memory      memory.Repository
	assembler   *prompt.Assembler
	client      llm.Client
	model       string
	temperature float64
	maxTokens   int
	replies     Replies
	logger      *slog.Logger
	metrics     Recorder
	access      *access.Policy
	limiter     *access.Limiter
	now         func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Memory == nil {
		return nil, errors.New("conversation: memory repository is required")
	}
	if cfg.Assembler == nil {
		return nil, errors.New("conversation: prompt assembler is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("conversation: completion client is required")
	}
	h := &Handler{
		memory:      cfg.Memory,
		assembler:   cfg.Assembler,
		client:      cfg.Client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		replies:     cfg.Replies.Merge(),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		access:      cfg.Access,
		limiter:     cfg.Limiter,
		now:         cfg.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = nopRecorder{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

// Handle processes one message. Failures are logged and answered in chat;
// none are returned.
func (h *Handler) Handle(ctx context.Context, in Inbound, out Responder) {
	ctx = telemetry.WithCorrelationID(ctx, telemetry.CorrelationID(ctx))
	logger := telemetry.RequestLogger(h.logger, ctx, in.UserID)

	allowed, err := h.access.Allow(access.Env{
		UserID:   in.UserID,
		UserName: in.UserName,
		Command:  in.Command,
		Text:     in.Text,
	})
	if err != nil {
		logger.Error("access policy failed", "error", err)
	}
	if !allowed {
		logger.Info("message denied by access policy", "command", in.Command)
		h.metrics.RecordMessage(kindOf(in), "denied")
		return
	}

	switch {
	case in.Command == CommandStart:
		h.finish(ctx, logger, out, KindStart, "ok", h.replies.Greeting)

	case in.Command == CommandClear:
		if err := h.memory.Clear(ctx, in.UserID); err != nil {
			logger.Error("clearing memory failed", "error", err)
			h.finish(ctx, logger, out, KindClear, "persist_error", h.replies.Transient)
			return
		}
		logger.Info("memory cleared")
		h.finish(ctx, logger, out, KindClear, "ok", h.replies.Cleared)

	case in.Command != "" || strings.TrimSpace(in.Text) == "":
		logger.Debug("ignoring message", "command", in.Command)
		h.metrics.RecordMessage(KindIgnored, "ok")

	default:
		h.handleText(ctx, logger, in, out)
	}
}

func kindOf(in Inbound) string {
	switch in.Command {
	case "":
		return KindText
	case CommandStart:
		return KindStart
	case CommandClear:
		return KindClear
	}
	return KindIgnored
}

func (h *Handler) handleText(ctx context.Context, logger *slog.Logger, in Inbound, out Responder) {
	if !h.limiter.Allow(in.UserID) {
		logger.Warn("rate limited")
		h.finish(ctx, logger, out, KindText, "rate_limited", h.replies.RateLimited)
		return
	}

	if err := out.Typing(ctx); err != nil {
		logger.Debug("typing indicator failed", "error", err)
	}

	state := h.memory.Load(ctx, in.UserID)
	messages := h.assembler.Assemble(in.UserName, state, in.Text, h.now())

	start := time.Now()
	resp, err := h.client.Chat(ctx, llm.ChatRequest{
		Model:       h.model,
		Messages:    messages,
		MaxTokens:   h.maxTokens,
		Temperature: llm.Float64(h.temperature),
	})
	elapsed := time.Since(start)

	if err != nil {
		kind := llm.FailureKind(err)
		h.metrics.RecordCompletion(elapsed, kind, 0, 0)
		logger.Error("completion failed",
			"failure", kind,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		reply := h.replies.Transient
		if status, ok := llm.StatusCode(err); ok {
			reply = h.replies.httpError(status)
		}
		h.finish(ctx, logger, out, KindText, "completion_error", reply)
		return
	}

	h.metrics.RecordCompletion(elapsed, "", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	logger.Info("completion received",
		"history_turns", len(messages)-2,
		"duration_ms", elapsed.Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", string(resp.StopReason),
	)

	outcome := "ok"
	_, err = h.memory.Update(ctx, in.UserID, func(s memory.UserState) memory.UserState {
		return s.Append(
			memory.Turn{Role: memory.RoleUser, Content: in.Text},
			memory.Turn{Role: memory.RoleAssistant, Content: resp.Content},
		)
	})
	if err != nil {
		outcome = "persist_error"
		logger.Error("saving exchange failed", "error", err)
	}
	h.finish(ctx, logger, out, KindText, outcome, resp.Content)
}

func (h *Handler) finish(ctx context.Context, logger *slog.Logger, out Responder, kind, outcome, text string) {
	if err := out.Reply(ctx, text); err != nil {
		logger.Error("sending reply failed", "kind", kind, "error", err)
		outcome = "reply_error"
	}
	h.metrics.RecordMessage(kind, outcome)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessage(string, string) {}

func (nopRecorder) RecordCompletion(time.Duration, string, int, int) {}

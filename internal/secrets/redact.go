package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Redacted replaces secret values in log output.
const Redacted = "***REDACTED***"

// RedactFilter wraps a slog handler and scrubs registered secret values
// (bot token, API key) from messages and string attributes, including
// attributes inside groups and those bound with Logger.With.
type RedactFilter struct {
	inner slog.Handler
	set   *secretSet
}

type secretSet struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func (s *secretSet) snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	return out
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner: inner,
		set:   &secretSet{values: make(map[string]struct{})},
	}
}

// AddSecret registers a value to be redacted. Empty values and a nil
// filter are ignored.
func (f *RedactFilter) AddSecret(value string) {
	if f == nil || value == "" {
		return
	}
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	f.set.values[value] = struct{}{}
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle redacts secret values from the record before passing it on.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.set.snapshot()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}

	redacted := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, redacted)
}

// WithAttrs redacts attrs with the secrets known now and shares the secret
// set with the returned handler.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := f.set.snapshot()
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, secrets)
	}
	return &RedactFilter{inner: f.inner.WithAttrs(clean), set: f.set}
}

// WithGroup shares the secret set with the returned handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), set: f.set}
}

// RedactString replaces any known secret values in s.
func (f *RedactFilter) RedactString(s string) string {
	return scrub(s, f.set.snapshot())
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(a.Value.String(), secrets))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]slog.Attr, len(group))
		for i, g := range group {
			out[i] = redactAttr(g, secrets)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, scrub(err.Error(), secrets))
		}
	}
	return a
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}

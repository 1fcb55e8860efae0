// Package secrets resolves credential references in relay configuration and
// keeps resolved values out of log output.
package secrets

import (
	"context"
	"fmt"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up a secret reference such as "env(TELEGRAM_TOKEN)".
	Resolve(ctx context.Context, ref string) (string, error)
}

// Expand returns value unchanged unless it is a reference, in which case it is
// resolved with r. Every resolved value is registered with filter when filter
// is non-nil.
func Expand(ctx context.Context, r Resolver, filter *RedactFilter, value string) (string, error) {
	if !IsRef(value) {
		filter.AddSecret(value)
		return value, nil
	}
	resolved, err := r.Resolve(ctx, value)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	filter.AddSecret(resolved)
	return resolved, nil
}

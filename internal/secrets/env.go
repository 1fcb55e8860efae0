package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	refPrefix = "env("
	refSuffix = ")"
)

// IsRef reports whether value has the form env(NAME).
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix) && strings.HasSuffix(value, refSuffix) && len(value) > len(refPrefix)
}

// EnvResolver resolves env(NAME) references from the process environment.
// The lookup func is swappable for tests.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve looks up an env() reference and returns the value.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}

	name := strings.TrimSpace(ref[len(refPrefix) : len(ref)-len(refSuffix)])
	if name == "" {
		return "", fmt.Errorf("empty variable name in %q", ref)
	}
	value, ok := r.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}

package kve

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SecretProvider resolves a named credential. Errors carry the secret name
// only; the value is never part of an error, a log line, or a response.
type SecretProvider interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// SecretError is a resolution failure with no token material attached.
type SecretError struct {
	Name string
	Err  error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("kve: secret %s: %v", e.Name, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretMissing = fmt.Errorf("not configured")

// EnvSecretProvider reads secrets from environment variables. The secret name
// is uppercased and non-alphanumerics become underscores, so "stripe-prod"
// resolves from KVE_SECRET_STRIPE_PROD.
type EnvSecretProvider struct {
	Prefix string
}

// NewEnvSecretProvider uses the default KVE_SECRET_ prefix.
func NewEnvSecretProvider() *EnvSecretProvider {
	return &EnvSecretProvider{Prefix: "KVE_SECRET_"}
}

func (p *EnvSecretProvider) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", &SecretError{Name: name, Err: errSecretMissing}
	}
	value, ok := os.LookupEnv(p.Prefix + envName(name))
	if !ok || value == "" {
		return "", &SecretError{Name: name, Err: errSecretMissing}
	}
	return value, nil
}

func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// StaticSecretProvider serves a fixed map. Used in tests and local dev.
type StaticSecretProvider struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticSecretProvider copies the given map.
func NewStaticSecretProvider(secrets map[string]string) *StaticSecretProvider {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &StaticSecretProvider{secrets: cp}
}

func (p *StaticSecretProvider) Resolve(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.secrets[name]
	if !ok {
		return "", &SecretError{Name: name, Err: errSecretMissing}
	}
	return value, nil
}

// Set adds or replaces a secret.
func (p *StaticSecretProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secrets[name] = value
}

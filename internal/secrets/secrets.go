// Package secrets resolves credential references found in configuration.
//
// A reference is a URI whose scheme names a provider, for example
// "env://TOOLEXEC_PG_DSN" or "vault://secret/data/toolexec#jwt". Values
// without a registered scheme are literals and pass through unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound is returned when a reference names a missing secret.
var ErrSecretNotFound = errors.New("secret not found")

// Secret is a resolved credential.
type Secret struct {
	Value    string
	Metadata map[string]string // provider details (source, path, field); never the value
}

// Provider resolves references for a single scheme.
type Provider interface {
	// Scheme is the reference prefix handled, without "://".
	Scheme() string
	Resolve(ctx context.Context, ref string) (*Secret, error)
}

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver builds a resolver. A later provider replaces an earlier one
// with the same scheme.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Scheme()] = p
		}
	}
	return r
}

// IsReference reports whether value is handled by one of r's providers.
func (r *Resolver) IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	if !ok || r == nil {
		return false
	}
	_, known := r.providers[scheme]
	return known
}

// Expand returns the secret value for a reference, or value itself when it
// is a literal.
func (r *Resolver) Expand(ctx context.Context, value string) (string, error) {
	if !r.IsReference(value) {
		return value, nil
	}
	scheme, _, _ := strings.Cut(value, "://")
	s, err := r.providers[scheme].Resolve(ctx, value)
	if err != nil {
		return "", fmt.Errorf("resolve %s reference: %w", scheme, err)
	}
	return s.Value, nil
}

// ExpandAll expands every non-nil target in place and stops at the first
// failure.
func (r *Resolver) ExpandAll(ctx context.Context, targets ...*string) error {
	for _, t := range targets {
		if t == nil {
			continue
		}
		v, err := r.Expand(ctx, *t)
		if err != nil {
			return err
		}
		*t = v
	}
	return nil
}

// ExpandMap expands the values of m in place.
func (r *Resolver) ExpandMap(ctx context.Context, m map[string]string) error {
	for k, v := range m {
		out, err := r.Expand(ctx, v)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		m[k] = out
	}
	return nil
}

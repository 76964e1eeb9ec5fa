// Package secrets resolves secret references in configuration values.
//
// A value of the form "scheme://rest" is handed to the provider
// registered for scheme; any other value is taken literally. References
// are used for the gate secret, the cookie signing key and store
// credentials so none of them has to live in the config file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// Provider resolves references of one scheme. ref excludes the "scheme://" prefix.
// Implementations must be safe for concurrent use.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver registers providers. A later provider replaces an earlier
// one with the same scheme.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// IsReference reports whether value looks like "scheme://...". Whether
// it is resolved depends on the scheme.
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	return ok && scheme != "" && !strings.ContainsAny(scheme, " /:")
}

// reserved schemes are always treated as references, configured or not.
// Other schemes ("postgres://", "redis://") are ordinary values.
var reserved = map[string]bool{"env": true, "file": true, "vault": true}

// Resolve returns the secret behind value, or value itself when it is
// not a reference. Empty values stay empty.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme, ref, _ := strings.Cut(value, "://")
	p, ok := r.providers[scheme]
	if !ok {
		if reserved[scheme] {
			return "", fmt.Errorf("no secret provider for scheme %q", scheme)
		}
		return value, nil
	}
	secret, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference: %w", scheme, err)
	}
	return secret, nil
}

// ResolveAll resolves each pointed-to value in place and stops at the first error.
func (r *Resolver) ResolveAll(ctx context.Context, values ...*string) error {
	for _, v := range values {
		resolved, err := r.Resolve(ctx, *v)
		if err != nil {
			return err
		}
		*v = resolved
	}
	return nil
}

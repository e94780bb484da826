// Package pulsecred provides the credential producers consumed by a
// pulse.Manager: static user/pass credentials, connection-string
// pass-through, and namespace-claimed short-lived credentials.
package pulsecred

import (
	"context"
	"time"
)

// Credentials is what a Provider yields on every invocation.
type Credentials struct {
	// ConnectionString is an amqp(s):// URL, valid for the connection
	// that is about to be dialed.
	ConnectionString string

	// RecycleAfter, when non-zero, hints that the connection should be
	// recycled after this much time -- typically because the credential
	// itself is due to expire.
	RecycleAfter time.Duration
}

// Provider is a nullary async producer of Credentials. A Manager calls
// Fetch fresh on every (re)connect, so a Provider must always reflect the
// latest value rather than caching a stale one.
type Provider interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// ProviderFunc adapts a plain function to a Provider, the same way
// http.HandlerFunc adapts a function to http.Handler.
type ProviderFunc func(ctx context.Context) (Credentials, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context) (Credentials, error) {
	return f(ctx)
}

// NamespaceHint is implemented by providers that know their namespace
// without needing to dial first (every provider in this package: Static,
// ConnectionString, Claimed and Test). A Manager
// uses it, when available, to derive object names synchronously at
// construction instead of waiting on the first successful connect.
type NamespaceHint interface {
	Namespace() string
}

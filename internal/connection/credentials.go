package connection

import (
	"context"
	"fmt"
	"strings"
)

// Credentials are the resolved secrets for a security domain.
type Credentials struct {
	Username string
	Password string
	// AuthSource is the authentication database or realm, when the backend
	// has one.
	AuthSource string
}

// IsZero reports whether no username was resolved.
func (c Credentials) IsZero() bool {
	return c.Username == ""
}

// String never includes the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q}", c.Username)
}

// CredentialSupplier resolves credentials for a named security domain.
type CredentialSupplier interface {
	Credentials(ctx context.Context, domain string) (Credentials, error)
}

// CredentialSupplierFunc adapts a function to CredentialSupplier.
type CredentialSupplierFunc func(ctx context.Context, domain string) (Credentials, error)

func (f CredentialSupplierFunc) Credentials(ctx context.Context, domain string) (Credentials, error) {
	return f(ctx, domain)
}

// CredentialPolicy decides what happens when a security domain is configured
// but credentials cannot be resolved.
type CredentialPolicy int

const (
	// FailClosed aborts Start with ErrCredentialsUnavailable.
	FailClosed CredentialPolicy = iota
	// FailOpen logs a warning and connects without credentials.
	FailOpen
)

func (p CredentialPolicy) String() string {
	switch p {
	case FailClosed:
		return "fail-closed"
	case FailOpen:
		return "fail-open"
	default:
		return "unknown"
	}
}

// ParseCredentialPolicy accepts "fail-closed", "fail-open" and "" (fail-closed).
func ParseCredentialPolicy(value string) (CredentialPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "fail-closed", "closed":
		return FailClosed, nil
	case "fail-open", "open":
		return FailOpen, nil
	default:
		return FailClosed, fmt.Errorf("unknown credential policy %q (allowed: fail-closed, fail-open)", value)
	}
}

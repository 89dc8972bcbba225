// Package lifecycle starts process components in dependency order and stops
// them in reverse.
package lifecycle

import "context"

// Component is a long-running part of the process.
type Component interface {
	// Start brings the component up. A returned error aborts process startup.
	Start(ctx context.Context) error

	// Stop releases the component's resources within the ctx deadline.
	// Errors are logged by the manager and do not stop other components.
	Stop(ctx context.Context) error

	// Name returns a non-empty name used in logs and errors.
	Name() string
}

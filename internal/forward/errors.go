// Package forward implements the three bridging engines — TCP, UDP, and
// TCP-over-datagram — each with a server half and a client half, built
// on the shared internal/bridge primitive and the internal/overlay
// adapter.
package forward

import "errors"

var (
	// ErrConfig marks a malformed engine configuration (e.g. a zero
	// port). Fatal at startup; the manager does not start the affected
	// forward.
	ErrConfig = errors.New("forward: invalid configuration")

	// ErrStartup marks a failure bringing up a forward: overlay listener
	// registration, or local TCP/UDP bind failure.
	ErrStartup = errors.New("forward: startup failed")

	// ErrProbe marks a client startup probe that failed after retries.
	// Fatal for the affected client forward only.
	ErrProbe = errors.New("forward: startup probe failed")
)

// Package detector holds the reachability checks used while waiting for a
// supervised service to come up, and the PID-based checks used to find
// leftovers from earlier runs.
package detector

import "context"

// Detector reports whether a target is up.
// Implementations must be safe for concurrent use and honor ctx.
type Detector interface {
	// Alive returns true if the target is detected as up. A false result with
	// a nil error means the check ran and the target is not ready yet.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

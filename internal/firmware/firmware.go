// Package firmware defines the platform service table the boot pipeline runs
// against. The table is passed explicitly into every component that needs it,
// never read from ambient state, so each component can be exercised against
// substitute implementations.
package firmware

import (
	"errors"
	"io"
	"time"
)

// Clock provides the monotonic time source used to bound every wait in the
// pipeline. Components must poll against Now and a deadline; nothing in the
// pipeline is allowed to wait without one.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// MediumFS is a mounted view of the boot medium's filesystem.
type MediumFS interface {
	// Open returns a reader for the file at path together with its size in
	// bytes. The size is known before the first read.
	Open(path string) (io.ReadCloser, int64, error)
	Close() error
}

// Medium is the boot medium the loader itself was started from.
type Medium interface {
	Mount() (MediumFS, error)
}

// Interface describes one network interface visible to the loader.
type Interface struct {
	Name string
	MAC  string
	Up   bool
}

// NetworkStack exposes the platform's link and address configuration
// primitives. Address acquisition is asynchronous: StartDHCP kicks the
// platform client and callers poll HasAddress under their own deadline.
type NetworkStack interface {
	Interfaces() ([]Interface, error)
	LinkUp(name string) error
	// HasAddress reports whether the interface holds a usable (non
	// link-local) address, returning it in CIDR form when present.
	HasAddress(name string) (string, bool, error)
	ConfigureStatic(name, addressCIDR, gateway string) error
	StartDHCP(name string) error
}

// Power carries the two irreversible platform operations: the pre-handoff
// finalize signal and the terminal halt.
type Power interface {
	// Finalize tells the platform no further boot-time services will be
	// used. It runs immediately before the jump and is not undoable.
	Finalize() error
	// Halt stops execution deterministically. It does not return.
	Halt()
}

// Services is the full table handed to the pipeline at startup.
type Services struct {
	Clock   Clock
	Console io.Writer
	Medium  Medium
	Net     NetworkStack
	Power   Power
}

// Validate reports the first missing required service.
func (s *Services) Validate() error {
	switch {
	case s == nil:
		return errors.New("firmware services are not configured")
	case s.Clock == nil:
		return errors.New("firmware clock is not configured")
	case s.Console == nil:
		return errors.New("firmware console is not configured")
	case s.Power == nil:
		return errors.New("firmware power control is not configured")
	}
	return nil
}

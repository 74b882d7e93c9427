// Package trampoline carries execution over to the next boot stage. Each
// implementation encapsulates one entry convention; which one is live is
// fixed when the loader is built, never probed at runtime.
package trampoline

import (
	"fmt"

	"github.com/pharos-boot/pharos/internal/arch"
	"github.com/pharos-boot/pharos/internal/fetch"
)

// Trampoline transfers control to a validated kernel.
type Trampoline interface {
	// Arch is the instruction set this trampoline targets.
	Arch() arch.Architecture
	// Handoff performs the transfer. A platform trampoline does not
	// return on success; a rehearsal trampoline returns nil once the
	// next stage is running. Any failure before the point of no return
	// is a *HandoffError and leaves the system recoverable.
	Handoff(set *fetch.Set) error
}

// HandoffError reports a failed transfer-of-control precondition.
type HandoffError struct {
	Stage string
	Err   error
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("handoff: %s: %v", e.Stage, e.Err)
}

func (e *HandoffError) Unwrap() error {
	return e.Err
}

// checkSet guards every trampoline against an unvalidated or incomplete
// artifact set reaching the jump.
func checkSet(target arch.Architecture, set *fetch.Set) error {
	if set == nil || len(set.Kernel.Data) == 0 {
		return &HandoffError{Stage: "precheck", Err: fmt.Errorf("no kernel artifact")}
	}
	if err := target.ValidateKernel(set.Kernel.Data); err != nil {
		return &HandoffError{Stage: "precheck", Err: err}
	}
	return nil
}

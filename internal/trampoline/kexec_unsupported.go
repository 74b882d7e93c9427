//go:build !linux || !(amd64 || arm64 || riscv64 || loong64)

package trampoline

import (
	"errors"
	"log/slog"

	"github.com/pharos-boot/pharos/internal/arch"
	"github.com/pharos-boot/pharos/internal/fetch"
	"github.com/pharos-boot/pharos/internal/firmware"
)

// unsupported stands in on platforms without a native handoff path so the
// rest of the loader still builds for harness use.
type unsupported struct{}

// NewPlatform returns the trampoline for the architecture this loader was
// built for.
func NewPlatform(_ firmware.Power, _ *slog.Logger) Trampoline {
	return unsupported{}
}

func (unsupported) Arch() arch.Architecture {
	return arch.Host()
}

func (unsupported) Handoff(set *fetch.Set) error {
	if err := checkSet(arch.Host(), set); err != nil {
		return err
	}
	return &HandoffError{Stage: "jump", Err: errors.New("no handoff path on this platform")}
}

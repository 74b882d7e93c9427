//go:build linux && (amd64 || arm64 || riscv64 || loong64)

package trampoline

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/pharos-boot/pharos/internal/arch"
	"github.com/pharos-boot/pharos/internal/fetch"
	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/logging"
)

// Kexec hands off through the kernel's file-based kexec interface. The
// artifacts are staged into anonymous memory files so nothing touches the
// boot medium on the way out.
type Kexec struct {
	Power  firmware.Power
	Logger *slog.Logger
}

var _ Trampoline = (*Kexec)(nil)

// NewPlatform returns the trampoline for the architecture this loader was
// built for.
func NewPlatform(power firmware.Power, logger *slog.Logger) Trampoline {
	return &Kexec{Power: power, Logger: logger}
}

func (k *Kexec) logger() *slog.Logger {
	return logging.Ensure(k.Logger).With("component", "trampoline")
}

func (k *Kexec) Arch() arch.Architecture {
	return arch.Host()
}

func (k *Kexec) Handoff(set *fetch.Set) error {
	if err := checkSet(k.Arch(), set); err != nil {
		return err
	}

	logger := k.logger().With("arch", k.Arch().String())
	logger.Info("staging kernel for handoff",
		"kernel_bytes", set.Kernel.Size(),
		"cmdline", string(set.Cmdline.Data),
	)

	kernelFd, err := stageMemfd("kernel", set.Kernel.Data)
	if err != nil {
		return &HandoffError{Stage: "stage kernel", Err: err}
	}
	defer unix.Close(kernelFd)

	initrdFd := -1
	flags := unix.KEXEC_FILE_NO_INITRAMFS
	if set.Initrd != nil {
		initrdFd, err = stageMemfd("initrd", set.Initrd.Data)
		if err != nil {
			return &HandoffError{Stage: "stage initrd", Err: err}
		}
		defer unix.Close(initrdFd)
		flags = 0
		logger.Info("staged initrd", "initrd_bytes", set.Initrd.Size())
	}

	if k.Power != nil {
		if err := k.Power.Finalize(); err != nil {
			return &HandoffError{Stage: "finalize platform", Err: err}
		}
	}

	if err := unix.KexecFileLoad(kernelFd, initrdFd, string(set.Cmdline.Data), flags); err != nil {
		return &HandoffError{Stage: "load kexec image", Err: err}
	}

	logger.Info("transferring control")
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC); err != nil {
		return &HandoffError{Stage: "jump", Err: err}
	}

	// Unreachable: the reboot syscall does not return on success.
	return &HandoffError{Stage: "jump", Err: fmt.Errorf("kexec returned")}
}

func stageMemfd(name string, data []byte) (int, error) {
	fd, err := unix.MemfdCreate("pharos-"+name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("create memory file for %s: %w", name, err)
	}
	written := 0
	for written < len(data) {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("write %s image: %w", name, err)
		}
		written += n
	}
	return fd, nil
}

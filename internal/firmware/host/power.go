package host

import (
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/pharos-boot/pharos/internal/logging"
)

// SystemPower implements firmware.Power for the host. When the loader is
// PID 1 a halt is a real platform halt; otherwise the process exits with a
// failure status so the invoking harness observes the abort.
type SystemPower struct {
	Logger *slog.Logger
}

func (p *SystemPower) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With("component", "power")
}

// Finalize flushes outstanding writes before control leaves this program.
func (p *SystemPower) Finalize() error {
	unix.Sync()
	return nil
}

func (p *SystemPower) Halt() {
	p.logger().Error("halting")
	unix.Sync()

	if os.Getpid() == 1 {
		// Ignore the error: if the halt syscall fails there is nothing
		// left to do but spin, which the fallthrough exit avoids.
		_ = unix.Reboot(unix.LINUX_REBOOT_CMD_HALT)
	}
	os.Exit(1)
}

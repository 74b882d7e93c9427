// Package fetch retrieves the plan's artifacts through whichever boot source
// the plan selected, applying the retry policy: connect-class failures get a
// fresh session, transfer-class failures retry the fetch alone, and every
// attempt runs under the plan's per-attempt timeout.
package fetch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pharos-boot/pharos/internal/bootplan"
	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/logging"
	"github.com/pharos-boot/pharos/internal/source"
)

// Role is the semantic role of a fetched artifact.
type Role string

const (
	RoleKernel  Role = "kernel"
	RoleInitrd  Role = "initrd"
	RoleCmdline Role = "cmdline"
)

// The next stage receives the command line as a bounded buffer; anything
// longer than this is a configuration mistake, not a real command line.
const maxCmdlineBytes = 4096

// Artifact is a fully buffered boot artifact.
type Artifact struct {
	Role Role
	Data []byte
}

// Size returns the artifact's byte count.
func (a *Artifact) Size() int {
	return len(a.Data)
}

// Set is the complete artifact set for one boot attempt. Initrd is nil when
// the plan does not configure an initial ramdisk.
type Set struct {
	Kernel  Artifact
	Cmdline Artifact
	Initrd  *Artifact
}

// PlanError reports that an artifact could not be retrieved within the
// plan's retry budget, or violated a result guarantee.
type PlanError struct {
	Role     Role
	Attempts int
	Err      error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("fetch %s (%d attempts): %v", e.Role, e.Attempts, e.Err)
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

// Fetcher drives artifact retrieval for one plan.
type Fetcher struct {
	Clock  firmware.Clock
	Logger *slog.Logger
}

func (f *Fetcher) logger() *slog.Logger {
	return logging.Ensure(f.Logger).With("component", "fetcher")
}

// FetchAll retrieves the artifact set in cheap-first order: the command line
// is materialized and checked before any transfer, so a misconfigured entry
// fails before bandwidth is spent on the kernel. The returned session is the
// one active after any re-acquisitions; the caller owns its release.
func (f *Fetcher) FetchAll(plan *bootplan.Plan, src source.Source, sess *source.Session) (*Set, *source.Session, error) {
	if f.Clock == nil {
		return nil, sess, &PlanError{Role: RoleCmdline, Attempts: 0, Err: errors.New("no clock configured")}
	}
	if src == nil || sess == nil {
		return nil, sess, &PlanError{Role: RoleCmdline, Attempts: 0, Err: errors.New("no acquired source")}
	}

	set := &Set{}

	cmdline, err := materializeCmdline(plan)
	if err != nil {
		return nil, sess, err
	}
	set.Cmdline = cmdline

	kernel, sess, err := f.fetchArtifact(plan, src, sess, RoleKernel, plan.Kernel)
	if err != nil {
		return nil, sess, err
	}
	set.Kernel = kernel

	if plan.HasInitrd() {
		initrd, updated, err := f.fetchArtifact(plan, src, sess, RoleInitrd, plan.Initrd)
		sess = updated
		if err != nil {
			return nil, sess, err
		}
		set.Initrd = &initrd
	}

	return set, sess, nil
}

func materializeCmdline(plan *bootplan.Plan) (Artifact, error) {
	if len(plan.Cmdline) > maxCmdlineBytes {
		return Artifact{}, &PlanError{
			Role:     RoleCmdline,
			Attempts: 1,
			Err:      fmt.Errorf("command line is %d bytes, limit %d", len(plan.Cmdline), maxCmdlineBytes),
		}
	}
	return Artifact{Role: RoleCmdline, Data: []byte(plan.Cmdline)}, nil
}

// fetchArtifact runs the per-artifact retry loop. It may replace the session
// when a connect-class failure makes the current one unusable.
func (f *Fetcher) fetchArtifact(plan *bootplan.Plan, src source.Source, sess *source.Session, role Role, locator string) (Artifact, *source.Session, error) {
	logger := f.logger().With("artifact", string(role), "locator", locator)
	attempts := plan.Retries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := f.Clock.Now().Add(plan.Timeout)

		data, err := src.Fetch(sess, locator, deadline)
		if err == nil {
			if len(data) == 0 {
				return Artifact{}, sess, &PlanError{
					Role:     role,
					Attempts: attempt,
					Err:      errors.New("source returned an empty artifact"),
				}
			}
			logger.Info("artifact fetched", "bytes", len(data), "attempt", attempt)
			return Artifact{Role: role, Data: data}, sess, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		phase := source.FailurePhase(err)
		logger.Warn("artifact fetch failed, retrying",
			"attempt", attempt,
			"phase", string(phase),
			"error", err,
		)

		if phase == source.PhaseConnect {
			src.Release(sess)
			sess = nil
			fresh, acquireErr := src.Acquire(f.Clock.Now().Add(plan.Timeout))
			if acquireErr != nil {
				lastErr = acquireErr
				logger.Warn("session re-acquisition failed", "attempt", attempt, "error", acquireErr)
				continue
			}
			sess = fresh
		}
	}

	return Artifact{}, sess, &PlanError{Role: role, Attempts: attempts, Err: lastErr}
}

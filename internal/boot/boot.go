// Package boot drives one boot attempt end to end: load the configuration
// from the boot medium, acquire the selected source, fetch and validate the
// artifact set, and hand control to the trampoline. Every failure funnels into
// a single abort path that reports on the console and halts.
package boot

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pharos-boot/pharos/internal/bootplan"
	"github.com/pharos-boot/pharos/internal/fetch"
	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/logging"
	"github.com/pharos-boot/pharos/internal/source"
	"github.com/pharos-boot/pharos/internal/source/local"
	"github.com/pharos-boot/pharos/internal/source/network"
	"github.com/pharos-boot/pharos/internal/trampoline"
)

// State is the orchestrator's position in the pipeline. Transitions only move
// forward; Aborted is terminal.
type State string

const (
	StateInit             State = "init"
	StateConfigLoaded     State = "config-loaded"
	StateSourceReady      State = "source-ready"
	StateArtifactsFetched State = "artifacts-fetched"
	StateValidated        State = "validated"
	StateHandedOff        State = "handed-off"
	StateAborted          State = "aborted"
)

// AbortError wraps the failure that ended a boot attempt together with the
// state it struck in.
type AbortError struct {
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("boot aborted in state %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// SourceFactory builds the boot source for a resolved plan. The orchestrator
// installs a default that maps the plan's source kind onto the firmware
// table; tests substitute scripted sources.
type SourceFactory func(plan *bootplan.Plan) (source.Source, error)

// Orchestrator executes boot attempts against a firmware service table.
type Orchestrator struct {
	Services   *firmware.Services
	Trampoline trampoline.Trampoline
	Sources    SourceFactory
	// Select picks the plan to boot from a multi-entry document. When nil
	// the document's default entry boots.
	Select func(doc *bootplan.Document) (*bootplan.Plan, error)
	Logger *slog.Logger

	state State
}

func (o *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(o.Logger).With("component", "boot")
}

// State reports where the last run ended, or where the current one stands.
func (o *Orchestrator) State() State {
	if o.state == "" {
		return StateInit
	}
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	o.logger().Debug("state transition", "state", string(s))
}

// Run performs a complete attempt: configuration, selection, boot. It returns
// only on failure, or after a rehearsal trampoline reports the next stage
// running.
func (o *Orchestrator) Run() error {
	o.setState(StateInit)
	if err := o.Services.Validate(); err != nil {
		return o.abort(err)
	}

	doc, err := o.LoadDocument()
	if err != nil {
		return o.abort(err)
	}
	o.setState(StateConfigLoaded)

	plan := doc.Default()
	if o.Select != nil {
		selected, err := o.Select(doc)
		if err != nil {
			return o.abort(err)
		}
		plan = *selected
	}
	return o.boot(&plan)
}

// Boot executes a single already resolved plan.
func (o *Orchestrator) Boot(plan *bootplan.Plan) error {
	o.setState(StateInit)
	if err := o.Services.Validate(); err != nil {
		return o.abort(err)
	}
	o.setState(StateConfigLoaded)
	return o.boot(plan)
}

// LoadDocument reads and resolves the configuration document from the boot
// medium's well-known path.
func (o *Orchestrator) LoadDocument() (*bootplan.Document, error) {
	if o.Services.Medium == nil {
		return nil, errors.New("no boot medium configured")
	}
	mounted, err := o.Services.Medium.Mount()
	if err != nil {
		return nil, fmt.Errorf("mount boot medium: %w", err)
	}
	defer mounted.Close()

	reader, size, err := mounted.Open(bootplan.WellKnownPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", bootplan.WellKnownPath, err)
	}
	defer reader.Close()

	raw := make([]byte, size)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, fmt.Errorf("read %s: %w", bootplan.WellKnownPath, err)
	}
	return bootplan.Load(raw, o.Trampoline.Arch())
}

func (o *Orchestrator) boot(plan *bootplan.Plan) error {
	logger := o.logger().With("plan", plan.Name, "source", string(plan.Source))
	logger.Info("boot attempt starting",
		"kernel", plan.Kernel,
		"arch", plan.Arch.String(),
	)

	src, err := o.buildSource(plan)
	if err != nil {
		return o.abort(err)
	}

	sess, err := o.acquire(plan, src)
	if err != nil {
		return o.abort(err)
	}
	o.setState(StateSourceReady)

	fetcher := &fetch.Fetcher{Clock: o.Services.Clock, Logger: o.Logger}
	set, sess, err := fetcher.FetchAll(plan, src, sess)
	src.Release(sess)
	if err != nil {
		return o.abort(err)
	}
	o.setState(StateArtifactsFetched)

	if err := validateSet(plan.Arch, set); err != nil {
		return o.abort(err)
	}
	o.setState(StateValidated)

	logger.Info("artifact set validated, handing off",
		"kernel_bytes", set.Kernel.Size(),
		"has_initrd", set.Initrd != nil,
	)
	if err := o.Trampoline.Handoff(set); err != nil {
		return o.abort(err)
	}
	o.setState(StateHandedOff)
	return nil
}

func (o *Orchestrator) buildSource(plan *bootplan.Plan) (source.Source, error) {
	if o.Sources != nil {
		return o.Sources(plan)
	}
	switch plan.Source {
	case bootplan.SourceLocal:
		if o.Services.Medium == nil {
			return nil, errors.New("local boot requires a boot medium")
		}
		return &local.Source{Medium: o.Services.Medium, Logger: o.Logger}, nil
	case bootplan.SourceNetwork:
		if o.Services.Net == nil {
			return nil, errors.New("network boot requires a network stack")
		}
		return &network.Source{
			Config: plan.Network,
			Clock:  o.Services.Clock,
			Net:    o.Services.Net,
			Logger: o.Logger,
		}, nil
	default:
		return nil, fmt.Errorf("no source implementation for kind %q", plan.Source)
	}
}

// acquire establishes the session, retrying under the plan's retry budget.
// Each attempt gets a fresh deadline; acquisition failures never roll over
// into the artifact budget.
func (o *Orchestrator) acquire(plan *bootplan.Plan, src source.Source) (*source.Session, error) {
	attempts := plan.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := o.Services.Clock.Now().Add(plan.Timeout)
		sess, err := src.Acquire(deadline)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		o.logger().Warn("source acquisition failed",
			"attempt", attempt,
			"attempts", attempts,
			"error", err,
		)
	}
	return nil, lastErr
}

// abort is the single exit for every failure: report, halt, surface the
// wrapped error to the harness.
func (o *Orchestrator) abort(err error) error {
	abortErr := &AbortError{State: o.State(), Err: err}
	o.state = StateAborted

	o.logger().Error("boot aborted", "state", string(abortErr.State), "error", err)
	if o.Services != nil && o.Services.Console != nil {
		fmt.Fprintf(o.Services.Console, "boot aborted in state %s: %v\r\n", abortErr.State, err)
	}
	if o.Services != nil && o.Services.Power != nil {
		o.Services.Power.Halt()
	}
	return abortErr
}

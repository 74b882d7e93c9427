// Package source defines the capability both boot source variants expose:
// establish transport readiness, fetch whole artifacts by locator, and tear
// the session down again. The orchestrator and fetcher only ever talk to
// this interface; which variant is behind it is the plan's decision.
package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/pharos-boot/pharos/internal/bootplan"
)

// Session is the transient state of one acquired source: protocol handles on
// the implementation side, negotiated parameters here. A session is scoped to
// one plan and must be released on every outcome, never leaked into a retry
// that expects a fresh one.
type Session struct {
	ID   string
	Kind bootplan.SourceKind

	// Negotiated parameters of a network session.
	Interface string
	Address   string
}

// Source is implemented by the local and network variants.
type Source interface {
	// Acquire establishes transport readiness before the given deadline.
	Acquire(deadline time.Time) (*Session, error)
	// Fetch retrieves the full contents addressed by locator. The byte
	// count of the result is exact: implementations fail rather than
	// return a truncated buffer.
	Fetch(sess *Session, locator string, deadline time.Time) ([]byte, error)
	// Release tears the session down. Safe to call with a nil session and
	// after a failed Fetch.
	Release(sess *Session)
}

// Failure classes. Connect-phase and transfer-phase failures are distinct
// because the fetcher re-acquires the session for the former and retries
// in-session for the latter.
var (
	ErrNotFound        = errors.New("not found")
	ErrIO              = errors.New("i/o error")
	ErrLinkTimeout     = errors.New("link timeout")
	ErrConnectTimeout  = errors.New("connect timeout")
	ErrTransferTimeout = errors.New("transfer timeout")
	ErrProtocol        = errors.New("protocol error")
)

// Phase says where in a fetch a failure happened.
type Phase string

const (
	PhaseConnect  Phase = "connect"
	PhaseTransfer Phase = "transfer"
)

// SourceError reports a failed session establishment.
type SourceError struct {
	Kind bootplan.SourceKind
	Op   string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s source: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed artifact retrieval.
type FetchError struct {
	Phase   Phase
	Locator string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s phase): %v", e.Locator, e.Phase, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FailurePhase classifies an error from Fetch. Errors that are not
// *FetchError (including acquire failures) count as connect-phase, since the
// session cannot be assumed usable.
func FailurePhase(err error) Phase {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Phase
	}
	return PhaseConnect
}

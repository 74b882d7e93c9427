package fetch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pharos-boot/pharos/internal/bootplan"
	"github.com/pharos-boot/pharos/internal/firmware/firmwaretest"
	"github.com/pharos-boot/pharos/internal/source"
)

type fetchResult struct {
	data []byte
	err  error
}

// scriptedSource returns canned results per Fetch call and records the
// acquire/release traffic the retry policy generates.
type scriptedSource struct {
	results []fetchResult

	fetches  []string
	acquires int
	releases int
}

func (s *scriptedSource) Acquire(_ time.Time) (*source.Session, error) {
	s.acquires++
	return &source.Session{ID: fmt.Sprintf("session-%d", s.acquires), Kind: bootplan.SourceNetwork}, nil
}

func (s *scriptedSource) Fetch(sess *source.Session, locator string, _ time.Time) ([]byte, error) {
	s.fetches = append(s.fetches, locator)
	if len(s.results) == 0 {
		return []byte("default payload"), nil
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next.data, next.err
}

func (s *scriptedSource) Release(_ *source.Session) {
	s.releases++
}

func connectFailure() error {
	return &source.FetchError{
		Phase:   source.PhaseConnect,
		Locator: "http://h/k",
		Err:     source.ErrConnectTimeout,
	}
}

func transferFailure() error {
	return &source.FetchError{
		Phase:   source.PhaseTransfer,
		Locator: "http://h/k",
		Err:     source.ErrTransferTimeout,
	}
}

func testPlan(retries int) *bootplan.Plan {
	return &bootplan.Plan{
		Source:  bootplan.SourceNetwork,
		Kernel:  "http://h/vmlinuz",
		Initrd:  "http://h/initrd.img",
		Cmdline: "console=ttyS0",
		Timeout: 2 * time.Second,
		Retries: retries,
	}
}

func newFetcher() *Fetcher {
	return &Fetcher{Clock: firmwaretest.NewClock()}
}

func initialSession() *source.Session {
	return &source.Session{ID: "session-0", Kind: bootplan.SourceNetwork}
}

func TestFetchAllOrderAndContents(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{results: []fetchResult{
		{data: []byte("kernel")},
		{data: []byte("initrd")},
	}}

	set, _, err := newFetcher().FetchAll(testPlan(0), src, initialSession())
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if string(set.Cmdline.Data) != "console=ttyS0" {
		t.Errorf("cmdline artifact = %q", set.Cmdline.Data)
	}
	if string(set.Kernel.Data) != "kernel" {
		t.Errorf("kernel artifact = %q", set.Kernel.Data)
	}
	if set.Initrd == nil || string(set.Initrd.Data) != "initrd" {
		t.Errorf("initrd artifact = %+v", set.Initrd)
	}

	want := []string{"http://h/vmlinuz", "http://h/initrd.img"}
	if strings.Join(src.fetches, ",") != strings.Join(want, ",") {
		t.Errorf("fetch order = %v, want %v", src.fetches, want)
	}
}

func TestFetchAllSkipsInitrdWhenAbsent(t *testing.T) {
	t.Parallel()

	plan := testPlan(0)
	plan.Initrd = ""
	src := &scriptedSource{results: []fetchResult{{data: []byte("kernel")}}}

	set, _, err := newFetcher().FetchAll(plan, src, initialSession())
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if set.Initrd != nil {
		t.Errorf("initrd = %+v, want nil", set.Initrd)
	}
	if len(src.fetches) != 1 {
		t.Errorf("fetch calls = %v, want only the kernel", src.fetches)
	}
}

func TestTransferFailureRetriesInSession(t *testing.T) {
	t.Parallel()

	plan := testPlan(1)
	plan.Initrd = ""
	src := &scriptedSource{results: []fetchResult{
		{err: transferFailure()},
		{data: []byte("kernel")},
	}}

	_, _, err := newFetcher().FetchAll(plan, src, initialSession())
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if src.acquires != 0 || src.releases != 0 {
		t.Errorf("transfer-phase retry touched the session: acquires=%d releases=%d", src.acquires, src.releases)
	}
	if len(src.fetches) != 2 {
		t.Errorf("fetch calls = %d, want 2", len(src.fetches))
	}
}

func TestConnectFailureReacquiresSession(t *testing.T) {
	t.Parallel()

	plan := testPlan(1)
	plan.Initrd = ""
	src := &scriptedSource{results: []fetchResult{
		{err: connectFailure()},
		{data: []byte("kernel")},
	}}

	_, sess, err := newFetcher().FetchAll(plan, src, initialSession())
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if src.releases != 1 || src.acquires != 1 {
		t.Errorf("connect-phase retry: acquires=%d releases=%d, want 1/1", src.acquires, src.releases)
	}
	if sess == nil || sess.ID != "session-1" {
		t.Errorf("returned session = %+v, want the re-acquired one", sess)
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	plan := testPlan(2)
	plan.Initrd = ""
	src := &scriptedSource{results: []fetchResult{
		{err: transferFailure()},
		{err: transferFailure()},
		{err: transferFailure()},
	}}

	_, _, err := newFetcher().FetchAll(plan, src, initialSession())
	var planErr *PlanError
	if !errors.As(err, &planErr) {
		t.Fatalf("FetchAll() error = %v, want *PlanError", err)
	}
	if planErr.Role != RoleKernel || planErr.Attempts != 3 {
		t.Errorf("PlanError = %+v, want kernel after 3 attempts", planErr)
	}
	if !errors.Is(err, source.ErrTransferTimeout) {
		t.Errorf("PlanError does not wrap the underlying failure: %v", err)
	}
}

func TestEmptyArtifactRejected(t *testing.T) {
	t.Parallel()

	plan := testPlan(0)
	plan.Initrd = ""
	src := &scriptedSource{results: []fetchResult{{data: []byte{}}}}

	_, _, err := newFetcher().FetchAll(plan, src, initialSession())
	var planErr *PlanError
	if !errors.As(err, &planErr) {
		t.Fatalf("FetchAll() error = %v, want *PlanError", err)
	}
	if planErr.Role != RoleKernel {
		t.Errorf("PlanError.Role = %q, want kernel", planErr.Role)
	}
}

func TestOversizedCmdlineFailsBeforeAnyTransfer(t *testing.T) {
	t.Parallel()

	plan := testPlan(0)
	plan.Cmdline = strings.Repeat("x", maxCmdlineBytes+1)
	src := &scriptedSource{}

	_, _, err := newFetcher().FetchAll(plan, src, initialSession())
	var planErr *PlanError
	if !errors.As(err, &planErr) || planErr.Role != RoleCmdline {
		t.Fatalf("FetchAll() error = %v, want cmdline *PlanError", err)
	}
	if len(src.fetches) != 0 {
		t.Errorf("fetch calls = %v, want none before cmdline validation", src.fetches)
	}
}

// Package firmwaretest provides substitute firmware services for exercising
// pipeline components without a platform underneath them.
package firmwaretest

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pharos-boot/pharos/internal/firmware"
)

// Clock is a virtual monotonic clock. Sleep advances it instantly, so
// deadline-polling loops run in simulated time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_000_000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

// Advance moves the clock forward without a sleep.
func (c *Clock) Advance(d time.Duration) {
	c.Sleep(d)
}

// Medium is an in-memory boot medium keyed by cleaned slash paths.
type Medium struct {
	Files    map[string][]byte
	MountErr error

	mu     sync.Mutex
	mounts int
	open   int
}

var _ firmware.Medium = (*Medium)(nil)

func (m *Medium) Mount() (firmware.MediumFS, error) {
	if m.MountErr != nil {
		return nil, m.MountErr
	}
	m.mu.Lock()
	m.mounts++
	m.open++
	m.mu.Unlock()
	return &mediumFS{medium: m}, nil
}

// Mounts reports how many times the medium was mounted.
func (m *Medium) Mounts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounts
}

// OpenFS reports how many mounted views are still open.
func (m *Medium) OpenFS() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

type mediumFS struct {
	medium *Medium
	closed bool
}

func (f *mediumFS) Open(p string) (io.ReadCloser, int64, error) {
	key := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	for name, data := range f.medium.Files {
		if strings.EqualFold(path.Clean("/"+name), key) {
			return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
		}
	}
	return nil, 0, fs.ErrNotExist
}

func (f *mediumFS) Close() error {
	if !f.closed {
		f.closed = true
		f.medium.mu.Lock()
		f.medium.open--
		f.medium.mu.Unlock()
	}
	return nil
}

// NetStack is a scripted firmware.NetworkStack.
type NetStack struct {
	Ifaces []firmware.Interface

	// Address is reported by HasAddress once the poll count reaches
	// AddressAfterPolls (0 means immediately).
	Address           string
	AddressAfterPolls int

	LinkUpErr error
	StaticErr error
	DHCPErr   error

	mu           sync.Mutex
	linkUpCalls  []string
	staticCalls  []string
	dhcpCalls    []string
	addressPolls int
}

var _ firmware.NetworkStack = (*NetStack)(nil)

func (s *NetStack) Interfaces() ([]firmware.Interface, error) {
	return append([]firmware.Interface(nil), s.Ifaces...), nil
}

func (s *NetStack) LinkUp(name string) error {
	s.mu.Lock()
	s.linkUpCalls = append(s.linkUpCalls, name)
	s.mu.Unlock()
	return s.LinkUpErr
}

func (s *NetStack) HasAddress(name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addressPolls++
	if s.Address == "" || s.addressPolls <= s.AddressAfterPolls {
		return "", false, nil
	}
	return s.Address, true, nil
}

func (s *NetStack) ConfigureStatic(name, addressCIDR, gateway string) error {
	s.mu.Lock()
	s.staticCalls = append(s.staticCalls, name+" "+addressCIDR+" "+gateway)
	s.mu.Unlock()
	return s.StaticErr
}

func (s *NetStack) StartDHCP(name string) error {
	s.mu.Lock()
	s.dhcpCalls = append(s.dhcpCalls, name)
	s.mu.Unlock()
	return s.DHCPErr
}

// DHCPStarts reports how many times a DHCP acquisition was kicked off.
func (s *NetStack) DHCPStarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dhcpCalls)
}

// StaticConfigs reports the recorded static configuration calls.
func (s *NetStack) StaticConfigs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.staticCalls...)
}

// LinkUps reports the recorded link bring-up calls.
func (s *NetStack) LinkUps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.linkUpCalls...)
}

// Power records finalize/halt calls. Halt returns so tests can observe the
// terminal state; the contract that it never returns holds only for real
// platform implementations.
type Power struct {
	FinalizeErr error

	mu        sync.Mutex
	finalized int
	halted    bool
}

var _ firmware.Power = (*Power)(nil)

func (p *Power) Finalize() error {
	p.mu.Lock()
	p.finalized++
	p.mu.Unlock()
	return p.FinalizeErr
}

func (p *Power) Halt() {
	p.mu.Lock()
	p.halted = true
	p.mu.Unlock()
}

// Finalized reports how many times Finalize ran.
func (p *Power) Finalized() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}

// Halted reports whether Halt was called.
func (p *Power) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Services assembles a complete fake table around the provided medium and
// network stack, writing console output into the returned buffer.
func Services(medium firmware.Medium, net firmware.NetworkStack) (*firmware.Services, *bytes.Buffer, *Power) {
	console := &bytes.Buffer{}
	power := &Power{}
	return &firmware.Services{
		Clock:   NewClock(),
		Console: console,
		Medium:  medium,
		Net:     net,
		Power:   power,
	}, console, power
}

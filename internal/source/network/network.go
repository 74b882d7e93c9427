// Package network drives the platform network stack to fetch boot artifacts
// over HTTP. Session establishment (link bring-up and address acquisition)
// is a bounded polling loop against the firmware clock; transfers are bounded
// by per-attempt deadlines. Nothing here waits without a deadline.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/pharos-boot/pharos/internal/bootplan"
	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/logging"
	"github.com/pharos-boot/pharos/internal/source"
)

const defaultPollInterval = 100 * time.Millisecond

// Source implements the network boot source variant.
type Source struct {
	Config *bootplan.NetworkConfig
	Clock  firmware.Clock
	Net    firmware.NetworkStack
	Logger *slog.Logger

	// PollInterval overrides the address-acquisition poll cadence.
	PollInterval time.Duration
}

var _ source.Source = (*Source)(nil)

func (s *Source) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "source.network")
}

func (s *Source) acquireError(op string, err error) *source.SourceError {
	return &source.SourceError{Kind: bootplan.SourceNetwork, Op: op, Err: err}
}

// Acquire selects an interface, brings the link up and waits for a usable
// address, all before the deadline. Expiry yields a LinkTimeout failure.
func (s *Source) Acquire(deadline time.Time) (*source.Session, error) {
	switch {
	case s.Config == nil:
		return nil, s.acquireError("acquire", errors.New("no network configuration in plan"))
	case s.Net == nil:
		return nil, s.acquireError("acquire", errors.New("no network stack configured"))
	case s.Clock == nil:
		return nil, s.acquireError("acquire", errors.New("no clock configured"))
	}

	name, err := s.selectInterface()
	if err != nil {
		return nil, err
	}

	if err := s.Net.LinkUp(name); err != nil {
		return nil, s.acquireError("bring up link", err)
	}

	switch s.Config.Mode {
	case bootplan.NetworkStatic:
		if err := s.Net.ConfigureStatic(name, s.Config.Address, s.Config.Gateway); err != nil {
			return nil, s.acquireError("configure static address", err)
		}
	case bootplan.NetworkDHCP:
		if _, ok, err := s.Net.HasAddress(name); err != nil {
			return nil, s.acquireError("check address", err)
		} else if !ok {
			if err := s.Net.StartDHCP(name); err != nil {
				return nil, s.acquireError("start dhcp", err)
			}
		}
	default:
		return nil, s.acquireError("acquire", fmt.Errorf("unknown network mode %q", s.Config.Mode))
	}

	address, err := s.waitForAddress(name, deadline)
	if err != nil {
		return nil, err
	}

	sess := &source.Session{
		ID:        uuid.NewString(),
		Kind:      bootplan.SourceNetwork,
		Interface: name,
		Address:   address,
	}
	s.logger().Info("network source ready",
		"session", sess.ID,
		"interface", name,
		"address", address,
		"mode", string(s.Config.Mode),
	)
	return sess, nil
}

func (s *Source) selectInterface() (string, error) {
	if s.Config.Interface != "" {
		return s.Config.Interface, nil
	}

	ifaces, err := s.Net.Interfaces()
	if err != nil {
		return "", s.acquireError("enumerate interfaces", err)
	}
	if len(ifaces) == 0 {
		return "", s.acquireError("enumerate interfaces", errors.New("no network interface present"))
	}

	if s.Config.Bind != "" {
		for _, iface := range ifaces {
			if iface.MAC == s.Config.Bind {
				return iface.Name, nil
			}
		}
		// Bind is a preference for multi-homed machines, not a hard
		// requirement; a replaced NIC should still boot.
		s.logger().Warn("no interface matches bind address, using first",
			"bind", s.Config.Bind,
			"interface", ifaces[0].Name,
		)
	}
	return ifaces[0].Name, nil
}

// waitForAddress polls the stack for a usable address until the deadline.
func (s *Source) waitForAddress(name string, deadline time.Time) (string, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		address, ok, err := s.Net.HasAddress(name)
		if err != nil {
			return "", s.acquireError("check address", err)
		}
		if ok {
			return address, nil
		}
		if !s.Clock.Now().Before(deadline) {
			return "", s.acquireError("wait for address",
				fmt.Errorf("%w: no address on %s before deadline", source.ErrLinkTimeout, name))
		}
		s.Clock.Sleep(interval)
	}
}

// Fetch streams the locator's body into a growable buffer. Connect-phase and
// transfer-phase failures are reported distinctly so the fetcher can decide
// whether the session itself needs re-establishing.
func (s *Source) Fetch(sess *source.Session, locator string, deadline time.Time) ([]byte, error) {
	if sess == nil {
		return nil, &source.FetchError{
			Phase:   source.PhaseConnect,
			Locator: locator,
			Err:     fmt.Errorf("%w: no active session", source.ErrProtocol),
		}
	}

	transport := &http.Transport{
		Proxy: s.proxyFunc(),
		DialContext: (&net.Dialer{
			Deadline: deadline,
		}).DialContext,
		DisableKeepAlives: true,
	}
	client := &http.Client{Transport: transport}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	connected := false
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected = true },
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, &source.FetchError{
			Phase:   source.PhaseConnect,
			Locator: locator,
			Err:     fmt.Errorf("%w: %w", source.ErrProtocol, err),
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		phase := source.PhaseTransfer
		if !connected {
			phase = source.PhaseConnect
		}
		return nil, &source.FetchError{
			Phase:   phase,
			Locator: locator,
			Err:     classifyTimeout(err, phase),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := source.ErrProtocol
		if resp.StatusCode == http.StatusNotFound {
			kind = source.ErrNotFound
		}
		return nil, &source.FetchError{
			Phase:   source.PhaseTransfer,
			Locator: locator,
			Err:     fmt.Errorf("%w: server returned %s", kind, resp.Status),
		}
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	received, err := io.Copy(&buf, resp.Body)
	if err != nil {
		return nil, &source.FetchError{
			Phase:   source.PhaseTransfer,
			Locator: locator,
			Err:     classifyTimeout(err, source.PhaseTransfer),
		}
	}
	if resp.ContentLength >= 0 && received != resp.ContentLength {
		return nil, &source.FetchError{
			Phase:   source.PhaseTransfer,
			Locator: locator,
			Err: fmt.Errorf("%w: received %d of %d declared bytes",
				source.ErrProtocol, received, resp.ContentLength),
		}
	}

	s.logger().Info("artifact downloaded", "locator", locator, "bytes", received)
	return buf.Bytes(), nil
}

// Release tears down the session's transport state. Address configuration is
// deliberately left in place: the next stage inherits a configured link.
func (s *Source) Release(sess *source.Session) {
	if sess == nil {
		return
	}
	s.logger().Info("network source released", "session", sess.ID, "interface", sess.Interface)
}

func (s *Source) proxyFunc() func(*http.Request) (*url.URL, error) {
	if s.Config == nil || s.Config.Proxy == "" {
		return nil
	}
	proxyURL, err := url.Parse(s.Config.Proxy)
	if err != nil {
		return func(*http.Request) (*url.URL, error) {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
	}
	return http.ProxyURL(proxyURL)
}

func classifyTimeout(err error, phase source.Phase) error {
	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())

	switch {
	case timedOut && phase == source.PhaseConnect:
		return fmt.Errorf("%w: %w", source.ErrConnectTimeout, err)
	case timedOut:
		return fmt.Errorf("%w: %w", source.ErrTransferTimeout, err)
	default:
		return fmt.Errorf("%w: %w", source.ErrProtocol, err)
	}
}

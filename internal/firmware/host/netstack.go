package host

import (
	"fmt"
	"log/slog"
	"net"
	"os/exec"

	"github.com/vishvananda/netlink"

	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/logging"
)

// DefaultDHCPCommand is the platform DHCP client invocation used when none is
// configured. The interface name is appended as the final argument.
var DefaultDHCPCommand = []string{"udhcpc", "-q", "-n", "-t", "3", "-i"}

// NetlinkStack implements firmware.NetworkStack with rtnetlink for link and
// address configuration and the platform DHCP client for lease acquisition.
type NetlinkStack struct {
	Logger *slog.Logger

	// DHCPCommand overrides DefaultDHCPCommand when set.
	DHCPCommand []string
}

var _ firmware.NetworkStack = (*NetlinkStack)(nil)

func (s *NetlinkStack) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "netstack")
}

func (s *NetlinkStack) Interfaces() ([]firmware.Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	out := make([]firmware.Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, firmware.Interface{
			Name: attrs.Name,
			MAC:  attrs.HardwareAddr.String(),
			Up:   attrs.Flags&net.FlagUp != 0,
		})
	}
	return out, nil
}

func (s *NetlinkStack) LinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", name, err)
	}
	return nil
}

func (s *NetlinkStack) HasAddress(name string) (string, bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return "", false, fmt.Errorf("link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", false, fmt.Errorf("list addresses on %s: %w", name, err)
	}
	for _, addr := range addrs {
		ip := addr.IPNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return addr.IPNet.String(), true, nil
	}
	return "", false, nil
}

func (s *NetlinkStack) ConfigureStatic(name, addressCIDR, gateway string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}

	addr, err := netlink.ParseAddr(addressCIDR)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", addressCIDR, err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assign %s to %s: %w", addressCIDR, name, err)
	}

	if gateway != "" {
		gw := net.ParseIP(gateway)
		if gw == nil {
			return fmt.Errorf("parse gateway %q", gateway)
		}
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        gw,
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("install default route via %s: %w", gateway, err)
		}
	}

	s.logger().Info("static address configured", "interface", name, "address", addressCIDR, "gateway", gateway)
	return nil
}

func (s *NetlinkStack) StartDHCP(name string) error {
	args := s.DHCPCommand
	if len(args) == 0 {
		args = DefaultDHCPCommand
	}
	args = append(append([]string(nil), args...), name)

	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start dhcp client %s: %w", args[0], err)
	}
	s.logger().Info("dhcp client started", "interface", name, "command", args[0])

	// Reap the client when it exits; the caller observes progress by
	// polling HasAddress, not by waiting on the process.
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger().Warn("dhcp client exited with error", "interface", name, "error", err)
		}
	}()
	return nil
}

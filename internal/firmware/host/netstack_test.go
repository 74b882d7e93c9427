package host

import (
	"os"
	"runtime"
	"testing"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// TestNetlinkStackStatic exercises the real rtnetlink path inside a scratch
// network namespace so it cannot disturb the host. Root only.
func TestNetlinkStackStatic(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root for netns and netlink mutation")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		t.Fatalf("get current netns: %v", err)
	}
	defer orig.Close()

	scratch, err := netns.New()
	if err != nil {
		t.Fatalf("create scratch netns: %v", err)
	}
	defer scratch.Close()
	defer netns.Set(orig)

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: "bootveth0"},
		PeerName:  "bootveth1",
	}
	if err := netlink.LinkAdd(veth); err != nil {
		t.Fatalf("create veth pair: %v", err)
	}

	stack := &NetlinkStack{}

	ifaces, err := stack.Interfaces()
	if err != nil {
		t.Fatalf("Interfaces() error = %v", err)
	}
	names := map[string]bool{}
	for _, iface := range ifaces {
		names[iface.Name] = true
		if iface.Name == "lo" {
			t.Error("Interfaces() listed the loopback device")
		}
	}
	if !names["bootveth0"] {
		t.Fatalf("Interfaces() = %v, want bootveth0 present", names)
	}

	if err := stack.LinkUp("bootveth0"); err != nil {
		t.Fatalf("LinkUp() error = %v", err)
	}

	if _, ok, err := stack.HasAddress("bootveth0"); err != nil || ok {
		t.Fatalf("HasAddress() before configuration = %v, %v; want none", ok, err)
	}

	if err := stack.ConfigureStatic("bootveth0", "10.99.0.2/24", ""); err != nil {
		t.Fatalf("ConfigureStatic() error = %v", err)
	}

	addr, ok, err := stack.HasAddress("bootveth0")
	if err != nil {
		t.Fatalf("HasAddress() error = %v", err)
	}
	if !ok || addr != "10.99.0.2/24" {
		t.Errorf("HasAddress() = %q, %v; want 10.99.0.2/24", addr, ok)
	}
}

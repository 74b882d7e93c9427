package bootplan

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pharos-boot/pharos/internal/arch"
)

const localDoc = `
source = "local"
kernel = "/boot/vmlinuz"
cmdline = "console=ttyS0"
`

const networkDoc = `
source = "network"
kernel = "http://10.0.2.2/vmlinuz"
initrd = "http://10.0.2.2/initrd.img"
timeout_ms = 2000
retries = 1

[network]
mode = "dhcp"
`

func TestLoadLocal(t *testing.T) {
	t.Parallel()

	doc, err := Load([]byte(localDoc), arch.X86_64)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	plan := doc.Default()
	if plan.Source != SourceLocal {
		t.Errorf("plan.Source = %q, want %q", plan.Source, SourceLocal)
	}
	if plan.Kernel != "/boot/vmlinuz" {
		t.Errorf("plan.Kernel = %q", plan.Kernel)
	}
	if plan.Cmdline != "console=ttyS0" {
		t.Errorf("plan.Cmdline = %q", plan.Cmdline)
	}
	if plan.HasInitrd() {
		t.Error("plan.HasInitrd() = true for a document without initrd")
	}
	if plan.Timeout != DefaultTimeout {
		t.Errorf("plan.Timeout = %v, want default %v", plan.Timeout, DefaultTimeout)
	}
	if plan.Retries != 0 {
		t.Errorf("plan.Retries = %d, want 0", plan.Retries)
	}
	if plan.Arch != arch.X86_64 {
		t.Errorf("plan.Arch = %q", plan.Arch)
	}
}

func TestLoadNetwork(t *testing.T) {
	t.Parallel()

	doc, err := Load([]byte(networkDoc), arch.AArch64)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	plan := doc.Default()
	if plan.Source != SourceNetwork {
		t.Errorf("plan.Source = %q", plan.Source)
	}
	if plan.Timeout != 2*time.Second {
		t.Errorf("plan.Timeout = %v, want 2s", plan.Timeout)
	}
	if plan.Retries != 1 {
		t.Errorf("plan.Retries = %d, want 1", plan.Retries)
	}
	if plan.Network == nil || plan.Network.Mode != NetworkDHCP {
		t.Fatalf("plan.Network = %+v, want dhcp mode", plan.Network)
	}
}

func TestLoadIsDeterministic(t *testing.T) {
	t.Parallel()

	first, err := Load([]byte(networkDoc), arch.X86_64)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := Load([]byte(networkDoc), arch.X86_64)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Load() not deterministic:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		key  string
	}{
		{"top level", localDoc + "\nkernell = \"/typo\"\n", "kernell"},
		{"network table", networkDoc + "\ngatway = \"10.0.2.1\"\n", "network.gatway"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			doc, err := Load([]byte(tc.doc), arch.X86_64)
			if doc != nil {
				t.Errorf("Load() returned a document alongside the error")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Load() error = %v, want *ConfigError", err)
			}
			if !strings.Contains(cfgErr.Key, tc.key) {
				t.Errorf("ConfigError.Key = %q, want to mention %q", cfgErr.Key, tc.key)
			}
		})
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		key  string
	}{
		{"missing source", "kernel = \"/boot/vmlinuz\"\n", "source"},
		{"bad source", "source = \"floppy\"\nkernel = \"/boot/vmlinuz\"\n", "source"},
		{"missing kernel", "source = \"local\"\n", "kernel"},
		{"negative timeout", localDoc + "timeout_ms = -5\n", "timeout_ms"},
		{"zero timeout", localDoc + "timeout_ms = 0\n", "timeout_ms"},
		{"excessive retries", localDoc + "retries = 1000\n", "retries"},
		{"network without table", "source = \"network\"\nkernel = \"http://h/k\"\n", "network"},
		{"network with bad scheme", "source = \"network\"\nkernel = \"ftp://h/k\"\n[network]\n", "kernel"},
		{"local with url kernel", "source = \"local\"\nkernel = \"http://h/k\"\n", "kernel"},
		{"local with relative kernel", "source = \"local\"\nkernel = \"boot/vmlinuz\"\n", "kernel"},
		{"local with network table", localDoc + "[network]\nmode = \"dhcp\"\n", "network"},
		{"static without address", "source = \"network\"\nkernel = \"http://h/k\"\n[network]\nmode = \"static\"\n", "address"},
		{"static with bad address", "source = \"network\"\nkernel = \"http://h/k\"\n[network]\nmode = \"static\"\naddress = \"10.0.2.15\"\n", "address"},
		{"dhcp with address", "source = \"network\"\nkernel = \"http://h/k\"\n[network]\naddress = \"10.0.2.15/24\"\n", "address"},
		{"bad bind mac", "source = \"network\"\nkernel = \"http://h/k\"\n[network]\nbind = \"nonsense\"\n", "bind"},
		{"bad dns", "source = \"network\"\nkernel = \"http://h/k\"\n[network]\ndns = [\"not-an-ip\"]\n", "dns"},
		{"empty initrd", localDoc + "initrd = \"\"\n", "initrd"},
		{"malformed type", "source = \"local\"\nkernel = \"/k\"\ntimeout_ms = \"soon\"\n", "document"},
		{"menu key without entries", localDoc + "menu_timeout_ms = 1000\n", "menu_timeout_ms"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load([]byte(tc.doc), arch.X86_64)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Load() error = %v, want *ConfigError", err)
			}
			if !strings.Contains(cfgErr.Key, tc.key) {
				t.Errorf("ConfigError.Key = %q, want to mention %q", cfgErr.Key, tc.key)
			}
		})
	}
}

func TestLoadMultiEntry(t *testing.T) {
	t.Parallel()

	doc := `
default = 1
menu_timeout_ms = 5000

[[entry]]
name = "rescue"
source = "local"
kernel = "/boot/rescue/vmlinuz"

[[entry]]
name = "netboot"
source = "network"
kernel = "http://boot.example/${arch}/vmlinuz"

[entry.network]
mode = "static"
address = "10.0.2.15/24"
gateway = "10.0.2.1"
`

	parsed, err := Load([]byte(doc), arch.RiscV64)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(parsed.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(parsed.Entries))
	}
	if parsed.DefaultIndex != 1 {
		t.Errorf("DefaultIndex = %d, want 1", parsed.DefaultIndex)
	}
	if parsed.MenuTimeout != 5*time.Second {
		t.Errorf("MenuTimeout = %v, want 5s", parsed.MenuTimeout)
	}

	netboot := parsed.Default()
	if netboot.Name != "netboot" {
		t.Errorf("default entry = %q, want netboot", netboot.Name)
	}
	if want := "http://boot.example/riscv64/vmlinuz"; netboot.Kernel != want {
		t.Errorf("kernel locator = %q, want %q (arch expansion)", netboot.Kernel, want)
	}
	if netboot.Network == nil || netboot.Network.Mode != NetworkStatic {
		t.Fatalf("netboot.Network = %+v, want static", netboot.Network)
	}
}

func TestLoadMultiEntryRejectsTopLevelBootKeys(t *testing.T) {
	t.Parallel()

	doc := `
kernel = "/boot/vmlinuz"

[[entry]]
name = "a"
source = "local"
kernel = "/boot/vmlinuz"
`
	_, err := Load([]byte(doc), arch.X86_64)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want *ConfigError", err)
	}
}

func TestLoadMultiEntryDefaultOutOfRange(t *testing.T) {
	t.Parallel()

	doc := `
default = 7

[[entry]]
name = "only"
source = "local"
kernel = "/boot/vmlinuz"
`
	_, err := Load([]byte(doc), arch.X86_64)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Key != "default" {
		t.Fatalf("Load() error = %v, want *ConfigError on default", err)
	}
}

func TestLoadEntryWithoutName(t *testing.T) {
	t.Parallel()

	doc := `
[[entry]]
source = "local"
kernel = "/boot/vmlinuz"
`
	_, err := Load([]byte(doc), arch.X86_64)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || !strings.Contains(cfgErr.Key, "name") {
		t.Fatalf("Load() error = %v, want *ConfigError on entry name", err)
	}
}

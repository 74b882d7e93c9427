// Package virt boots a fetched artifact set in a transient libvirt domain.
// It is the rehearsal trampoline: the same plan, sources and validation as a
// real boot, with the jump replaced by direct kernel boot of a guest.
package virt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	libvirt "libvirt.org/go/libvirt"

	"github.com/pharos-boot/pharos/internal/arch"
	"github.com/pharos-boot/pharos/internal/fetch"
	"github.com/pharos-boot/pharos/internal/logging"
	"github.com/pharos-boot/pharos/internal/trampoline"
)

const (
	// DefaultConnectURI targets the per-user session so rehearsal needs
	// no privileges.
	DefaultConnectURI = "qemu:///session"

	defaultMemoryMB = 512
	defaultVCPUs    = 1
)

// Trampoline rehearses a handoff under a hypervisor.
type Trampoline struct {
	Target     arch.Architecture
	ConnectURI string
	MemoryMB   int
	VCPUs      int
	// WorkDir receives the staged kernel/initrd files. A temporary
	// directory is used when empty.
	WorkDir string
	Logger  *slog.Logger
}

var _ trampoline.Trampoline = (*Trampoline)(nil)

func (t *Trampoline) logger() *slog.Logger {
	return logging.Ensure(t.Logger).With("component", "trampoline.virt")
}

func (t *Trampoline) Arch() arch.Architecture {
	if t.Target != "" {
		return t.Target
	}
	return arch.Host()
}

// Handoff stages the artifacts on disk and creates a transient domain that
// boots them directly. It returns nil once the guest is running.
func (t *Trampoline) Handoff(set *fetch.Set) error {
	target := t.Arch()
	if err := precheck(target, set); err != nil {
		return err
	}

	workDir := t.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "pharos-rehearse-*")
		if err != nil {
			return &trampoline.HandoffError{Stage: "stage artifacts", Err: err}
		}
		workDir = dir
	}

	kernelPath := filepath.Join(workDir, "vmlinuz")
	if err := os.WriteFile(kernelPath, set.Kernel.Data, 0o644); err != nil {
		return &trampoline.HandoffError{Stage: "stage kernel", Err: err}
	}

	initrdPath := ""
	if set.Initrd != nil {
		initrdPath = filepath.Join(workDir, "initrd.img")
		if err := os.WriteFile(initrdPath, set.Initrd.Data, 0o644); err != nil {
			return &trampoline.HandoffError{Stage: "stage initrd", Err: err}
		}
	}

	name := "pharos-rehearsal-" + uuid.NewString()[:8]
	domainXML := t.domainXML(name, target, kernelPath, initrdPath, string(set.Cmdline.Data))

	connectURI := t.ConnectURI
	if connectURI == "" {
		connectURI = DefaultConnectURI
	}

	conn, err := libvirt.NewConnect(connectURI)
	if err != nil {
		return &trampoline.HandoffError{Stage: "connect hypervisor", Err: fmt.Errorf("open %s: %w", connectURI, err)}
	}
	defer conn.Close()

	domain, err := conn.DomainCreateXML(domainXML, 0)
	if err != nil {
		return &trampoline.HandoffError{Stage: "create domain", Err: err}
	}
	defer domain.Free()

	t.logger().Info("rehearsal guest started",
		"domain", name,
		"arch", target.String(),
		"connect_uri", connectURI,
	)
	return nil
}

func precheck(target arch.Architecture, set *fetch.Set) error {
	if set == nil || len(set.Kernel.Data) == 0 {
		return &trampoline.HandoffError{Stage: "precheck", Err: fmt.Errorf("no kernel artifact")}
	}
	if err := target.ValidateKernel(set.Kernel.Data); err != nil {
		return &trampoline.HandoffError{Stage: "precheck", Err: err}
	}
	return nil
}

func (t *Trampoline) domainXML(name string, target arch.Architecture, kernelPath, initrdPath, cmdline string) string {
	memory := t.MemoryMB
	if memory <= 0 {
		memory = defaultMemoryMB
	}
	vcpus := t.VCPUs
	if vcpus <= 0 {
		vcpus = defaultVCPUs
	}

	machine := "virt"
	if target == arch.X86_64 {
		machine = "pc"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<domain type='qemu'>\n")
	fmt.Fprintf(&b, "  <name>%s</name>\n", xmlEscape(name))
	fmt.Fprintf(&b, "  <memory unit='MiB'>%d</memory>\n", memory)
	fmt.Fprintf(&b, "  <vcpu>%d</vcpu>\n", vcpus)
	fmt.Fprintf(&b, "  <os>\n")
	fmt.Fprintf(&b, "    <type arch='%s' machine='%s'>hvm</type>\n", target.String(), machine)
	fmt.Fprintf(&b, "    <kernel>%s</kernel>\n", xmlEscape(kernelPath))
	if initrdPath != "" {
		fmt.Fprintf(&b, "    <initrd>%s</initrd>\n", xmlEscape(initrdPath))
	}
	if cmdline != "" {
		fmt.Fprintf(&b, "    <cmdline>%s</cmdline>\n", xmlEscape(cmdline))
	}
	fmt.Fprintf(&b, "  </os>\n")
	fmt.Fprintf(&b, "  <devices>\n")
	fmt.Fprintf(&b, "    <serial type='pty'/>\n")
	fmt.Fprintf(&b, "    <console type='pty'/>\n")
	fmt.Fprintf(&b, "  </devices>\n")
	fmt.Fprintf(&b, "</domain>\n")
	return b.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}

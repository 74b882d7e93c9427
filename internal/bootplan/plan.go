// Package bootplan turns the operator's configuration document into the
// immutable plan the rest of the pipeline executes. Everything is resolved
// here, before any fetch begins: defaults applied, locators expanded,
// durations converted. Downstream components never re-interpret the document.
package bootplan

import (
	"fmt"
	"time"

	"github.com/pharos-boot/pharos/internal/arch"
)

// SourceKind selects which boot source variant retrieves the artifacts.
type SourceKind string

const (
	SourceLocal   SourceKind = "local"
	SourceNetwork SourceKind = "network"
)

// NetworkMode selects how the network source obtains an address.
type NetworkMode string

const (
	NetworkDHCP   NetworkMode = "dhcp"
	NetworkStatic NetworkMode = "static"
)

// NetworkConfig carries the per-source parameters for a network boot.
type NetworkConfig struct {
	Mode      NetworkMode
	Address   string // CIDR, static mode only
	Gateway   string
	DNS       []string
	Interface string // explicit interface name, optional
	Bind      string // MAC address the source must bind to, optional
	Proxy     string // http proxy URL, optional
}

// Plan is one fully resolved boot entry.
type Plan struct {
	Name    string
	Source  SourceKind
	Kernel  string
	Cmdline string
	Initrd  string // empty when no initial ramdisk is configured
	Timeout time.Duration
	Retries int
	Network *NetworkConfig
	Arch    arch.Architecture
}

// HasInitrd reports whether the plan includes an initial ramdisk.
func (p *Plan) HasInitrd() bool {
	return p.Initrd != ""
}

// Document is the resolved configuration: one or more plans plus menu
// behavior. A document without explicit entries is a single-plan document.
type Document struct {
	Entries      []Plan
	DefaultIndex int
	MenuTimeout  time.Duration
}

// Default returns the plan the loader boots when the operator does not
// intervene.
func (d *Document) Default() Plan {
	return d.Entries[d.DefaultIndex]
}

// ConfigError reports a malformed or unknown configuration field. The loader
// treats it as terminal: a bad document is never patched up with defaults.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

func configErrorf(key, format string, args ...any) *ConfigError {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

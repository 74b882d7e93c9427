package bootplan

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pharos-boot/pharos/internal/arch"
)

// WellKnownPath is where the configuration document lives on the boot medium.
const WellKnownPath = "/loader/pharos.toml"

// Defaults applied to absent (never to malformed) fields.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultRetries     = 0
	DefaultMenuTimeout = 3 * time.Second

	maxTimeout = 10 * time.Minute
	maxRetries = 16
)

type rawEntry struct {
	Name      *string     `toml:"name"`
	Source    *string     `toml:"source"`
	Kernel    *string     `toml:"kernel"`
	Cmdline   *string     `toml:"cmdline"`
	Initrd    *string     `toml:"initrd"`
	TimeoutMS *int64      `toml:"timeout_ms"`
	Retries   *int64      `toml:"retries"`
	Network   *rawNetwork `toml:"network"`
}

type rawNetwork struct {
	Mode      *string  `toml:"mode"`
	Address   *string  `toml:"address"`
	Gateway   *string  `toml:"gateway"`
	DNS       []string `toml:"dns"`
	Interface *string  `toml:"interface"`
	Bind      *string  `toml:"bind"`
	Proxy     *string  `toml:"proxy"`
}

type rawDocument struct {
	rawEntry

	Default       *int64     `toml:"default"`
	MenuTimeoutMS *int64     `toml:"menu_timeout_ms"`
	Entries       []rawEntry `toml:"entry"`
}

// Load parses and validates a configuration document for the given build
// architecture. It is deterministic: the same document and architecture
// always produce the same resolved Document. Any unknown key, malformed
// field or out-of-bounds value yields a *ConfigError naming the offender.
func Load(raw []byte, target arch.Architecture) (*Document, error) {
	var doc rawDocument
	meta, err := toml.Decode(string(raw), &doc)
	if err != nil {
		return nil, &ConfigError{Key: "document", Reason: err.Error()}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, configErrorf(undecoded[0].String(), "unknown key")
	}
	if !target.IsValid() {
		return nil, configErrorf("architecture", "unsupported build architecture %q", target)
	}

	if len(doc.Entries) > 0 {
		return loadMultiEntry(&doc, target)
	}
	return loadSingleEntry(&doc, target)
}

func loadSingleEntry(doc *rawDocument, target arch.Architecture) (*Document, error) {
	if doc.Default != nil {
		return nil, configErrorf("default", "only valid in a document with [[entry]] tables")
	}
	if doc.MenuTimeoutMS != nil {
		return nil, configErrorf("menu_timeout_ms", "only valid in a document with [[entry]] tables")
	}
	if doc.Name != nil {
		return nil, configErrorf("name", "only valid inside an [[entry]] table")
	}

	plan, err := resolveEntry(&doc.rawEntry, "", target)
	if err != nil {
		return nil, err
	}
	return &Document{
		Entries:      []Plan{plan},
		DefaultIndex: 0,
		MenuTimeout:  0,
	}, nil
}

func loadMultiEntry(doc *rawDocument, target arch.Architecture) (*Document, error) {
	// Per-entry keys at the top level would silently shadow entry values;
	// reject them so the document has exactly one meaning.
	switch {
	case doc.Source != nil, doc.Kernel != nil, doc.Cmdline != nil, doc.Initrd != nil,
		doc.TimeoutMS != nil, doc.Retries != nil, doc.Network != nil:
		return nil, configErrorf("entry", "boot keys must live inside [[entry]] tables when entries are declared")
	case doc.Name != nil:
		return nil, configErrorf("name", "only valid inside an [[entry]] table")
	}

	out := &Document{MenuTimeout: DefaultMenuTimeout}

	if doc.MenuTimeoutMS != nil {
		d, err := boundedDuration("menu_timeout_ms", *doc.MenuTimeoutMS, 0)
		if err != nil {
			return nil, err
		}
		out.MenuTimeout = d
	}

	for i := range doc.Entries {
		prefix := entryKey(i, "")
		plan, err := resolveEntry(&doc.Entries[i], prefix, target)
		if err != nil {
			return nil, err
		}
		if plan.Name == "" {
			return nil, configErrorf(entryKey(i, "name"), "entry name is required")
		}
		out.Entries = append(out.Entries, plan)
	}

	if doc.Default != nil {
		idx := *doc.Default
		if idx < 0 || idx >= int64(len(out.Entries)) {
			return nil, configErrorf("default", "index %d out of range (0..%d)", idx, len(out.Entries)-1)
		}
		out.DefaultIndex = int(idx)
	}
	return out, nil
}

func entryKey(i int, field string) string {
	key := "entry[" + strconv.Itoa(i) + "]"
	if field != "" {
		key += "." + field
	}
	return key
}

func resolveEntry(raw *rawEntry, prefix string, target arch.Architecture) (Plan, error) {
	key := func(field string) string {
		if prefix == "" {
			return field
		}
		return prefix + "." + field
	}

	plan := Plan{
		Timeout: DefaultTimeout,
		Retries: DefaultRetries,
		Arch:    target,
	}
	if raw.Name != nil {
		plan.Name = strings.TrimSpace(*raw.Name)
	}

	if raw.Source == nil {
		return Plan{}, configErrorf(key("source"), "required")
	}
	switch SourceKind(*raw.Source) {
	case SourceLocal:
		plan.Source = SourceLocal
	case SourceNetwork:
		plan.Source = SourceNetwork
	default:
		return Plan{}, configErrorf(key("source"), "must be %q or %q, got %q", SourceLocal, SourceNetwork, *raw.Source)
	}

	if raw.Kernel == nil || strings.TrimSpace(*raw.Kernel) == "" {
		return Plan{}, configErrorf(key("kernel"), "required")
	}
	plan.Kernel = expandLocator(*raw.Kernel, target)

	if raw.Cmdline != nil {
		plan.Cmdline = *raw.Cmdline
	}
	if raw.Initrd != nil {
		if strings.TrimSpace(*raw.Initrd) == "" {
			return Plan{}, configErrorf(key("initrd"), "must not be empty when present")
		}
		plan.Initrd = expandLocator(*raw.Initrd, target)
	}

	if raw.TimeoutMS != nil {
		d, err := boundedDuration(key("timeout_ms"), *raw.TimeoutMS, 1)
		if err != nil {
			return Plan{}, err
		}
		plan.Timeout = d
	}
	if raw.Retries != nil {
		if *raw.Retries < 0 || *raw.Retries > maxRetries {
			return Plan{}, configErrorf(key("retries"), "must be in 0..%d, got %d", maxRetries, *raw.Retries)
		}
		plan.Retries = int(*raw.Retries)
	}

	switch plan.Source {
	case SourceLocal:
		if raw.Network != nil {
			return Plan{}, configErrorf(key("network"), "only valid when source = %q", SourceNetwork)
		}
		if err := validateMediumPath(key("kernel"), plan.Kernel); err != nil {
			return Plan{}, err
		}
		if plan.Initrd != "" {
			if err := validateMediumPath(key("initrd"), plan.Initrd); err != nil {
				return Plan{}, err
			}
		}
	case SourceNetwork:
		if raw.Network == nil {
			return Plan{}, configErrorf(key("network"), "required when source = %q", SourceNetwork)
		}
		network, err := resolveNetwork(raw.Network, key("network"))
		if err != nil {
			return Plan{}, err
		}
		plan.Network = network

		if err := validateURL(key("kernel"), plan.Kernel); err != nil {
			return Plan{}, err
		}
		if plan.Initrd != "" {
			if err := validateURL(key("initrd"), plan.Initrd); err != nil {
				return Plan{}, err
			}
		}
	}

	return plan, nil
}

func resolveNetwork(raw *rawNetwork, prefix string) (*NetworkConfig, error) {
	key := func(field string) string { return prefix + "." + field }

	network := &NetworkConfig{Mode: NetworkDHCP}

	if raw.Mode != nil {
		switch NetworkMode(*raw.Mode) {
		case NetworkDHCP:
			network.Mode = NetworkDHCP
		case NetworkStatic:
			network.Mode = NetworkStatic
		default:
			return nil, configErrorf(key("mode"), "must be %q or %q, got %q", NetworkDHCP, NetworkStatic, *raw.Mode)
		}
	}

	if raw.Address != nil {
		if network.Mode != NetworkStatic {
			return nil, configErrorf(key("address"), "only valid when mode = %q", NetworkStatic)
		}
		if _, _, err := net.ParseCIDR(*raw.Address); err != nil {
			return nil, configErrorf(key("address"), "must be CIDR notation: %v", err)
		}
		network.Address = *raw.Address
	} else if network.Mode == NetworkStatic {
		return nil, configErrorf(key("address"), "required when mode = %q", NetworkStatic)
	}

	if raw.Gateway != nil {
		if net.ParseIP(*raw.Gateway) == nil {
			return nil, configErrorf(key("gateway"), "must be an IP address, got %q", *raw.Gateway)
		}
		network.Gateway = *raw.Gateway
	}

	for _, server := range raw.DNS {
		if net.ParseIP(server) == nil {
			return nil, configErrorf(key("dns"), "must list IP addresses, got %q", server)
		}
	}
	network.DNS = append([]string(nil), raw.DNS...)

	if raw.Interface != nil {
		if strings.TrimSpace(*raw.Interface) == "" {
			return nil, configErrorf(key("interface"), "must not be empty when present")
		}
		network.Interface = *raw.Interface
	}

	if raw.Bind != nil {
		if _, err := net.ParseMAC(*raw.Bind); err != nil {
			return nil, configErrorf(key("bind"), "must be a MAC address: %v", err)
		}
		network.Bind = *raw.Bind
	}

	if raw.Proxy != nil {
		if err := validateURL(key("proxy"), *raw.Proxy); err != nil {
			return nil, err
		}
		network.Proxy = *raw.Proxy
	}

	return network, nil
}

func boundedDuration(key string, ms int64, min int64) (time.Duration, error) {
	if ms < min || time.Duration(ms)*time.Millisecond > maxTimeout {
		return 0, configErrorf(key, "must be in %d..%d milliseconds, got %d", min, maxTimeout/time.Millisecond, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func validateMediumPath(key, locator string) error {
	if strings.Contains(locator, "://") {
		return configErrorf(key, "must be a medium path when source = %q, got URL %q", SourceLocal, locator)
	}
	if !strings.HasPrefix(locator, "/") && !strings.HasPrefix(locator, "\\") {
		return configErrorf(key, "must be an absolute medium path, got %q", locator)
	}
	return nil
}

func validateURL(key, locator string) error {
	u, err := url.Parse(locator)
	if err != nil {
		return configErrorf(key, "must be a URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return configErrorf(key, "scheme must be http or https, got %q", locator)
	}
	if u.Host == "" {
		return configErrorf(key, "missing host in %q", locator)
	}
	return nil
}

// expandLocator substitutes the ${arch} variable so one document can serve
// heterogeneous fleets.
func expandLocator(locator string, target arch.Architecture) string {
	return strings.ReplaceAll(locator, "${arch}", target.String())
}

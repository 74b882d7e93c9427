package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pharos-boot/pharos/internal/arch"
	"github.com/pharos-boot/pharos/internal/boot"
	"github.com/pharos-boot/pharos/internal/bootplan"
	"github.com/pharos-boot/pharos/internal/fetch"
	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/firmware/host"
	"github.com/pharos-boot/pharos/internal/logging"
	"github.com/pharos-boot/pharos/internal/menu"
	"github.com/pharos-boot/pharos/internal/trampoline"
	"github.com/pharos-boot/pharos/internal/trampoline/virt"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewConsole(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel   = defaultLogLevel
		logJSON    bool
		mediumPath string
	)

	root := &cobra.Command{
		Use:           "pharos",
		Short:         "Firmware-resident boot loader: resolve a plan, fetch artifacts, hand off",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON instead of console records")
	root.PersistentFlags().StringVar(&mediumPath, "medium", "/", "Boot medium: a directory root or an .iso image")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		if logJSON {
			slog.SetDefault(logging.NewJSON(os.Stderr, levelVar))
		}
		return nil
	}

	medium := func() firmware.Medium { return openMedium(mediumPath) }
	root.AddCommand(
		newBootCommand(logger, medium),
		newCheckCommand(logger, medium),
		newPlanCommand(logger, medium),
		newRehearseCommand(logger, medium),
	)
	return root
}

// openMedium maps the flag value onto a medium backend: ISO images get the
// iso9660 reader, everything else is treated as a directory root.
func openMedium(path string) firmware.Medium {
	if strings.TrimSpace(path) == "" {
		path = "/"
	}
	if strings.HasSuffix(strings.ToLower(path), ".iso") {
		return &host.ISOMedium{Path: path}
	}
	return &host.DirMedium{Root: path}
}

func hostServices(logger *slog.Logger, medium firmware.Medium) *firmware.Services {
	return &firmware.Services{
		Clock:   host.SystemClock{},
		Console: os.Stdout,
		Medium:  medium,
		Net:     &host.NetlinkStack{Logger: logger},
		Power:   &host.SystemPower{Logger: logger},
	}
}

func newBootCommand(logger *slog.Logger, medium func() firmware.Medium) *cobra.Command {
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Execute the boot flow: load configuration, fetch artifacts, kexec the kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "boot")
			services := hostServices(cmdLogger, medium())

			tramp := trampoline.NewPlatform(services.Power, cmdLogger)
			chooser := &menu.Menu{Clock: services.Clock, Logger: cmdLogger}
			if !nonInteractive {
				chooser.In = os.Stdin
			}

			orch := &boot.Orchestrator{
				Services:   services,
				Trampoline: tramp,
				Select:     chooser.Choose,
				Logger:     cmdLogger,
			}
			return orch.Run()
		},
	}

	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip the boot menu and boot the default entry")
	return cmd
}

func newCheckCommand(logger *slog.Logger, medium func() firmware.Medium) *cobra.Command {
	var (
		configPath string
		targetArch string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration document without booting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "check")

			doc, err := loadDocument(cmdLogger, medium(), configPath, targetArch)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, entry := range doc.Entries {
				marker := " "
				if i == doc.DefaultIndex {
					marker = "*"
				}
				name := entry.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Fprintf(out, "%s %d\t%s\t%s\t%s\n", marker, i, name, entry.Source, entry.Kernel)
			}
			cmdLogger.Info("configuration is valid", "entries", len(doc.Entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Read the document from a host file instead of the medium")
	cmd.Flags().StringVar(&targetArch, "arch", "", "Resolve for this architecture instead of the host's")
	return cmd
}

func newPlanCommand(logger *slog.Logger, medium func() firmware.Medium) *cobra.Command {
	var (
		configPath string
		targetArch string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the fully resolved boot plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "plan")

			doc, err := loadDocument(cmdLogger, medium(), configPath, targetArch)
			if err != nil {
				return err
			}

			view := documentView(doc)
			out := cmd.OutOrStdout()
			switch format {
			case "yaml":
				encoder := yaml.NewEncoder(out)
				encoder.SetIndent(2)
				defer encoder.Close()
				return encoder.Encode(view)
			case "json":
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(view)
			default:
				return fmt.Errorf("unknown output format %q (yaml, json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Read the document from a host file instead of the medium")
	cmd.Flags().StringVar(&targetArch, "arch", "", "Resolve for this architecture instead of the host's")
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "Output format (yaml, json)")
	return cmd
}

func newRehearseCommand(logger *slog.Logger, medium func() firmware.Medium) *cobra.Command {
	var (
		configPath string
		targetArch string
		entryName  string
		connectURI string
	)

	cmd := &cobra.Command{
		Use:   "rehearse",
		Short: "Run the full boot flow but hand off into a transient guest instead of the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "rehearse")

			target, err := resolveArch(targetArch)
			if err != nil {
				return err
			}

			services := hostServices(cmdLogger, medium())
			tramp := &virt.Trampoline{
				Target:     target,
				ConnectURI: connectURI,
				Logger:     cmdLogger,
			}
			orch := &boot.Orchestrator{
				Services:   services,
				Trampoline: tramp,
				Logger:     cmdLogger,
			}

			if configPath != "" {
				doc, err := loadDocument(cmdLogger, nil, configPath, targetArch)
				if err != nil {
					return err
				}
				plan, err := selectEntry(doc, entryName)
				if err != nil {
					return err
				}
				return orch.Boot(plan)
			}

			if entryName != "" {
				orch.Select = func(doc *bootplan.Document) (*bootplan.Plan, error) {
					return selectEntry(doc, entryName)
				}
			}
			return orch.Run()
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Read the document from a host file instead of the medium")
	cmd.Flags().StringVar(&targetArch, "arch", "", "Rehearse for this architecture instead of the host's")
	cmd.Flags().StringVar(&entryName, "entry", "", "Boot this entry instead of the document default")
	cmd.Flags().StringVar(&connectURI, "connect-uri", virt.DefaultConnectURI, "Libvirt connection URI")
	return cmd
}

func resolveArch(value string) (arch.Architecture, error) {
	if strings.TrimSpace(value) == "" {
		return arch.Host(), nil
	}
	return arch.Parse(value)
}

func selectEntry(doc *bootplan.Document, name string) (*bootplan.Plan, error) {
	if name == "" {
		plan := doc.Default()
		return &plan, nil
	}
	for i := range doc.Entries {
		if doc.Entries[i].Name == name {
			return &doc.Entries[i], nil
		}
	}
	return nil, fmt.Errorf("no entry named %q in the document", name)
}

// loadDocument resolves the configuration either from a host file or from the
// boot medium's well-known path.
func loadDocument(logger *slog.Logger, medium firmware.Medium, configPath, targetArch string) (*bootplan.Document, error) {
	target, err := resolveArch(targetArch)
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", configPath, err)
		}
		logger.Debug("loaded document from host file", "path", configPath)
		return bootplan.Load(raw, target)
	}

	orch := &boot.Orchestrator{
		Services:   &firmware.Services{Medium: medium},
		Trampoline: archOnly{target},
		Logger:     logger,
	}
	return orch.LoadDocument()
}

// archOnly satisfies the trampoline interface for flows that never hand off.
type archOnly struct {
	target arch.Architecture
}

func (a archOnly) Arch() arch.Architecture {
	return a.target
}

func (archOnly) Handoff(_ *fetch.Set) error {
	return errors.New("not a boot flow")
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// View structs give the plan output stable field names independent of the
// internal types.
type networkView struct {
	Mode      string   `yaml:"mode" json:"mode"`
	Address   string   `yaml:"address,omitempty" json:"address,omitempty"`
	Gateway   string   `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	DNS       []string `yaml:"dns,omitempty" json:"dns,omitempty"`
	Interface string   `yaml:"interface,omitempty" json:"interface,omitempty"`
	Bind      string   `yaml:"bind,omitempty" json:"bind,omitempty"`
	Proxy     string   `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

type planView struct {
	Name    string        `yaml:"name,omitempty" json:"name,omitempty"`
	Source  string        `yaml:"source" json:"source"`
	Kernel  string        `yaml:"kernel" json:"kernel"`
	Cmdline string        `yaml:"cmdline,omitempty" json:"cmdline,omitempty"`
	Initrd  string        `yaml:"initrd,omitempty" json:"initrd,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Retries int           `yaml:"retries" json:"retries"`
	Network *networkView  `yaml:"network,omitempty" json:"network,omitempty"`
	Arch    string        `yaml:"arch" json:"arch"`
}

type docView struct {
	Default     int           `yaml:"default" json:"default"`
	MenuTimeout time.Duration `yaml:"menu_timeout,omitempty" json:"menu_timeout,omitempty"`
	Entries     []planView    `yaml:"entries" json:"entries"`
}

func documentView(doc *bootplan.Document) docView {
	view := docView{
		Default:     doc.DefaultIndex,
		MenuTimeout: doc.MenuTimeout,
	}
	for _, plan := range doc.Entries {
		entry := planView{
			Name:    plan.Name,
			Source:  string(plan.Source),
			Kernel:  plan.Kernel,
			Cmdline: plan.Cmdline,
			Initrd:  plan.Initrd,
			Timeout: plan.Timeout,
			Retries: plan.Retries,
			Arch:    plan.Arch.String(),
		}
		if plan.Network != nil {
			entry.Network = &networkView{
				Mode:      string(plan.Network.Mode),
				Address:   plan.Network.Address,
				Gateway:   plan.Network.Gateway,
				DNS:       plan.Network.DNS,
				Interface: plan.Network.Interface,
				Bind:      plan.Network.Bind,
				Proxy:     plan.Network.Proxy,
			}
		}
		view.Entries = append(view.Entries, entry)
	}
	return view
}

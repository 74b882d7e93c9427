// Package menu presents multi-entry documents to the operator: a countdown
// toward the default entry, interruptible by a keypress that opens an
// interactive picker. Single-entry documents pass straight through.
package menu

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/pharos-boot/pharos/internal/bootplan"
	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/logging"
)

const pollInterval = 100 * time.Millisecond

// Menu drives entry selection on the loader console.
type Menu struct {
	Clock firmware.Clock
	// In is the operator's key source, typically stdin. A nil In makes the
	// menu non-interactive: the default entry boots after its countdown.
	In io.Reader
	// Out receives the rendered menu, defaulting to stdout.
	Out    io.Writer
	Logger *slog.Logger

	// prompt is swapped out in tests; the default renders the pterm picker.
	prompt func(doc *bootplan.Document) (int, error)
}

func (m *Menu) logger() *slog.Logger {
	return logging.Ensure(m.Logger).With("component", "menu")
}

// Choose returns the plan to boot. It blocks for at most the document's menu
// timeout unless the operator interrupts the countdown.
func (m *Menu) Choose(doc *bootplan.Document) (*bootplan.Plan, error) {
	def := doc.DefaultIndex
	if len(doc.Entries) == 1 || doc.MenuTimeout <= 0 {
		return &doc.Entries[def], nil
	}
	if m.In == nil {
		m.logger().Info("no operator input available, booting default entry",
			"entry", doc.Entries[def].Name,
		)
		return &doc.Entries[def], nil
	}

	m.render(doc)

	if !m.waitForKeypress(doc.MenuTimeout) {
		m.logger().Info("menu timed out, booting default entry",
			"entry", doc.Entries[def].Name,
			"timeout", doc.MenuTimeout.String(),
		)
		return &doc.Entries[def], nil
	}

	prompt := m.prompt
	if prompt == nil {
		prompt = m.promptInteractive
	}
	idx, err := prompt(doc)
	if err != nil {
		return nil, fmt.Errorf("menu selection: %w", err)
	}
	if idx < 0 || idx >= len(doc.Entries) {
		return nil, fmt.Errorf("menu selection: index %d out of range", idx)
	}
	return &doc.Entries[idx], nil
}

func (m *Menu) render(doc *bootplan.Document) {
	out := m.Out
	if out == nil {
		out = os.Stdout
	}
	section := pterm.DefaultSection.WithWriter(out)
	section.Println("Boot entries")
	for i, entry := range doc.Entries {
		marker := "  "
		name := entry.Name
		if i == doc.DefaultIndex {
			marker = "* "
			name = pterm.Cyan(name)
		}
		fmt.Fprintf(out, "%s%d  %s (%s)\n", marker, i, name, entry.Source)
	}
	fmt.Fprintf(out, "\nbooting %s in %s, press any key for the menu\n",
		doc.Entries[doc.DefaultIndex].Name,
		doc.MenuTimeout.Round(time.Second),
	)
}

// waitForKeypress polls the countdown deadline against the firmware clock
// while a reader goroutine waits on the operator. It reports whether a key
// arrived before the deadline.
func (m *Menu) waitForKeypress(timeout time.Duration) bool {
	keyCh := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, 1)
		if _, err := m.In.Read(buf); err == nil {
			keyCh <- struct{}{}
		}
	}()

	deadline := m.Clock.Now().Add(timeout)
	for m.Clock.Now().Before(deadline) {
		select {
		case <-keyCh:
			return true
		default:
		}
		m.Clock.Sleep(pollInterval)
	}
	select {
	case <-keyCh:
		return true
	default:
		return false
	}
}

func (m *Menu) promptInteractive(doc *bootplan.Document) (int, error) {
	options := make([]string, len(doc.Entries))
	for i, entry := range doc.Entries {
		options[i] = fmt.Sprintf("%d  %s", i, entry.Name)
	}
	selected, err := pterm.DefaultInteractiveSelect.
		WithOptions(options).
		WithDefaultOption(options[doc.DefaultIndex]).
		Show("Select boot entry")
	if err != nil {
		return 0, err
	}
	for i, option := range options {
		if option == selected {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown selection %q", selected)
}

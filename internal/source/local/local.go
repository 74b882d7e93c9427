// Package local reads boot artifacts from the boot medium's filesystem.
package local

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pharos-boot/pharos/internal/bootplan"
	"github.com/pharos-boot/pharos/internal/firmware"
	"github.com/pharos-boot/pharos/internal/logging"
	"github.com/pharos-boot/pharos/internal/source"
)

// Source mounts the boot medium on acquire and reads locators as medium
// paths. Local I/O errors are immediate hard failures: there is no retry
// that makes a broken medium readable.
type Source struct {
	Medium firmware.Medium
	Logger *slog.Logger

	mounted firmware.MediumFS
}

var _ source.Source = (*Source)(nil)

func (s *Source) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "source.local")
}

func (s *Source) Acquire(_ time.Time) (*source.Session, error) {
	if s.Medium == nil {
		return nil, &source.SourceError{
			Kind: bootplan.SourceLocal,
			Op:   "acquire",
			Err:  errors.New("no boot medium configured"),
		}
	}
	if s.mounted != nil {
		return nil, &source.SourceError{
			Kind: bootplan.SourceLocal,
			Op:   "acquire",
			Err:  errors.New("previous session not released"),
		}
	}

	mounted, err := s.Medium.Mount()
	if err != nil {
		return nil, &source.SourceError{
			Kind: bootplan.SourceLocal,
			Op:   "mount medium",
			Err:  fmt.Errorf("%w: %w", source.ErrIO, err),
		}
	}
	s.mounted = mounted

	sess := &source.Session{
		ID:   uuid.NewString(),
		Kind: bootplan.SourceLocal,
	}
	s.logger().Info("boot medium mounted", "session", sess.ID)
	return sess, nil
}

func (s *Source) Fetch(sess *source.Session, locator string, _ time.Time) ([]byte, error) {
	if sess == nil || s.mounted == nil {
		return nil, &source.FetchError{
			Phase:   source.PhaseConnect,
			Locator: locator,
			Err:     fmt.Errorf("%w: no active session", source.ErrIO),
		}
	}

	reader, size, err := s.mounted.Open(locator)
	if err != nil {
		kind := source.ErrIO
		if errors.Is(err, fs.ErrNotExist) {
			kind = source.ErrNotFound
		}
		return nil, &source.FetchError{
			Phase:   source.PhaseTransfer,
			Locator: locator,
			Err:     fmt.Errorf("%w: %w", kind, err),
		}
	}
	defer reader.Close()

	data := make([]byte, size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, &source.FetchError{
			Phase:   source.PhaseTransfer,
			Locator: locator,
			Err:     fmt.Errorf("%w: read %d bytes: %w", source.ErrIO, size, err),
		}
	}

	s.logger().Info("artifact read from medium", "locator", locator, "bytes", size)
	return data, nil
}

func (s *Source) Release(sess *source.Session) {
	if s.mounted == nil {
		return
	}
	if err := s.mounted.Close(); err != nil {
		s.logger().Warn("unmount failed", "error", err)
	}
	s.mounted = nil
	if sess != nil {
		s.logger().Info("boot medium released", "session", sess.ID)
	}
}

package host

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/pharos-boot/pharos/internal/firmware"
)

// DirMedium exposes a host directory as the boot medium, the usual case when
// the loader runs from an already-mounted boot partition.
type DirMedium struct {
	Root string
}

var _ firmware.Medium = (*DirMedium)(nil)

func (m *DirMedium) Mount() (firmware.MediumFS, error) {
	if m.Root == "" {
		return nil, errors.New("medium root is not configured")
	}
	info, err := os.Stat(m.Root)
	if err != nil {
		return nil, fmt.Errorf("open medium root %s: %w", m.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("medium root %s is not a directory", m.Root)
	}
	return &dirFS{root: m.Root}, nil
}

type dirFS struct {
	root string
}

func (d *dirFS) Open(p string) (io.ReadCloser, int64, error) {
	full := filepath.Join(d.root, filepath.FromSlash(normalizeMediumPath(p)))

	info, err := os.Stat(full)
	if err != nil {
		return nil, 0, err
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory: %w", p, fs.ErrInvalid)
	}

	file, err := os.Open(full)
	if err != nil {
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func (d *dirFS) Close() error {
	return nil
}

// ISOMedium exposes an ISO9660 image file as the boot medium. Used when the
// loader is packaged on optical-style media and by the test harness, which
// authors media images directly.
type ISOMedium struct {
	Path string
}

var _ firmware.Medium = (*ISOMedium)(nil)

func (m *ISOMedium) Mount() (firmware.MediumFS, error) {
	if m.Path == "" {
		return nil, errors.New("medium image path is not configured")
	}
	file, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("open medium image %s: %w", m.Path, err)
	}
	image, err := iso9660.OpenImage(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read medium image %s: %w", m.Path, err)
	}
	return &isoFS{file: file, image: image}, nil
}

type isoFS struct {
	file  *os.File
	image *iso9660.Image
}

func (i *isoFS) Open(p string) (io.ReadCloser, int64, error) {
	entry, err := i.lookup(normalizeMediumPath(p))
	if err != nil {
		return nil, 0, err
	}
	if entry.IsDir() {
		return nil, 0, fmt.Errorf("%s is a directory: %w", p, fs.ErrInvalid)
	}
	return io.NopCloser(entry.Reader()), entry.Size(), nil
}

func (i *isoFS) Close() error {
	return i.file.Close()
}

func (i *isoFS) lookup(p string) (*iso9660.File, error) {
	current, err := i.image.RootDir()
	if err != nil {
		return nil, err
	}

	for _, segment := range strings.Split(p, "/") {
		if segment == "" {
			continue
		}
		if !current.IsDir() {
			return nil, fs.ErrNotExist
		}
		children, err := current.GetChildren()
		if err != nil {
			return nil, err
		}
		current = nil
		for _, child := range children {
			if isoNameMatches(child.Name(), segment) {
				current = child
				break
			}
		}
		if current == nil {
			return nil, fs.ErrNotExist
		}
	}
	return current, nil
}

// isoNameMatches compares an on-image identifier with a requested path
// segment, tolerating the case folding and ";1" version suffix the ISO9660
// writer applies.
func isoNameMatches(onImage, requested string) bool {
	onImage = strings.TrimSuffix(onImage, ";1")
	return strings.EqualFold(onImage, requested)
}

// normalizeMediumPath maps configuration-style locators onto medium-relative
// slash paths. Backslash separators are accepted because boot media authored
// for EFI firmware conventionally use them.
func normalizeMediumPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

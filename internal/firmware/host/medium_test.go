package host

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
)

func TestDirMediumOpen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "boot"), 0o755); err != nil {
		t.Fatal(err)
	}
	want := []byte("kernel bytes")
	if err := os.WriteFile(filepath.Join(root, "boot", "vmlinuz"), want, 0o644); err != nil {
		t.Fatal(err)
	}

	medium := &DirMedium{Root: root}
	mounted, err := medium.Mount()
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer mounted.Close()

	for _, locator := range []string{"/boot/vmlinuz", `\boot\vmlinuz`, "boot/vmlinuz"} {
		reader, size, err := mounted.Open(locator)
		if err != nil {
			t.Fatalf("Open(%q) error = %v", locator, err)
		}
		got, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			t.Fatalf("read %q: %v", locator, err)
		}
		if size != int64(len(want)) || string(got) != string(want) {
			t.Errorf("Open(%q) = %d bytes %q, want %d bytes", locator, size, got, len(want))
		}
	}
}

func TestDirMediumMissingFile(t *testing.T) {
	t.Parallel()

	medium := &DirMedium{Root: t.TempDir()}
	mounted, err := medium.Mount()
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer mounted.Close()

	_, _, err = mounted.Open("/boot/vmlinuz")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open(missing) error = %v, want fs.ErrNotExist", err)
	}
}

func TestDirMediumEscapeStaysInsideRoot(t *testing.T) {
	t.Parallel()

	medium := &DirMedium{Root: t.TempDir()}
	mounted, err := medium.Mount()
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer mounted.Close()

	if _, _, err := mounted.Open("/../../etc/passwd"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open(escape path) error = %v, want fs.ErrNotExist inside root", err)
	}
}

func TestDirMediumMountMissingRoot(t *testing.T) {
	t.Parallel()

	medium := &DirMedium{Root: filepath.Join(t.TempDir(), "missing")}
	if _, err := medium.Mount(); err == nil {
		t.Fatal("Mount() of a missing root succeeded")
	}
}

// authorISO writes a small boot medium image with the provided files.
func authorISO(t *testing.T, files map[string][]byte) string {
	t.Helper()

	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("iso writer: %v", err)
	}
	defer writer.Cleanup()

	for path, data := range files {
		if err := writer.AddFile(strings.NewReader(string(data)), path); err != nil {
			t.Fatalf("add %s: %v", path, err)
		}
	}

	imagePath := filepath.Join(t.TempDir(), "medium.iso")
	image, err := os.Create(imagePath)
	if err != nil {
		t.Fatal(err)
	}
	defer image.Close()

	if err := writer.WriteTo(image, "PHAROS"); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return imagePath
}

func TestISOMediumOpen(t *testing.T) {
	t.Parallel()

	kernel := []byte("iso kernel image")
	imagePath := authorISO(t, map[string][]byte{
		"boot/vmlinuz":      kernel,
		"loader/pharos.toml": []byte("source = \"local\"\n"),
	})

	medium := &ISOMedium{Path: imagePath}
	mounted, err := medium.Mount()
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer mounted.Close()

	reader, size, err := mounted.Open("/boot/vmlinuz")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(kernel)) || string(got) != string(kernel) {
		t.Errorf("Open() = %d bytes %q, want %q", size, got, kernel)
	}
}

func TestISOMediumMissingFile(t *testing.T) {
	t.Parallel()

	imagePath := authorISO(t, map[string][]byte{"boot/vmlinuz": []byte("k")})

	medium := &ISOMedium{Path: imagePath}
	mounted, err := medium.Mount()
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	defer mounted.Close()

	if _, _, err := mounted.Open("/boot/initrd.img"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open(missing) error = %v, want fs.ErrNotExist", err)
	}
}

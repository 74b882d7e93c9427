package boot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pharos-boot/pharos/internal/arch"
	"github.com/pharos-boot/pharos/internal/fetch"
)

// ValidationError reports an artifact that failed its integrity gate. The
// trampoline is never invoked after one.
type ValidationError struct {
	Role fetch.Role
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %v", e.Role, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// validateSet gates the fetched artifacts before handoff: the kernel must
// carry the target architecture's entry signature and any initrd must look
// like an initramfs archive.
func validateSet(target arch.Architecture, set *fetch.Set) error {
	if err := target.ValidateKernel(set.Kernel.Data); err != nil {
		return &ValidationError{Role: fetch.RoleKernel, Err: err}
	}
	if set.Initrd != nil {
		if err := validateInitrd(set.Initrd.Data); err != nil {
			return &ValidationError{Role: fetch.RoleInitrd, Err: err}
		}
	}
	return nil
}

// Archive and compressor magics the kernel's initramfs unpacker accepts.
var initrdMagics = [][]byte{
	{0x1f, 0x8b},                         // gzip
	{0xfd, '7', 'z', 'X', 'Z', 0x00},     // xz
	{0x28, 0xb5, 0x2f, 0xfd},             // zstd
	{0x04, 0x22, 0x4d, 0x18},             // lz4 frame
	{0x42, 0x5a, 0x68},                   // bzip2
	[]byte("070701"),                     // newc cpio
	[]byte("070702"),                     // crc cpio
	[]byte("070707"),                     // odc cpio
}

func validateInitrd(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("initrd too short (%d bytes)", len(data))
	}
	for _, magic := range initrdMagics {
		if bytes.HasPrefix(data, magic) {
			return nil
		}
	}
	// Old binary cpio stores its magic as a native 16-bit word.
	if binary.LittleEndian.Uint16(data) == 0o070707 {
		return nil
	}
	return fmt.Errorf("initrd does not start with a recognized archive or compressor magic")
}

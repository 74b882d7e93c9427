package arch

import (
	"encoding/binary"
	"fmt"
)

// Kernel image header constants, per the Linux boot protocols for each
// architecture. The entry-stub check is deliberately shallow: it proves the
// buffer is the right kind of image for this machine, not that the image is
// intact end to end.
const (
	x86SetupMagicOffset = 0x202
	x86SetupMagic       = "HdrS"

	arm64MagicOffset = 0x38
	arm64Magic       = 0x644d5241 // "ARM\x64"

	riscvMagicOffset = 0x38
	riscvMagic       = 0x05435352 // "RSC\x05"

	peSignatureOffset = 0x3c
)

// ValidateKernel checks that the buffer begins with the entry-stub header the
// architecture's next-stage entry convention expects. A failure means the
// artifact must never reach the trampoline.
func (a Architecture) ValidateKernel(data []byte) error {
	switch a {
	case X86_64:
		return validateBzImage(data)
	case AArch64:
		return validateMagicLE32(data, arm64MagicOffset, arm64Magic, "arm64 Image")
	case RiscV64:
		return validateMagicLE32(data, riscvMagicOffset, riscvMagic, "riscv Image")
	case LoongArch64:
		return validatePEStub(data, "loongarch efi Image")
	default:
		return fmt.Errorf("no kernel signature known for architecture %q", a)
	}
}

func validateBzImage(data []byte) error {
	if len(data) < x86SetupMagicOffset+len(x86SetupMagic) {
		return fmt.Errorf("kernel image too short for bzImage header (%d bytes)", len(data))
	}
	if string(data[x86SetupMagicOffset:x86SetupMagicOffset+len(x86SetupMagic)]) != x86SetupMagic {
		return fmt.Errorf("kernel image missing bzImage boot protocol signature at %#x", x86SetupMagicOffset)
	}
	return nil
}

func validateMagicLE32(data []byte, offset int, magic uint32, kind string) error {
	if len(data) < offset+4 {
		return fmt.Errorf("kernel image too short for %s header (%d bytes)", kind, len(data))
	}
	if got := binary.LittleEndian.Uint32(data[offset:]); got != magic {
		return fmt.Errorf("kernel image missing %s magic at %#x (got %#x)", kind, offset, got)
	}
	return nil
}

// validatePEStub checks the MZ/PE chain used by EFI-stub kernels.
func validatePEStub(data []byte, kind string) error {
	if len(data) < peSignatureOffset+4 {
		return fmt.Errorf("kernel image too short for %s header (%d bytes)", kind, len(data))
	}
	if data[0] != 'M' || data[1] != 'Z' {
		return fmt.Errorf("kernel image missing MZ signature for %s", kind)
	}
	peOffset := int(binary.LittleEndian.Uint32(data[peSignatureOffset:]))
	if peOffset <= 0 || peOffset+4 > len(data) {
		return fmt.Errorf("kernel image has out-of-range PE header offset %#x for %s", peOffset, kind)
	}
	if string(data[peOffset:peOffset+4]) != "PE\x00\x00" {
		return fmt.Errorf("kernel image missing PE signature at %#x for %s", peOffset, kind)
	}
	return nil
}

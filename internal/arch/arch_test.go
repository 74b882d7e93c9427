package arch

import (
	"encoding/binary"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]Architecture{
		"x86_64":      X86_64,
		"amd64":       X86_64,
		"  ARM64 ":    AArch64,
		"aarch64":     AArch64,
		"riscv64":     RiscV64,
		"loong64":     LoongArch64,
		"loongarch64": LoongArch64,
		"mips":        "",
		"":            "",
	}

	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseUnsupported(t *testing.T) {
	t.Parallel()

	if _, err := Parse("s390x"); err == nil {
		t.Fatal("Parse(\"s390x\") did not return an error")
	}
}

func TestHostIsSupported(t *testing.T) {
	t.Parallel()

	if !Host().IsValid() {
		t.Fatalf("Host() = %q, not a supported architecture", Host())
	}
}

// BzImage returns a minimal buffer carrying the x86 boot protocol signature.
func bzImage(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, 4096)
	copy(data[x86SetupMagicOffset:], x86SetupMagic)
	return data
}

func arm64Image(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, 4096)
	binary.LittleEndian.PutUint32(data[arm64MagicOffset:], arm64Magic)
	return data
}

func TestValidateKernel(t *testing.T) {
	t.Parallel()

	if err := X86_64.ValidateKernel(bzImage(t)); err != nil {
		t.Errorf("X86_64.ValidateKernel(bzImage) error = %v", err)
	}
	if err := AArch64.ValidateKernel(arm64Image(t)); err != nil {
		t.Errorf("AArch64.ValidateKernel(arm64 image) error = %v", err)
	}

	// Cross-architecture images must be rejected.
	if err := X86_64.ValidateKernel(arm64Image(t)); err == nil {
		t.Error("X86_64.ValidateKernel accepted an arm64 image")
	}
	if err := AArch64.ValidateKernel(bzImage(t)); err == nil {
		t.Error("AArch64.ValidateKernel accepted a bzImage")
	}
}

func TestValidateKernelShortBuffer(t *testing.T) {
	t.Parallel()

	for _, a := range Supported() {
		if err := a.ValidateKernel([]byte("ELF")); err == nil {
			t.Errorf("%s.ValidateKernel accepted a 3-byte buffer", a)
		}
	}
}

func TestValidateKernelPEStub(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4096)
	data[0] = 'M'
	data[1] = 'Z'
	binary.LittleEndian.PutUint32(data[peSignatureOffset:], 0x80)
	copy(data[0x80:], "PE\x00\x00")

	if err := LoongArch64.ValidateKernel(data); err != nil {
		t.Errorf("LoongArch64.ValidateKernel(pe stub) error = %v", err)
	}

	data[0x80] = 'X'
	if err := LoongArch64.ValidateKernel(data); err == nil {
		t.Error("LoongArch64.ValidateKernel accepted a broken PE signature")
	}
}

package elf

import (
	"testing"
	"unsafe"

	"nimbuskernel/kernel"
	"nimbuskernel/kernel/mem/vmm"
)

func buildImage(t *testing.T, phdrs []programHeader, payload []byte) []byte {
	t.Helper()

	hdr := header{
		ident:     [16]byte{magic0, magic1, magic2, magic3, class64, dataLittle},
		typ:       typeExec,
		phoff:     uint64(unsafe.Sizeof(header{})),
		phentsize: uint16(unsafe.Sizeof(programHeader{})),
		phnum:     uint16(len(phdrs)),
		entry:     0x04000000,
	}

	buf := make([]byte, unsafe.Sizeof(header{})+uintptr(len(phdrs))*unsafe.Sizeof(programHeader{}))
	*(*header)(unsafe.Pointer(&buf[0])) = hdr
	for i, ph := range phdrs {
		off := hdr.phoff + uint64(i)*uint64(unsafe.Sizeof(programHeader{}))
		*(*programHeader)(unsafe.Pointer(&buf[off])) = ph
	}
	return append(buf, payload...)
}

func TestParseRejectsBadMagic(t *testing.T) {
	image := make([]byte, 64)
	if _, _, err := parse(image); err == nil {
		t.Fatalf("expected an error for a zeroed image")
	}
}

func TestParseAcceptsWellFormedHeader(t *testing.T) {
	payload := []byte("hello")
	image := buildImage(t, []programHeader{{
		typ:    ptLoad,
		offset: uint64(unsafe.Sizeof(header{}) + unsafe.Sizeof(programHeader{})),
		vaddr:  0x04000000,
		filesz: uint64(len(payload)),
		memsz:  uint64(len(payload)),
	}}, payload)

	hdr, phdrs, err := parse(image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hdr.entry != 0x04000000 {
		t.Fatalf("expected entry 0x04000000; got %#x", hdr.entry)
	}
	if len(phdrs) != 1 || phdrs[0].typ != ptLoad {
		t.Fatalf("expected a single PT_LOAD entry")
	}
}

func TestLoadMapsAndCopiesSegments(t *testing.T) {
	defer func() {
		activePDTFn = nil
		switchPDTFn = nil
		mapVMAFn = nil
		activateFn = func(pdt *vmm.PageDirectoryTable) { pdt.Activate() }
	}()

	payload := []byte("hello")
	image := buildImage(t, []programHeader{{
		typ:    ptLoad,
		offset: uint64(unsafe.Sizeof(header{}) + unsafe.Sizeof(programHeader{})),
		vaddr:  0x04000000,
		filesz: uint64(len(payload)),
		memsz:  uint64(len(payload)) + 8, // extra zero-fill bytes
	}}, payload)

	backing := make([]byte, 16)
	dst := uintptr(unsafe.Pointer(&backing[0]))
	// redirect the vaddr in the built image to a real, writable Go buffer
	*(*uint64)(unsafe.Pointer(&image[unsafe.Sizeof(header{})+16])) = uint64(dst)

	activePDTFn = func() uintptr { return 0x1000 }
	switched := []uintptr{}
	switchPDTFn = func(addr uintptr) { switched = append(switched, addr) }
	mapVMAFn = func(*vmm.PageDirectoryTable, vmm.VMA) *kernel.Error { return nil }
	activateFn = func(*vmm.PageDirectoryTable) {}

	var pdt vmm.PageDirectoryTable
	entry, err := Load(image, &pdt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != 0x04000000 {
		t.Fatalf("expected entry 0x04000000; got %#x", entry)
	}
	if string(backing[:len(payload)]) != string(payload) {
		t.Fatalf("expected segment bytes to be copied; got %q", backing[:len(payload)])
	}
	for _, b := range backing[len(payload):] {
		if b != 0 {
			t.Fatalf("expected the memsz tail to be zero-filled")
		}
	}
	if len(switched) != 1 || switched[0] != 0x1000 {
		t.Fatalf("expected the previously active PDT to be restored")
	}
}

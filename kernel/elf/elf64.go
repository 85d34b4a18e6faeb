// Package elf loads a statically linked ELF64 executable image into a
// freshly built address space. It only understands enough of the format to
// service a kernel-embedded init binary: the ELF and program headers, and
// PT_LOAD segments. Sections, symbols, dynamic linking and relocations are
// out of scope; this kernel never loads anything it did not link itself.
package elf

import (
	"unsafe"

	"nimbuskernel/kernel"
	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/mem/vmm"
)

const (
	magic0, magic1, magic2, magic3 = 0x7f, 'E', 'L', 'F'

	classOffset = 4
	class64     = 2

	dataOffset  = 5
	dataLittle  = 1

	typeExec = 2
	typeDyn  = 3

	ptLoad = 1

	pfExecute = 1 << 0
	pfWrite   = 1 << 1
)

// header mirrors the 64-byte ELF64 file header. Every field lands on its own
// natural alignment boundary (ident's 16 bytes, then 2/2/4/8/8/8/4/2*6), so
// the struct can be read directly off the image via a pointer cast instead
// of a field-by-field decode.
type header struct {
	ident     [16]byte
	typ       uint16
	machine   uint16
	version   uint32
	entry     uint64
	phoff     uint64
	shoff     uint64
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

// programHeader mirrors the 56-byte ELF64 program header entry.
type programHeader struct {
	typ    uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

var errMalformed = &kernel.Error{Module: "elf", Message: "malformed or unsupported ELF64 image"}

var (
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT
	memcopyFn   = kernel.Memcopy
	memsetFn    = kernel.Memset
	mapVMAFn    = vmm.MapVMA

	// activateFn is a seam over pdt.Activate, itself backed by cpu.SwitchPDT,
	// so tests can load a segment without touching CR3.
	activateFn = func(pdt *vmm.PageDirectoryTable) { pdt.Activate() }
)

// Load maps every PT_LOAD segment of image into pdt and copies its contents
// in. Each segment's pages are always mapped by Load itself, with freshly
// allocated frames (kernel/mem/vmm.MapVMA); the byte copy and the zeroing of
// the segment's bss tail require pdt to be the live address space, so Load
// temporarily activates pdt and restores whatever was active before.
func Load(image []byte, pdt *vmm.PageDirectoryTable) (entry uintptr, err *kernel.Error) {
	hdr, phdrs, err := parse(image)
	if err != nil {
		return 0, err
	}

	prevCR3 := activePDTFn()
	activateFn(pdt)
	defer switchPDTFn(prevCR3)

	for _, ph := range phdrs {
		if ph.typ != ptLoad || ph.memsz == 0 {
			continue
		}

		flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
		if ph.flags&pfExecute == 0 {
			flags |= vmm.FlagNoExecute
		}
		vma := vmm.VMA{
			Start: vmm.PageFromAddress(uintptr(ph.vaddr)),
			End:   vmm.PageFromAddress(uintptr(ph.vaddr+ph.memsz-1)) + 1,
			Flags: flags,
		}
		if mapErr := mapVMAFn(pdt, vma); mapErr != nil {
			return 0, mapErr
		}

		if ph.filesz > 0 {
			memcopyFn(uintptr(unsafe.Pointer(&image[ph.offset])), uintptr(ph.vaddr), uintptr(ph.filesz))
		}
		if ph.memsz > ph.filesz {
			memsetFn(uintptr(ph.vaddr)+uintptr(ph.filesz), 0, uintptr(ph.memsz-ph.filesz))
		}
	}

	return uintptr(hdr.entry), nil
}

func parse(image []byte) (*header, []programHeader, *kernel.Error) {
	if len(image) < int(unsafe.Sizeof(header{})) {
		return nil, nil, errMalformed
	}

	hdr := (*header)(unsafe.Pointer(&image[0]))
	if hdr.ident[0] != magic0 || hdr.ident[1] != magic1 || hdr.ident[2] != magic2 || hdr.ident[3] != magic3 {
		return nil, nil, errMalformed
	}
	if hdr.ident[classOffset] != class64 || hdr.ident[dataOffset] != dataLittle {
		return nil, nil, errMalformed
	}
	if hdr.typ != typeExec && hdr.typ != typeDyn {
		return nil, nil, errMalformed
	}

	phdrSize := uintptr(unsafe.Sizeof(programHeader{}))
	if uintptr(hdr.phentsize) != phdrSize {
		return nil, nil, errMalformed
	}
	if hdr.phoff+uint64(hdr.phnum)*uint64(phdrSize) > uint64(len(image)) {
		return nil, nil, errMalformed
	}

	phdrs := make([]programHeader, hdr.phnum)
	for i := range phdrs {
		off := hdr.phoff + uint64(i)*uint64(phdrSize)
		phdrs[i] = *(*programHeader)(unsafe.Pointer(&image[off]))
	}

	return hdr, phdrs, nil
}

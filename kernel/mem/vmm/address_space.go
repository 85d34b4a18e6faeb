package vmm

import (
	"nimbuskernel/kernel"
	"nimbuskernel/kernel/hal/multiboot"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm"
	"unsafe"
)

// VMA describes a virtual memory area: a contiguous half-open range of pages
// that should all be mapped with the same set of flags.
type VMA struct {
	// Start is the first page in the area.
	Start Page

	// End is one past the last page in the area.
	End Page

	// Flags are applied to every page mapped within the area.
	Flags PageTableEntryFlag
}

// PageCount returns the number of pages spanned by the VMA.
func (v VMA) PageCount() int {
	return int(v.End - v.Start)
}

var (
	// getFramebufferInfoFn and multibootInfoRegionFn are mocked by tests.
	getFramebufferInfoFn  = multiboot.GetFramebufferInfo
	multibootInfoRegionFn = multiboot.InfoRegion
)

// legacyVgaPhysAddr is the physical address of the legacy VGA text-mode
// framebuffer, mapped into every address space unless the bootloader has
// initialized a different (linear, non-EGA) framebuffer.
const legacyVgaPhysAddr = 0xb8000

// CreateAddressSpace builds a brand new, currently-inactive top-level page
// table populated with the mappings that every address space this kernel
// constructs must share:
//
//   - every allocated ELF section of the running kernel image, mapped at
//     phys+kernelPageOffset with flags derived from the section's bits
//   - the legacy VGA text buffer, if the bootloader did not initialize a
//     linear framebuffer
//   - the linear framebuffer, if one was initialized
//   - the multiboot2 info region
//   - the kernel heap range, backed by freshly allocated frames
//
// The returned table is not activated; callers that want it live must call
// its Activate method.
func CreateAddressSpace(kernelPageOffset uintptr) (*PageDirectoryTable, *kernel.Error) {
	var pdt PageDirectoryTable

	pdtFrame, err := frameAllocator()
	if err != nil {
		return nil, err
	}
	if err = pdt.Init(pdtFrame); err != nil {
		return nil, err
	}

	if err = mapKernelElfSections(&pdt, kernelPageOffset); err != nil {
		return nil, err
	}

	if err = mapFramebuffer(&pdt); err != nil {
		return nil, err
	}

	if err = mapMultibootInfoRegion(&pdt); err != nil {
		return nil, err
	}

	if err = mapKernelHeap(&pdt); err != nil {
		return nil, err
	}

	return &pdt, nil
}

// mapKernelElfSections queries the multiboot package for the ELF sections
// that belong to the loaded kernel image and establishes mappings for each
// one inside pdt, deriving flags from each section's writable/executable
// bits as reported by the bootloader.
func mapKernelElfSections(pdt *PageDirectoryTable, kernelPageOffset uintptr) *kernel.Error {
	var err *kernel.Error

	visitor := func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		if err != nil || secAddress < kernelPageOffset || secSize == 0 {
			return
		}

		flags := FlagPresent
		if (secFlags & multiboot.ElfSectionExecutable) == 0 {
			flags |= FlagNoExecute
		}
		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		curPage := PageFromAddress(secAddress)
		lastPage := PageFromAddress(secAddress + uintptr(secSize-1))
		curFrame := pmm.Frame((secAddress - kernelPageOffset) >> mem.PageShift)
		for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
			if err = pdt.Map(curPage, curFrame, flags); err != nil {
				return
			}
		}
	}

	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	return err
}

// mapFramebuffer maps the linear framebuffer reported by the bootloader, or
// (if none was initialized / it is the legacy EGA console) the legacy VGA
// text buffer at physical address 0xb8000.
func mapFramebuffer(pdt *PageDirectoryTable) *kernel.Error {
	fbInfo := getFramebufferInfoFn()
	if fbInfo == nil || fbInfo.Type == multiboot.FramebufferTypeEGA {
		frame := pmm.FrameFromAddress(legacyVgaPhysAddr)
		return pdt.Map(PageFromAddress(legacyVgaPhysAddr), frame, FlagPresent|FlagRW|FlagNoExecute)
	}

	fbSize := mem.Size(fbInfo.Pitch) * mem.Size(fbInfo.Height)
	fbPages := (fbSize + mem.PageSize - 1) / mem.PageSize
	startFrame := pmm.FrameFromAddress(uintptr(fbInfo.PhysAddr))
	startPage := PageFromAddress(uintptr(fbInfo.PhysAddr))
	for i := mem.Size(0); i < fbPages; i++ {
		if err := pdt.Map(startPage+Page(i), startFrame.Add(int(i)), FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}
	return nil
}

// mapMultibootInfoRegion identity-maps the multiboot2 info structure handed
// to the kernel by the bootloader so that code running under the new
// address space can continue to query it.
func mapMultibootInfoRegion(pdt *PageDirectoryTable) *kernel.Error {
	infoAddr, infoSize := multibootInfoRegionFn()
	if infoSize == 0 {
		return nil
	}

	startPage := PageFromAddress(infoAddr)
	endPage := PageFromAddress(infoAddr + uintptr(infoSize) - 1)
	startFrame := pmm.FrameFromAddress(infoAddr)
	for page, frame := startPage, startFrame; page <= endPage; page, frame = page+1, frame+1 {
		if err := pdt.Map(page, frame, FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}
	return nil
}

// mapKernelHeap backs the fixed kernel heap VA range with freshly allocated
// frames.
func mapKernelHeap(pdt *PageDirectoryTable) *kernel.Error {
	vma := VMA{
		Start: PageFromAddress(mem.KernelHeapStart),
		End:   PageFromAddress(mem.KernelHeapEnd) + 1,
		Flags: FlagPresent | FlagRW | FlagNoExecute,
	}
	return MapVMA(pdt, vma)
}

// MapVMA allocates a fresh frame for every page in vma and maps it into pdt
// using vma's flags.
func MapVMA(pdt *PageDirectoryTable, vma VMA) *kernel.Error {
	for page := vma.Start; page < vma.End; page++ {
		frame, err := frameAllocator()
		if err != nil {
			return err
		}
		if err := pdt.Map(page, frame, vma.Flags); err != nil {
			return err
		}
	}
	return nil
}

// UserStackVMA returns the VMA covering a user task's fixed stack region:
// writable, non-executable, user-accessible.
func UserStackVMA() VMA {
	return VMA{
		Start: PageFromAddress(mem.UserStackStart),
		End:   PageFromAddress(mem.UserStackEnd) + 1,
		Flags: FlagPresent | FlagRW | FlagUserAccessible | FlagNoExecute,
	}
}

// UserCodeVMA returns the VMA covering sizeBytes of a user task's code
// region starting at mem.UserCodeVA. Leaves are left executable (NX is not
// set) since the segment holds the task's instructions.
func UserCodeVMA(sizeBytes mem.Size) VMA {
	start := PageFromAddress(mem.UserCodeVA)
	pageCount := (sizeBytes + mem.PageSize - 1) / mem.PageSize
	return VMA{
		Start: start,
		End:   start + Page(pageCount),
		Flags: FlagPresent | FlagRW | FlagUserAccessible,
	}
}

// UserDataVMA returns the VMA covering sizeBytes of a user task's
// data/bss region immediately following its code region.
func UserDataVMA(codeVMA VMA, sizeBytes mem.Size) VMA {
	pageCount := (sizeBytes + mem.PageSize - 1) / mem.PageSize
	return VMA{
		Start: codeVMA.End,
		End:   codeVMA.End + Page(pageCount),
		Flags: FlagPresent | FlagRW | FlagUserAccessible | FlagNoExecute,
	}
}

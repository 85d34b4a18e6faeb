package vmm

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"nimbuskernel/kernel"
	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/hal/multiboot"
	"nimbuskernel/kernel/irq"
	"nimbuskernel/kernel/kfmt"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	translateFn               = Translate
	visitElfSectionsFn        = multiboot.VisitElfSections

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}

	// kernelPDT is the kernel's own permanent address space, built once by
	// setupPDTForKernel. kernel/mem/heap and kernel/kmain need a handle to
	// it after Init returns, so it lives at package scope instead of a
	// local inside setupPDTForKernel.
	kernelPDT PageDirectoryTable
)

// KernelPDT returns the kernel's own permanent page directory table, built
// by Init. Callers that need to map additional ranges into the kernel's own
// address space (kernel/mem/heap.Init, in particular) use this instead of
// CreateAddressSpace, which builds a separate table for user tasks.
func KernelPDT() *PageDirectoryTable {
	return &kernelPDT
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    pmm.Frame
			tmpPage Page
			err     *kernel.Error
		)

		if copy, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			kernel.Memcopy(faultPage.Address(), tmpPage.Address(), uintptr(mem.PageSize))
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()
	printFaultingInstruction(frame.RIP)

	// TODO: Revisit this when user-mode tasks are implemented
	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()
	printFaultingInstruction(frame.RIP)

	// TODO: Revisit this when user-mode tasks are implemented
	panic(errUnrecoverableFault)
}

// maxInstructionLength is the longest an x86-64 instruction can legally
// encode to; printFaultingInstruction never needs to read more bytes than
// this to decode whatever rip points at.
const maxInstructionLength = 15

// readFaultingCode returns the raw bytes at rip for decoding.
func readFaultingCode(rip uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(rip))), maxInstructionLength)
}

// readFaultingCodeFn is a seam over readFaultingCode; mocked by tests so
// they can exercise the fault handlers with a fake rip instead of
// dereferencing real memory.
var readFaultingCodeFn = readFaultingCode

// printFaultingInstruction decodes and prints the instruction at rip so a
// fault dump shows what executed, not just where. rip is assumed readable:
// it is the address the CPU had just fetched from when the fault fired, so
// unless the fault was itself an instruction-fetch fault (errorCode 16
// above) the bytes are mapped.
func printFaultingInstruction(rip uint64) {
	inst, err := x86asm.Decode(readFaultingCodeFn(rip), 64)
	if err != nil {
		kfmt.Printf("Faulting instruction: <undecodable: %s>\n", err.Error())
		return
	}
	kfmt.Printf("Faulting instruction: %s\n", x86asm.GNUSyntax(inst, rip, nil))
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, uintptr(mem.PageSize))
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm system, creates a granular PDT for the kernel and
// installs paging-related exception handlers.
func Init(kernelPageOffset uintptr) *kernel.Error {
	if err := setupPDTForKernel(kernelPageOffset); err != nil {
		return err
	}

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// setupPDTForKernel queries the multiboot package for the ELF sections that
// correspond to the loaded kernel image and establishes a new granular PDT for
// the kernel's VMA using the appropriate flags (e.g. NX for data sections, RW
// for writable sections e.t.c). It then carries over any pages mapped by the
// early bootstrap allocator via EarlyReserveRegion, which are only visible
// through the identity mapping the bootloader handed the kernel, and
// finally activates the new table.
//
// This function bootstraps the very first address space the kernel runs
// under; every subsequent address space (including ones built for user
// tasks) is constructed with CreateAddressSpace instead, which shares the
// ELF-section-mapping step but has no early allocator state to carry over.
func setupPDTForKernel(kernelPageOffset uintptr) *kernel.Error {
	pdt := &kernelPDT

	// Allocate frame for the page directory and initialize it
	pdtFrame, err := frameAllocator()
	if err != nil {
		return err
	}

	if err = pdt.Init(pdtFrame); err != nil {
		return err
	}

	if err = mapKernelElfSections(pdt, kernelPageOffset); err != nil {
		return err
	}

	// Ensure that any pages mapped by the memory allocator using
	// EarlyReserveRegion are copied to the new page directory.
	for rsvAddr := earlyReserveLastUsed; rsvAddr < tempMappingAddr; rsvAddr += uintptr(mem.PageSize) {
		page := PageFromAddress(rsvAddr)

		frameAddr, err := translateFn(rsvAddr)
		if err != nil {
			return err
		}

		if err = pdt.Map(page, pmm.Frame(frameAddr>>mem.PageShift), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	// Activate the new PDT. After this point, the identify mapping for the
	// physical memory addresses where the kernel is loaded becomes invalid.
	pdt.Activate()

	return nil
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

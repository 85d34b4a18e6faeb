// +build amd64

package vmm

import (
	"nimbuskernel/kernel"
	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT
	// which will fault if invoked in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT.
	switchPDTFn = cpu.SwitchPDT
)

// PageDirectoryTable describes the top-most table in the 4-level paging
// scheme (the PML4 in Intel terminology). It doubles as both the active and
// an inactive top-level table: the only difference is whether pdtFrame
// matches the frame currently loaded into CR3.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init prepares the page directory table backed by pdtFrame. If pdtFrame
// does not match the currently active top table, Init assumes this is a
// fresh table that needs bootstrapping: it establishes a temporary mapping,
// zeroes the frame and installs the recursive self-mapping at the table's
// last entry (511) as required by the recursive-map invariant.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	kernel.Memset(pdtPage.Address(), 0, uintptr(mem.PageSize))
	lastEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pdtFrame)

	unmapFn(pdtPage)
	return nil
}

// With temporarily retargets entry 511 of the currently active top table to
// point at inactive's frame, invokes fn, and restores the original mapping
// afterwards. Inside fn, the inactive table is reachable through the normal
// recursive-mapping virtual addresses (pdtVirtualAddr and friends), while
// the previously active table remains reachable only via a temporary
// single-page mapping established by the caller if needed.
func (pdt *PageDirectoryTable) With(inactive *PageDirectoryTable, fn func()) {
	activePdtFrame := pmm.Frame(activePDTFn() >> mem.PageShift)
	if activePdtFrame == inactive.pdtFrame {
		fn()
		return
	}

	lastEntryAddr := activePdtFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)
	lastEntry := (*pageTableEntry)(unsafe.Pointer(lastEntryAddr))
	lastEntry.SetFrame(inactive.pdtFrame)
	flushTLBEntryFn(lastEntryAddr)

	fn()

	lastEntry.SetFrame(activePdtFrame)
	flushTLBEntryFn(lastEntryAddr)
}

// Map establishes a page -> frame mapping in this table. If the table is not
// currently active, the mapping is performed through a temporary retarget of
// the active table's recursive entry (see With).
func (pdt *PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error
	pdt.With(pdt, func() {
		err = mapFn(page, frame, flags)
	})
	return err
}

// Unmap removes a mapping previously installed via Map on this table.
func (pdt *PageDirectoryTable) Unmap(page Page) *kernel.Error {
	var err *kernel.Error
	pdt.With(pdt, func() {
		err = unmapFn(page)
	})
	return err
}

// Activate loads this table's frame into CR3, making it the active address
// space and flushing the entire TLB.
func (pdt *PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Frame returns the physical frame backing this table.
func (pdt *PageDirectoryTable) Frame() pmm.Frame {
	return pdt.pdtFrame
}

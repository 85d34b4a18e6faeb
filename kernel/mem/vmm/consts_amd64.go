// +build amd64

package vmm

import "math"

const (
	// pageLevels indicates the number of page table levels walked to
	// translate a virtual address (PML4, PDPT, PDT, PT).
	pageLevels = 4

	// ptePhysPageMask extracts the physical memory address (bits 12-51)
	// pointed to by a page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. populating an inactive top table).
	// Its table indices are 510, 511, 511, 511: it sits in top-level
	// entry 510, just below the recursive self-mapping's slot 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr exploits the recursive self-mapping installed at
	// entry 511 of the active top-level table: setting every page-level
	// index bit to 1 causes the MMU to keep following the same entry at
	// every level, landing back on the top-level table itself.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of virtual address bits that index into
	// each page level; amd64 uses 9 bits (512 entries) per level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the shift required to extract each page level's
	// index from a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching when cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached when set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a PDPT (1 GiB) or PDT (2 MiB) entry as a leaf.
	FlagHugePage

	// FlagGlobal prevents the TLB entry for this page from being flushed
	// on a CR3 reload.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write; mutually
	// exclusive with FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable. Enforced only once
	// cpu.EnableNXEBit has run.
	FlagNoExecute = 1 << 63
)

// Package gdt installs the kernel's global descriptor table and task state
// segment: the ring 0/3 segment selectors every privilege transition relies
// on, and the TSS fields (RSP0, IST1) the CPU consults on a ring 3->0
// transition or a double fault.
//
// The selector layout is fixed by design (every value here is load-bearing
// for kernel/irq's gate table and kernel/syscall's STAR MSR setup):
//
//	1*8       = kernel CS (64-bit, executable)
//	2*8       = kernel DS
//	(3*8)|3   = user DS   (DPL 3)
//	(4*8)|3   = user CS   (DPL 3, executable, 64-bit)
//	5*8       = TSS       (spans two descriptor slots)
package gdt

import "nimbuskernel/kernel/cpu"

// Fixed selector values. See the package doc comment for the layout they
// come from.
const (
	KernelCodeSelector = uint16(1 * 8)
	KernelDataSelector = uint16(2 * 8)
	UserDataSelector   = uint16(3*8) | 3
	UserCodeSelector   = uint16(4*8) | 3
	TSSSelector        = uint16(5 * 8)

	numDescriptors = 7 // null, kcs, kds, uds, ucs, tss-lo, tss-hi
)

// descriptor bit positions shared by every non-TSS entry, following the
// Intel SDM vol.3 long-mode segment descriptor layout.
const (
	bitAccessed    = 1 << 40
	bitWritable    = 1 << 41
	bitExecutable  = 1 << 43
	bitUserSegment = 1 << 44
	bitPresent     = 1 << 47
	bitLongMode    = 1 << 53

	dpl3Bits = uint64(0b11) << 45
)

// table holds the raw GDT entries; it must stay alive for as long as the
// GDT is loaded, so it is a package-level array rather than a local.
var table [numDescriptors]uint64

var (
	// loadGDTFn and loadTSSFn are used by tests to avoid touching the CPU's
	// actual descriptor tables.
	loadGDTFn = cpu.LoadGDT
	loadTSSFn = cpu.LoadTSS
)

// tss is the kernel's single task state segment. Only RSP0 (the stack
// loaded on a ring 3 -> ring 0 transition) and IST1 (the alternate stack
// used for double faults, referred to as "IST 0" throughout the design
// docs since it is the first of the seven IST slots a gate can select) are
// ever populated.
var tss taskStateSegment

// Init builds the GDT and TSS, loads both into the CPU and reloads every
// segment register. dfStackTop is the top of a dedicated stack (allocated
// via kernel/mem/stack) reserved for double-fault delivery; rsp0 is the
// initial ring0 stack used for the first ring 3 entry and is overwritten by
// kernel/task (EnterUserMode, SwitchTo) on every subsequent task switch.
func Init(dfStackTop, rsp0 uintptr) {
	table[0] = 0
	table[1] = bitUserSegment | bitPresent | bitExecutable | bitLongMode
	table[2] = bitUserSegment | bitPresent | bitLongMode
	table[3] = bitUserSegment | bitPresent | bitLongMode | bitAccessed | dpl3Bits
	table[4] = bitUserSegment | bitPresent | bitExecutable | bitLongMode | bitAccessed | dpl3Bits

	tss.init()
	tss.setIST1(uint64(dfStackTop))
	tss.setRSP0(uint64(rsp0))

	lo, hi := tssDescriptor(&tss)
	table[5], table[6] = lo, hi

	loadGDTFn(tableAddr(), numDescriptors)
	loadTSSFn(TSSSelector)
}

// SetRSP0 updates the TSS's ring0 stack pointer. Called by kernel/task on
// every context switch and ring 3 entry so the next ring 3 -> ring 0 transition lands on the
// incoming task's kernel stack.
func SetRSP0(rsp0 uintptr) {
	tss.setRSP0(uint64(rsp0))
}

// tssDescriptor builds the 16-byte (two-entry) system-segment descriptor
// that points at t, following the same bit layout as the user/code segment
// descriptors but split across two 64-bit words since a TSS descriptor
// carries a full 64-bit base address.
func tssDescriptor(t *taskStateSegment) (lo, hi uint64) {
	base := uint64(tssAddr(t))
	limit := uint64(tssSize - 1)

	lo = bitPresent
	lo |= limit & 0xffff
	lo |= (base & 0xffffff) << 16
	lo |= (base >> 24 & 0xff) << 56
	lo |= uint64(0b1001) << 40 // type: available 64-bit TSS

	hi = base >> 32

	return lo, hi
}

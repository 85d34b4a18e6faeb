package task

import (
	"unsafe"

	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/gdt"
)

// SavedContext holds the callee-saved register state a cooperative context
// switch needs to preserve. Field order matches switch_amd64.s's hardcoded
// byte offsets exactly; do not reorder without updating the assembly.
type SavedContext struct {
	RFlags uint64
	CR3    uint64
	RBP    uint64
	RBX    uint64
	RSP    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
}

// TLSSegment is written to IA32_KERNEL_GS_BASE on every switch. It stays
// parked there while the task runs in user mode; kernel/syscall's entry
// trampoline SWAPGS's it into the live %gs, reads/writes UserRSP and
// KernelRSP to do the user/kernel stack swap, then SWAPGS's it back out
// before SYSRETQ.
type TLSSegment struct {
	UserRSP   uint64
	KernelRSP uint64
}

var (
	setRSP0Fn           = gdt.SetRSP0
	writeKernelGSBaseFn = cpu.WriteKernelGSBase
)

// switchTo is implemented in switch_amd64.s. It saves the caller's register
// state into prev, restores next's, and returns -- but "returns" into
// whatever instruction next.RSP points at, which for a task that has never
// run is the entry point seeded by seedEntryPoint, and for a previously
// descheduled task is the instruction right after its own earlier call to
// switchTo.
func switchTo(prev, next *SavedContext)

// switchToFn is a seam over switchTo so tests can exercise SwitchTo's
// TSS/GS bookkeeping without performing a real register/stack swap.
var switchToFn = switchTo

// SwitchTo performs a full context switch from prev to next: it updates the
// TSS's RSP0 (so the next ring 3 -> ring 0 transition, if any, lands on
// next's kernel stack), parks next's TLS segment pointer in
// IA32_KERNEL_GS_BASE ready for the next SWAPGS, and finally swaps the
// callee-saved registers and stack pointer.
func SwitchTo(prev, next *Task) {
	setRSP0Fn(next.KernStackTop)
	writeKernelGSBaseFn(uintptr(unsafe.Pointer(&next.TLS)))
	switchToFn(&prev.Context, &next.Context)
}

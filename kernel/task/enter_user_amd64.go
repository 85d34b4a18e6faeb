package task

import (
	"unsafe"

	"nimbuskernel/kernel/cpu"
)

var writeCR3Fn = cpu.WriteCR3

// enterUserMode is implemented in enter_user_amd64.s. It loads rip/rflags
// into the registers SYSRETQ reads them from, sets RSP to rsp and executes
// SYSRETQ -- the same trick kernel/syscall's entry trampoline uses to
// return from a syscall, reused here to perform a task's very first
// transition into ring 3, which this kernel models as "returning" from a
// syscall that never happened.
func enterUserMode(rflags, rip, rsp uint64)

// enterUserModeFn is a seam over enterUserMode so tests can exercise
// EnterUserMode's TSS/GS/CR3 bookkeeping without actually executing SYSRETQ.
var enterUserModeFn = enterUserMode

// EnterUserMode performs t's one-way transition into ring 3 at t.EntryPoint.
// It is only ever called once per user task, by kernel/kmain, to start the
// very first user task; every later re-entry into that task happens through
// an ordinary SwitchTo followed by the kernel's ret-from-syscall path, not
// through this function.
func EnterUserMode(t *Task) {
	setRSP0Fn(t.KernStackTop)
	writeKernelGSBaseFn(uintptr(unsafe.Pointer(&t.TLS)))
	writeCR3Fn(uintptr(t.Context.CR3))
	enterUserModeFn(t.Context.RFlags, uint64(t.EntryPoint), t.Context.RSP)
}

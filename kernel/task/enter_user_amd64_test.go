package task

import (
	"testing"
	"unsafe"
)

func TestEnterUserModeProgramsTSSGSBaseAndCR3(t *testing.T) {
	defer func() {
		setRSP0Fn = nil
		writeKernelGSBaseFn = nil
		writeCR3Fn = nil
		enterUserModeFn = enterUserMode
	}()

	var gotRSP0, gotGSBase, gotCR3 uintptr
	var gotRFlags, gotRIP, gotRSP uint64

	setRSP0Fn = func(rsp0 uintptr) { gotRSP0 = rsp0 }
	writeKernelGSBaseFn = func(base uintptr) { gotGSBase = base }
	writeCR3Fn = func(physAddr uintptr) { gotCR3 = physAddr }
	enterUserModeFn = func(rflags, rip, rsp uint64) {
		gotRFlags, gotRIP, gotRSP = rflags, rip, rsp
	}

	task := &Task{
		KernStackTop: 0x3000,
		EntryPoint:   0x4000000,
	}
	task.Context.RFlags = 0x202
	task.Context.RSP = 0x7ffffffff000
	task.Context.CR3 = 0x5000

	EnterUserMode(task)

	if gotRSP0 != task.KernStackTop {
		t.Fatalf("expected RSP0 to be set to the task's kernel stack top")
	}
	if gotGSBase != uintptr(unsafe.Pointer(&task.TLS)) {
		t.Fatalf("expected GS base to point at the task's TLS segment")
	}
	if gotCR3 != uintptr(task.Context.CR3) {
		t.Fatalf("expected CR3 to be loaded with the task's address space")
	}
	if gotRFlags != task.Context.RFlags || gotRIP != uint64(task.EntryPoint) || gotRSP != task.Context.RSP {
		t.Fatalf("expected enterUserModeFn to receive rflags/rip/rsp from the task")
	}
}

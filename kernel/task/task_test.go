package task

import (
	"testing"
	"unsafe"

	"nimbuskernel/kernel"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/vmm"
)

func fakeStack(t *testing.T) (top, bottom uintptr) {
	t.Helper()
	buf := make([]byte, 256)
	bottom = uintptr(unsafe.Pointer(&buf[0]))
	return bottom + 256, bottom
}

func TestAllocKernelTaskSeedsEntryPoint(t *testing.T) {
	defer func() { allocStackFn = nil; activePDTFn = nil }()

	top, bottom := fakeStack(t)
	allocStackFn = func(mem.Size) (uintptr, uintptr, *kernel.Error) { return top, bottom, nil }
	activePDTFn = func() uintptr { return 0x5000 }

	l := NewList()
	tsk, err := l.AllocKernelTask("idle", 0xdeadbeef)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tsk.PID != 1 {
		t.Fatalf("expected the first allocated task to get pid 1; got %d", tsk.PID)
	}
	if tsk.Context.RSP != uint64(top)-8 {
		t.Fatalf("expected RSP to point 8 bytes below the stack top")
	}
	if tsk.Context.CR3 != 0x5000 {
		t.Fatalf("expected a kernel task to inherit the active CR3")
	}
	seeded := *(*uintptr)(unsafe.Pointer(uintptr(tsk.Context.RSP)))
	if seeded != 0xdeadbeef {
		t.Fatalf("expected the entry point to be written at the seeded RSP; got %#x", seeded)
	}
	if tsk.State != Created {
		t.Fatalf("expected a freshly allocated task to be in the Created state")
	}
}

func TestAllocKernelTaskFailsWhenTableFull(t *testing.T) {
	defer func() { allocStackFn = nil; activePDTFn = nil }()

	top, bottom := fakeStack(t)
	allocStackFn = func(mem.Size) (uintptr, uintptr, *kernel.Error) { return top, bottom, nil }
	activePDTFn = func() uintptr { return 0 }

	l := NewList()
	l.nextID = MaxTasks
	if _, err := l.AllocKernelTask("x", 0); err == nil {
		t.Fatalf("expected an error once the task table is exhausted")
	}
}

func TestAllocUserTaskBuildsAddressSpaceAndLoadsImage(t *testing.T) {
	defer func() {
		allocStackFn = nil
		createASFn = nil
		elfLoadFn = nil
		mapVMAFn = nil
	}()

	top, bottom := fakeStack(t)
	allocStackFn = func(mem.Size) (uintptr, uintptr, *kernel.Error) { return top, bottom, nil }

	var builtAS vmm.PageDirectoryTable
	createASFn = func(uintptr) (*vmm.PageDirectoryTable, *kernel.Error) { return &builtAS, nil }
	mapVMAFn = func(*vmm.PageDirectoryTable, vmm.VMA) *kernel.Error { return nil }
	var loadedImage []byte
	var loadedInto *vmm.PageDirectoryTable
	elfLoadFn = func(image []byte, pdt *vmm.PageDirectoryTable) (uintptr, *kernel.Error) {
		loadedImage, loadedInto = image, pdt
		return mem.UserCodeVA, nil
	}

	l := NewList()
	image := []byte{1, 2, 3}
	tsk, err := l.AllocUserTask("init", 0, image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tsk.AddressSpace != &builtAS {
		t.Fatalf("expected the task to own the freshly built address space")
	}
	if loadedInto != &builtAS || len(loadedImage) != 3 {
		t.Fatalf("expected elfLoadFn to be called with the task's address space and image")
	}
	if len(tsk.VMAs) != 3 {
		t.Fatalf("expected the code, data and stack VMAs to be recorded")
	}
	if tsk.Context.RSP != uint64(mem.UserStackEnd)+1 {
		t.Fatalf("expected the user stack pointer to start at the top of the stack region")
	}
}

func TestNextAfterWrapsAround(t *testing.T) {
	l := NewList()
	l.tasks[1] = &Task{PID: 1, State: Ready}
	l.tasks[2] = &Task{PID: 2, State: Ready}
	l.tasks[3] = &Task{PID: 3, State: Zombie}

	if got := l.NextAfter(1); got != 2 {
		t.Fatalf("expected pid 2 after pid 1; got %d", got)
	}
	if got := l.NextAfter(2); got != 1 {
		t.Fatalf("expected wraparound to pid 1 (pid 3 is a zombie); got %d", got)
	}
}

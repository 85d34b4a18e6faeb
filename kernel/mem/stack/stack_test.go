package stack

import (
	"nimbuskernel/kernel"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm"
	"nimbuskernel/kernel/mem/vmm"
	"testing"
)

func resetArena(t *testing.T) {
	t.Helper()
	orig := nextFree
	t.Cleanup(func() {
		nextFree = orig
		mapFn = vmm.Map
		unmapFn = vmm.Unmap
		frameAllocFn = func() (pmm.Frame, *kernel.Error) { return 0, nil }
	})
	nextFree = mem.KernelStackArenaEnd + 1
}

func TestAllocStackLeavesGuardPageUnmapped(t *testing.T) {
	resetArena(t)

	var mappedPages []vmm.Page
	mapFn = func(p vmm.Page, _ pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		if flags&(vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute) != (vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute) {
			t.Errorf("unexpected flags for page %d: %d", p, flags)
		}
		mappedPages = append(mappedPages, p)
		return nil
	}
	frameAllocFn = func() (pmm.Frame, *kernel.Error) { return 1, nil }

	top, bottom, err := AllocStack(4)
	if err != nil {
		t.Fatal(err)
	}

	if exp := 4; len(mappedPages) != exp {
		t.Fatalf("expected %d mapped pages; got %d", exp, len(mappedPages))
	}

	guardPage := vmm.PageFromAddress(bottom) - 1
	for _, p := range mappedPages {
		if p == guardPage {
			t.Errorf("guard page %d should not have been mapped", guardPage)
		}
	}

	if exp := bottom + uintptr(4*mem.PageSize); top != exp {
		t.Errorf("expected top %d; got %d", exp, top)
	}
}

func TestAllocStackConsumesArenaTopDown(t *testing.T) {
	resetArena(t)

	mapFn = func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error { return nil }
	frameAllocFn = func() (pmm.Frame, *kernel.Error) { return 1, nil }

	_, bottom1, err := AllocStack(2)
	if err != nil {
		t.Fatal(err)
	}
	_, bottom2, err := AllocStack(2)
	if err != nil {
		t.Fatal(err)
	}

	if bottom2 >= bottom1 {
		t.Errorf("expected second stack (%d) to be allocated below the first (%d)", bottom2, bottom1)
	}
}

func TestAllocStackExhaustion(t *testing.T) {
	resetArena(t)

	mapFn = func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error { return nil }
	frameAllocFn = func() (pmm.Frame, *kernel.Error) { return 1, nil }

	hugePageCount := mem.Size(mem.KernelStackArenaSize/mem.PageSize) + 1
	if _, _, err := AllocStack(hugePageCount); err != errArenaExhausted {
		t.Errorf("expected errArenaExhausted; got %v", err)
	}
}

func TestAllocStackUnwindsOnFrameAllocFailure(t *testing.T) {
	resetArena(t)

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	var unmapped []vmm.Page
	mapFn = func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error { return nil }
	unmapFn = func(p vmm.Page) *kernel.Error { unmapped = append(unmapped, p); return nil }

	allocCount := 0
	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		defer func() { allocCount++ }()
		if allocCount < 2 {
			return 1, nil
		}
		return pmm.InvalidFrame, expErr
	}

	if _, _, err := AllocStack(4); err != expErr {
		t.Fatalf("expected error: %v; got %v", expErr, err)
	}

	if exp := 2; len(unmapped) != exp {
		t.Errorf("expected %d pages to be unwound; got %d", exp, len(unmapped))
	}
}

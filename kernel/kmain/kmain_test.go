package kmain

import (
	"testing"
	"unsafe"

	"nimbuskernel/kernel"
	"nimbuskernel/kernel/hal/multiboot"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm"
	"nimbuskernel/kernel/mem/vmm"
)

func TestLoadInitModuleCopiesModuleBytesOutOfPhysicalSpace(t *testing.T) {
	defer func() {
		visitModulesFn = multiboot.VisitModules
		mapTemporaryFn = vmm.MapTemporary
		unmapFn = vmm.Unmap
		heapAllocFn = nil
		memcopyFn = kernel.Memcopy
	}()

	want := []byte("\x7fELF not a real binary, just test payload")

	// mapTemporaryFn below hands back a vmm.Page built straight from
	// physAddr, and vmm.Page.Address rounds down to a page boundary, so the
	// scratch buffer must itself start on one.
	raw := make([]byte, len(want)+int(mem.PageSize))
	physAddr := (uintptr(unsafe.Pointer(&raw[0])) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(physAddr)), len(want)), want)

	dst := make([]byte, len(want))

	visitModulesFn = func(visitor multiboot.ModuleVisitor) {
		visitor(&multiboot.Module{
			Name:          "init",
			PhysAddrStart: physAddr,
			PhysAddrEnd:   physAddr + uintptr(len(want)),
		})
	}
	mapTemporaryFn = func(pmm.Frame) (vmm.Page, *kernel.Error) {
		// The module fits in a single page, so the mock can ignore which
		// frame was requested and always hand back the scratch buffer.
		return vmm.PageFromAddress(physAddr), nil
	}
	unmapFn = func(vmm.Page) *kernel.Error { return nil }
	heapAllocFn = func(mem.Size) uintptr { return uintptr(unsafe.Pointer(&dst[0])) }

	image, err := loadInitModule()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(image) != string(want) {
		t.Fatalf("expected %q; got %q", want, image)
	}
}

func TestLoadInitModuleFailsWhenInitModuleMissing(t *testing.T) {
	defer func() { visitModulesFn = multiboot.VisitModules }()

	visitModulesFn = func(multiboot.ModuleVisitor) {}

	if _, err := loadInitModule(); err != errInitModuleMissing {
		t.Fatalf("expected errInitModuleMissing; got %v", err)
	}
}

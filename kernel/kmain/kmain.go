// Package kmain sequences the kernel's boot path: it is the only Go symbol
// the rt0 trampoline (out of scope, see SPEC_FULL.md) calls into after
// switching to 64-bit long mode and building a throwaway g0/m0 so ordinary
// Go function calls work.
package kmain

import (
	"unsafe"

	"nimbuskernel/kernel"
	"nimbuskernel/kernel/gdt"
	"nimbuskernel/kernel/goruntime"
	"nimbuskernel/kernel/hal/multiboot"
	"nimbuskernel/kernel/irq"
	"nimbuskernel/kernel/log"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/heap"
	"nimbuskernel/kernel/mem/pmm"
	"nimbuskernel/kernel/mem/pmm/allocator"
	"nimbuskernel/kernel/mem/stack"
	"nimbuskernel/kernel/mem/vmm"
	"nimbuskernel/kernel/sched"
	"nimbuskernel/kernel/syscall"
	"nimbuskernel/kernel/task"
)

const (
	// dfStackPages/bootRSP0Pages size the two stacks kernel/gdt's TSS needs
	// before any task exists: one for double-fault delivery (IST1), one as
	// the initial ring0 stack (RSP0) used for the very first ring 3 entry.
	dfStackPages  = mem.Size(2)
	bootRSP0Pages = mem.Size(2)

	// initModuleName is the Multiboot2 module name the embedded init ELF
	// binary is expected to carry on its command line.
	initModuleName = "init"
)

var (
	errKmainReturned     = &kernel.Error{Module: "kmain", Message: "Kmain implementation returned"}
	errInitModuleMissing = &kernel.Error{Module: "kmain", Message: "no \"init\" boot module supplied"}
)

// The following are seams over other packages' calls, used by
// kmain_test.go to exercise the module copy loop without a live
// PDT, frame allocator or heap.
var (
	visitModulesFn = multiboot.VisitModules
	mapTemporaryFn = vmm.MapTemporary
	unmapFn        = vmm.Unmap
	heapAllocFn    = heap.Alloc
	memcopyFn      = kernel.Memcopy
)

// Kmain is the kernel's single entrypoint. The rt0 trampoline passes the
// physical address of the Multiboot2 info structure and the physical
// bounds of the loaded kernel image. Kmain brings up every subsystem in
// dependency order and ends by entering the embedded init task in ring 3;
// it is not expected to return.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	log.Printf(log.Info, "nimbuskernel booting\n")

	if err := allocator.Init(kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	}

	if err := vmm.Init(mem.KernelImageStart); err != nil {
		kernel.Panic(err)
	}
	vmm.SetFrameAllocator(allocator.AllocFrame)

	if err := heap.Init(vmm.KernelPDT()); err != nil {
		kernel.Panic(err)
	}

	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	log.Printf(log.Info, "memory subsystem online\n")

	dfStackTop, _, err := stack.AllocStack(dfStackPages)
	if err != nil {
		kernel.Panic(err)
	}
	bootRSP0Top, _, err := stack.AllocStack(bootRSP0Pages)
	if err != nil {
		kernel.Panic(err)
	}

	gdt.Init(dfStackTop, bootRSP0Top)
	irq.Init()
	irq.InitPIC()
	irq.InitPIT()

	log.Printf(log.Info, "interrupts installed\n")

	tasks := task.NewList()

	idle, err := tasks.AllocKernelTask("idle", idleEntryAddr())
	if err != nil {
		kernel.Panic(err)
	}

	image, err := loadInitModule()
	if err != nil {
		kernel.Panic(err)
	}

	initTask, err := tasks.AllocUserTask("init", idle.PID, image)
	if err != nil {
		kernel.Panic(err)
	}

	sched.Init(tasks, initTask.PID)
	syscall.Init()

	log.Printf(log.Info, "entering init (pid %d)\n", initTask.PID)

	task.EnterUserMode(initTask)

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// loadInitModule locates the "init" Multiboot2 boot module, copies its
// contents out of the (not necessarily mapped) physical range the
// bootloader loaded it into, and returns them as a plain Go byte slice
// suitable for kernel/elf.Load.
func loadInitModule() ([]byte, *kernel.Error) {
	var mod *multiboot.Module
	visitModulesFn(func(m *multiboot.Module) bool {
		if m.Name == initModuleName {
			mod = m
			return false
		}
		return true
	})
	if mod == nil {
		return nil, errInitModuleMissing
	}

	size := mem.Size(mod.PhysAddrEnd - mod.PhysAddrStart)
	dst := heapAllocFn(size)

	startFrame := pmm.FrameFromAddress(mod.PhysAddrStart)
	pageCount := (size + mem.PageSize - 1) / mem.PageSize

	for i := mem.Size(0); i < pageCount; i++ {
		page, err := mapTemporaryFn(startFrame.Add(int(i)))
		if err != nil {
			return nil, err
		}

		copyLen := mem.PageSize
		if remaining := size - i*mem.PageSize; remaining < copyLen {
			copyLen = remaining
		}
		memcopyFn(page.Address(), dst+uintptr(i*mem.PageSize), uintptr(copyLen))

		if err := unmapFn(page); err != nil {
			return nil, err
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(size)), nil
}

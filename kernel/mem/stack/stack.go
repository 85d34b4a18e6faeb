// Package stack allocates guarded kernel stacks out of the reserved virtual
// range immediately above the kernel heap (see mem.KernelStackArenaStart).
//
// The allocator is modeled on vmm.EarlyReserveRegion's bump-pointer style:
// the arena only ever grows downward from its top, and nothing is ever
// returned to it, since stacks are torn down along with the task that owns
// them rather than individually recycled.
package stack

import (
	"nimbuskernel/kernel"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm/allocator"
	"nimbuskernel/kernel/mem/vmm"
	"nimbuskernel/kernel/sync"
)

var (
	// mapFn, unmapFn and frameAllocFn are used by tests to avoid depending
	// on a live PDT or frame allocator.
	mapFn        = vmm.Map
	unmapFn      = vmm.Unmap
	frameAllocFn = allocator.AllocFrame

	lock     sync.Spinlock
	nextFree = mem.KernelStackArenaEnd + 1

	errArenaExhausted = &kernel.Error{Module: "stack", Message: "kernel stack arena exhausted"}
)

// AllocStack reserves a guard page followed by nPages mapped, writable,
// non-executable pages inside the kernel stack arena. It returns the stack's
// top (the address one past the last byte; suitable for loading directly
// into RSP) and bottom (the first mapped byte, used to locate the guard
// page below it when detecting overflow).
func AllocStack(nPages mem.Size) (top, bottom uintptr, err *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	regionPages := nPages + 1 // + 1 guard page
	regionSize := regionPages * mem.PageSize

	if uintptr(regionSize) > nextFree-mem.KernelStackArenaStart {
		return 0, 0, errArenaExhausted
	}

	regionStart := nextFree - uintptr(regionSize)
	guardPage := vmm.PageFromAddress(regionStart)
	stackStart := regionStart + uintptr(mem.PageSize)

	page := vmm.PageFromAddress(stackStart)
	mappedPages := mem.Size(0)
	for ; mappedPages < nPages; mappedPages++ {
		frame, allocErr := frameAllocFn()
		if allocErr != nil {
			unwindPartialStack(page, mappedPages)
			return 0, 0, allocErr
		}

		if mapErr := mapFn(page+vmm.Page(mappedPages), frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); mapErr != nil {
			unwindPartialStack(page, mappedPages)
			return 0, 0, mapErr
		}
	}

	_ = guardPage // left unmapped by construction; named for documentation
	nextFree = regionStart

	return stackStart + uintptr(nPages)*uintptr(mem.PageSize), stackStart, nil
}

// unwindPartialStack unmaps the pages mapped so far by a failed AllocStack
// call so the arena is not left with an inconsistent half-built stack.
func unwindPartialStack(firstPage vmm.Page, mappedPages mem.Size) {
	for i := mem.Size(0); i < mappedPages; i++ {
		_ = unmapFn(firstPage + vmm.Page(i))
	}
}

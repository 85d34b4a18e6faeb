// Package heap implements the kernel's general-purpose dynamic memory
// allocator: a first-fit, coalescing, singly-linked free list carved out of
// the fixed virtual range described by mem.KernelHeapStart/KernelHeapEnd.
//
// The range is mapped once by Init and never grows; unlike the Go runtime's
// own allocator (bootstrapped separately by kernel/goruntime), this
// allocator backs kernel objects that need to exist before (or independently
// of) that bootstrap, such as the staging copy of the init module that
// kernel/kmain makes.
package heap

import (
	"nimbuskernel/kernel"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/vmm"
	"nimbuskernel/kernel/sync"
	"unsafe"
)

// blockHeader precedes every block (free or allocated) in the heap arena.
// size excludes the header itself.
type blockHeader struct {
	size mem.Size
	free bool
	next uintptr // address of the next block's header; 0 marks the list tail
}

const (
	headerSize = mem.Size(unsafe.Sizeof(blockHeader{}))

	// minBlockSize is the smallest payload a split-off remainder block is
	// allowed to have; splits that would leave a smaller free block are
	// skipped so the allocator never hands back a block too small to ever
	// be reused.
	minBlockSize = mem.Size(16)

	// allocAlign is the alignment applied to every requested size.
	allocAlign = mem.Size(16)
)

var (
	// mapVMAFn is used by tests to avoid depending on a live PDT.
	mapVMAFn = vmm.MapVMA

	lock        sync.Spinlock
	head        uintptr
	initialized bool

	errNotInitialized = &kernel.Error{Module: "heap", Message: "heap has not been initialized"}
	errOutOfMemory    = &kernel.Error{Module: "heap", Message: "heap exhausted"}
	errDoubleFree     = &kernel.Error{Module: "heap", Message: "double free detected"}
	errInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer does not belong to the heap arena"}
)

// Init maps the fixed kernel heap arena into pdt and primes the free list
// with a single block spanning the whole arena. Init must be called exactly
// once, after the kernel's own address space is active.
func Init(pdt *vmm.PageDirectoryTable) *kernel.Error {
	vma := vmm.VMA{
		Start: vmm.PageFromAddress(mem.KernelHeapStart),
		End:   vmm.PageFromAddress(mem.KernelHeapEnd) + 1,
		Flags: vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute,
	}

	if err := mapVMAFn(pdt, vma); err != nil {
		return err
	}

	head = mem.KernelHeapStart
	headerAt(head).init(mem.KernelHeapSize-headerSize, true, 0)
	initialized = true
	return nil
}

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func (b *blockHeader) init(size mem.Size, free bool, next uintptr) {
	b.size = size
	b.free = free
	b.next = next
}

func alignUp(size mem.Size) mem.Size {
	return (size + allocAlign - 1) &^ (allocAlign - 1)
}

// Alloc reserves size bytes from the heap arena and returns the address of
// the first usable byte. Exhaustion is an unrecoverable condition for this
// allocator: rather than returning a sentinel, Alloc panics with
// errOutOfMemory so that callers higher up the stack can present it as a
// recoverable Option/Result at their own boundary instead of every call site
// having to check for a zero address.
func Alloc(size mem.Size) uintptr {
	lock.Acquire()
	defer lock.Release()

	if !initialized {
		panic(errNotInitialized)
	}

	wantSize := alignUp(size)
	for addr := head; addr != 0; {
		hdr := headerAt(addr)
		if hdr.free && hdr.size >= wantSize {
			splitBlock(addr, hdr, wantSize)
			hdr.free = false
			return addr + uintptr(headerSize)
		}
		addr = hdr.next
	}

	panic(errOutOfMemory)
}

// splitBlock carves a wantSize block out of the front of the free block at
// addr, inserting a new free block header for the remainder when the
// remainder is large enough to be useful on its own.
func splitBlock(addr uintptr, hdr *blockHeader, wantSize mem.Size) {
	remaining := hdr.size - wantSize
	if remaining < headerSize+minBlockSize {
		return
	}

	newAddr := addr + uintptr(headerSize) + uintptr(wantSize)
	headerAt(newAddr).init(remaining-headerSize, true, hdr.next)

	hdr.size = wantSize
	hdr.next = newAddr
}

// Free releases a block previously returned by Alloc, coalescing it with the
// immediately-following and immediately-preceding blocks when they are free.
func Free(ptr uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if !initialized {
		return errNotInitialized
	}
	if ptr < head+uintptr(headerSize) || ptr >= mem.KernelHeapStart+uintptr(mem.KernelHeapSize) {
		return errInvalidPointer
	}

	addr := ptr - uintptr(headerSize)
	hdr := headerAt(addr)
	if hdr.free {
		return errDoubleFree
	}

	hdr.free = true
	coalesceWithNext(addr, hdr)

	// Merge into the preceding block as well when that one is free.
	for prev := head; prev != 0 && prev != addr; prev = headerAt(prev).next {
		if prevHdr := headerAt(prev); prevHdr.next == addr {
			if prevHdr.free {
				coalesceWithNext(prev, prevHdr)
			}
			break
		}
	}
	return nil
}

// coalesceWithNext merges hdr with its immediate successor when the
// successor is both contiguous in memory and itself free.
func coalesceWithNext(addr uintptr, hdr *blockHeader) {
	if hdr.next == 0 {
		return
	}

	next := headerAt(hdr.next)
	if !next.free {
		return
	}
	if addr+uintptr(headerSize)+uintptr(hdr.size) != hdr.next {
		return
	}

	hdr.size += headerSize + next.size
	hdr.next = next.next
}

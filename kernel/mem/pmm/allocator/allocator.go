// Package allocator implements the two-stage physical frame allocator used
// by the kernel.
//
// Stage A (bootMemAllocator) is a bump allocator over the memory map handed
// over by the bootloader. It is active from the earliest boot code, before
// the kernel heap exists, and only supports allocation.
//
// Stage B (buddyAllocator) is a binary-buddy allocator that takes over once
// the kernel heap is online and supports both allocation and freeing. The
// transition from Stage A to Stage B happens once, via Init, and is
// irreversible: AllocFrame and FreeFrame are routed through the
// package-level currentStage function variable, which Init flips from
// Stage A to Stage B and which is never flipped back.
package allocator

import (
	"nimbuskernel/kernel"
	"nimbuskernel/kernel/hal/multiboot"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm"
)

var (
	// buddy is the Stage B allocator, brought online by Init.
	buddy buddyAllocator

	// allocFrameFn and freeFrameFn are the façade's current dispatch
	// targets. Before Init runs they route to Stage A (free is a no-op
	// error since Stage A cannot reclaim frames); Init retargets both to
	// Stage B and the retarget is permanent.
	allocFrameFn = earlyAllocFrame
	freeFrameFn  = stageAFreeUnsupported

	errStageAFreeUnsupported = &kernel.Error{Module: "frame_alloc", Message: "stage A allocator does not support freeing frames"}
)

// earlyAllocFrame wraps earlyAllocator.AllocFrame as a package-level
// function. Taking the method value directly (earlyAllocator.AllocFrame)
// would force the compiler to heap-allocate a closure the first time this
// package is used, before the kernel heap exists; a plain function avoids
// that.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

func stageAFreeUnsupported(pmm.Frame) *kernel.Error {
	return errStageAFreeUnsupported
}

func buddyAllocFrame() (pmm.Frame, *kernel.Error) {
	return buddy.AllocFrame()
}

func buddyFreeFrame(f pmm.Frame) *kernel.Error {
	return buddy.FreeFrame(f)
}

// AllocFrame reserves a single physical frame using whichever stage is
// currently active.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return allocFrameFn()
}

// FreeFrame releases a previously allocated physical frame. Calling this
// before Init has completed the Stage A -> Stage B transition returns an
// error, since Stage A cannot reclaim memory.
func FreeFrame(f pmm.Frame) *kernel.Error {
	return freeFrameFn(f)
}

// Init brings up Stage A immediately (so that early boot code can call
// AllocFrame right away) and then switches the façade over to Stage B.
//
// The Stage B buddy allocator is seeded from the single largest contiguous
// available region reported by the bootloader's memory map, after excluding
// the kernel image and any frames Stage A has already handed out from that
// region (Stage A allocations from other regions are simply outside the
// range Stage B manages and stay permanently reserved for their original
// purpose, e.g. the kernel heap backing frames allocated while Stage A was
// still active).
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	base, order := largestFreeRegion(kernelStart, kernelEnd)
	buddy.init(base, order)
	buddy.printStats()

	allocFrameFn = buddyAllocFrame
	freeFrameFn = buddyFreeFrame
	return nil
}

// largestFreeRegion scans the Multiboot2 memory map and returns the start
// frame and buddy order (log2 frame count, rounded down to a power of two)
// of the largest available region that does not overlap the kernel image.
func largestFreeRegion(kernelStart, kernelEnd uintptr) (pmm.Frame, uint) {
	var (
		bestStart  pmm.Frame
		bestFrames uint64
	)

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	kernelStartFrame := pmm.FrameFromAddress(kernelStart)
	kernelEndFrame := pmm.FrameFromAddress(uintptr((uint64(kernelEnd) + pageSizeMinus1) &^ pageSizeMinus1))

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mem.PageSize) {
			return true
		}

		regionStart := pmm.Frame((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1 >> mem.PageShift)
		regionEnd := pmm.Frame((region.PhysAddress+region.Length) &^ pageSizeMinus1 >> mem.PageShift)

		// Split the region around the kernel image, if it overlaps, and
		// consider both halves independently.
		considerSpan(regionStart, regionEnd, kernelStartFrame, kernelEndFrame, &bestStart, &bestFrames)
		return true
	})

	if bestFrames == 0 {
		return pmm.InvalidFrame, 0
	}
	return bestStart, blockOrder(uint32(bestFrames))
}

// considerSpan evaluates [start,end) against the kernel's reserved
// [kernelStart,kernelEnd) span, updating bestStart/bestFrames in place with
// whichever of the (up to two) resulting sub-spans is larger and beats the
// current best. The returned order for the chosen span is always rounded
// down so the buddy tree never claims frames outside what was reported
// available.
func considerSpan(start, end, kernelStart, kernelEnd pmm.Frame, bestStart *pmm.Frame, bestFrames *uint64) {
	tryCandidate := func(s, e pmm.Frame) {
		if e <= s {
			return
		}
		frames := uint64(e - s)
		// Round down to a power of two so the buddy tree never extends
		// past the reported free span.
		order := blockOrder(uint32(frames))
		if uint64(1)<<order > frames {
			order--
		}
		frames = uint64(1) << order
		if frames > *bestFrames {
			*bestFrames = frames
			*bestStart = s
		}
	}

	switch {
	case kernelEnd <= start || kernelStart >= end:
		// no overlap
		tryCandidate(start, end)
	default:
		tryCandidate(start, kernelStart)
		tryCandidate(kernelEnd, end)
	}
}

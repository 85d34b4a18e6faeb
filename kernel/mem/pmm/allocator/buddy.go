package allocator

import (
	"nimbuskernel/kernel"
	"nimbuskernel/kernel/kfmt"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/pmm"
)

var (
	errBuddyAllocOutOfMemory = &kernel.Error{Module: "buddy_alloc", Message: "out of memory"}
	errBuddyDoubleFree       = &kernel.Error{Module: "buddy_alloc", Message: "frame already free"}
	errBuddyUnmanagedFrame   = &kernel.Error{Module: "buddy_alloc", Message: "frame not managed by this allocator"}
)

// buddyAllocator is a binary-buddy physical frame allocator. It manages a
// single contiguous run of frames using a complete binary tree stored as a
// flat array: node k stores the size (in frames, always a power of two) of
// the largest free block reachable below it. The tree has depth
// order+1; leaves correspond to single-frame blocks.
//
// Unlike bootMemAllocator, this allocator supports freeing and is installed
// as the second (and final) stage of the physical frame allocator façade.
type buddyAllocator struct {
	// baseFrame is the first frame managed by this allocator.
	baseFrame pmm.Frame

	// order is log2 of the number of frames managed (a power of two). The
	// tree therefore covers 1<<order frames even if fewer than that are
	// actually usable; callers must ensure baseFrame..baseFrame+1<<order
	// lies within memory the system actually owns.
	order uint

	// tree holds one entry per tree node; tree[1] is the root. Index 0 is
	// unused so that a node's children are always 2k and 2k+1.
	tree []uint32

	// No per-frame index is kept: freeing a block walks down from the
	// root to the block's node using the frame's offset.
}

// init configures the allocator to manage the 1<<order frames starting at
// base. The caller is responsible for picking an order that fits entirely
// within a single free region (see largestFreeRegion).
func (b *buddyAllocator) init(base pmm.Frame, order uint) {
	b.baseFrame = base
	b.order = order

	nodeCount := uint32(1) << (order + 1)
	b.tree = make([]uint32, nodeCount)
	b.initNode(1, order)
}

// initNode recursively seeds the tree so that every node's value equals the
// size (in frames) of the block it covers -- the initial "everything is
// free" state.
func (b *buddyAllocator) initNode(node uint32, level uint) {
	b.tree[node] = uint32(1) << level
	if level == 0 {
		return
	}
	b.initNode(2*node, level-1)
	b.initNode(2*node+1, level-1)
}

// blockOrder rounds up count frames to the next power-of-two order.
func blockOrder(count uint32) uint {
	var order uint
	size := uint32(1)
	for size < count {
		size <<= 1
		order++
	}
	return order
}

// AllocFrames reserves a contiguous, power-of-two-aligned run of nFrames
// frames (nFrames is rounded up to the next power of two) and returns the
// first frame in the run.
func (b *buddyAllocator) AllocFrames(nFrames uint32) (pmm.Frame, *kernel.Error) {
	if nFrames == 0 {
		nFrames = 1
	}
	wantOrder := blockOrder(nFrames)
	if wantOrder > b.order || b.tree[1] < (uint32(1)<<wantOrder) {
		return pmm.InvalidFrame, errBuddyAllocOutOfMemory
	}

	offset, ok := b.allocNode(1, b.order, wantOrder)
	if !ok {
		return pmm.InvalidFrame, errBuddyAllocOutOfMemory
	}
	return b.baseFrame.Add(int(offset)), nil
}

// AllocFrame reserves a single frame.
func (b *buddyAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	return b.AllocFrames(1)
}

// allocNode walks from node (covering 1<<level frames, starting at the
// given node's block offset) looking for a block of size 1<<wantOrder. It
// prefers the left child when it can satisfy the request, falling back to
// the right child otherwise, per the buddy allocation rule. It returns the
// frame offset (relative to baseFrame) of the allocated block.
func (b *buddyAllocator) allocNode(node uint32, level, wantOrder uint) (uint32, bool) {
	if level == wantOrder {
		if b.tree[node] < (uint32(1) << level) {
			return 0, false
		}
		b.tree[node] = 0
		return 0, true
	}

	left, right := 2*node, 2*node+1
	leftSize := uint32(1) << (level - 1)

	var (
		offset uint32
		ok     bool
	)
	if b.tree[left] >= (uint32(1) << wantOrder) {
		offset, ok = b.allocNode(left, level-1, wantOrder)
	} else if b.tree[right] >= (uint32(1) << wantOrder) {
		offset, ok = b.allocNode(right, level-1, wantOrder)
		offset += leftSize
	} else {
		return 0, false
	}

	if !ok {
		return 0, false
	}

	b.tree[node] = maxUint32(b.tree[left], b.tree[right])
	return offset, true
}

// FreeFrames releases a run of nFrames frames (rounded up to the same
// power-of-two order AllocFrames would have used) starting at first.
func (b *buddyAllocator) FreeFrames(first pmm.Frame, nFrames uint32) *kernel.Error {
	if nFrames == 0 {
		nFrames = 1
	}
	if first < b.baseFrame {
		return errBuddyUnmanagedFrame
	}
	offset := uint32(first - b.baseFrame)
	if offset >= uint32(1)<<b.order {
		return errBuddyUnmanagedFrame
	}

	wantOrder := blockOrder(nFrames)
	return b.freeNode(1, b.order, wantOrder, offset)
}

// FreeFrame releases a single previously allocated frame.
func (b *buddyAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	return b.FreeFrames(f, 1)
}

// freeNode walks down to the node at wantOrder that covers offset and marks
// it free again, merging with its buddy back up towards the root whenever
// both children are themselves fully free.
func (b *buddyAllocator) freeNode(node uint32, level, wantOrder uint, offset uint32) *kernel.Error {
	if level == wantOrder {
		full := uint32(1) << level
		if b.tree[node] == full {
			return errBuddyDoubleFree
		}
		b.tree[node] = full
		return nil
	}

	leftSize := uint32(1) << (level - 1)
	left, right := 2*node, 2*node+1

	var err *kernel.Error
	if offset < leftSize {
		err = b.freeNode(left, level-1, wantOrder, offset)
	} else {
		err = b.freeNode(right, level-1, wantOrder, offset-leftSize)
	}
	if err != nil {
		return err
	}

	if b.tree[left] == leftSize && b.tree[right] == leftSize {
		b.tree[node] = 2 * leftSize
	} else {
		b.tree[node] = maxUint32(b.tree[left], b.tree[right])
	}
	return nil
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// frameCount returns the number of frames this allocator manages.
func (b *buddyAllocator) frameCount() uint32 {
	return uint32(1) << b.order
}

// printStats logs the number of managed frames and the number of currently
// free frames. The root only records the largest contiguous free block, not
// the total free count, so printStats walks the tree to get an exact figure.
func (b *buddyAllocator) printStats() {
	var free mem.Size
	b.countFree(1, b.order, &free)
	kfmt.Printf("[buddy_alloc] managing %d frames (%dKb), %d free (%dKb)\n",
		uint64(b.frameCount()), uint64(mem.Size(b.frameCount())*mem.PageSize/mem.Kb),
		uint64(free), uint64(free*mem.PageSize/mem.Kb),
	)
}

func (b *buddyAllocator) countFree(node uint32, level uint, acc *mem.Size) {
	if level == 0 {
		if b.tree[node] != 0 {
			*acc++
		}
		return
	}
	full := uint32(1) << level
	if b.tree[node] == full {
		*acc += mem.Size(full)
		return
	}
	if b.tree[node] == 0 {
		return
	}
	b.countFree(2*node, level-1, acc)
	b.countFree(2*node+1, level-1, acc)
}

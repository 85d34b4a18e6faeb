// Package task owns the kernel's task table: per-task address spaces,
// kernel stacks and saved register context, plus the allocation paths that
// build a kernel thread or a user process.
package task

import (
	"unsafe"

	"nimbuskernel/kernel"
	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/elf"
	"nimbuskernel/kernel/mem"
	"nimbuskernel/kernel/mem/stack"
	"nimbuskernel/kernel/mem/vmm"
	"nimbuskernel/kernel/sync"
)

// ProcID identifies a task. 0 is never assigned; it is used as a sentinel
// for "no parent"/"no current task".
type ProcID int64

// TaskState tracks where a task sits in its lifecycle.
type TaskState uint8

const (
	Unused TaskState = iota
	Created
	Ready
	Running
	Sleeping
	Zombie
)

// MaxTasks bounds the task table; alloc calls past this fail rather than
// growing the table unboundedly.
const MaxTasks = 64

// kernelStackPages is the number of pages (beyond the guard page) given to
// every kernel-mode stack (8KiB, matching the two-page kernel thread stack
// this design is grounded on).
const kernelStackPages = mem.Size(2)

// Task is a single schedulable unit: either a kernel thread sharing the
// kernel's own permanent address space, or a user process with its own.
type Task struct {
	PID  ProcID
	PPID ProcID
	Name string

	// AddressSpace is nil for kernel tasks, which run in the kernel's
	// permanent address space instead of owning one of their own.
	AddressSpace *vmm.PageDirectoryTable
	VMAs         []vmm.VMA

	KernStackTop    uintptr
	KernStackBottom uintptr

	Context SavedContext
	TLS     TLSSegment

	// EntryPoint is the user-mode instruction pointer a freshly built user
	// task should start executing at. It is set by AllocUserTask and read
	// by kernel/kmain when it performs the task's first (and only this
	// kernel's first) ring 3 entry; SwitchTo never consults it, since every
	// task it resumes has already run at least once.
	EntryPoint uintptr

	State TaskState
}

var (
	allocStackFn = stack.AllocStack
	activePDTFn  = cpu.ActivePDT
	createASFn   = vmm.CreateAddressSpace
	elfLoadFn    = elf.Load
	mapVMAFn     = vmm.MapVMA
)

// List is the kernel's task table.
type List struct {
	lock   sync.Spinlock
	tasks  map[ProcID]*Task
	nextID ProcID
}

var errTableFull = &kernel.Error{Module: "task", Message: "task table exhausted"}

// NewList builds an empty task table. PID allocation starts at 1.
func NewList() *List {
	return &List{tasks: make(map[ProcID]*Task), nextID: 1}
}

// Get returns the task with the given pid, or nil if it does not exist.
func (l *List) Get(pid ProcID) *Task {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.tasks[pid]
}

// Count returns the number of tasks ever allocated, including zombies still
// occupying a table slot.
func (l *List) Count() int {
	l.lock.Acquire()
	defer l.lock.Release()
	return len(l.tasks)
}

// NextAfter returns the smallest live pid strictly greater than pid,
// wrapping around to the smallest live pid overall. Used by kernel/sched's
// round-robin tick handler. Returns 0 if the table is empty.
func (l *List) NextAfter(pid ProcID) ProcID {
	l.lock.Acquire()
	defer l.lock.Release()

	if len(l.tasks) == 0 {
		return 0
	}

	best := ProcID(0)
	wrap := ProcID(0)
	for id, t := range l.tasks {
		if t.State == Zombie || t.State == Unused {
			continue
		}
		if id > pid && (best == 0 || id < best) {
			best = id
		}
		if wrap == 0 || id < wrap {
			wrap = id
		}
	}
	if best != 0 {
		return best
	}
	return wrap
}

// Put inserts a pre-built task into the table, assigning it the next pid if
// it doesn't already have one. kernel/sched's tests use this to assemble
// fixture tasks without going through the allocation paths, which touch
// privileged CPU state.
func (l *List) Put(t *Task) {
	l.lock.Acquire()
	defer l.lock.Release()

	if t.PID == 0 {
		t.PID = l.nextID
		l.nextID++
	}
	l.tasks[t.PID] = t
}

// AllocKernelTask creates a kernel-mode task that begins executing at entry
// with interrupts enabled, sharing the kernel's own permanent address
// space. The new task's kernel stack is seeded so that the first context
// switch into it "returns" straight into entry (see SwitchTo).
func (l *List) AllocKernelTask(name string, entry uintptr) (*Task, *kernel.Error) {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.nextID >= MaxTasks {
		return nil, errTableFull
	}

	top, bottom, err := allocStackFn(kernelStackPages)
	if err != nil {
		return nil, err
	}

	t := &Task{
		PID:             l.nextID,
		PPID:            0,
		Name:            name,
		KernStackTop:    top,
		KernStackBottom: bottom,
		State:           Created,
	}
	t.TLS = TLSSegment{KernelRSP: uint64(top)}

	seedEntryPoint(t, entry, uint64(activePDTFn()))

	l.tasks[t.PID] = t
	l.nextID++
	return t, nil
}

// AllocUserTask creates a user-mode task running image (a statically
// linked ELF64 executable) in a brand new address space, with parent as
// its ppid. The returned task is left in the Created state; the caller
// (kernel/kmain) is expected to enter it via a ring 3 transition, not a
// plain SwitchTo.
func (l *List) AllocUserTask(name string, parent ProcID, image []byte) (*Task, *kernel.Error) {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.nextID >= MaxTasks {
		return nil, errTableFull
	}

	as, err := createASFn(mem.KernelImageStart)
	if err != nil {
		return nil, err
	}

	codeVMA := vmm.UserCodeVMA(mem.Size(len(image)))
	// dataVMA's size is a fixed allowance for the init binary's data/bss,
	// the same spirit of placeholder sizing codeVMA already uses for the
	// code region rather than deriving an exact figure from the ELF.
	dataVMA := vmm.UserDataVMA(codeVMA, mem.PageSize)
	stackVMA := vmm.UserStackVMA()

	entry, err := elfLoadFn(image, as)
	if err != nil {
		return nil, err
	}
	if err := mapVMAFn(as, dataVMA); err != nil {
		return nil, err
	}
	if err := mapVMAFn(as, stackVMA); err != nil {
		return nil, err
	}

	top, bottom, err := allocStackFn(kernelStackPages)
	if err != nil {
		return nil, err
	}

	t := &Task{
		PID:             l.nextID,
		PPID:            parent,
		Name:            name,
		AddressSpace:    as,
		VMAs:            []vmm.VMA{codeVMA, dataVMA, stackVMA},
		KernStackTop:    top,
		KernStackBottom: bottom,
		State:           Created,
	}
	t.TLS = TLSSegment{KernelRSP: uint64(top)}
	t.Context.RFlags = 0x202
	t.Context.RSP = uint64(mem.UserStackEnd) + 1
	t.Context.CR3 = uint64(as.Frame().Address())
	t.EntryPoint = entry

	l.tasks[t.PID] = t
	l.nextID++
	return t, nil
}

// seedEntryPoint writes entry onto the top of the task's fresh kernel stack
// and points Context.RSP just below it, so that SwitchTo's trailing RET
// lands on entry the first time this task is switched to -- the same trick
// a normal call/ret pair uses to resume a suspended stack, applied once up
// front to a stack nothing has run on yet.
func seedEntryPoint(t *Task, entry uintptr, cr3 uint64) {
	sp := t.KernStackTop - unsafe.Sizeof(entry)
	*(*uintptr)(unsafe.Pointer(sp)) = entry

	t.Context.RFlags = 0x202 // IF set
	t.Context.RSP = uint64(sp)
	t.Context.CR3 = cr3
}

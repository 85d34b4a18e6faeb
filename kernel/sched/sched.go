// Package sched implements round-robin preemptive scheduling on top of
// kernel/task's task table and cooperative context switch. It owns exactly
// one piece of mutable state -- the currently running task's pid -- and
// drives switches from two places: the PIT tick (kernel/irq's timer IRQ)
// and kernel/sync's spinlock yield hook.
package sched

import (
	"sync/atomic"

	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/irq"
	"nimbuskernel/kernel/sync"
	"nimbuskernel/kernel/task"
)

var (
	tasks *task.List

	// current is the pid of the task believed to be running, accessed with
	// sequentially-consistent atomics to match the ordering guarantee on the
	// tick counter (kernel/irq.Ticks): the scheduler's store here must be
	// observed no later than the next timer tick after the switch completes.
	current int64

	disableIRQFn = cpu.DisableInterrupts
	enableIRQFn  = cpu.EnableInterrupts
	switchFn     = task.SwitchTo
)

// Init wires the round-robin tick into the PIT and installs Yield as
// kernel/sync's contended-lock hook, then marks initial as the current task.
// kernel/kmain calls it just before entering initial via task.EnterUserMode.
// It must run after kernel/irq.InitPIT and after initial has been allocated.
func Init(list *task.List, initial task.ProcID) {
	tasks = list
	atomic.StoreInt64(&current, int64(initial))

	irq.SetTickCallback(onTick)
	sync.SetYieldFn(Yield)
}

// Current returns the pid of the task believed to be running. 0 before
// Init, or if every task has exited.
func Current() task.ProcID {
	return task.ProcID(atomic.LoadInt64(&current))
}

// onTick runs on every PIT interrupt, inside the timer's interrupt gate --
// IF is already clear, matching what resched requires.
func onTick(_ *irq.Frame, _ *irq.Regs) {
	resched()
}

// Yield gives up the remainder of the current task's slice immediately,
// without waiting for the next tick. kernel/sync calls this when a spinlock
// has been contended past its spin budget.
func Yield() {
	disableIRQFn()
	resched()
	enableIRQFn()
}

// resched picks the next Ready task after current, round-robin, and
// switches to it. It must run with interrupts disabled: either because it
// was called from inside an interrupt gate (onTick) or because the caller
// disabled them first (Yield).
func resched() {
	cur := task.ProcID(atomic.LoadInt64(&current))
	if tasks == nil || cur == 0 {
		return
	}

	next := tasks.NextAfter(cur)
	if next == 0 || next == cur {
		return
	}

	from := tasks.Get(cur)
	to := tasks.Get(next)
	if from == nil || to == nil {
		return
	}

	if from.State == task.Running {
		from.State = task.Ready
	}
	to.State = task.Running
	atomic.StoreInt64(&current, int64(next))

	switchFn(from, to)
}

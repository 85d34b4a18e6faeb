package kmain

import "nimbuskernel/kernel/cpu"

// idleEntry is the kernel's idle task: the thread kernel/sched resumes
// whenever no other task is ready to run. It never returns.
func idleEntry() {
	for {
		cpu.Halt()
	}
}

// idleEntryAddr is implemented in idle_amd64.s; it returns idleEntry's
// address so it can be seeded as a task's first instruction the same way
// kernel/syscall obtains its entry trampoline's address.
func idleEntryAddr() uintptr

package syscall

// syscallEntry is the target IA32_LSTAR is programmed to point at. It is
// entered directly by the SYSCALL instruction, not called, so it takes no
// Go-visible arguments; see entry_amd64.s for the register contract.
func syscallEntry()

// syscallEntryAddr returns syscallEntry's address, for programming
// IA32_LSTAR -- the same pattern kernel/irq uses to hand a trampoline's
// address to a Go caller without pulling in reflect.
func syscallEntryAddr() uintptr

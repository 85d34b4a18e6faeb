package irq

// The trampolines below are naked assembly entry points installed directly
// into IDT gates. Each one pushes a fixed vector number (and, for the
// error-code vectors, leaves the CPU's own error code where it is) and jumps
// into one of two shared bodies that save every general-purpose register,
// build the Regs/Frame pointers and call into dispatchNoCode or
// dispatchWithCode, then restore registers and IRETQ.
//
// Go has no syntax for taking the address of an assembly-only symbol, so
// each trampoline has a matching *Addr accessor, itself implemented in
// assembly, that simply returns the trampoline's entry PC.
func trampolineDivideByZero()
func trampolineDivideByZeroAddr() uintptr

func trampolineBreakpoint()
func trampolineBreakpointAddr() uintptr

func trampolineDoubleFault()
func trampolineDoubleFaultAddr() uintptr

func trampolineGPF()
func trampolineGPFAddr() uintptr

func trampolinePageFault()
func trampolinePageFaultAddr() uintptr

func trampolineTimer()
func trampolineTimerAddr() uintptr

func trampolineKeyboard()
func trampolineKeyboardAddr() uintptr

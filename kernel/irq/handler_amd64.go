package irq

import "nimbuskernel/kernel/kfmt"

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DivideByZeroException is raised by the DIV/IDIV instructions when
	// the divisor is zero.
	DivideByZeroException = ExceptionNum(0)

	// BreakpointException is raised by the INT3 instruction; used by
	// debuggers to set software breakpoints.
	BreakpointException = ExceptionNum(3)

	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// IRQHandler is a function that services a hardware interrupt delivered
// through the remapped PIC vectors. Unlike exception handlers it receives no
// error code. The handler owns sending the PIC EOI itself, and must do so
// before any code that might not return to the trampoline (e.g. a scheduler
// switch) -- dispatchNoCode cannot ack on the handler's behalf after the
// call returns, because for the timer IRQ it never does.
type IRQHandler func(*Frame, *Regs)

var (
	exceptionHandlers         [256]ExceptionHandler
	exceptionHandlersWithCode [256]ExceptionHandlerWithCode
	irqHandlers               [256]IRQHandler
)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[exceptionNum] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[exceptionNum] = handler
}

// HandleIRQ registers a handler for a hardware interrupt vector (already
// remapped past the CPU exception range by kernel/irq's PIC setup).
func HandleIRQ(vector uint8, handler IRQHandler) {
	irqHandlers[vector] = handler
}

// dispatchNoCode is called by the common trampoline body for every vector
// that has no CPU-pushed error code (software exceptions and IRQs alike).
func dispatchNoCode(vector uint8, regs *Regs, frame *Frame) {
	if h := exceptionHandlers[vector]; h != nil {
		h(frame, regs)
		return
	}
	if h := irqHandlers[vector]; h != nil {
		h(frame, regs)
		return
	}
	unhandledVector(vector, 0, false, frame, regs)
}

// dispatchWithCode is called by the common trampoline body for vectors that
// carry a CPU-pushed error code (#DF, #GP, #PF).
func dispatchWithCode(vector uint8, errCode uint64, regs *Regs, frame *Frame) {
	if h := exceptionHandlersWithCode[vector]; h != nil {
		h(errCode, frame, regs)
		return
	}
	unhandledVector(vector, errCode, true, frame, regs)
}

func unhandledVector(vector uint8, errCode uint64, hasCode bool, frame *Frame, regs *Regs) {
	kfmt.Printf("\nunhandled interrupt vector %d", uint64(vector))
	if hasCode {
		kfmt.Printf(" (error code %x)", errCode)
	}
	kfmt.Printf("\n")
	frame.Print()
	regs.Print()
	for {
		haltFn()
	}
}

package irq

import (
	"unsafe"

	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/gdt"
)

// idtEntry is a single 16-byte IDT gate descriptor. Its fields are declared
// with naturally-aligned sizes (u16,u16,u16,u16,u32,u32) so Go lays it out
// identically to the hardware structure without any implicit padding.
type idtEntry struct {
	pointerLow    uint16
	selector      uint16
	options       uint16
	pointerMiddle uint16
	pointerHigh   uint32
	zero          uint32
}

// gate option bit layout, within idtEntry.options:
//
//	bits 0-2   IST index (0 = none)
//	bits 9-11  must be 1 (reserved, always set)
//	bit 8      gate type: 0 = interrupt gate, 1 = trap gate
//	bits 13-14 DPL
//	bit 15     present
const (
	optionsReservedOnes = uint16(0b111) << 9
	optionsPresent       = uint16(1) << 15
)

func newGate(handlerAddr uintptr, ist uint8) idtEntry {
	return idtEntry{
		pointerLow:    uint16(handlerAddr),
		selector:      gdt.KernelCodeSelector,
		options:       optionsReservedOnes | optionsPresent | uint16(ist&0x7),
		pointerMiddle: uint16(handlerAddr >> 16),
		pointerHigh:   uint32(handlerAddr >> 32),
	}
}

// idt is the kernel's interrupt descriptor table. Every entry starts
// absent; Init only populates the handful of vectors this kernel actually
// installs (see Init's doc comment).
var idt [256]idtEntry

// loadIDTFn is used by tests to avoid touching the CPU's actual IDTR.
var loadIDTFn = loadIDT

// cpuLoadIDTFn is a seam over cpu.LoadIDT so tests can stub the lgdt-style
// instruction out from under loadIDT without faking the whole package.
var cpuLoadIDTFn = cpu.LoadIDT

// haltFn is a seam over cpu.Halt so tests can observe an unhandled vector
// without spinning the test process.
var haltFn = cpu.Halt

// Init installs the fixed set of vectors this kernel uses (#DE, #BP, #DF on
// IST1, #GP, #PF, and the two legacy IRQs the PIC chain is remapped to
// deliver) and loads the IDT. It must run after kernel/gdt.Init, since gate
// selectors and the double-fault IST both come from the GDT/TSS.
func Init() {
	idt[0] = newGate(trampolineDivideByZeroAddr(), 0)
	idt[3] = newGate(trampolineBreakpointAddr(), 0)
	idt[8] = newGate(trampolineDoubleFaultAddr(), 1)
	idt[13] = newGate(trampolineGPFAddr(), 0)
	idt[14] = newGate(trampolinePageFaultAddr(), 0)
	idt[timerVector] = newGate(trampolineTimerAddr(), 0)
	idt[keyboardVector] = newGate(trampolineKeyboardAddr(), 0)

	loadIDTFn()
}

func loadIDT() {
	cpuLoadIDTFn(idtAddr(), uint16(len(idt)))
}

func idtAddr() uintptr {
	return uintptr(unsafe.Pointer(&idt[0]))
}

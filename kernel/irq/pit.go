package irq

import "sync/atomic"

// The PIT's oscillator runs at ~1.193182 MHz; the 16-bit reload value loaded
// into channel 0 determines the interrupt frequency.
const (
	pitChannel0Port = 0x40
	pitCommandPort  = 0x43

	pitFrequency = 1193182

	pitCmdChannel0   = 0 << 6
	pitCmdAccessLoHi = 3 << 4
	pitCmdModeSquare = 3 << 1 // mode 3: square wave generator
)

// TickHz is the fixed rate at which the timer handler fires.
const TickHz = 100

var ticks uint64

// tickCallback, when set, runs after every timer tick and EOI; kernel/sched
// installs its round-robin preemption hook here.
var tickCallback func(*Frame, *Regs)

// InitPIT programs PIT channel 0 for a square wave at TickHz and registers
// the tick handler on the timer's remapped IRQ vector.
func InitPIT() {
	reload := uint16(pitFrequency / TickHz)

	outbFn(pitCommandPort, pitCmdChannel0|pitCmdAccessLoHi|pitCmdModeSquare)
	outbFn(pitChannel0Port, uint8(reload))
	outbFn(pitChannel0Port, uint8(reload>>8))

	HandleIRQ(timerVector, onTick)
}

// SetTickCallback installs the function invoked on every timer tick, after
// bookkeeping (the tick counter and PIC EOI) is done. Passing nil disables
// it.
func SetTickCallback(fn func(*Frame, *Regs)) {
	tickCallback = fn
}

// Ticks returns the number of timer interrupts serviced since InitPIT.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

// onTick must ack the PIC before running the scheduler hook: switching into
// a task that has never run RETs straight to that task's entry point and
// never unwinds back through the trampoline that called onTick, so any EOI
// sent after tickCallback would never actually be sent and the PIC would
// stop delivering further timer IRQs.
func onTick(frame *Frame, regs *Regs) {
	ackIRQ(timerVector)
	atomic.AddUint64(&ticks, 1)
	if tickCallback != nil {
		tickCallback(frame, regs)
	}
}

package irq

import "nimbuskernel/kernel/cpu"

// The legacy 8259A PIC pair is cascaded: the slave's INT output feeds line 2
// of the master. Both controllers are remapped past the CPU's reserved
// exception vectors (0-31) so a spurious IRQ never collides with a fault.
const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xa0
	slaveDataPort     = 0xa1

	picEOI = 0x20

	icw1Init       = 0x10
	icw1ExpectICW4 = 0x01
	icw4_8086      = 0x01

	// masterOffset/slaveOffset are the remapped vector bases; IRQ0 (the
	// PIT) lands on masterOffset+0, IRQ1 (the keyboard) on masterOffset+1.
	masterOffset = 0x20
	slaveOffset  = 0x28

	timerVector    = masterOffset + 0
	keyboardVector = masterOffset + 1
)

var (
	outbFn = cpu.Outb
	inbFn  = cpu.Inb
)

// InitPIC remaps both 8259A controllers so IRQ0-15 deliver on vectors
// 0x20-0x2f instead of colliding with the CPU's own 0-31 exception range,
// then masks every line except the timer and keyboard.
func InitPIC() {
	masterMask := inbFn(masterDataPort)
	slaveMask := inbFn(slaveDataPort)

	outbFn(masterCommandPort, icw1Init|icw1ExpectICW4)
	outbFn(slaveCommandPort, icw1Init|icw1ExpectICW4)

	outbFn(masterDataPort, masterOffset)
	outbFn(slaveDataPort, slaveOffset)

	outbFn(masterDataPort, 1<<2) // slave is wired to master IRQ2
	outbFn(slaveDataPort, 2)     // slave's cascade identity

	outbFn(masterDataPort, icw4_8086)
	outbFn(slaveDataPort, icw4_8086)

	outbFn(masterDataPort, masterMask)
	outbFn(slaveDataPort, slaveMask)

	// Unmask only the timer (IRQ0) and keyboard (IRQ1); everything else
	// this kernel does not service yet stays masked.
	setMasked(0, false)
	setMasked(1, false)
	for irq := 2; irq < 16; irq++ {
		setMasked(uint8(irq), true)
	}
}

func setMasked(irq uint8, masked bool) {
	port := masterDataPort
	line := irq
	if irq >= 8 {
		port = slaveDataPort
		line -= 8
	}
	cur := inbFn(uint16(port))
	if masked {
		cur |= 1 << line
	} else {
		cur &^= 1 << line
	}
	outbFn(uint16(port), cur)
}

// ackIRQ sends the end-of-interrupt command for a delivered IRQ vector. The
// slave controller must also be acknowledged when the vector came from it,
// or its cascaded IRQs never fire again.
func ackIRQ(vector uint8) {
	if vector >= slaveOffset {
		outbFn(slaveCommandPort, picEOI)
	}
	outbFn(masterCommandPort, picEOI)
}

package irq

import "testing"

func TestInitPITProgramsReloadValue(t *testing.T) {
	defer func() { outbFn = nil }()

	var data []uint8
	outbFn = func(port uint16, value uint8) {
		if port == pitChannel0Port {
			data = append(data, value)
		}
	}

	InitPIT()

	if len(data) != 2 {
		t.Fatalf("expected two bytes written to the channel 0 port; got %d", len(data))
	}
	reload := uint16(data[0]) | uint16(data[1])<<8
	if reload != uint16(pitFrequency/TickHz) {
		t.Fatalf("expected reload value %d; got %d", pitFrequency/TickHz, reload)
	}
	if irqHandlers[timerVector] == nil {
		t.Fatalf("expected InitPIT to register the timer IRQ handler")
	}
}

func TestOnTickAcksBeforeIncrementingAndInvokesCallback(t *testing.T) {
	defer func() { tickCallback = nil; outbFn = nil }()

	var order []string
	outbFn = func(port uint16, value uint8) {
		if port == masterCommandPort && value == picEOI {
			order = append(order, "eoi")
		}
	}

	start := Ticks()
	SetTickCallback(func(*Frame, *Regs) { order = append(order, "callback") })

	onTick(&Frame{}, &Regs{})

	if Ticks() != start+1 {
		t.Fatalf("expected tick counter to advance by 1")
	}
	if len(order) != 2 || order[0] != "eoi" || order[1] != "callback" {
		t.Fatalf("expected the PIC EOI to be sent before the scheduler callback runs; got %v", order)
	}
}

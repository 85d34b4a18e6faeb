package irq

import "testing"

func TestNewGateEncoding(t *testing.T) {
	g := newGate(0x1122334455667788, 1)

	if g.pointerLow != 0x7788 || g.pointerMiddle != 0x5566 || g.pointerHigh != 0x11223344 {
		t.Fatalf("handler address split incorrectly: %#v", g)
	}
	if g.selector != 0x08 {
		t.Fatalf("expected kernel code selector; got %#x", g.selector)
	}
	if g.options&0x7 != 1 {
		t.Fatalf("expected IST index 1; got %d", g.options&0x7)
	}
	if g.options&optionsPresent == 0 {
		t.Fatalf("expected present bit set")
	}
}

func TestInitInstallsFixedVectors(t *testing.T) {
	defer func() { cpuLoadIDTFn = func(uintptr, uint16) {} }()

	var gotBase uintptr
	var gotEntries uint16
	cpuLoadIDTFn = func(base uintptr, numEntries uint16) { gotBase, gotEntries = base, numEntries }

	Init()

	if gotBase != idtAddr() || gotEntries != uint16(len(idt)) {
		t.Fatalf("expected LoadIDT to receive the table address and length")
	}

	for _, vec := range []int{0, 3, 8, 13, 14, timerVector, keyboardVector} {
		if idt[vec].options&optionsPresent == 0 {
			t.Fatalf("expected vector %d to be installed", vec)
		}
	}
	if idt[8].options&0x7 != 1 {
		t.Fatalf("expected double fault to use IST1")
	}
	if idt[0].options&0x7 != 0 {
		t.Fatalf("expected #DE to not use an IST")
	}
}

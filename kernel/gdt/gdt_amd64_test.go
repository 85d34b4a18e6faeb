package gdt

import "testing"

func TestInitBuildsFixedSelectorLayout(t *testing.T) {
	defer func() {
		loadGDTFn = func(uintptr, uint16) {}
		loadTSSFn = func(uint16) {}
	}()

	var gotBase uintptr
	var gotEntries uint16
	var gotSelector uint16
	loadGDTFn = func(base uintptr, numEntries uint16) { gotBase, gotEntries = base, numEntries }
	loadTSSFn = func(sel uint16) { gotSelector = sel }

	const dfStack, rsp0 = 0xffff880102ff0000, 0xffff880102fe0000
	Init(dfStack, rsp0)

	if gotBase != tableAddr() {
		t.Fatalf("expected LoadGDT base to be the table address")
	}
	if gotEntries != numDescriptors {
		t.Fatalf("expected %d GDT entries; got %d", numDescriptors, gotEntries)
	}
	if gotSelector != TSSSelector {
		t.Fatalf("expected LoadTSS to receive selector %#x; got %#x", TSSSelector, gotSelector)
	}

	if KernelCodeSelector != 0x08 || KernelDataSelector != 0x10 || UserDataSelector != 0x1b ||
		UserCodeSelector != 0x23 || TSSSelector != 0x28 {
		t.Fatalf("selector layout drifted from the fixed design: cs=%#x ds=%#x uds=%#x ucs=%#x tss=%#x",
			KernelCodeSelector, KernelDataSelector, UserDataSelector, UserCodeSelector, TSSSelector)
	}

	if table[3]&dpl3Bits == 0 || table[4]&dpl3Bits == 0 {
		t.Fatalf("expected user segment descriptors to carry DPL 3")
	}
	if table[1]&dpl3Bits != 0 || table[2]&dpl3Bits != 0 {
		t.Fatalf("expected kernel segment descriptors to carry DPL 0")
	}
	if table[1]&bitExecutable == 0 {
		t.Fatalf("expected kernel CS to be executable")
	}
	if table[2]&bitExecutable != 0 {
		t.Fatalf("expected kernel DS to not be executable")
	}
}

func TestSetRSP0UpdatesTSS(t *testing.T) {
	tss.init()
	SetRSP0(0x1234000)

	if got := uint64(tss.rsp0Lo) | uint64(tss.rsp0Hi)<<32; got != 0x1234000 {
		t.Fatalf("expected RSP0 to be 0x1234000; got %#x", got)
	}
}

func TestTSSDescriptorEncodesBaseAndLimit(t *testing.T) {
	var probe taskStateSegment
	probe.init()

	lo, hi := tssDescriptor(&probe)
	base := uint64(tssAddr(&probe))

	if lo&0xffff != tssSize-1 {
		t.Fatalf("expected descriptor limit to be %d; got %d", tssSize-1, lo&0xffff)
	}
	if lo&bitPresent == 0 {
		t.Fatalf("expected TSS descriptor to carry the present bit")
	}
	gotBaseLow24 := (lo >> 16) & 0xffffff
	if gotBaseLow24 != base&0xffffff {
		t.Fatalf("expected low 24 base bits to match")
	}
	gotBaseHigh8 := (lo >> 56) & 0xff
	if gotBaseHigh8 != (base>>24)&0xff {
		t.Fatalf("expected next 8 base bits to match")
	}
	if hi != base>>32 {
		t.Fatalf("expected high descriptor word to carry bits 32-63 of base")
	}
}

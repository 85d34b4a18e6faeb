// Package syscall implements the ring 3 -> ring 0 SYSCALL/SYSRET entry
// path: MSR setup at boot (STAR/LSTAR/FMASK, EFER.SCE) and a dispatch table
// indexed by rax. v1 implements exactly one call, WRITE, which forwards its
// buffer to the kernel's log sink; everything else is an invalid number.
package syscall

import (
	"unsafe"

	"nimbuskernel/kernel/cpu"
	"nimbuskernel/kernel/gdt"
	"nimbuskernel/kernel/kfmt"
)

// Num identifies a system call. The numbering matches the original kernel's
// own enumeration; v1 only dispatches Write.
type Num uint64

const (
	Exit   = Num(2)
	Read   = Num(5)
	GetPID = Num(11)
	Write  = Num(16)

	numSyscalls = 41
)

const (
	msrSTAR  = 0xc0000081
	msrLSTAR = 0xc0000082
	msrFMASK = 0xc0000084

	rflagsIF = 1 << 9
)

var (
	wrmsrFn        = cpu.Wrmsr
	enableSCEBitFn = cpu.EnableSCEBit
)

// Handler services one syscall number with its six argument registers and
// returns the value to leave in rax.
type Handler func(rdi, rsi, rdx, r10, r8, r9 uint64) uint64

var handlers [numSyscalls]Handler

// Init programs STAR/LSTAR/FMASK, registers the v1 handler table and sets
// EFER.SCE last so SYSCALL only becomes live once everything it can reach
// is ready. Must run after kernel/gdt.Init: STAR's selector fields are
// derived from the GDT's fixed layout, documented there.
func Init() {
	// STAR[47:32] is the base SYSCALL derives its CS/SS from (CS = base,
	// SS = base+8): the kernel code/data pair. STAR[63:48] is the base
	// SYSRETQ derives its CS/SS from (SS = base+8, CS = base+16, both
	// OR'd with RPL 3 by the CPU itself) -- by construction
	// KernelDataSelector+8 already equals UserDataSelector's unprivileged
	// value and +16 equals UserCodeSelector's, so the one fixed GDT
	// layout kernel/gdt installs serves both instructions; no separate
	// 32-bit compatibility CS slot is needed since this kernel never
	// returns to anything but 64-bit user code.
	star := uint64(gdt.KernelCodeSelector)<<32 | uint64(gdt.KernelDataSelector)<<48
	wrmsrFn(msrSTAR, star)
	wrmsrFn(msrLSTAR, uint64(syscallEntryAddr()))
	wrmsrFn(msrFMASK, rflagsIF)

	handlers[Write] = sysWrite

	enableSCEBitFn()
}

// dispatch is syscallEntry's only call into Go. Syscall 0 and anything past
// the handler table is invalid; per the documented failure semantics an
// invalid number never returns to user mode.
func dispatch(num, rdi, rsi, rdx, r10, r8, r9 uint64) uint64 {
	if num == 0 || num >= numSyscalls || handlers[num] == nil {
		panic("syscall: invalid syscall number")
	}
	return handlers[num](rdi, rsi, rdx, r10, r8, r9)
}

// sysWrite implements WRITE(fd, buf, len): fd is ignored (v1 has no file
// descriptor table) and len bytes starting at buf are forwarded to the log
// sink as-is.
func sysWrite(_, buf, length, _, _, _ uint64) uint64 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(buf))), int(length))
	kfmt.Printf("%s", b)
	return length
}

package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// ReadCR3 returns the physical address of the currently active top-level
// page table.
func ReadCR3() uintptr

// WriteCR3 loads the physical address of a top-level page table into CR3,
// flushing the entire TLB as a side effect.
func WriteCR3(physAddr uintptr)

// EnableNXEBit sets IA32_EFER.NXE so that the NO_EXECUTE page flag is
// enforced by the MMU. Must be called once during early boot.
func EnableNXEBit()

// EnableWriteProtectBit sets CR0.WP so that the kernel (ring 0) is subject
// to the WRITABLE page flag instead of silently bypassing it.
func EnableWriteProtectBit()

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Rdmsr reads the model-specific register identified by ecx.
func Rdmsr(ecx uint32) uint64

// Wrmsr writes value to the model-specific register identified by ecx.
func Wrmsr(ecx uint32, value uint64)

// WriteGSBase loads IA32_GS_BASE with base.
func WriteGSBase(base uintptr)

// WriteKernelGSBase loads IA32_KERNEL_GS_BASE with base. SWAPGS exchanges
// this with the live IA32_GS_BASE; kernel/task writes the incoming task's
// TLS segment here on every switch so kernel/syscall's entry trampoline can
// SWAPGS its way to it without consulting the task table.
func WriteKernelGSBase(base uintptr)

// EnableSCEBit sets IA32_EFER.SCE (bit 0), enabling the SYSCALL/SYSRET
// instruction pair. Must be called once during early boot, after
// kernel/syscall has programmed STAR/LSTAR/FMASK.
func EnableSCEBit()

// LoadGDT loads a new global descriptor table from the numEntries*8-byte
// region starting at base and reloads every segment register, including CS
// via a far return.
func LoadGDT(base uintptr, numEntries uint16)

// LoadIDT loads a new interrupt descriptor table from the numEntries*16-byte
// region starting at base.
func LoadIDT(base uintptr, numEntries uint16)

// LoadTSS loads the task register with the given TSS segment selector.
func LoadTSS(selector uint16)

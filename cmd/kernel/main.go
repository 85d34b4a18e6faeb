// Command kernel is the freestanding ELF64 binary rt0 loads. main is not an
// entrypoint in the usual sense -- the actual boot handoff happens through
// kmain.Kmain, invoked directly by the rt0 trampoline (out of scope, see
// SPEC_FULL.md) once it has switched to 64-bit long mode and built a
// throwaway g0/m0.
package main

import "nimbuskernel/kernel/kmain"

// multibootInfoPtr is passed to Kmain to prevent the compiler from inlining
// the call and eliminating it: rt0 never actually calls main, only Kmain,
// but the Go linker needs at least one reachable call site for Kmain to keep
// it (and everything it references) in the final binary.
var multibootInfoPtr uintptr

func main() {
	kmain.Kmain(multibootInfoPtr, 0, 0)
}

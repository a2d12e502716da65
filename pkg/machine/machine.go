// Package machine abstracts the guest CPU that landslide drives: register
// and memory access, virtual-to-physical translation, and event injection
// (spec.md §4.1). The real simulator is an external black box (spec.md §1
// Out of scope); Backend is the narrow primitive surface it must expose, and
// Facade layers the page-walk, string-read, and instruction-classification
// logic the arbiter and scheduler model depend on.
package machine

import "fmt"

// Register names the subset of architectural state landslide inspects.
type Register int

const (
	EAX Register = iota
	EBX
	ECX
	EDX
	ESP
	EBP
	EIP
	CR0
	CR3
	EFLAGS
)

// cr0PagingBit is the paging-enable bit of CR0 (PG, bit 31).
const cr0PagingBit = 1 << 31

// Backend is the black-box primitive surface a real cycle-accurate simulator
// exposes. landslide never assumes more about the guest than this.
type Backend interface {
	// Register returns the current value of a register.
	Register(r Register) uint64
	// SetRegister writes a register.
	SetRegister(r Register, v uint64)
	// ReadPhysical reads len(buf) bytes at a physical address. ok is false
	// if the address range is not backed by real memory.
	ReadPhysical(addr uint64, buf []byte) (ok bool)
	// WritePhysical writes buf at a physical address, returning false if
	// the write could not be performed.
	WritePhysical(addr uint64, buf []byte) (ok bool)
	// InstructionBytes returns up to n raw bytes at a virtual address,
	// already translated by the backend's own fetch path (instruction
	// fetch does not go through the page walk below).
	InstructionBytes(vaddr uint64, n int) []byte
	// InjectTimerInterrupt requests a timer interrupt; immediate fires it
	// synchronously, otherwise it is latched for the next interruptible point.
	InjectTimerInterrupt(immediate bool)
	// InjectKeypress delivers a keyboard scancode to the guest.
	InjectKeypress(scancode byte)
	// ForceTransactionAbort sets the architected abort-status register and
	// redirects eip past the xbegin to its failure handler.
	ForceTransactionAbort(statusCode uint32, failureHandlerEIP uint64)
}

// KernelLayout describes how a particular guest kernel maps addresses, so
// the page walk can special-case kernel ranges that are direct-mapped
// (spec.md §4.1: "kernel addresses may be treated as direct-mapped on
// kernels known to be so configured").
type KernelLayout struct {
	// KernelDirectMapped is true when kernel-space virtual addresses equal
	// their physical address without a page-table walk.
	KernelDirectMapped bool
	// KernelMemoryBase is the first virtual address considered kernel
	// memory; addresses below it are user memory.
	KernelMemoryBase uint64
}

// Opcode classifies the instruction at the current eip for the arbiter
// (spec.md §4.1).
type Opcode int

const (
	// OpcodeOther is any instruction the arbiter does not special-case.
	OpcodeOther Opcode = iota
	// OpcodeAtomicSwap is xchg or cmpxchg, optionally LOCK-prefixed.
	OpcodeAtomicSwap
	// OpcodeHLT is the halt instruction.
	OpcodeHLT
)

const (
	opcodeHLTByte      = 0xF4
	opcodeLockPrefix   = 0xF0
	opcodeXchgAXReg    = 0x90 // xchg eax, reg (0x91-0x97); 0x90 itself is nop
	opcodeXchgRM8      = 0x86
	opcodeXchgRM32     = 0x87
	opcodeTwoByteEsc   = 0x0F
	opcodeCmpxchgRM8   = 0xB0 // second byte of 0F B0/B1
	opcodeCmpxchgRM32  = 0xB1
)

// Facade is the machine abstraction layer used by the scheduler model and
// arbiter. It is safe to embed a Facade value; it carries no goroutine-shared
// state (the whole decision path runs on a single OS thread, spec.md §5).
type Facade struct {
	Backend Backend
	Layout  KernelLayout
}

// New returns a Facade over the given backend.
func New(backend Backend, layout KernelLayout) *Facade {
	return &Facade{Backend: backend, Layout: layout}
}

// Register reads a register.
func (f *Facade) Register(r Register) uint64 { return f.Backend.Register(r) }

// SetRegister writes a register.
func (f *Facade) SetRegister(r Register, v uint64) { f.Backend.SetRegister(r, v) }

// IsKernelAddress reports whether a virtual address lies in kernel memory.
func (f *Facade) IsKernelAddress(vaddr uint64) bool {
	return vaddr >= f.Layout.KernelMemoryBase
}

// pagingEnabled reports whether CR0.PG is set.
func (f *Facade) pagingEnabled() bool {
	return f.Backend.Register(CR0)&cr0PagingBit != 0
}

// Translate performs a two-level x86 page-table walk (PDE then PTE) rooted
// at CR3, honoring the pre-paging window and kernel direct-mapping
// (spec.md §4.1, §8 "Boundary behaviors"). ok is false on any translation
// failure: paging disabled for a user address, or an absent PDE/PTE.
func (f *Facade) Translate(vaddr uint64) (paddr uint64, ok bool) {
	if f.Layout.KernelDirectMapped && f.IsKernelAddress(vaddr) {
		return vaddr, true
	}
	if !f.pagingEnabled() {
		return 0, false
	}

	const (
		pageShift  = 12
		pageMask   = (1 << pageShift) - 1
		pdeShift   = 22
		pteShift   = 12
		tableMask  = 0x3FF
		entrySize  = 4
		presentBit = 1 << 0
	)

	cr3 := f.Backend.Register(CR3) &^ pageMask
	pdIndex := (vaddr >> pdeShift) & tableMask
	var pdeBuf [entrySize]byte
	if !f.Backend.ReadPhysical(cr3+pdIndex*entrySize, pdeBuf[:]) {
		return 0, false
	}
	pde := leUint32(pdeBuf[:])
	if pde&presentBit == 0 {
		return 0, false
	}

	ptBase := uint64(pde) &^ pageMask
	ptIndex := (vaddr >> pteShift) & tableMask
	var pteBuf [entrySize]byte
	if !f.Backend.ReadPhysical(ptBase+ptIndex*entrySize, pteBuf[:]) {
		return 0, false
	}
	pte := leUint32(pteBuf[:])
	if pte&presentBit == 0 {
		return 0, false
	}

	frame := uint64(pte) &^ pageMask
	return frame | (vaddr & pageMask), true
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ReadVirtual reads len(buf) bytes at a virtual address. Reads never trap:
// an unmapped address returns all-zero bytes and ok=false so the model
// checker can keep running through a pre-paging window (spec.md §4.1).
func (f *Facade) ReadVirtual(vaddr uint64, buf []byte) (ok bool) {
	paddr, translated := f.Translate(vaddr)
	if !translated {
		for i := range buf {
			buf[i] = 0
		}
		return false
	}
	return f.Backend.ReadPhysical(paddr, buf)
}

// WriteVirtual writes buf at a virtual address. Writes are silently dropped
// on translation failure, returning false (spec.md §4.1).
func (f *Facade) WriteVirtual(vaddr uint64, buf []byte) (ok bool) {
	paddr, translated := f.Translate(vaddr)
	if !translated {
		return false
	}
	return f.Backend.WritePhysical(paddr, buf)
}

// ReadCString reads a NUL-terminated string at a virtual address, up to
// maxLen bytes, returning the decoded string and whether it was fully
// resolved (false if translation failed partway through).
func (f *Facade) ReadCString(vaddr uint64, maxLen int) (string, bool) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if !f.ReadVirtual(vaddr+uint64(i), b[:]) {
			return string(buf), false
		}
		if b[0] == 0 {
			return string(buf), true
		}
		buf = append(buf, b[0])
	}
	return string(buf), true
}

// ClassifyInstruction inspects the raw bytes at eip and reports what kind of
// instruction it is, for the arbiter's voluntary/HLT/atomic-swap checks
// (spec.md §4.1).
func (f *Facade) ClassifyInstruction(eip uint64) Opcode {
	raw := f.Backend.InstructionBytes(eip, 3)
	i := 0
	if i < len(raw) && raw[i] == opcodeLockPrefix {
		i++
	}
	if i >= len(raw) {
		return OpcodeOther
	}
	switch raw[i] {
	case opcodeHLTByte:
		return OpcodeHLT
	case opcodeXchgRM8, opcodeXchgRM32:
		return OpcodeAtomicSwap
	case opcodeTwoByteEsc:
		if i+1 < len(raw) && (raw[i+1] == opcodeCmpxchgRM8 || raw[i+1] == opcodeCmpxchgRM32) {
			return OpcodeAtomicSwap
		}
	default:
		if raw[i] >= 0x91 && raw[i] <= 0x97 {
			// xchg eax, reg
			return OpcodeAtomicSwap
		}
	}
	return OpcodeOther
}

// ForceTransactionAbort asks the backend to abort the current hardware
// transaction with the given status code (spec.md §4.1).
func (f *Facade) ForceTransactionAbort(statusCode uint32, failureHandlerEIP uint64) {
	f.Backend.ForceTransactionAbort(statusCode, failureHandlerEIP)
}

// InjectTimerInterrupt forwards to the backend.
func (f *Facade) InjectTimerInterrupt(immediate bool) { f.Backend.InjectTimerInterrupt(immediate) }

// InjectKeypress forwards to the backend.
func (f *Facade) InjectKeypress(scancode byte) { f.Backend.InjectKeypress(scancode) }

// NotSupported is returned by facade entries that the original source left
// as backend-specific stubs (spec.md §9 Open Questions: delay_instruction
// and interrupts_enabled). Rather than silently no-op or erroring, callers
// get an explicit typed error naming the unsupported primitive.
type NotSupported struct {
	Primitive string
}

func (e *NotSupported) Error() string {
	return fmt.Sprintf("machine: %s is not supported by this backend", e.Primitive)
}

// DelayInstruction is unimplemented by design (spec.md §9): the original
// left this as a backend-specific stub for one simulator. Rewriters should
// surface that rather than guess at semantics.
func (f *Facade) DelayInstruction() error {
	return &NotSupported{Primitive: "delay_instruction"}
}

// InterruptsEnabled is unimplemented by design (spec.md §9), for the same
// reason as DelayInstruction.
func (f *Facade) InterruptsEnabled() (bool, error) {
	return false, &NotSupported{Primitive: "interrupts_enabled"}
}

// KernelSymbols resolves the kernel-specific entry points the original
// selected per guest kernel via `#define GUEST_SEMA_DOWN_ENTER ...`-style
// macros (spec.md §9's "Compile-time #ifdef thicket" redesign). A real
// deployment resolves these once from the loaded kernel image's symbol
// table (out of scope per spec.md §1); tests and standalone runs can
// populate them directly.
type KernelSymbols struct {
	SemaDownEnter uint64
	SemaDownExit  uint64
	SemaUpEnter   uint64
	SemaUpExit    uint64

	MutexLockEnter  uint64
	MutexUnlockExit uint64

	MakeRunnableExit uint64
	ThrJoinExit      uint64

	GuestYieldEnter uint64
	GuestYieldExit  uint64

	XbeginEntry uint64
	XendEntry   uint64

	KernDecisionPoints []uint64
}

// AtEIP reports whether eip matches any of the given symbol addresses;
// convenience for the many "is this instruction the entry/exit of X"
// comparisons the arbiter's Interested makes.
func AtEIP(eip uint64, candidates ...uint64) bool {
	for _, c := range candidates {
		if c != 0 && eip == c {
			return true
		}
	}
	return false
}

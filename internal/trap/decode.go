// Package trap implements the trap dispatcher: scause routing, the narrow
// instruction emulator (CSR ops, SRET, SFENCE.VMA, WFI, ECALL), page-fault
// handling, and timer handling.
package trap

// Standard scause values.
const (
	CauseUserECALL               = 8
	CauseSupervisorECALL         = 9
	CauseIllegalInstruction      = 2
	CauseStoreAMOPageFault       = 15
	CauseLoadPageFault           = 13
	CauseInstructionPageFault    = 12
	CauseSupervisorTimerInterrupt = (uint64(1) << 63) | 5
)

// Exception is a forwarded-to-guest fault: it never surfaces as a host
// error: it mutates shadow CSRs and redirects the guest to its own handler.
type Exception struct {
	Cause uint64
	Tval  uint64
}

func (e *Exception) Error() string { return "trap: guest exception" }

func NewException(cause, tval uint64) *Exception { return &Exception{Cause: cause, Tval: tval} }

// Fatal marks a host-side invariant violation: misalignment, an unknown
// scause from supervisor mode, allocator exhaustion. Only Fatal is returned
// to the host as an error.
type Fatal struct {
	Msg string
}

func (f *Fatal) Error() string { return "trap: fatal: " + f.Msg }

// opcode/field extraction, narrowed to the SYSTEM/LOAD/STORE forms this
// hypervisor's emulator subset needs.
const (
	opSystem = 0b1110011
	opLoad   = 0b0000011
	opStore  = 0b0100011
)

func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct12(insn uint32) uint32 { return (insn >> 20) & 0xfff }
func csrAddr(insn uint32) uint32 { return (insn >> 20) & 0xfff }

func immI(insn uint32) int64 { return int64(int32(insn) >> 20) }

func immS(insn uint32) int64 {
	imm := ((insn >> 25) << 5) | ((insn >> 7) & 0x1f)
	return int64(int32(imm<<20) >> 20)
}

// Kind identifies the decoded instruction's emulated semantics.
type Kind int

const (
	KindUnknown Kind = iota
	KindCSRRW
	KindCSRRS
	KindCSRRC
	KindCSRRWI
	KindCSRRSI
	KindCSRRCI
	KindSRET
	KindMRET
	KindWFI
	KindSFENCEVMA
	KindECALL
	KindEBREAK
	KindSD // 64-bit store, needed to extract a traced PTE write's value
	KindLD // 64-bit load
)

// Instruction is a decoded instruction from the narrow subset this
// hypervisor's emulator supports, plus its byte length (2 for compressed —
// unsupported here, always 4 — or 4).
type Instruction struct {
	Kind   Kind
	Rd     uint32
	Rs1    uint32
	Rs2    uint32
	CSR    uint32
	ImmI   int64
	ImmS   int64
	Length uint32
}

// Decode decodes a 32-bit instruction word. Compressed (16-bit) instructions
// are not part of this hypervisor's emulated subset: the guest is assumed
// to be compiled without the C extension for traced/emulated code paths, or
// any compressed form it uses there falls through to KindUnknown and is
// forwarded to the guest as an illegal instruction.
func Decode(insn uint32) Instruction {
	out := Instruction{Length: 4}
	op := opcode(insn)

	switch op {
	case opSystem:
		f3 := funct3(insn)
		switch f3 {
		case 0:
			switch funct12(insn) {
			case 0x000:
				out.Kind = KindECALL
			case 0x001:
				out.Kind = KindEBREAK
			case 0x102:
				out.Kind = KindSRET
			case 0x302:
				out.Kind = KindMRET
			case 0x105:
				out.Kind = KindWFI
			default:
				if (funct12(insn) >> 5) == 0x09 { // SFENCE.VMA funct7=0001001
					out.Kind = KindSFENCEVMA
					out.Rs1 = rs1(insn)
					out.Rs2 = rs2(insn)
				}
			}
		case 1:
			out.Kind = KindCSRRW
		case 2:
			out.Kind = KindCSRRS
		case 3:
			out.Kind = KindCSRRC
		case 5:
			out.Kind = KindCSRRWI
		case 6:
			out.Kind = KindCSRRSI
		case 7:
			out.Kind = KindCSRRCI
		}
		out.Rd = rd(insn)
		out.Rs1 = rs1(insn) // also doubles as the zimm field for *I forms
		out.CSR = csrAddr(insn)

	case opStore:
		if funct3(insn) == 3 { // SD
			out.Kind = KindSD
			out.Rs1 = rs1(insn)
			out.Rs2 = rs2(insn)
			out.ImmS = immS(insn)
		}

	case opLoad:
		if funct3(insn) == 3 { // LD
			out.Kind = KindLD
			out.Rd = rd(insn)
			out.Rs1 = rs1(insn)
			out.ImmI = immI(insn)
		}
	}

	return out
}

package trap

import (
	"github.com/hypocaust-go/hypocaust/internal/intrfwd"
	"github.com/hypocaust-go/hypocaust/internal/mmio"
	"github.com/hypocaust-go/hypocaust/internal/pagetable"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
	"github.com/hypocaust-go/hypocaust/internal/sbi"
	"github.com/hypocaust-go/hypocaust/internal/shadowcsr"
	"github.com/hypocaust-go/hypocaust/internal/spt"
)

// Regs is the general-purpose register file the emulator reads/writes: x0
// always reads zero and discards writes, matching RISC-V semantics.
type Regs interface {
	Get(i uint32) uint64
	Set(i uint32, v uint64)
}

// Dispatcher implements the trap-and-emulate core.
type Dispatcher struct {
	Space    *physmem.Space
	CSR      *shadowcsr.File
	Registry *spt.Registry
	SBI      sbi.Client
	Device   *mmio.VirtTestDevice
	GuestID  int

	// InTrapVectorPage reports whether va lies in the guest's own trap
	// vector page, to avoid re-entering its handler.
	InTrapVectorPage func(va uint64) bool

	// Now returns the host clock reading used to gate shadow timer
	// interrupts against Mtimecmp. Defaults to a clock that never advances
	// (so a never-armed timer never fires) when nil.
	Now func() uint64
}

// Result carries the dispatcher's verdict back to the vCPU switch code.
type Result struct {
	// NextSepc is where the guest resumes; when Forwarded is true it is the
	// shadow stvec.
	NextSepc uint64
	// Forwarded is true if the trap was turned into a guest-visible
	// exception or interrupt (scause/sepc/stval mutated, sepc redirected to
	// stvec).
	Forwarded bool
}

// HandleTrap routes one trap by scause, then — on every exit back to the
// guest — gives a pending interrupt the chance to preempt the resumption
// point, per spec's "on every exit from hypervisor trap handling" rule.
func (d *Dispatcher) HandleTrap(cause, tval, sepc uint64, active *spt.Descriptor, regs Regs) (Result, error) {
	result, err := d.dispatch(cause, tval, sepc, active, regs)
	if err != nil {
		return result, err
	}
	if d.forwardInterrupt(result.NextSepc) {
		result.NextSepc = d.CSR.Get(shadowcsr.Stvec)
		result.Forwarded = true
	}
	return result, nil
}

func (d *Dispatcher) dispatch(cause, tval, sepc uint64, active *spt.Descriptor, regs Regs) (Result, error) {
	switch cause {
	case CauseUserECALL, CauseSupervisorECALL:
		return d.handleIllegalOrECALL(sepc, active, regs)
	case CauseIllegalInstruction:
		return d.handleIllegalOrECALL(sepc, active, regs)
	case CauseStoreAMOPageFault:
		return d.handlePageFault(tval, sepc, active, regs)
	case CauseSupervisorTimerInterrupt:
		d.handleTimer()
		return Result{NextSepc: sepc}, nil
	default:
		return Result{}, &Fatal{Msg: "unhandled scause"}
	}
}

func (d *Dispatcher) forwardGuestException(cause, tval, sepc uint64) Result {
	d.CSR.Set(shadowcsr.Scause, cause)
	d.CSR.Set(shadowcsr.Stval, tval)
	d.CSR.Set(shadowcsr.Sepc, sepc)
	d.CSR.PushSIE()
	d.CSR.SetSPP(true)
	return Result{NextSepc: d.CSR.Get(shadowcsr.Stvec), Forwarded: true}
}

// fetch32 reads the faulting instruction word: for kernel-mode faults,
// sepc is a guest virtual address resolved to host memory by walking the
// active SPT; with paging disabled (role GPA), sepc is the guest physical
// address itself, reached directly via GPA2HPA.
func (d *Dispatcher) fetch32(sepc uint64, active *spt.Descriptor) (uint32, error) {
	if active == nil {
		return d.Space.ReadU32(riscv.GPA2HPA(sepc, d.GuestID)), nil
	}
	pw := pagetable.Walk(d.Space, active.Root, sepc)
	if !pw.Found {
		return 0, &Fatal{Msg: "instruction fetch: sepc has no translation in the active SPT"}
	}
	return d.Space.ReadU32(pw.Phys), nil
}

func (d *Dispatcher) handleIllegalOrECALL(sepc uint64, active *spt.Descriptor, regs Regs) (Result, error) {
	word, err := d.fetch32(sepc, active)
	if err != nil {
		return Result{}, err
	}
	insn := Decode(word)

	switch insn.Kind {
	case KindCSRRW, KindCSRRS, KindCSRRC, KindCSRRWI, KindCSRRSI, KindCSRRCI:
		return Result{NextSepc: sepc + 4}, d.emulateCSR(insn, regs)
	case KindSRET:
		return d.emulateSRET(), nil
	case KindSFENCEVMA:
		// rs1 == x0: a full host TLB fence; this software hypervisor never
		// caches translations outside the SPT itself, so it is a no-op.
		// rs1 != x0 (single-address fence) is documented unimplemented.
		return Result{NextSepc: sepc + 4}, nil
	case KindWFI:
		return Result{NextSepc: sepc + 4}, nil
	case KindECALL:
		return d.emulateECALL(sepc, regs), nil
	case KindMRET:
		return Result{NextSepc: sepc + 4}, nil
	default:
		return d.forwardGuestException(CauseIllegalInstruction, uint64(insn.Length), sepc), nil
	}
}

// emulateCSR implements CSRRW/CSRRS/CSRRC and their immediate forms.
func (d *Dispatcher) emulateCSR(insn Instruction, regs Regs) error {
	csr := shadowcsr.CSR(insn.CSR)
	old := d.CSR.Get(csr)

	var srcVal uint64
	isImm := insn.Kind == KindCSRRWI || insn.Kind == KindCSRRSI || insn.Kind == KindCSRRCI
	if isImm {
		srcVal = uint64(insn.Rs1) // rs1 field doubles as a 5-bit zimm
	} else {
		srcVal = regs.Get(insn.Rs1)
	}

	doWrite := true
	var newVal uint64
	switch insn.Kind {
	case KindCSRRW, KindCSRRWI:
		newVal = srcVal
	case KindCSRRS, KindCSRRSI:
		newVal = old | srcVal
		doWrite = srcVal != 0
	case KindCSRRC, KindCSRRCI:
		newVal = old &^ srcVal
		doWrite = srcVal != 0
	}

	// Destination register gets the pre-image; CSRRW with rd=x0 still reads
	// but the write to x0 is discarded by Regs.Set.
	regs.Set(insn.Rd, old)

	if doWrite {
		d.CSR.Set(csr, newVal)
		if csr == shadowcsr.Sie && newVal&^old&shadowcsr.STIE != 0 && d.SBI != nil {
			// Newly unmasked STIE: arm the host timer against the guest's deadline.
			d.SBI.SetTimer(min(d.now()+DefaultTick, d.CSR.Mtimecmp))
		}
	}
	return nil
}

func (d *Dispatcher) emulateSRET() Result {
	d.CSR.PopSIE()
	next := d.CSR.Get(shadowcsr.Sepc)
	d.CSR.SetSPP(false)
	if d.CSR.Sstatus&shadowcsr.SstatusSIE != 0 {
		d.CSR.InterruptPending = true
	}
	return Result{NextSepc: next}
}

func (d *Dispatcher) emulateECALL(sepc uint64, regs Regs) Result {
	ext := regs.Get(17) // a7
	a0 := regs.Get(10)  // a0

	if ext == sbi.ExtSetTimer {
		// The legacy set_timer call is the guest's only way to reach
		// mtimecmp: there is no S-mode CSR for it on real hardware either.
		d.CSR.Set(shadowcsr.Mtimecmp, a0)
	}

	retA0, _, ok := sbi.Call(d.SBI, ext, a0)
	if !ok {
		return d.forwardGuestException(CauseSupervisorECALL, 0, sepc)
	}
	regs.Set(10, retA0)
	return Result{NextSepc: sepc + 4}
}

// handlePageFault handles a store/AMO page fault: MMIO, a traced
// page-table write, or a genuine guest fault to forward.
func (d *Dispatcher) handlePageFault(faultVA, sepc uint64, active *spt.Descriptor, regs Regs) (Result, error) {
	if mmio.Contains(faultVA) {
		word, err := d.fetch32(sepc, active)
		if err != nil {
			return Result{}, err
		}
		insn := Decode(word)
		if insn.Kind == KindSD {
			val := regs.Get(insn.Rs2)
			if err := d.Device.Write(faultVA-riscv.QEMUVirtTest, 8, val); err != nil {
				return Result{}, &Fatal{Msg: err.Error()}
			}
		}
		return Result{NextSepc: sepc + 4}, nil
	}

	if active == nil {
		// Paging disabled and a fault occurred: the host mapping is wrong.
		return Result{}, &Fatal{Msg: "page fault while SPT role is GPA"}
	}

	kernel, _ := d.Registry.KernelDescriptor()
	tracked := kernel != nil && kernel.TrackedPTPages[faultVA&^(riscv.PageSize-1)]
	if !tracked {
		// No translation in the guest's own page table tree: forward.
		return d.forwardGuestException(CauseStoreAMOPageFault, faultVA, sepc), nil
	}

	word, err := d.fetch32(sepc, active)
	if err != nil {
		return Result{}, err
	}
	insn := Decode(word)
	if insn.Kind != KindSD {
		return Result{}, &Fatal{Msg: "unaligned or non-SD store to tracked page-table page"}
	}
	val := regs.Get(insn.Rs2)
	d.Registry.HandlePTEWrite(active, kernel, faultVA, val)

	// The trace protection caused the fault; retry without advancing sepc.
	return Result{NextSepc: sepc}, nil
}

// DefaultTick bounds how far out the host reprograms its own next timer
// interrupt when no sooner guest deadline is pending.
const DefaultTick = 10_000_000 // ~10ms at a nanosecond-resolution clock

func (d *Dispatcher) now() uint64 {
	if d.Now != nil {
		return d.Now()
	}
	return 0
}

// handleTimer responds to a host supervisor timer interrupt: it reprograms
// the next host-timer fire to min(now+DefaultTick, shadow.mtimecmp), then
// raises sip.STIP only if the guest's deadline has actually passed
// (mtimecmp <= now) and it has STIE unmasked. A guest that never calls
// set_timer keeps Mtimecmp at MtimecmpNeverFire, which never satisfies the
// gate.
func (d *Dispatcher) handleTimer() {
	now := d.now()

	next := now + DefaultTick
	if d.CSR.Mtimecmp < next {
		next = d.CSR.Mtimecmp
	}
	if d.SBI != nil {
		d.SBI.SetTimer(next)
	}

	if d.CSR.Mtimecmp <= now && d.CSR.Sie&shadowcsr.STIE != 0 {
		d.CSR.Set(shadowcsr.Sip, d.CSR.Sip|shadowcsr.STIE)
		d.CSR.InterruptPending = true
	}
}

// forwardInterrupt reports whether a pending interrupt preempted resumption
// at sepc; the caller must then resume at the shadow stvec instead.
func (d *Dispatcher) forwardInterrupt(sepc uint64) bool {
	inVec := d.InTrapVectorPage
	if inVec == nil {
		inVec = func(uint64) bool { return false }
	}
	return intrfwd.MaybeForwardInterrupt(d.CSR, sepc, inVec)
}

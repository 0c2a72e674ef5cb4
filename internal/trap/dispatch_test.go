package trap

import (
	"testing"

	"github.com/hypocaust-go/hypocaust/internal/frame"
	"github.com/hypocaust-go/hypocaust/internal/mmio"
	"github.com/hypocaust-go/hypocaust/internal/pagetable"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
	"github.com/hypocaust-go/hypocaust/internal/sbi"
	"github.com/hypocaust-go/hypocaust/internal/shadowcsr"
	"github.com/hypocaust-go/hypocaust/internal/spt"
)

const testGuestID = 0

// testRegs is a bare GPR file, x0 hard-wired to zero.
type testRegs struct {
	x [32]uint64
}

func (r *testRegs) Get(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return r.x[i]
}

func (r *testRegs) Set(i uint32, v uint64) {
	if i == 0 {
		return
	}
	r.x[i] = v
}

func encodeCSR(kind Kind, rd, csr, rs1 uint32) uint32 {
	var funct3 uint32
	switch kind {
	case KindCSRRW:
		funct3 = 1
	case KindCSRRS:
		funct3 = 2
	case KindCSRRC:
		funct3 = 3
	case KindCSRRWI:
		funct3 = 5
	case KindCSRRSI:
		funct3 = 6
	case KindCSRRCI:
		funct3 = 7
	}
	return (csr << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opSystem
}

func encodeSRET() uint32 {
	return (0x102 << 20) | opSystem
}

func encodeECALL() uint32 {
	return opSystem
}

// encodeSD encodes "sd rs2, 0(rs1)".
func encodeSD(rs1, rs2 uint32) uint32 {
	return (rs2 << 20) | (rs1 << 15) | (3 << 12) | opStore
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *physmem.Space) {
	t.Helper()
	space := physmem.New(riscv.SPTBase + 2*riscv.GuestSlice)
	frames := frame.New(space, riscv.SPTBase+riscv.GuestSlice, riscv.GuestSlice)
	registry := spt.NewRegistry(space, frames, testGuestID, 0x1000, 0x2000)
	return &Dispatcher{
		Space:    space,
		CSR:      shadowcsr.New(),
		Registry: registry,
		SBI:      &sbi.HostClient{},
		Device:   &mmio.VirtTestDevice{},
		GuestID:  testGuestID,
	}, space
}

func TestHandleIllegalInstructionEmulatesCSRRW(t *testing.T) {
	d, space := newTestDispatcher(t)
	sepc := uint64(riscv.GuestRAMBase)
	space.WriteU32(riscv.GPA2HPA(sepc, testGuestID), encodeCSR(KindCSRRW, 5, uint32(shadowcsr.Sepc), 6))

	d.CSR.Set(shadowcsr.Sepc, 0xdead)
	regs := &testRegs{}
	regs.Set(6, 0x1234)

	result, err := d.HandleTrap(CauseIllegalInstruction, 0, sepc, nil, regs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextSepc != sepc+4 {
		t.Fatalf("NextSepc = %#x, want %#x", result.NextSepc, sepc+4)
	}
	if regs.Get(5) != 0xdead {
		t.Fatalf("rd must receive the CSR's pre-image: got %#x, want %#x", regs.Get(5), 0xdead)
	}
	if d.CSR.Get(shadowcsr.Sepc) != 0x1234 {
		t.Fatalf("sepc CSR after CSRRW = %#x, want %#x", d.CSR.Get(shadowcsr.Sepc), 0x1234)
	}
}

func TestEmulateSRETPopsSIEAndClearsSPP(t *testing.T) {
	d, space := newTestDispatcher(t)
	sepc := uint64(riscv.GuestRAMBase)
	space.WriteU32(riscv.GPA2HPA(sepc, testGuestID), encodeSRET())

	d.CSR.SetSPP(true)
	d.CSR.Sstatus |= shadowcsr.SstatusSPIE
	d.CSR.Set(shadowcsr.Sepc, 0x9000)

	result, err := d.HandleTrap(CauseIllegalInstruction, 0, sepc, nil, &testRegs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextSepc != 0x9000 {
		t.Fatalf("SRET must resume at the saved sepc: got %#x, want %#x", result.NextSepc, 0x9000)
	}
	if d.CSR.SPP() {
		t.Fatal("SRET must clear SPP (return to the least-privileged mode)")
	}
	if d.CSR.Sstatus&shadowcsr.SstatusSIE == 0 {
		t.Fatal("SRET must restore SIE from SPIE")
	}
}

func TestEmulateECALLConsolePutcharDispatchesToSBI(t *testing.T) {
	d, space := newTestDispatcher(t)
	sepc := uint64(riscv.GuestRAMBase)
	space.WriteU32(riscv.GPA2HPA(sepc, testGuestID), encodeECALL())

	var got byte
	d.SBI = &sbi.HostClient{Stdout: func(c byte) { got = c }}

	regs := &testRegs{}
	regs.Set(17, sbi.ExtConsolePutchar) // a7
	regs.Set(10, 'x')                   // a0

	result, err := d.HandleTrap(CauseSupervisorECALL, 0, sepc, nil, regs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 'x' {
		t.Fatalf("SBI console_putchar did not reach the host client: got %q", got)
	}
	if result.NextSepc != sepc+4 {
		t.Fatalf("NextSepc = %#x, want %#x", result.NextSepc, sepc+4)
	}
}

func TestEmulateECALLUnknownExtensionForwardsToGuest(t *testing.T) {
	d, space := newTestDispatcher(t)
	sepc := uint64(riscv.GuestRAMBase)
	space.WriteU32(riscv.GPA2HPA(sepc, testGuestID), encodeECALL())
	d.CSR.Set(shadowcsr.Stvec, 0xbeef)

	regs := &testRegs{}
	regs.Set(17, 0x1234) // unsupported extension id

	result, err := d.HandleTrap(CauseSupervisorECALL, 0, sepc, nil, regs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Forwarded {
		t.Fatal("unsupported SBI extension must forward as a guest exception")
	}
	if result.NextSepc != 0xbeef {
		t.Fatalf("forwarded trap must redirect to shadow stvec: got %#x, want %#x", result.NextSepc, 0xbeef)
	}
	if d.CSR.Get(shadowcsr.Scause) != CauseSupervisorECALL {
		t.Fatalf("scause = %#x, want %#x", d.CSR.Get(shadowcsr.Scause), CauseSupervisorECALL)
	}
}

func TestHandlePageFaultMMIOWrite(t *testing.T) {
	d, space := newTestDispatcher(t)
	sepc := uint64(riscv.GuestRAMBase)
	space.WriteU32(riscv.GPA2HPA(sepc, testGuestID), encodeSD(0, 6))

	regs := &testRegs{}
	regs.Set(6, mmio.FinisherPass)

	result, err := d.HandleTrap(CauseStoreAMOPageFault, riscv.QEMUVirtTest, sepc, nil, regs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextSepc != sepc+4 {
		t.Fatalf("MMIO store must advance sepc by one instruction: got %#x, want %#x", result.NextSepc, sepc+4)
	}
	if !d.Device.ExitRequested {
		t.Fatal("a finisher-pass write must register as a shutdown request")
	}
}

func TestHandlePageFaultForwardsUntrackedFault(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sepc := uint64(riscv.GuestRAMBase)
	d.CSR.Set(shadowcsr.Stvec, 0xcafe)

	// An active descriptor whose guest root page table (all-zero, no
	// entries) tracks nothing, so any fault within the guest's address
	// space is a genuine unmapped access rather than a traced PTE write.
	rootGPA := uint64(riscv.GuestRAMBase)
	satp := (uint64(riscv.SatpModeSv39) << 60) | (rootGPA >> riscv.PageShift)
	active := d.Registry.EnsureBuilt(satp, spt.RoleGuestKernel)

	faultVA := uint64(riscv.GuestRAMBase + 0x20_0000) // well outside any tracked page-table page
	result, err := d.HandleTrap(CauseStoreAMOPageFault, faultVA, sepc, active, &testRegs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Forwarded {
		t.Fatal("a fault on a page the registry never built must forward to the guest")
	}
	if d.CSR.Get(shadowcsr.Stval) != faultVA {
		t.Fatalf("stval = %#x, want faulting address %#x", d.CSR.Get(shadowcsr.Stval), faultVA)
	}
}

// TestFetch32KernelModeResolvesGuestRAMNotSPTMirror pins the instruction
// fetch path for the active-SPT (kernel-mode) branch: it must translate
// sepc to the guest's own code through the active SPT, not read the
// PTE-mirror pool that shadows the guest's page-table pages.
func TestFetch32KernelModeResolvesGuestRAMNotSPTMirror(t *testing.T) {
	space := physmem.New(4 * 1024 * 1024)
	frames := frame.New(space, 0, 2*1024*1024)
	d := &Dispatcher{Space: space, GuestID: testGuestID}

	// A single giga-page leaf at level 2, the same shape as a real guest
	// SPT root entry covering ordinary kernel code: the leaf's PPN is an
	// ordinary RAM frame, never the PTE-mirror pool.
	tbl := pagetable.New(space, frames)
	root := tbl.Root()
	const level2Index = 2
	va := (uint64(level2Index) << 30) | 0x4000

	const leafPPN = riscv.PPN(0) // 1 GiB aligned by construction
	leafPTE := riscv.NewPTE(leafPPN, riscv.PTEV|riscv.PTER|riscv.PTEW|riscv.PTEX|riscv.PTEU)
	space.WriteU64(root.Addr()+level2Index*8, uint64(leafPTE))

	wantWord := encodeECALL()
	space.WriteU32(leafPPN.Addr()+0x4000, wantWord)

	active := &spt.Descriptor{Root: root}
	got, err := d.fetch32(va, active)
	if err != nil {
		t.Fatalf("fetch32: %v", err)
	}
	if got != wantWord {
		t.Fatalf("fetch32 in kernel mode = %#x, want %#x (guest RAM via the active SPT, not the SPT mirror pool)", got, wantWord)
	}
}

func TestTimerInterruptRedirectsToShadowStvec(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.CSR.Set(shadowcsr.Stvec, 0xbeef)
	d.CSR.Sie = shadowcsr.STIE
	d.CSR.Sstatus |= shadowcsr.SstatusSIE
	d.CSR.Sstatus |= shadowcsr.SstatusSPIE
	d.CSR.Set(shadowcsr.Mtimecmp, 0) // already due: mtimecmp (0) <= now (0, no Now func set)

	sepc := uint64(0x80001000)
	result, err := d.HandleTrap(CauseSupervisorTimerInterrupt, 0, sepc, nil, &testRegs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Forwarded {
		t.Fatal("a fired timer with STIE/SIE set must forward into the guest")
	}
	if result.NextSepc != 0xbeef {
		t.Fatalf("NextSepc = %#x, want shadow stvec %#x", result.NextSepc, 0xbeef)
	}
	if d.CSR.Get(shadowcsr.Sepc) != sepc {
		t.Fatalf("shadow sepc = %#x, want saved trap sepc %#x", d.CSR.Get(shadowcsr.Sepc), sepc)
	}
	if d.CSR.Sstatus&shadowcsr.SstatusSIE != 0 {
		t.Fatal("forwarding must push SIE (clear it) on trap entry")
	}
}

func TestHandleTimerNeverFiresAtMaxMtimecmp(t *testing.T) {
	d, _ := newTestDispatcher(t) // CSR.Mtimecmp defaults to MtimecmpNeverFire
	d.CSR.Set(shadowcsr.Stvec, 0xbeef)
	d.CSR.Sie = shadowcsr.STIE
	d.CSR.Sstatus |= shadowcsr.SstatusSIE
	d.Now = func() uint64 { return 1_000_000_000 } // far in the future; still < MtimecmpNeverFire

	result, err := d.HandleTrap(CauseSupervisorTimerInterrupt, 0, 0x80001000, nil, &testRegs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Forwarded {
		t.Fatal("mtimecmp = MtimecmpNeverFire must never raise sip.STIP")
	}
	if d.CSR.Sip&shadowcsr.STIE != 0 {
		t.Fatal("sip.STIP must stay clear while mtimecmp has never been armed")
	}
}

func TestHandleTimerGatesOnMtimecmpAgainstHostClock(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.CSR.Set(shadowcsr.Stvec, 0xbeef)
	d.CSR.Sie = shadowcsr.STIE
	d.CSR.Sstatus |= shadowcsr.SstatusSIE
	d.CSR.Set(shadowcsr.Mtimecmp, 100)

	d.Now = func() uint64 { return 50 } // before the deadline
	result, err := d.HandleTrap(CauseSupervisorTimerInterrupt, 0, 0x80001000, nil, &testRegs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Forwarded {
		t.Fatal("mtimecmp > now must not raise sip.STIP yet")
	}

	d.Now = func() uint64 { return 100 } // deadline reached
	result, err = d.HandleTrap(CauseSupervisorTimerInterrupt, 0, 0x80001000, nil, &testRegs{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Forwarded {
		t.Fatal("mtimecmp <= now must raise sip.STIP")
	}
}

func TestHandleTrapFatalOnUnknownCause(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.HandleTrap(0x7fff, 0, 0, nil, &testRegs{})
	if err == nil {
		t.Fatal("an unrecognized scause must be fatal, not silently ignored")
	}
	if _, ok := err.(*Fatal); !ok {
		t.Fatalf("error type = %T, want *Fatal", err)
	}
}

// Package vcpu implements the guest vCPU: its GPA-identity memory set,
// shadow CSR file, SPT registry, trap context frame, and the switch in/out
// of guest execution.
package vcpu

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hypocaust-go/hypocaust/internal/frame"
	"github.com/hypocaust-go/hypocaust/internal/guestimage"
	"github.com/hypocaust-go/hypocaust/internal/memset"
	"github.com/hypocaust-go/hypocaust/internal/mmio"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
	"github.com/hypocaust-go/hypocaust/internal/sbi"
	"github.com/hypocaust-go/hypocaust/internal/shadowcsr"
	"github.com/hypocaust-go/hypocaust/internal/spt"
	"github.com/hypocaust-go/hypocaust/internal/trap"
)

// TrapFrame is the bit-exact layout of the trap-entry frame: 31 GPRs (x1..x31), sstatus,
// sepc, host satp, host kernel stack pointer, trap-handler entry address.
type TrapFrame struct {
	X        [32]uint64 // X[0] unused, matches x0 being hard-wired to zero
	Sstatus  uint64
	Sepc     uint64
	HostSatp uint64
	HostSP   uint64
	HostTrap uint64
}

// Offsets, in bytes, of each field within TrapFrame.
const (
	OffsetX        = 0
	OffsetSstatus  = 256
	OffsetSepc     = 264
	OffsetHostSatp = 272
	OffsetHostSP   = 280
	OffsetHostTrap = 288
)

func (f *TrapFrame) Get(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return f.X[i]
}

func (f *TrapFrame) Set(i uint32, v uint64) {
	if i == 0 {
		return
	}
	f.X[i] = v
}

var _ trap.Regs = (*TrapFrame)(nil)

func pageAlign(a uint64) uint64 { return a &^ (riscv.PageSize - 1) }

// VCPU is one guest's virtual CPU.
type VCPU struct {
	GuestID int

	Memory   *memset.MemSet // GPA-identity memory set
	CSR      *shadowcsr.File
	Registry *spt.Registry
	Frame    TrapFrame

	Dispatcher *trap.Dispatcher

	trapCtxArea *memset.MapArea
}

// New creates a guest vCPU: an empty GPA-identity memory set holding only
// the trap-context page (guestimage.FromELF adds the image's regions; image,
// if non-nil, only supplies the entry point), its shadow CSR file (satp writes trigger SPT role selection/construction
// automatically), and its SPT registry seeded with the shared trampoline
// frame and this vCPU's own trap-context frame.
func New(space *physmem.Space, frames *frame.Allocator, guestID int, trampolineHPA uint64, image *guestimage.Loaded, sbiClient sbi.Client, device *mmio.VirtTestDevice) (*VCPU, error) {
	ms := memset.New(space, frames)

	trapCtxArea := ms.Push(memset.NewFramed(riscv.TrapContext, riscv.Trampoline, memset.PermR|memset.PermW))

	v := &VCPU{
		GuestID:     guestID,
		Memory:      ms,
		CSR:         shadowcsr.New(),
		trapCtxArea: trapCtxArea,
	}
	// A guest kernel boots directly in virtual supervisor mode: shadow SPP
	// must read 1 before the guest's first satp write, or SelectRole sees a
	// false "user mode" and never builds a GuestKernel descriptor.
	v.CSR.SetSPP(true)

	// Resolve the actual host frame backing the trap-context page so the
	// SPT registry can map the same physical page into every guest SPT.
	pte, ok := ms.Translate(riscv.VPNFromAddr(riscv.TrapContext))
	if !ok {
		return nil, fmt.Errorf("vcpu: trap-context page not mapped after Push")
	}
	trapCtxHPA := pte.PPN().Addr()

	v.Registry = spt.NewRegistry(space, frames, guestID, trampolineHPA, trapCtxHPA)
	v.CSR.OnSatpWrite = func(satp uint64) {
		role := spt.SelectRole(satp, v.CSR.SPP())
		if role == spt.RoleGPA {
			return
		}
		d := v.Registry.EnsureBuilt(satp, role)
		v.Registry.Activate(d)
	}

	if image != nil {
		v.Frame.Sepc = image.Entry
	}

	v.Dispatcher = &trap.Dispatcher{
		Space:    space,
		CSR:      v.CSR,
		Registry: v.Registry,
		SBI:      sbiClient,
		Device:   device,
		GuestID:  guestID,
		InTrapVectorPage: func(va uint64) bool {
			return pageAlign(va) == pageAlign(v.CSR.Get(shadowcsr.Stvec))
		},
		Now: func() uint64 { return uint64(time.Now().UnixNano()) },
	}

	return v, nil
}

// Active returns the descriptor that should be installed into the
// translation register right now: the current kernel descriptor if one
// exists and is Active, else the descriptor registered for the current
// shadow satp, else nil (role GPA).
func (v *VCPU) Active() *spt.Descriptor {
	if d, ok := v.Registry.KernelDescriptor(); ok && d.State == spt.StateActive {
		return d
	}
	if d, ok := v.Registry.Lookup(v.CSR.SatpVal); ok {
		return d
	}
	return nil
}

// Trap handles one trap into the hypervisor for this vCPU: it reads the
// saved sepc from the trap frame, dispatches by cause, and writes
// back the resulting sepc, completing the vCPU-switch cycle's inverse half
// (the save/restore of the hypervisor's own register set and the
// trampoline prologue/epilogue are an external, assembly-level collaborator
// not modelled here).
func (v *VCPU) Trap(cause, tval uint64) error {
	result, err := v.Dispatcher.HandleTrap(cause, tval, v.Frame.Sepc, v.Active(), &v.Frame)
	if err != nil {
		var fatal *trap.Fatal
		if errors.As(err, &fatal) {
			return fmt.Errorf("%w\n%s", fatal, v.crashReport())
		}
		return err
	}
	v.Frame.Sepc = result.NextSepc
	return nil
}

// crashReport renders the register file and a best-effort backtrace for a
// Fatal trap. The backtrace walks the guest's own frame-pointer chain
// (s0/x8 -> [fp-8]=ra, [fp-16]=prev fp), the way RV64 calling-convention
// prologues build it; it stops at the first unmapped or zero frame pointer
// and is never itself a source of error.
func (v *VCPU) crashReport() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sepc=%#x sstatus=%#x scause=%#x stval=%#x\n", v.Frame.Sepc, v.CSR.Sstatus, v.CSR.Scause, v.CSR.Stval)
	for i := 1; i < 32; i++ {
		fmt.Fprintf(&b, "x%-2d=%#016x", i, v.Frame.Get(uint32(i)))
		if i%4 == 0 {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteString("\nbacktrace:")
	fp := v.Frame.Get(8) // s0, conventionally the frame pointer
	for depth := 0; depth < 32 && fp != 0; depth++ {
		ra, ok := v.Memory.ReadU64(fp - 8)
		if !ok {
			break
		}
		fmt.Fprintf(&b, " %#x", ra)
		prevFP, ok := v.Memory.ReadU64(fp - 16)
		if !ok || prevFP == fp {
			break
		}
		fp = prevFP
	}
	return b.String()
}

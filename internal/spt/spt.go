// Package spt implements the shadow page table subsystem: the core
// algorithm of this hypervisor. It maintains, per active guest satp, a
// shadow page table that mirrors the guest's own page table through the
// offset-addressed gpt2spt mapping (an O(1) per-write mirror rather than a
// full rescan on every guest page-table edit), performs role selection,
// construction, write-protection ("tracing"), and keeps the registry's
// state machine.
package spt

import (
	"github.com/hypocaust-go/hypocaust/internal/frame"
	"github.com/hypocaust-go/hypocaust/internal/pagetable"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
)

// Role is the kind of shadow page table selected by the current guest satp
// and privilege level.
type Role int

const (
	RoleGPA Role = iota
	RoleGuestKernel
	RoleUserKernel
)

func (r Role) String() string {
	switch r {
	case RoleGPA:
		return "GPA"
	case RoleGuestKernel:
		return "GuestKernel"
	case RoleUserKernel:
		return "UserKernel"
	default:
		return "unknown"
	}
}

// State is a registry entry's position in its lifecycle.
type State int

const (
	StateAbsent State = iota
	StateBuilt
	StateActive
)

// Descriptor is one registry entry: {satp, role, spt, gpt, tracked_pt_pages}.
type Descriptor struct {
	Satp    uint64
	Role    Role
	GuestID int

	// Root is the host PPN of this SPT's root frame, addressed via the
	// offset mirror (gpt2spt of the guest's own root GPA).
	Root riscv.PPN

	// TrackedPTPages is the set of guest-physical page addresses that
	// currently hold a page-table level and must be write-protected.
	TrackedPTPages map[uint64]bool

	State State
}

// GuestRootGPA recovers the guest physical address of this descriptor's
// guest-authored root page table from its satp value.
func (d *Descriptor) GuestRootGPA() uint64 {
	return (d.Satp & ((1 << 44) - 1)) << riscv.PageShift
}

// Registry is the per-guest-vCPU map satp -> Descriptor plus the single
// current guest-kernel-role entry.
type Registry struct {
	space  *physmem.Space
	frames *frame.Allocator

	guestID int

	entries map[uint64]*Descriptor

	kernelSatp    uint64
	hasKernel     bool

	trampolineHPA uint64 // host frame backing the shared trampoline page
	trapCtxHPA    uint64 // host frame backing this vCPU's trap context page
}

// NewRegistry creates an empty registry for one guest vCPU. trampolineHPA
// and trapCtxHPA are the host-physical frames mapped into every SPT at the
// fixed Trampoline/TrapContext virtual addresses.
func NewRegistry(space *physmem.Space, frames *frame.Allocator, guestID int, trampolineHPA, trapCtxHPA uint64) *Registry {
	return &Registry{
		space:         space,
		frames:        frames,
		guestID:       guestID,
		entries:       make(map[uint64]*Descriptor),
		trampolineHPA: trampolineHPA,
		trapCtxHPA:    trapCtxHPA,
	}
}

// SelectRole picks which shadow role a satp write to a vCPU selects.
func SelectRole(satp uint64, guestSPP bool) Role {
	mode := riscv.SatpMode(satp >> 60)
	if mode == riscv.SatpModeBare {
		return RoleGPA
	}
	if guestSPP {
		return RoleGuestKernel
	}
	return RoleUserKernel
}

// Lookup returns the existing descriptor for satp, if any.
func (r *Registry) Lookup(satp uint64) (*Descriptor, bool) {
	d, ok := r.entries[satp]
	return d, ok
}

// KernelDescriptor returns the single current GuestKernel-role entry.
func (r *Registry) KernelDescriptor() (*Descriptor, bool) {
	if !r.hasKernel {
		return nil, false
	}
	return r.entries[r.kernelSatp], true
}

// EnsureBuilt implements the registry's Absent->Built transition: if satp
// already has an entry (two identical satp writes in succession produce one
// registry entry, not two), it is returned unchanged; otherwise Construct
// runs.
func (r *Registry) EnsureBuilt(satp uint64, role Role) *Descriptor {
	if d, ok := r.entries[satp]; ok {
		return d
	}
	return r.construct(satp, role)
}

// Activate marks d as the Active descriptor (Built -> Active), and demotes
// whatever was previously Active back to Built.
func (r *Registry) Activate(d *Descriptor) {
	for _, other := range r.entries {
		if other != d && other.State == StateActive {
			other.State = StateBuilt
		}
	}
	d.State = StateActive
}

// construct builds a brand-new shadow page table for satp: mirror the
// guest's page-table tree, write-protect its page-table pages, and map in
// the shared trampoline and trap-context pages.
func (r *Registry) construct(satp uint64, role Role) *Descriptor {
	guestRootGPA := (satp & ((1 << 44) - 1)) << riscv.PageShift
	hostRootHPA := riscv.GPT2SPT(guestRootGPA, r.guestID)

	d := &Descriptor{
		Satp:           satp,
		Role:           role,
		GuestID:        r.guestID,
		Root:           riscv.PPNFromAddr(hostRootHPA),
		TrackedPTPages: make(map[uint64]bool),
		State:          StateBuilt,
	}

	r.mirrorSubtree(guestRootGPA, hostRootHPA, d)

	// Step 4: write-protect every discovered page-table page.
	switch role {
	case RoleGuestKernel:
		r.protect(d, d)
		r.kernelSatp = satp
		r.hasKernel = true
	case RoleUserKernel:
		if kd, ok := r.KernelDescriptor(); ok {
			r.protect(d, kd)
		}
	}

	// Step 5: map the trampoline and trap-context page into the new SPT.
	tbl := pagetable.FromRoot(r.space, r.frames, d.Root)
	mapIfAbsent(tbl, riscv.VPNFromAddr(riscv.Trampoline), riscv.PPNFromAddr(r.trampolineHPA), riscv.PTER|riscv.PTEX)
	mapIfAbsent(tbl, riscv.VPNFromAddr(riscv.TrapContext), riscv.PPNFromAddr(r.trapCtxHPA), riscv.PTER|riscv.PTEW)

	r.entries[satp] = d
	return d
}

func mapIfAbsent(t *pagetable.Table, vpn riscv.VPN, ppn riscv.PPN, flags uint64) {
	if err := t.Map(vpn, ppn, flags); err == pagetable.ErrAlreadyMapped {
		return
	} else if err != nil {
		panic(err)
	}
}

// mirrorSubtree recursively copies one guest page-table page (at guestGPA,
// backed in host memory at gpa2hpa(guestGPA)) into its SPT mirror page (at
// hostHPA = gpt2spt(guestGPA)), recording every page-table page visited.
func (r *Registry) mirrorSubtree(guestGPA, hostHPA uint64, d *Descriptor) {
	d.TrackedPTPages[pageAlign(guestGPA)] = true

	guestHPA := riscv.GPA2HPA(guestGPA, d.GuestID)
	for i := uint64(0); i < 512; i++ {
		slot := i * 8
		gpte := riscv.PTE(r.space.ReadU64(guestHPA + slot))
		if !gpte.Valid() {
			continue
		}

		var mirror riscv.PTE
		if gpte.Leaf() {
			leafGPA := gpte.PPN().Addr()
			mirror = riscv.NewPTE(riscv.PPNFromAddr(riscv.GPA2HPA(leafGPA, d.GuestID)), gpte.Flags()|riscv.PTEU)
		} else {
			childGPA := gpte.PPN().Addr()
			childHPA := riscv.GPT2SPT(childGPA, d.GuestID)
			mirror = riscv.NewPTE(riscv.PPNFromAddr(childHPA), gpte.Flags())
			r.mirrorSubtree(childGPA, childHPA, d)
		}
		r.space.WriteU64(hostHPA+slot, uint64(mirror))
	}
}

// protect clears W and X (leaving R|U|V) on every page in src's
// TrackedPTPages, wherever that physical page appears as a leaf target
// anywhere in target's SPT tree (the guest may also access its own
// page-table pages as ordinary identity-mapped data).
func (r *Registry) protect(src, target *Descriptor) {
	tracked := make(map[uint64]bool, len(src.TrackedPTPages))
	for gpa := range src.TrackedPTPages {
		tracked[riscv.GPA2HPA(gpa, src.GuestID)] = true
	}
	r.walkAndProtect(target.Root, tracked)
}

func (r *Registry) walkAndProtect(ppn riscv.PPN, trackedHPA map[uint64]bool) {
	base := ppn.Addr()
	for i := uint64(0); i < 512; i++ {
		addr := base + i*8
		pte := riscv.PTE(r.space.ReadU64(addr))
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() {
			if trackedHPA[pte.PPN().Addr()] {
				pte.SetFlags((pte.Flags() &^ (riscv.PTEW | riscv.PTEX)) | riscv.PTER | riscv.PTEU | riscv.PTEV)
				r.space.WriteU64(addr, uint64(pte))
			}
			continue
		}
		r.walkAndProtect(pte.PPN(), trackedHPA)
	}
}

// unprotectPage is protect's inverse: wherever pageGPA (now an ordinary
// freed page, no longer a page-table level) appears as a write-protected
// leaf target in target's SPT, restore R|W|U and clear X. A page that was
// never independently leaf-mapped (only ever walked as a page-table level)
// has nothing to restore, and the walk is a no-op for it.
func (r *Registry) unprotectPage(target *Descriptor, pageGPA uint64) {
	targetHPA := riscv.GPA2HPA(pageGPA, target.GuestID)
	r.walkAndUnprotect(target.Root, targetHPA)
}

func (r *Registry) walkAndUnprotect(ppn riscv.PPN, targetHPA uint64) {
	base := ppn.Addr()
	for i := uint64(0); i < 512; i++ {
		addr := base + i*8
		pte := riscv.PTE(r.space.ReadU64(addr))
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() {
			if pte.PPN().Addr() == targetHPA {
				pte.SetFlags((pte.Flags() | (riscv.PTER | riscv.PTEW | riscv.PTEU | riscv.PTEV)) &^ riscv.PTEX)
				r.space.WriteU64(addr, uint64(pte))
			}
			continue
		}
		r.walkAndUnprotect(pte.PPN(), targetHPA)
	}
}

func pageAlign(a uint64) uint64 { return a &^ (riscv.PageSize - 1) }

// HandlePTEWrite implements tracing and synchronisation: the
// guest attempted an 8-byte store of value to the guest-physical address
// guestVA of one of its own page-table slots, and trapped because that page
// is write-protected in active's SPT. kernel is the registry's current
// GuestKernel descriptor (write-protection bookkeeping for tracked pages
// always lives there, even when active is a UserKernel-role descriptor).
func (r *Registry) HandlePTEWrite(active, kernel *Descriptor, guestVA uint64, value uint64) {
	// 1. Guest-side store, so the guest's own view stays consistent.
	r.space.WriteU64(riscv.GPA2HPA(guestVA, active.GuestID), value)

	// 2. Update the mirror SPT location.
	mirrorAddr := riscv.GPT2SPT(guestVA, active.GuestID)
	newPTE := riscv.PTE(value)
	pageGPA := pageAlign(guestVA)

	switch {
	case !newPTE.Valid():
		r.space.WriteU64(mirrorAddr, 0)
		containing := mirrorAddr &^ (riscv.PageSize - 1)
		if r.space.PageIsZero(containing) {
			if kernel != nil {
				r.unprotectPage(kernel, pageGPA)
				delete(kernel.TrackedPTPages, pageGPA)
			}
		}

	case !newPTE.Leaf():
		childGPA := newPTE.PPN().Addr()
		childHPA := riscv.GPT2SPT(childGPA, active.GuestID)
		mirror := riscv.NewPTE(riscv.PPNFromAddr(childHPA), newPTE.Flags())
		r.space.WriteU64(mirrorAddr, uint64(mirror))
		if kernel != nil {
			kernel.TrackedPTPages[pageAlign(childGPA)] = true
			r.protect(kernel, kernel)
		}

	default: // leaf
		leafGPA := newPTE.PPN().Addr()
		mirror := riscv.NewPTE(riscv.PPNFromAddr(riscv.GPA2HPA(leafGPA, active.GuestID)), newPTE.Flags()|riscv.PTEU)
		r.space.WriteU64(mirrorAddr, uint64(mirror))
	}
}

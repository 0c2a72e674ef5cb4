// Package pagetable implements the Sv39 three-level page table: walk,
// map/unmap, and find-or-create over frames drawn from a frame.Allocator.
package pagetable

import (
	"errors"

	"github.com/hypocaust-go/hypocaust/internal/frame"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
)

var (
	ErrAlreadyMapped = errors.New("pagetable: vpn already mapped")
	ErrNotMapped     = errors.New("pagetable: vpn not mapped")
)

// Table is an Sv39 page table. It owns its root frame and every intermediate
// frame it allocates via find_pte_create; leaf targets may be owned
// (framed mappings) or external (linear mappings) — ownership of leaf
// frames is tracked by the caller (internal/memset), not here.
type Table struct {
	space  *physmem.Space
	frames *frame.Allocator
	root   riscv.PPN
}

// New creates an empty table with a freshly allocated, zeroed root frame.
func New(space *physmem.Space, frames *frame.Allocator) *Table {
	return &Table{space: space, frames: frames, root: frames.MustAlloc()}
}

// FromRoot wraps an existing root frame (e.g. one built directly by the
// shadow page table construction algorithm).
func FromRoot(space *physmem.Space, frames *frame.Allocator, root riscv.PPN) *Table {
	return &Table{space: space, frames: frames, root: root}
}

// FromSatp decodes an Sv39 satp value and wraps its root frame.
func FromSatp(space *physmem.Space, frames *frame.Allocator, satp uint64) *Table {
	return FromRoot(space, frames, riscv.PPN(satp&((1<<44)-1)))
}

// Token returns the satp value selecting this table (mode=Sv39, root PPN).
func (t *Table) Token() uint64 {
	return (uint64(riscv.SatpModeSv39) << 60) | uint64(t.root)
}

func (t *Table) Root() riscv.PPN { return t.root }

func (t *Table) pteSlot(ppn riscv.PPN, index uint64) uint64 {
	return ppn.Addr() + index*8
}

func (t *Table) readPTE(ppn riscv.PPN, index uint64) riscv.PTE {
	return riscv.PTE(t.space.ReadU64(t.pteSlot(ppn, index)))
}

func (t *Table) writePTE(ppn riscv.PPN, index uint64, pte riscv.PTE) {
	t.space.WriteU64(t.pteSlot(ppn, index), uint64(pte))
}

// WalkStep is one level visited while resolving a virtual address.
type WalkStep struct {
	Addr  uint64    // address of the PTE slot
	PTE   riscv.PTE // its contents
	Level int       // 2, 1, or 0
}

// PageWalk is the ordered list of PTEs visited plus the resolved address.
type PageWalk struct {
	Steps []WalkStep
	Phys  uint64 // final physical address, valid only if Found
	Found bool
}

// Walk descends the three Sv39 levels from root for virtual address va. It
// is pure: it only reads through the supplied space. It returns Found=false
// if any PTE along the path has V=0 or is illegal (W&^R), and correctly
// stops early at a leaf found at level 2 or 1 (mega/giga pages).
func Walk(space *physmem.Space, root riscv.PPN, va uint64) PageWalk {
	vpn := riscv.VPNFromAddr(va)
	idx := vpn.Indices()

	var pw PageWalk
	ppn := root
	for level := riscv.Levels - 1; level >= 0; level-- {
		addr := ppn.Addr() + idx[riscv.Levels-1-level]*8
		pte := riscv.PTE(space.ReadU64(addr))
		pw.Steps = append(pw.Steps, WalkStep{Addr: addr, PTE: pte, Level: level})

		if !pte.Valid() || pte.Illegal() {
			return pw
		}
		if pte.Leaf() {
			// Superpage: low bits of the level pass through unchanged.
			shift := uint64(level) * riscv.PageBits
			mask := (uint64(1) << (shift + riscv.PageShift)) - 1
			pw.Phys = (pte.PPN().Addr() &^ mask) | (va & mask)
			pw.Found = true
			return pw
		}
		ppn = pte.PPN()
	}
	// Walked through all three levels without finding a leaf: malformed.
	return pw
}

// Translate resolves va to a PTE in this table, descending all levels.
func (t *Table) Translate(vpn riscv.VPN) (riscv.PTE, bool) {
	pw := Walk(t.space, t.root, vpn.Addr())
	if !pw.Found {
		return 0, false
	}
	return pw.Steps[len(pw.Steps)-1].PTE, true
}

// FindPTE returns the address of the leaf-level PTE slot for vpn, without
// creating any missing intermediate levels.
func (t *Table) FindPTE(vpn riscv.VPN) (addr uint64, ok bool) {
	idx := vpn.Indices()
	ppn := t.root
	for level := riscv.Levels - 1; level >= 0; level-- {
		slotAddr := t.pteSlot(ppn, idx[riscv.Levels-1-level])
		pte := riscv.PTE(t.space.ReadU64(slotAddr))
		if level == 0 {
			return slotAddr, true
		}
		if !pte.Valid() {
			return 0, false
		}
		ppn = pte.PPN()
	}
	return 0, false
}

// FindPTECreate returns the address of the leaf-level PTE slot for vpn,
// allocating and zeroing any missing intermediate frame along the way.
// Allocation failure is fatal: the frame allocator panics.
func (t *Table) FindPTECreate(vpn riscv.VPN) uint64 {
	idx := vpn.Indices()
	ppn := t.root
	for level := riscv.Levels - 1; level >= 0; level-- {
		slotAddr := t.pteSlot(ppn, idx[riscv.Levels-1-level])
		if level == 0 {
			return slotAddr
		}
		pte := riscv.PTE(t.space.ReadU64(slotAddr))
		if !pte.Valid() {
			child := t.frames.MustAlloc()
			pte = riscv.NewPTE(child, riscv.PTEV)
			t.space.WriteU64(slotAddr, uint64(pte))
			ppn = child
		} else {
			ppn = pte.PPN()
		}
	}
	panic("pagetable: unreachable")
}

// Map installs a leaf mapping vpn -> ppn with the given permission flags
// (R/W/X/U/G, V is implied). Fails with ErrAlreadyMapped if the slot is
// already valid. Issues no TLB fence; the caller fences on root switch.
func (t *Table) Map(vpn riscv.VPN, ppn riscv.PPN, flags uint64) error {
	addr := t.FindPTECreate(vpn)
	if riscv.PTE(t.space.ReadU64(addr)).Valid() {
		return ErrAlreadyMapped
	}
	t.space.WriteU64(addr, uint64(riscv.NewPTE(ppn, flags|riscv.PTEV)))
	return nil
}

// Unmap clears the leaf mapping for vpn. Fails with ErrNotMapped
// symmetrically with Map. Does not free any frame: ownership belongs to the
// memory region, not the table.
func (t *Table) Unmap(vpn riscv.VPN) error {
	addr, ok := t.FindPTE(vpn)
	if !ok || !riscv.PTE(t.space.ReadU64(addr)).Valid() {
		return ErrNotMapped
	}
	t.space.WriteU64(addr, 0)
	return nil
}

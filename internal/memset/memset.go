// Package memset implements the memory-set abstraction: a page table plus
// an ordered list of non-overlapping mapped regions (linear or framed),
// each with one permission set.
package memset

import (
	"fmt"

	"github.com/hypocaust-go/hypocaust/internal/frame"
	"github.com/hypocaust-go/hypocaust/internal/pagetable"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
)

// MapType distinguishes a fixed physical-page range with external frame
// ownership (Linear) from a region whose frames are owned and allocated one
// per virtual page (Framed).
type MapType int

const (
	Linear MapType = iota
	Framed
)

// Permission bits mirror the PTE R/W/X/U flags directly.
type Permission uint64

const (
	PermR Permission = riscv.PTER
	PermW Permission = riscv.PTEW
	PermX Permission = riscv.PTEX
	PermU Permission = riscv.PTEU
)

// MapArea is a contiguous virtual-page range with one permission set and
// mapping kind.
type MapArea struct {
	StartVPN riscv.VPN
	EndVPN   riscv.VPN // exclusive
	Type     MapType
	Perm     Permission

	startPPN riscv.PPN // Linear only
	owned    []riscv.PPN
}

// NewLinear creates a region backed by an externally-owned physical range.
func NewLinear(startVA, endVA uint64, startPA uint64, perm Permission) MapArea {
	return MapArea{
		StartVPN: riscv.VPNFromAddr(startVA),
		EndVPN:   riscv.VPNFromAddr(alignUp(endVA)),
		Type:     Linear,
		Perm:     perm,
		startPPN: riscv.PPNFromAddr(startPA),
	}
}

// NewFramed creates a region whose frames are allocated on demand when
// mapped and freed when unmapped.
func NewFramed(startVA, endVA uint64, perm Permission) MapArea {
	return MapArea{
		StartVPN: riscv.VPNFromAddr(startVA),
		EndVPN:   riscv.VPNFromAddr(alignUp(endVA)),
		Type:     Framed,
		Perm:     perm,
	}
}

func alignUp(addr uint64) uint64 {
	return (addr + riscv.PageSize - 1) &^ (riscv.PageSize - 1)
}

func (a *MapArea) npages() uint64 { return uint64(a.EndVPN - a.StartVPN) }

func (a *MapArea) pteFlags() uint64 { return uint64(a.Perm) }

// MemSet owns a page table and the regions mapped into it.
type MemSet struct {
	PT     *pagetable.Table
	Areas  []*MapArea
	space  *physmem.Space
	frames *frame.Allocator
}

// New creates an empty memory set over a fresh root frame.
func New(space *physmem.Space, frames *frame.Allocator) *MemSet {
	return &MemSet{PT: pagetable.New(space, frames), space: space, frames: frames}
}

// Push maps area into the page table and records it. Panics if area
// overlaps an existing region: regions in a memory set may never overlap.
func (m *MemSet) Push(area MapArea) *MapArea {
	for _, existing := range m.Areas {
		if area.StartVPN < existing.EndVPN && existing.StartVPN < area.EndVPN {
			panic(fmt.Sprintf("memset: area [%#x,%#x) overlaps existing [%#x,%#x)",
				area.StartVPN.Addr(), area.EndVPN.Addr(), existing.StartVPN.Addr(), existing.EndVPN.Addr()))
		}
	}
	stored := area
	m.mapArea(&stored)
	m.Areas = append(m.Areas, &stored)
	return &stored
}

func (m *MemSet) mapArea(a *MapArea) {
	n := a.npages()
	for i := uint64(0); i < n; i++ {
		vpn := a.StartVPN + riscv.VPN(i)
		var ppn riscv.PPN
		switch a.Type {
		case Linear:
			ppn = a.startPPN + riscv.PPN(i)
		case Framed:
			ppn = m.frames.MustAlloc()
			a.owned = append(a.owned, ppn)
		}
		if err := m.PT.Map(vpn, ppn, a.pteFlags()); err != nil {
			panic(fmt.Sprintf("memset: map %#x: %v", vpn.Addr(), err))
		}
	}
}

// Unmap removes area's mappings. Framed regions release their owned frames
// back to the allocator; linear regions never do (ownership is external).
func (m *MemSet) Unmap(a *MapArea) {
	n := a.npages()
	for i := uint64(0); i < n; i++ {
		vpn := a.StartVPN + riscv.VPN(i)
		if err := m.PT.Unmap(vpn); err != nil {
			panic(fmt.Sprintf("memset: unmap %#x: %v", vpn.Addr(), err))
		}
	}
	if a.Type == Framed {
		for _, ppn := range a.owned {
			m.frames.Dealloc(ppn)
		}
		a.owned = nil
	}
}

// CopyData writes data into a Framed region's backing frames, page by page.
// data may be shorter than the region; the remainder stays zeroed.
func (m *MemSet) CopyData(a *MapArea, data []byte) {
	if a.Type != Framed {
		panic("memset: copy_data on non-framed area")
	}
	off := 0
	for _, ppn := range a.owned {
		if off >= len(data) {
			break
		}
		end := off + riscv.PageSize
		if end > len(data) {
			end = len(data)
		}
		dst := m.space.Bytes(ppn.Addr(), end-off)
		copy(dst, data[off:end])
		off = end
	}
}

// Translate resolves vpn through this set's page table.
func (m *MemSet) Translate(vpn riscv.VPN) (riscv.PTE, bool) {
	return m.PT.Translate(vpn)
}

// Token returns the satp value to activate this memory set.
func (m *MemSet) Token() uint64 { return m.PT.Token() }

// ReadU64 resolves va through this set's page table and reads one
// little-endian word, or ok=false if va has no readable mapping.
func (m *MemSet) ReadU64(va uint64) (val uint64, ok bool) {
	pte, mapped := m.PT.Translate(riscv.VPNFromAddr(va))
	if !mapped || !pte.Readable() {
		return 0, false
	}
	return m.space.ReadU64(pte.PPN().Addr() | (va & (riscv.PageSize - 1))), true
}

// Activate returns this set's satp token for installation into the
// translation register. In this software hypervisor the host process's own
// address space never actually switches (Go manages it); Activate exists so
// callers follow the same "write satp, fence" sequence a real machine
// requires, with the fence a documented no-op here.
func (m *MemSet) Activate() uint64 {
	return m.Token()
}

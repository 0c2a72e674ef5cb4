// Package frame implements the tracked physical-frame allocator: the
// boot-time singleton the page-table and memory-set subsystems draw frames
// from. Frames are carved out of the single shared physmem.Space so every
// PPN the allocator hands out addresses into the same backing store the
// page tables read and write through.
package frame

import (
	"fmt"
	"sync"

	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
)

// Allocator hands out zeroed physical frames from a reserved pool and takes
// them back. Allocations within one contiguous run are index-increasing.
type Allocator struct {
	mu    sync.Mutex
	space *physmem.Space

	base    riscv.PPN
	free    []riscv.PPN
	next    riscv.PPN
	nFrames uint64
}

// New creates an allocator over the pool [base, base+size) within space
// (size must be frame-aligned).
func New(space *physmem.Space, base uint64, size uint64) *Allocator {
	if size%riscv.PageSize != 0 {
		panic("frame: pool size must be page aligned")
	}
	return &Allocator{
		space:   space,
		base:    riscv.PPNFromAddr(base),
		next:    riscv.PPNFromAddr(base),
		nFrames: size / riscv.PageSize,
	}
}

// Alloc returns the next available frame, zeroed, or ok=false if exhausted.
func (a *Allocator) Alloc() (riscv.PPN, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		ppn := a.free[n-1]
		a.free = a.free[:n-1]
		a.zero(ppn)
		return ppn, true
	}
	if uint64(a.next-a.base) >= a.nFrames {
		return 0, false
	}
	ppn := a.next
	a.next++
	a.zero(ppn)
	return ppn, true
}

// MustAlloc allocates a frame, treating exhaustion as fatal (the allocator
// "failure to allocate is fatal, documented non-recoverable").
func (a *Allocator) MustAlloc() riscv.PPN {
	ppn, ok := a.Alloc()
	if !ok {
		panic("frame: pool exhausted")
	}
	return ppn
}

// Dealloc returns a frame to the free list. It does not zero eagerly; the
// next Alloc of that frame does.
func (a *Allocator) Dealloc(ppn riscv.PPN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ppn < a.base || ppn >= a.next {
		panic(fmt.Sprintf("frame: dealloc of frame %#x outside pool", ppn))
	}
	a.free = append(a.free, ppn)
}

func (a *Allocator) zero(ppn riscv.PPN) {
	clear(a.space.Bytes(ppn.Addr(), riscv.PageSize))
}

// Contains reports whether ppn was drawn from this pool.
func (a *Allocator) Contains(ppn riscv.PPN) bool {
	return ppn >= a.base && ppn < a.next
}

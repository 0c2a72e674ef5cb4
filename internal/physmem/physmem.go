// Package physmem implements the single flat host-physical-address space
// that every other core component addresses into: guest RAM slices, SPT
// pools, and the frame-allocator arena all live in one logical space. Because
// the ABI's fixed constants (guest RAM slices starting at 0x8800_0000, SPT
// pools starting at 0x1_0000_0000) span a much larger range than any single
// run actually touches, pages are backed lazily on first access rather than
// as one contiguous allocation.
package physmem

import (
	"encoding/binary"
	"fmt"
)

const pageSize = 4096
const pageMask = pageSize - 1

// Space is the host-physical address space backing the whole hypervisor.
type Space struct {
	limit uint64
	pages map[uint64]*[pageSize]byte
}

// New creates a physical address space addressable up to (but not
// necessarily backed for) size bytes.
func New(size uint64) *Space {
	return &Space{limit: size, pages: make(map[uint64]*[pageSize]byte)}
}

func (s *Space) Size() uint64 { return s.limit }

func (s *Space) bounds(addr uint64, n int) {
	if addr+uint64(n) > s.limit {
		panic(fmt.Sprintf("physmem: access [%#x,%#x) out of bounds (limit %#x)", addr, addr+uint64(n), s.limit))
	}
}

func (s *Space) page(addr uint64, create bool) *[pageSize]byte {
	base := addr &^ pageMask
	p, ok := s.pages[base]
	if !ok {
		if !create {
			return nil
		}
		p = &[pageSize]byte{}
		s.pages[base] = p
	}
	return p
}

// Bytes returns a live slice view of n bytes starting at addr. The range
// must not cross a page boundary.
func (s *Space) Bytes(addr uint64, n int) []byte {
	s.bounds(addr, n)
	off := addr & pageMask
	if off+uint64(n) > pageSize {
		panic("physmem: Bytes does not support cross-page spans")
	}
	p := s.page(addr, true)
	return p[off : off+uint64(n)]
}

func (s *Space) ReadU64(addr uint64) uint64 {
	s.bounds(addr, 8)
	p := s.page(addr, false)
	if p == nil {
		return 0
	}
	off := addr & pageMask
	return binary.LittleEndian.Uint64(p[off:])
}

func (s *Space) WriteU64(addr uint64, v uint64) {
	s.bounds(addr, 8)
	p := s.page(addr, true)
	off := addr & pageMask
	binary.LittleEndian.PutUint64(p[off:], v)
}

func (s *Space) ReadU32(addr uint64) uint32 {
	s.bounds(addr, 4)
	p := s.page(addr, false)
	if p == nil {
		return 0
	}
	off := addr & pageMask
	return binary.LittleEndian.Uint32(p[off:])
}

func (s *Space) WriteU32(addr uint64, v uint32) {
	s.bounds(addr, 4)
	p := s.page(addr, true)
	off := addr & pageMask
	binary.LittleEndian.PutUint32(p[off:], v)
}

func (s *Space) ReadU16(addr uint64) uint16 {
	s.bounds(addr, 2)
	p := s.page(addr, false)
	if p == nil {
		return 0
	}
	off := addr & pageMask
	return binary.LittleEndian.Uint16(p[off:])
}

func (s *Space) ReadAt(dst []byte, addr uint64) {
	// May span multiple pages; copy page by page.
	for len(dst) > 0 {
		off := addr & pageMask
		n := pageSize - int(off)
		if n > len(dst) {
			n = len(dst)
		}
		s.bounds(addr, n)
		p := s.page(addr, false)
		if p != nil {
			copy(dst[:n], p[off:])
		} else {
			clear(dst[:n])
		}
		dst = dst[n:]
		addr += uint64(n)
	}
}

func (s *Space) WriteAt(src []byte, addr uint64) {
	for len(src) > 0 {
		off := addr & pageMask
		n := pageSize - int(off)
		if n > len(src) {
			n = len(src)
		}
		s.bounds(addr, n)
		p := s.page(addr, true)
		copy(p[off:], src[:n])
		src = src[n:]
		addr += uint64(n)
	}
}

// PageIsZero reports whether the 4 KiB page containing pageAddr is all
// zero (an unbacked page counts as zero).
func (s *Space) PageIsZero(pageAddr uint64) bool {
	p := s.page(pageAddr, false)
	if p == nil {
		return true
	}
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

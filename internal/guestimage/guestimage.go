// Package guestimage parses a guest ELF image and builds its initial
// GPA-mode memory set, walking PT_LOAD segments with stdlib debug/elf.
package guestimage

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/hypocaust-go/hypocaust/internal/frame"
	"github.com/hypocaust-go/hypocaust/internal/memset"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
)

// Segment is one loadable ELF program header, copied into the guest's
// host-physical slice.
type Segment struct {
	VirtAddr uint64
	PhysAddr uint64 // guest-physical address this segment lands at
	Size     uint64
	Perm     memset.Permission
}

// Loaded describes a parsed guest image: its entry point and the segments
// that were copied into host memory.
type Loaded struct {
	Entry    uint64
	Segments []Segment
}

// FromELF parses image's program headers, copies each PT_LOAD segment into
// guestID's dedicated 128 MiB host-physical slice (starting at
// riscv.GPA2HPA(riscv.GuestRAMBase, guestID)), and adds one Linear region
// per segment plus a trailing region for the rest of the guest's RAM to ms.
func FromELF(ms *memset.MemSet, space *physmem.Space, fr *frame.Allocator, image io.ReaderAt, guestID int) (*Loaded, error) {
	f, err := elf.NewFile(image)
	if err != nil {
		return nil, fmt.Errorf("guestimage: parse elf: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("guestimage: not a RISC-V image (machine=%s)", f.Machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("guestimage: only ELFCLASS64 is supported")
	}

	loaded := &Loaded{Entry: f.Entry}

	// Guest physical addresses are identity-offset from the ELF's own
	// virtual/physical addresses: the guest kernel is linked to run at its
	// own notion of physical memory starting at riscv.GuestRAMBase; we copy
	// bytes there and let gpa2hpa() find the backing host bytes.
	gpaCursor := uint64(riscv.GuestRAMBase)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Memsz == 0 {
			continue
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("guestimage: read segment: %w", err)
		}

		gpa := prog.Vaddr
		if gpa < riscv.GuestRAMBase {
			gpa = gpaCursor
		}
		hpa := riscv.GPA2HPA(gpa, guestID)

		perm := memset.Permission(0)
		if prog.Flags&elf.PF_R != 0 {
			perm |= memset.PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= memset.PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= memset.PermX
		}

		alignedSize := (prog.Memsz + riscv.PageSize - 1) &^ (riscv.PageSize - 1)
		area := memset.NewLinear(gpa, gpa+alignedSize, hpa, perm)
		ms.Push(area)
		space.WriteAt(data, hpa)

		loaded.Segments = append(loaded.Segments, Segment{
			VirtAddr: prog.Vaddr,
			PhysAddr: gpa,
			Size:     prog.Memsz,
			Perm:     perm,
		})

		if end := gpa + alignedSize; end > gpaCursor {
			gpaCursor = end
		}
	}

	// Remainder of this guest's RAM slice: ordinary R|W memory.
	sliceEnd := uint64(riscv.GuestRAMBase) + riscv.GuestSlice
	if gpaCursor < sliceEnd {
		hpa := riscv.GPA2HPA(gpaCursor, guestID)
		ms.Push(memset.NewLinear(gpaCursor, sliceEnd, hpa, memset.PermR|memset.PermW))
	}

	return loaded, nil
}

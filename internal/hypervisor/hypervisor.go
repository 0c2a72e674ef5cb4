// Package hypervisor implements the top-level singleton: the guest table,
// the currently running guest id, and boot wiring (build host memory set,
// load guest images, create vCPUs).
package hypervisor

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hypocaust-go/hypocaust/internal/bootcfg"
	"github.com/hypocaust-go/hypocaust/internal/frame"
	"github.com/hypocaust-go/hypocaust/internal/guestimage"
	"github.com/hypocaust-go/hypocaust/internal/memset"
	"github.com/hypocaust-go/hypocaust/internal/mmio"
	"github.com/hypocaust-go/hypocaust/internal/physmem"
	"github.com/hypocaust-go/hypocaust/internal/riscv"
	"github.com/hypocaust-go/hypocaust/internal/sbi"
	"github.com/hypocaust-go/hypocaust/internal/vcpu"
)

// reservedPoolSize is the size of the frame allocator's own backing pool,
// carved out below every guest's 128 MiB slice.
const reservedPoolSize = 16 * 1024 * 1024

// Hypervisor is the process-wide singleton: boot it once, then dispatch
// traps into whichever guest is Current.
type Hypervisor struct {
	Space  *physmem.Space
	Frames *frame.Allocator
	HostMS *memset.MemSet

	Guests  []*vcpu.VCPU
	Current int

	Device *mmio.VirtTestDevice
	SBI    sbi.Client

	Log *slog.Logger

	trampolineHPA uint64
}

// Boot builds the host address space, loads every guest named in cfg from
// disk, and constructs one vCPU per guest. Guest i owns host-physical
// [riscv.GPA2HPA(riscv.GuestRAMBase, i), +128MiB); guests beyond what the arena can
// back are rejected.
func Boot(cfg *bootcfg.Config, log *slog.Logger) (*Hypervisor, error) {
	n := len(cfg.Guests)
	// Guest RAM slices must end below the SPT pools at SPTBase.
	if riscv.GPA2HPA(riscv.GuestRAMBase, n-1)+riscv.GuestSlice > riscv.SPTBase {
		return nil, fmt.Errorf("hypervisor: %d guests do not fit below the SPT pool", n)
	}
	arenaSize := uint64(riscv.SPTBase) + uint64(n)*riscv.GuestSlice

	space := physmem.New(arenaSize)
	h := &Hypervisor{
		Space:  space,
		Frames: frame.New(space, uint64(riscv.GuestRAMBase)-reservedPoolSize, reservedPoolSize),
		Device: &mmio.VirtTestDevice{},
		Log:    log,
	}

	h.SBI = &sbi.HostClient{
		Stdout: func(c byte) { os.Stdout.Write([]byte{c}) },
		OnSetTimer: func(absTime uint64) {
			log.Debug("sbi set_timer", "abs_time", absTime)
		},
		OnShutdown: func() {
			log.Info("guest requested shutdown")
			os.Exit(0)
		},
	}

	h.HostMS = memset.New(h.Space, h.Frames)
	// One page at Trampoline; its end address (2^64) does not fit in a
	// uint64, so the range is given in page numbers.
	trampolineVPN := riscv.VPNFromAddr(riscv.Trampoline)
	trampolineArea := h.HostMS.Push(memset.MapArea{StartVPN: trampolineVPN, EndVPN: trampolineVPN + 1, Type: memset.Framed, Perm: memset.PermR | memset.PermX})
	if pte, ok := h.HostMS.Translate(trampolineArea.StartVPN); ok {
		h.trampolineHPA = pte.PPN().Addr()
	}

	for i, g := range cfg.Guests {
		v, err := h.bootGuest(i, g)
		if err != nil {
			return nil, fmt.Errorf("hypervisor: boot guest %q: %w", g.Name, err)
		}
		h.Guests = append(h.Guests, v)
		log.Info("guest booted", "id", i, "name", g.Name, "entry", fmt.Sprintf("%#x", v.Frame.Sepc))
	}

	return h, nil
}

func (h *Hypervisor) bootGuest(id int, g bootcfg.GuestConfig) (*vcpu.VCPU, error) {
	f, err := os.Open(g.Image)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v, err := vcpu.New(h.Space, h.Frames, id, h.trampolineHPA, nil, h.SBI, h.Device)
	if err != nil {
		return nil, err
	}

	loaded, err := guestimage.FromELF(v.Memory, h.Space, h.Frames, f, id)
	if err != nil {
		return nil, err
	}
	v.Frame.Sepc = loaded.Entry

	return v, nil
}

// Step delivers one synthetic trap to the currently running guest. The real
// trampoline/prologue is not modelled; callers drive this directly with a
// (cause, tval) pair.
func (h *Hypervisor) Step(cause, tval uint64) error {
	return h.Guests[h.Current].Trap(cause, tval)
}

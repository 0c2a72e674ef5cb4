// Package mmio implements the QEMU virt-test device, the only MMIO region
// region this hypervisor's page-fault handler emulates (no UART/PLIC/virtio).
package mmio

import "github.com/hypocaust-go/hypocaust/internal/riscv"

// Device is a single memory-mapped register.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
}

// VirtTestDevice shadows QEMU's "virt test" finisher device: a single
// 32-bit register at offset 0 whose low 16 bits request shutdown/reboot and
// whose high 16 bits carry an exit code, matching the real device's ABI.
type VirtTestDevice struct {
	reg uint32
	// ExitRequested is set once the guest writes a shutdown/reboot code.
	ExitRequested bool
	ExitCode      uint32
}

const (
	FinisherFail     = 0x3333
	FinisherPass     = 0x5555
	FinisherReset    = 0x7777
)

func (d *VirtTestDevice) Read(offset uint64, size int) (uint64, error) {
	if offset != 0 {
		return 0, nil
	}
	return uint64(d.reg), nil
}

func (d *VirtTestDevice) Write(offset uint64, size int, value uint64) error {
	if offset != 0 {
		return nil
	}
	d.reg = uint32(value)
	switch d.reg & 0xffff {
	case FinisherFail, FinisherPass, FinisherReset:
		d.ExitRequested = true
		d.ExitCode = d.reg >> 16
	}
	return nil
}

// Contains reports whether addr falls inside this device's fixed MMIO
// window, 0x10_0000..0x10_1000.
func Contains(addr uint64) bool {
	return addr >= riscv.QEMUVirtTest && addr < riscv.QEMUVirtTest+riscv.QEMUVirtTestSize
}

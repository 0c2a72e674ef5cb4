// Package sbi implements the thin SBI (Supervisor Binary Interface)
// call-out to firmware: console, timer, shutdown, dispatched by
// extension/function ID, narrowed to set_timer, console_putchar,
// console_getchar, and shutdown.
package sbi

// Legacy SBI extension IDs (a7).
const (
	ExtSetTimer        = 0x00
	ExtConsolePutchar  = 0x01
	ExtConsoleGetchar  = 0x02
	ExtShutdown        = 0x08
)

// Client is the hypervisor's call-out surface to host firmware/console.
type Client interface {
	SetTimer(absTime uint64)
	ConsolePutchar(c byte)
	ConsoleGetchar() (c byte, ok bool)
	Shutdown()
}

// HostClient implements Client directly against the host process: stdout
// for the console, and a caller-supplied timer/shutdown callback (the
// hypervisor singleton wires set_timer to a debug log record and shutdown
// to process exit).
type HostClient struct {
	Stdout      func(b byte)
	Stdin       func() (byte, bool)
	OnSetTimer  func(absTime uint64)
	OnShutdown  func()
}

var _ Client = (*HostClient)(nil)

func (h *HostClient) SetTimer(absTime uint64) {
	if h.OnSetTimer != nil {
		h.OnSetTimer(absTime)
	}
}

func (h *HostClient) ConsolePutchar(c byte) {
	if h.Stdout != nil {
		h.Stdout(c)
	}
}

func (h *HostClient) ConsoleGetchar() (byte, bool) {
	if h.Stdin != nil {
		return h.Stdin()
	}
	return 0, false
}

func (h *HostClient) Shutdown() {
	if h.OnShutdown != nil {
		h.OnShutdown()
	}
}

// Call dispatches one ECALL's (extension, function, a0) to the client,
// returning (a0, a1) the way the SBI ABI expects, and ok=false if the
// extension ID is unsupported (the caller forwards those back to the
// guest as an unhandled ECALL instead of emulating it).
func Call(c Client, ext, a0 uint64) (retA0, retA1 uint64, ok bool) {
	switch ext {
	case ExtSetTimer:
		c.SetTimer(a0)
		return 0, 0, true
	case ExtConsolePutchar:
		c.ConsolePutchar(byte(a0))
		return 0, 0, true
	case ExtConsoleGetchar:
		ch, had := c.ConsoleGetchar()
		if !had {
			return ^uint64(0), 0, true // SBI_ERR_FAILURE-ish "no char"
		}
		return uint64(ch), 0, true
	case ExtShutdown:
		c.Shutdown()
		return 0, 0, true
	}
	return 0, 0, false
}

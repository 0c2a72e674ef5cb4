// Package intrfwd implements interrupt forwarding: deciding, in priority
// order, whether a pending interrupt should be delivered into the guest
// right now, and mutating its shadow CSRs (scause/stval/sepc/SPP) to do so.
package intrfwd

import "github.com/hypocaust-go/hypocaust/internal/shadowcsr"

const (
	CauseSupervisorSoftwareInterrupt = 1
	CauseSupervisorTimerInterrupt    = 5
	CauseSupervisorExternalInterrupt = 9
)

// pickCause returns the highest-priority pending interrupt, SEIP > STIP >
// SSIP, or ok=false if none is pending given sie/sip.
func pickCause(sie, sip uint64) (cause uint64, ok bool) {
	pending := sie & sip
	switch {
	case pending&shadowcsr.SEIE != 0:
		return CauseSupervisorExternalInterrupt, true
	case pending&shadowcsr.STIE != 0:
		return CauseSupervisorTimerInterrupt, true
	case pending&shadowcsr.SSIE != 0:
		return CauseSupervisorSoftwareInterrupt, true
	}
	return 0, false
}

// MaybeForwardInterrupt forwards a pending interrupt into the guest if it
// accepts one right now. inTrapVectorPage reports whether sepc currently
// lies inside the guest's own trap vector page (to avoid re-entering the
// handler during its own prologue). It reports forwarded=true if it
// redirected the guest; the caller must then resume the guest at
// f.Get(shadowcsr.Stvec) instead of the trap's own sepc.
func MaybeForwardInterrupt(f *shadowcsr.File, sepc uint64, inTrapVectorPage func(uint64) bool) (forwarded bool) {
	if !f.InterruptPending {
		return false
	}

	guestAccepts := !f.SPP() || f.Sstatus&shadowcsr.SstatusSIE != 0
	if !guestAccepts {
		return false
	}

	cause, ok := pickCause(f.Sie, f.Sip)
	if !ok {
		f.InterruptPending = false
		return false
	}

	if inTrapVectorPage(sepc) {
		return false
	}

	f.Set(shadowcsr.Scause, (uint64(1)<<63)|cause)
	f.Set(shadowcsr.Stval, 0)
	f.Set(shadowcsr.Sepc, sepc)
	f.PushSIE()
	f.SetSPP(true)
	return true
}

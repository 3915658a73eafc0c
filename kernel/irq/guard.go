// Package irq provides scoped control over maskable interrupts. Code that
// mutates memory-management state runs inside a Guard so that an interrupt
// handler never observes a half-updated page table or allocator.
package irq

// Controller is implemented by platforms that can mask interrupts.
type Controller interface {
	// DisableInterrupts masks interrupts and reports whether they were
	// enabled before the call.
	DisableInterrupts() bool

	// EnableInterrupts unmasks interrupts.
	EnableInterrupts()
}

// Guard restores the interrupt state captured by Disable.
type Guard struct {
	ctrl       Controller
	wasEnabled bool
}

// Disable masks interrupts on ctrl and returns a Guard that restores the
// previous state. Guards nest: only the outermost Restore re-enables
// interrupts. A nil controller yields a no-op Guard.
//
// The usual pattern is:
//
//	defer irq.Disable(ctrl).Restore()
func Disable(ctrl Controller) Guard {
	if ctrl == nil {
		return Guard{}
	}

	return Guard{ctrl: ctrl, wasEnabled: ctrl.DisableInterrupts()}
}

// Restore re-enables interrupts if they were enabled when the guard was
// created.
func (g Guard) Restore() {
	if g.ctrl != nil && g.wasEnabled {
		g.ctrl.EnableInterrupts()
	}
}

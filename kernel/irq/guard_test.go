package irq

import (
	"errors"
	"testing"
)

type fakeController struct {
	enabled      bool
	disableCalls int
	enableCalls  int
}

func (c *fakeController) DisableInterrupts() bool {
	c.disableCalls++
	prev := c.enabled
	c.enabled = false
	return prev
}

func (c *fakeController) EnableInterrupts() {
	c.enableCalls++
	c.enabled = true
}

func TestGuard(t *testing.T) {
	t.Run("restores enabled state", func(t *testing.T) {
		ctrl := &fakeController{enabled: true}
		g := Disable(ctrl)
		if ctrl.enabled {
			t.Fatal("expected interrupts to be disabled while the guard is held")
		}

		g.Restore()
		if !ctrl.enabled {
			t.Fatal("expected interrupts to be re-enabled after Restore")
		}
	})

	t.Run("nested guards", func(t *testing.T) {
		ctrl := &fakeController{enabled: true}
		outer := Disable(ctrl)
		inner := Disable(ctrl)
		inner.Restore()
		if ctrl.enabled {
			t.Fatal("expected inner Restore to leave interrupts disabled")
		}

		outer.Restore()
		if !ctrl.enabled || ctrl.enableCalls != 1 {
			t.Fatalf("expected exactly one enable call after outer Restore; got %d", ctrl.enableCalls)
		}
	})

	t.Run("restores on error path", func(t *testing.T) {
		ctrl := &fakeController{enabled: true}
		errFail := errors.New("fail")
		fn := func() error {
			defer Disable(ctrl).Restore()
			return errFail
		}

		if err := fn(); err != errFail {
			t.Fatalf("unexpected error %v", err)
		}
		if !ctrl.enabled {
			t.Fatal("expected interrupts to be re-enabled after an early return")
		}
	})

	t.Run("disabled stays disabled", func(t *testing.T) {
		ctrl := &fakeController{}
		Disable(ctrl).Restore()
		if ctrl.enabled || ctrl.enableCalls != 0 {
			t.Fatal("expected Restore not to enable interrupts that were disabled")
		}
	})

	t.Run("nil controller", func(t *testing.T) {
		Disable(nil).Restore()
	})
}

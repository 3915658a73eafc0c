package kfmt

import (
	"github.com/T-O-R-U-S/sprinkles-os/kernel"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error (if not nil) and halts the CPU. Calls to
// Panic never return on real hardware.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	log := Logger("kernel")
	if err != nil {
		log = log.WithField("origin", err.Module)
		log.Error("unrecoverable error: " + err.Message)
	}
	log.Error("*** kernel panic: system halted ***")

	cpuHaltFn()
}

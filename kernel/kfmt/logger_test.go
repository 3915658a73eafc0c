package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoggerBuffersEarlyOutput(t *testing.T) {
	defer func(origOut io.Writer) { root.SetOutput(origOut) }(root.Out)

	earlyBuf = ringBuffer{}
	root.SetOutput(&earlyBuf)

	Logger("pmm").Info("early record")

	var sink bytes.Buffer
	SetOutputSink(&sink)
	Logger("vmm").Info("late record")

	got := sink.String()
	for _, exp := range []string{"module=pmm", "early record", "module=vmm", "late record"} {
		if !strings.Contains(got, exp) {
			t.Errorf("expected sink output to contain %q; got:\n%s", exp, got)
		}
	}

	if strings.Index(got, "early record") > strings.Index(got, "late record") {
		t.Error("expected early records to be replayed before later ones")
	}
}

func TestSetLevel(t *testing.T) {
	defer func(origOut io.Writer, lvl logrus.Level) {
		root.SetOutput(origOut)
		root.SetLevel(lvl)
	}(root.Out, root.GetLevel())

	var sink bytes.Buffer
	SetOutputSink(&sink)
	SetLevel(logrus.WarnLevel)

	Logger("test").Info("hidden")
	Logger("test").Warn("shown")

	if got := sink.String(); strings.Contains(got, "hidden") || !strings.Contains(got, "shown") {
		t.Fatalf("unexpected output for warn level:\n%s", got)
	}

	// A nil sink must not detach the current output.
	SetOutputSink(nil)
	Logger("test").Warn("still here")
	if !strings.Contains(sink.String(), "still here") {
		t.Fatal("expected SetOutputSink(nil) to keep the previous sink")
	}
}

package kernel

import "testing"

func TestKernelError(t *testing.T) {
	specs := []struct {
		err    *Error
		expStr string
	}{
		{&Error{Module: "pmm", Message: "out of memory"}, "pmm: out of memory"},
		{&Error{Message: "no module"}, "no module"},
	}

	for specIndex, spec := range specs {
		if got := spec.err.Error(); got != spec.err.Message {
			t.Errorf("[spec %d] expected Error() to return %q; got %q", specIndex, spec.err.Message, got)
		}

		if got := spec.err.String(); got != spec.expStr {
			t.Errorf("[spec %d] expected String() to return %q; got %q", specIndex, spec.expStr, got)
		}
	}
}

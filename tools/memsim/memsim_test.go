package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

var testConfig = filepath.Join("..", "..", "kernel", "hal", "sim", "testdata", "machine.yaml")

func TestBootSimulation(t *testing.T) {
	s, err := bootSimulation(testConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.memory == nil || s.heap.size == 0 {
		t.Fatal("expected memory management and the heap to be initialized")
	}

	if _, err = bootSimulation("missing.toml"); err == nil {
		t.Error("expected an error for a missing config")
	}
}

func TestMemmapCmd(t *testing.T) {
	var buf bytes.Buffer
	if err := (&memmapCmd{}).run(&buf, testConfig); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, exp := range []string{
		"[memmap] machine memory: 8MiB\n",
		"[memmap] 0x000000100000 - 0x000000700000       6MiB usable\n",
		"[memmap] total usable: 6.624MiB\n",
		"[memmap] total bootloader-reclaimable: 1MiB\n",
		"[memmap] kernel image: 0x100000 - 0x180000 at 0xffffffff80000000\n",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}

	if err := (&memmapCmd{}).run(&buf, "missing.toml"); err == nil {
		t.Error("expected an error for a missing config")
	}
}

func TestBootCmd(t *testing.T) {
	var buf bytes.Buffer
	if err := (&bootCmd{selfTest: true}).run(&buf, testConfig); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, exp := range []string{
		"[boot] boot table frames: 6\n",
		"[boot] heap: 0x444444440000 - 0x444444459000 (100KiB)\n",
		"[boot] frames: 1951 total, 1789 free",
		"[boot] heap self-test: ok\n",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestSpacesCmd(t *testing.T) {
	var buf bytes.Buffer
	cmd := &spacesCmd{count: 3, pages: 16, seed: 7}
	if err := cmd.run(&buf, testConfig); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if strings.Count(out, "[spaces] space ") != 3 {
		t.Errorf("expected a report line per space; got:\n%s", out)
	}

	if !strings.Contains(out, "[spaces] free frames: 1789 before, 1789 after\n") {
		t.Errorf("expected frames to be conserved; got:\n%s", out)
	}
}

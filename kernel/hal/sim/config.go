package sim

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/boot"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem"
	"github.com/T-O-R-U-S/sprinkles-os/kernel/mem/heap"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultPhysOffset     = 0xffff_8000_0000_0000
	defaultKernelVirtBase = 0xffff_ffff_8000_0000
)

// Size is a byte count. It is written either as a plain number or as a
// human-readable string such as "64MiB".
type Size mem.Size

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Wrapf(err, "invalid size %q", text)
	}
	if v < 0 {
		return errors.Errorf("invalid size %q", text)
	}

	*s = Size(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	return s.UnmarshalText([]byte(value.Value))
}

// Addr is an address written in decimal or as a 0x-prefixed hex number.
type Addr uintptr

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(strings.TrimSpace(string(text)), "_", ""), 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid address %q", text)
	}

	*a = Addr(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Addr) UnmarshalYAML(value *yaml.Node) error {
	return a.UnmarshalText([]byte(value.Value))
}

// RegionConfig describes one entry of the simulated memory map.
type RegionConfig struct {
	Start Addr   `toml:"start" yaml:"start"`
	Size  Size   `toml:"size" yaml:"size"`
	Kind  string `toml:"kind" yaml:"kind"`
}

// KernelConfig describes where the simulated bootloader placed the kernel
// image.
type KernelConfig struct {
	Start    Addr `toml:"start" yaml:"start"`
	Size     Size `toml:"size" yaml:"size"`
	VirtBase Addr `toml:"virt_base" yaml:"virt_base"`
}

// HeapConfig overrides the kernel heap range.
type HeapConfig struct {
	Start Addr `toml:"start" yaml:"start"`
	Size  Size `toml:"size" yaml:"size"`
}

// Config describes a simulated machine.
type Config struct {
	// Memory is the amount of physical memory backing the machine.
	Memory Size `toml:"memory" yaml:"memory"`

	// PhysOffset is the virtual address where the simulated bootloader
	// maps all of physical memory.
	PhysOffset Addr `toml:"phys_offset" yaml:"phys_offset"`

	Regions []RegionConfig `toml:"region" yaml:"regions"`
	Kernel  KernelConfig   `toml:"kernel" yaml:"kernel"`
	Heap    HeapConfig     `toml:"heap" yaml:"heap"`
}

// LoadConfig reads a machine description from path. Files with a .toml
// extension are parsed as TOML; .yaml and .yml files are parsed as YAML.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading machine config")
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err = toml.Decode(string(data), &cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", ext)
	}

	if err = cfg.applyDefaults(); err != nil {
		return nil, errors.Wrapf(err, "validating %s", path)
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.PhysOffset == 0 {
		cfg.PhysOffset = defaultPhysOffset
	}
	if cfg.Kernel.VirtBase == 0 {
		cfg.Kernel.VirtBase = defaultKernelVirtBase
	}
	if cfg.Heap.Size == 0 {
		cfg.Heap.Start, cfg.Heap.Size = Addr(heap.Start), Size(heap.Size)
	}

	return cfg.Validate()
}

// Validate checks that the memory map fits in the machine memory and that
// every address is usable by the memory manager.
func (cfg *Config) Validate() error {
	memSize := mem.Size(cfg.Memory)
	if memSize == 0 || !memSize.IsPageAligned() {
		return errors.Errorf("memory size %s must be a non-zero multiple of the page size", memSize)
	}

	for index, rc := range cfg.Regions {
		if _, ok := boot.ParseRegionKind(rc.Kind); !ok {
			return errors.Errorf("region %d: unknown kind %q", index, rc.Kind)
		}

		if end := uint64(rc.Start) + uint64(rc.Size); end < uint64(rc.Start) || end > uint64(memSize) {
			return errors.Errorf("region %d: [0x%x, 0x%x) exceeds machine memory", index, uint64(rc.Start), end)
		}
	}

	if kernelEnd := uint64(cfg.Kernel.Start) + uint64(cfg.Kernel.Size); kernelEnd > uint64(memSize) {
		return errors.Errorf("kernel image end 0x%x exceeds machine memory", kernelEnd)
	}

	for _, addr := range []Addr{cfg.PhysOffset, cfg.Kernel.VirtBase, cfg.Heap.Start} {
		if _, err := mem.NewVirtAddr(uintptr(addr)); err != nil {
			return errors.Errorf("virtual address 0x%x is not canonical", uint64(addr))
		}
	}

	if !mem.VirtAddr(cfg.PhysOffset).IsAligned(mem.PageSize) || !mem.VirtAddr(cfg.Kernel.VirtBase).IsAligned(mem.PageSize) {
		return errors.New("physical memory offset and kernel base must be page-aligned")
	}

	return nil
}

// BootInfo converts the config into the handoff structure produced by the
// simulated bootloader. TopLevelTable is filled in by Boot.
func (cfg *Config) BootInfo() *boot.Info {
	info := &boot.Info{
		PhysOffset:     mem.VirtAddr(cfg.PhysOffset),
		KernelStart:    mem.PhysAddr(cfg.Kernel.Start),
		KernelEnd:      mem.PhysAddr(cfg.Kernel.Start) + mem.PhysAddr(cfg.Kernel.Size),
		KernelVirtBase: mem.VirtAddr(cfg.Kernel.VirtBase),
	}

	for _, rc := range cfg.Regions {
		kind, _ := boot.ParseRegionKind(rc.Kind)
		info.Regions = append(info.Regions, boot.Region{
			Start:  mem.PhysAddr(rc.Start),
			Length: mem.Size(rc.Size),
			Kind:   kind,
		})
	}

	return info
}

// HeapRange returns the virtual range reserved for the kernel heap.
func (cfg *Config) HeapRange() mem.VirtRange {
	start := mem.VirtAddr(cfg.Heap.Start)
	return mem.VirtRange{Start: start, End: start + mem.VirtAddr(cfg.Heap.Size)}
}

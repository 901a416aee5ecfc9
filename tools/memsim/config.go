package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/pmm"
)

// physRange is a half-open physical address range in a machine config.
type physRange struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

func (r physRange) toPhysRange() mm.PhysRange {
	return mm.PhysRange{Start: mm.PhysAddr(r.Start), End: mm.PhysAddr(r.End)}
}

// region is one firmware memory map entry.
type region struct {
	Start     uint64 `toml:"start"`
	Length    uint64 `toml:"length"`
	Available bool   `toml:"available"`
}

// machineConfig describes the simulated machine.
type machineConfig struct {
	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`

	// Frames is the amount of simulated RAM in frames. It is also the size
	// of the frame table; regions past it are ignored.
	Frames int `toml:"frames"`

	// Kernel is the range occupied by the kernel image.
	Kernel physRange `toml:"kernel"`

	// Regions is the firmware memory map.
	Regions []region `toml:"region"`

	// Leak lists extra ranges to take out of the allocatable pool, such as
	// boot modules.
	Leak []physRange `toml:"leak"`
}

// defaultConfig returns the machine qemu boots with 64Mb of RAM.
func defaultConfig() *machineConfig {
	return &machineConfig{
		LogLevel: "info",
		Frames:   mm.DefaultFrameCount,
		Kernel:   physRange{Start: 0x100000, End: 0x200000},
		Regions: []region{
			{Start: 0, Length: 0x9fc00, Available: true},
			{Start: 0x9fc00, Length: 0x400},
			{Start: 0xf0000, Length: 0x10000},
			{Start: 0x100000, Length: 0x3ee0000, Available: true},
			{Start: 0x3fe0000, Length: 0x20000},
			{Start: 0xfffc0000, Length: 0x40000},
		},
	}
}

// loadConfig reads a machine config from path. An empty path selects the
// default machine. Settings missing from the file keep their defaults.
func loadConfig(path string) (*machineConfig, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}

	// The file replaces the default memory map instead of appending to it.
	c.Regions = nil
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("loading machine config %q: %w", path, err)
	}
	return c, c.validate()
}

func (c *machineConfig) validate() error {
	if c.Frames <= 0 {
		return fmt.Errorf("frames must be positive; got %d", c.Frames)
	}
	if c.Kernel.End < c.Kernel.Start {
		return fmt.Errorf("kernel image end 0x%x is below its start 0x%x", c.Kernel.End, c.Kernel.Start)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// regions returns the memory map in the form consumed by the frame table.
func (c *machineConfig) regions() pmm.Regions {
	regions := make(pmm.Regions, 0, len(c.Regions))
	for _, r := range c.Regions {
		regions = append(regions, pmm.Region{
			Range:     mm.PhysRange{Start: mm.PhysAddr(r.Start), End: mm.PhysAddr(r.Start + r.Length)},
			Available: r.Available,
		})
	}
	return regions
}

package main

import (
	"github.com/sirupsen/logrus"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/physmem"
	"pagekern/kernel/mm/pmm"
)

// machine is a simulated computer: host memory standing in for physical RAM
// and the frame table describing it.
type machine struct {
	cfg     *machineConfig
	mem     *physmem.Buffer
	frames  *pmm.FrameTable
	release func() error
}

// newMachine allocates the RAM described by cfg and initializes the frame
// table from its memory map.
func newMachine(cfg *machineConfig) (*machine, error) {
	ram, release, err := allocRAM(cfg.Frames << mm.PageShift)
	if err != nil {
		return nil, err
	}

	m := &machine{
		cfg:     cfg,
		mem:     physmem.BufferFrom(ram),
		release: release,
	}
	m.frames = pmm.NewFrameTable(make([]pmm.FrameState, cfg.Frames), m.mem)
	m.frames.MapInit(cfg.regions(), cfg.Kernel.toPhysRange())
	for _, r := range cfg.Leak {
		m.frames.Leak(r.toPhysRange())
	}

	stats := m.frames.Stats()
	logrus.WithFields(logrus.Fields{
		"frames":      cfg.Frames,
		"free":        stats.Free,
		"leaked":      stats.Leaked,
		"unavailable": stats.Unavailable,
	}).Debug("machine initialized")

	return m, nil
}

// Close releases the simulated RAM.
func (m *machine) Close() error {
	return m.release()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/vmm"
)

// mapCmd implements subcommands.Command for the "map" command.
type mapCmd struct {
	machineFlags
	addr  string
	pages int
	user  bool
	rw    bool
	unmap bool
}

// Name implements subcommands.Command.
func (*mapCmd) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.
func (*mapCmd) Synopsis() string {
	return "map pages into a fresh address space and translate them back"
}

// Usage implements subcommands.Command.
func (*mapCmd) Usage() string {
	return `map [-config <file>] -addr <virtual address> [-pages N] [-user] [-rw] [-unmap] - exercise the page table manager
`
}

// SetFlags implements subcommands.Command.
func (c *mapCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.StringVar(&c.addr, "addr", "0x400000", "first virtual address to map (decimal, or hex with a 0x prefix)")
	f.IntVar(&c.pages, "pages", 1, "number of pages to map")
	f.BoolVar(&c.user, "user", false, "make the pages accessible from user mode")
	f.BoolVar(&c.rw, "rw", false, "make the pages writable")
	f.BoolVar(&c.unmap, "unmap", false, "unmap the pages again after translating them")
}

// Execute implements subcommands.Command.
func (c *mapCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	addr, err := strconv.ParseUint(c.addr, 0, 64)
	if err != nil || f.NArg() != 0 || c.pages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, status := c.loadMachine()
	if status != subcommands.ExitSuccess {
		return status
	}
	defer closeMachine(m)

	var flags vmm.PageTableEntryFlag
	if c.user {
		flags |= vmm.FlagUserAccessible
	}
	if c.rw {
		flags |= vmm.FlagRW
	}

	res, err := runMap(m, mm.VirtAddr(addr), c.pages, flags, c.unmap)
	if err != nil {
		logrus.WithError(err).Error("mapping failed")
		return subcommands.ExitFailure
	}

	res.print(os.Stdout)
	m.frames.PrintSummary(os.Stdout)
	return subcommands.ExitSuccess
}

// translation pairs a mapped virtual page with the physical address it
// resolves to.
type translation struct {
	Virt mm.VirtAddr
	Phys mm.PhysAddr
}

// mapResult describes a map run.
type mapResult struct {
	TablesCreated uint64
	Translations  []translation
	Unmapped      bool
}

func (r *mapResult) print(w io.Writer) {
	fmt.Fprintf(w, "page tables created: %d\n", r.TablesCreated)
	for _, t := range r.Translations {
		fmt.Fprintf(w, "  0x%016x -> 0x%012x\n", uint64(t.Virt), uint64(t.Phys))
	}
	if r.Unmapped {
		fmt.Fprintf(w, "unmapped %d pages\n", len(r.Translations))
	}
}

// runMap creates an address space on m, maps pages consecutive pages starting
// at virtAddr to freshly allocated frames and translates every page back. With
// unmap set, the pages are unmapped again, checked to be absent and their
// frames released.
func runMap(m *machine, virtAddr mm.VirtAddr, pages int, flags vmm.PageTableEntryFlag, unmap bool) (*mapResult, error) {
	as, err := vmm.New(m.frames, m.mem)
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}

	var (
		res    mapResult
		before = m.frames.Stats().InUse
		page   = virtAddr.Page()
	)

	for i := 0; i < pages; i, page = i+1, page+1 {
		frame, err := m.frames.AllocZero()
		if err != nil {
			return nil, fmt.Errorf("allocating frame for page %d: %w", i, err)
		}
		if err := as.Map(page.Address(), frame, flags); err != nil {
			return nil, fmt.Errorf("mapping 0x%x: %w", uint64(page.Address()), err)
		}
		logrus.WithFields(logrus.Fields{
			"virt":  fmt.Sprintf("0x%x", uint64(page.Address())),
			"frame": fmt.Sprintf("0x%x", uintptr(frame)),
		}).Debug("mapped page")
	}
	res.TablesCreated = m.frames.Stats().InUse - before - uint64(pages)

	page = virtAddr.Page()
	for i := 0; i < pages; i, page = i+1, page+1 {
		phys, err := as.Translate(page.Address())
		if err != nil {
			return nil, fmt.Errorf("translating 0x%x: %w", uint64(page.Address()), err)
		}
		res.Translations = append(res.Translations, translation{Virt: page.Address(), Phys: phys})
	}

	if !unmap {
		return &res, nil
	}

	if err := as.UnmapRegion(virtAddr.Page().Address(), mm.Size(uintptr(pages)<<mm.PageShift)); err != nil {
		return nil, fmt.Errorf("unmapping: %w", err)
	}
	for _, t := range res.Translations {
		if _, err := as.PTE(t.Virt); err != vmm.ErrPageNotPresent {
			return nil, fmt.Errorf("0x%x is still mapped after unmap", uint64(t.Virt))
		}
		// Unmap leaves reference counts alone; the data frames are ours
		m.frames.Free(t.Phys.Frame())
	}
	res.Unmapped = true
	return &res, nil
}

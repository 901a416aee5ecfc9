package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/btree"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"pagekern/kernel/mm"
	"pagekern/kernel/mm/pmm"
)

// errEndlessAlloc is returned by runAlloc for a run that frees every frame
// it allocates without an allocation limit. First-fit hands the same frame
// back each time so memory never runs out.
var errEndlessAlloc = errors.New("freeing after every allocation needs a -count limit")

// allocCmd implements subcommands.Command for the "alloc" command.
type allocCmd struct {
	machineFlags
	count     int
	freeEvery int
}

// Name implements subcommands.Command.
func (*allocCmd) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.
func (*allocCmd) Synopsis() string {
	return "allocate frames until memory runs out and check for duplicates"
}

// Usage implements subcommands.Command.
func (*allocCmd) Usage() string {
	return `alloc [-config <file>] [-count N] [-free-every K] - exercise the frame allocator
`
}

// SetFlags implements subcommands.Command.
func (c *allocCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.IntVar(&c.count, "count", 0, "number of allocations to attempt; 0 allocates until out of memory")
	f.IntVar(&c.freeEvery, "free-every", 0, "free the oldest live frame after every K allocations; 0 never frees")
}

// Execute implements subcommands.Command.
func (c *allocCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || c.count < 0 || c.freeEvery < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.count == 0 && c.freeEvery == 1 {
		logrus.Error(errEndlessAlloc)
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, status := c.loadMachine()
	if status != subcommands.ExitSuccess {
		return status
	}
	defer closeMachine(m)

	res, err := runAlloc(m.frames, c.count, c.freeEvery)
	if err != nil {
		logrus.WithError(err).Error("allocator check failed")
		return subcommands.ExitFailure
	}

	fmt.Fprintf(os.Stdout, "allocated: %d, freed: %d, live: %d\n", res.Allocated, res.Freed, res.Live)
	if res.OutOfMemory {
		fmt.Fprintf(os.Stdout, "out of memory after %d allocations\n", res.Allocated)
	}
	m.frames.PrintSummary(os.Stdout)
	return subcommands.ExitSuccess
}

// allocResult summarizes an allocation run.
type allocResult struct {
	Allocated   int
	Freed       int
	Live        int
	OutOfMemory bool
}

// runAlloc allocates frames until count allocations succeed (or memory runs
// out when count is 0), freeing the lowest live frame after every freeEvery
// allocations. It fails if a frame that is still live is handed out again or
// if a live frame is not InUse. An unbounded run with freeEvery == 1 never
// runs out of memory and is rejected with errEndlessAlloc.
func runAlloc(frames *pmm.FrameTable, count, freeEvery int) (allocResult, error) {
	var (
		res  allocResult
		live = btree.NewG[mm.Frame](2, func(a, b mm.Frame) bool { return a < b })
	)

	if count == 0 && freeEvery == 1 {
		return res, errEndlessAlloc
	}

	for count == 0 || res.Allocated < count {
		frame, err := frames.Alloc()
		if err == pmm.ErrOutOfMemory {
			res.OutOfMemory = true
			break
		} else if err != nil {
			return res, err
		}

		if _, dup := live.ReplaceOrInsert(frame); dup {
			return res, fmt.Errorf("frame 0x%x handed out while still in use", uintptr(frame))
		}
		if kind := frames.State(frame).Kind(); kind != pmm.InUse {
			return res, fmt.Errorf("allocated frame 0x%x is %s", uintptr(frame), kind)
		}
		res.Allocated++

		if freeEvery > 0 && res.Allocated%freeEvery == 0 {
			oldest, _ := live.DeleteMin()
			frames.Free(oldest)
			res.Freed++
			logrus.WithField("frame", fmt.Sprintf("0x%x", uintptr(oldest))).Debug("freed frame")
		}
	}

	res.Live = live.Len()
	logrus.WithFields(logrus.Fields{
		"allocated": res.Allocated,
		"freed":     res.Freed,
		"oom":       res.OutOfMemory,
	}).Info("allocation run finished")
	return res, nil
}

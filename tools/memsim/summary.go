package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
)

// summaryCmd implements subcommands.Command for the "summary" command.
type summaryCmd struct {
	machineFlags
}

// Name implements subcommands.Command.
func (*summaryCmd) Name() string {
	return "summary"
}

// Synopsis implements subcommands.Command.
func (*summaryCmd) Synopsis() string {
	return "initialize the frame table and print the memory map"
}

// Usage implements subcommands.Command.
func (*summaryCmd) Usage() string {
	return `summary [-config <file>] - print the memory map and frame states of a machine
`
}

// SetFlags implements subcommands.Command.
func (c *summaryCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
}

// Execute implements subcommands.Command.
func (c *summaryCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, status := c.loadMachine()
	if status != subcommands.ExitSuccess {
		return status
	}
	defer closeMachine(m)

	printSummary(os.Stdout, m)
	return subcommands.ExitSuccess
}

// printSummary writes the memory map of m followed by its frame counts.
func printSummary(w io.Writer, m *machine) {
	fmt.Fprintf(w, "memory map:\n")
	for _, r := range m.cfg.regions() {
		kind := "reserved"
		if r.Available {
			kind = "available"
		}
		fmt.Fprintf(w, "  [0x%010x - 0x%010x) %s\n", uint64(r.Range.Start), uint64(r.Range.End), kind)
	}
	fmt.Fprintf(w, "kernel image: [0x%010x - 0x%010x)\n", m.cfg.Kernel.Start, m.cfg.Kernel.End)

	stats := m.frames.Stats()
	fmt.Fprintf(w, "frames: %d total, %d in use, %d free, %d leaked, %d unavailable\n",
		stats.Total(), stats.InUse, stats.Free, stats.Leaked, stats.Unavailable)
	m.frames.PrintSummary(w)
}

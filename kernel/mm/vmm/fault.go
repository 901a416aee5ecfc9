package vmm

import (
	"io"
	"pagekern/kernel"
	"pagekern/kernel/cpu"
	"pagekern/kernel/kfmt"
	"pagekern/kernel/mm"
)

// Page fault error code bits pushed by the CPU.
const (
	faultProtection       = 1 << 0
	faultWrite            = 1 << 1
	faultUser             = 1 << 2
	faultReservedBit      = 1 << 3
	faultInstructionFetch = 1 << 4
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn = cpu.ReadCR2
	panicFn   = kfmt.Panic

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault"}
	errNonCanonical       = &kernel.Error{Module: "vmm", Message: "address is not canonical"}
)

// FaultReport describes a page fault and the state of the page table entry
// for the faulting address at the time of the fault.
type FaultReport struct {
	Address   mm.VirtAddr
	ErrorCode uint64

	// Entry is the leaf entry for Address. It is only valid when LookupErr
	// is nil.
	Entry     PageTableEntry
	LookupErr *kernel.Error
}

// DiagnoseFault looks up the entry for faultAddr in as without changing
// anything and pairs it with the CPU error code. Non-canonical addresses are
// not looked up since the walk only decodes bits 12-47.
func DiagnoseFault(as *AddressSpace, faultAddr mm.VirtAddr, errorCode uint64) FaultReport {
	report := FaultReport{
		Address:   faultAddr,
		ErrorCode: errorCode,
	}
	if !faultAddr.IsCanonical() {
		report.LookupErr = errNonCanonical
		return report
	}
	report.Entry, report.LookupErr = as.PTE(faultAddr)
	return report
}

// Write returns true if the fault was caused by a write access.
func (r FaultReport) Write() bool {
	return r.ErrorCode&faultWrite != 0
}

// User returns true if the fault happened while running in user mode.
func (r FaultReport) User() bool {
	return r.ErrorCode&faultUser != 0
}

// Reason returns a short description of the fault cause.
func (r FaultReport) Reason() string {
	switch {
	case r.ErrorCode&faultReservedBit != 0:
		return "page table has reserved bit set"
	case r.ErrorCode&faultInstructionFetch != 0:
		return "instruction fetch"
	case r.ErrorCode&faultProtection == 0 && r.Write():
		return "write to non-present page"
	case r.ErrorCode&faultProtection == 0:
		return "read from non-present page"
	case r.Write() && r.LookupErr == nil && r.Entry.HasFlags(FlagCopyOnWrite):
		return "write to copy-on-write page"
	case r.Write():
		return "page protection violation (write)"
	default:
		return "page protection violation (read)"
	}
}

// Print writes the report to w.
func (r FaultReport) Print(w io.Writer) {
	mode := "kernel"
	if r.User() {
		mode = "user"
	}

	kfmt.Fprintf(w, "\nPage fault while accessing address: 0x%16x\n", uint64(r.Address))
	kfmt.Fprintf(w, "Reason: %s (%s mode, error code: 0x%x)\n", r.Reason(), mode, r.ErrorCode)

	if r.LookupErr != nil {
		kfmt.Fprintf(w, "Page table entry: %s\n", r.LookupErr.Message)
		return
	}
	kfmt.Fprintf(w, "Page table entry: 0x%16x (frame: 0x%x, rw: %t, user: %t, nx: %t)\n",
		uint64(r.Entry),
		uint64(r.Entry.Frame()),
		r.Entry.HasFlags(FlagRW),
		r.Entry.HasFlags(FlagUserAccessible),
		r.Entry.HasFlags(FlagNoExecute),
	)
}

// HandlePageFault reports a page fault raised while as was active and halts.
// Faults are never resolved by remapping.
func HandlePageFault(as *AddressSpace, errorCode uint64) {
	report := DiagnoseFault(as, mm.VirtAddr(readCR2Fn()), errorCode)
	report.Print(kfmt.OutputSink())
	panicFn(errUnrecoverableFault)
}

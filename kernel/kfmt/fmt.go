// Package kfmt implements allocation-free formatted output for code that runs
// before (or instead of) the Go runtime's allocator.
package kfmt

import (
	"io"
	"unsafe"

	"pagekern/kernel/sync"
)

// numBufSize is the size of the scratch buffer used for formatting numbers.
// A 64-bit value in base 8 needs 22 digits plus the sign.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = []byte("0123456789abcdef")

	numBuf [numBufSize]byte

	// singleByte is a shared one-byte buffer. Passing sub-slices of a
	// string to an io.Writer would require a conversion that allocates.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output until an output sink is set.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. While nil, output is kept
	// in earlyPrintBuffer.
	outputSink io.Writer

	// sinkLock guards outputSink and the replay of earlyPrintBuffer.
	sinkLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and replays
// any output accumulated in the early print buffer into it. w must not call
// Printf from its Write method while the replay runs.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
	sinkLock.Release()
}

// OutputSink returns the writer that receives Printf output. Until a sink is
// set this is the early print buffer.
func OutputSink() io.Writer {
	sinkLock.Acquire()
	w := outputSink
	sinkLock.Release()

	if w == nil {
		return &earlyPrintBuffer
	}
	return w
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go runtime has been properly initialized. It never allocates.
//
// Supported verbs:
//
//	%s  string or []byte
//	%d  integer, base 10, left-padded with spaces
//	%x  integer, base 16, lower-case, left-padded with zeroes
//	%o  integer, base 8, left-padded with zeroes
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Only built-in integer types
// are recognized; named types such as mm.Frame must be converted by the caller.
func Printf(format string, args ...interface{}) {
	Fprintf(OutputSink(), format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, ' ', width)
		case 'x':
			fmtInt(w, args[argIndex], 16, '0', width)
		case 'o':
			fmtInt(w, args[argIndex], 8, '0', width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt writes v in the requested base. The digits are produced right to
// left at the end of numBuf so no reversal is needed.
func fmtInt(w io.Writer, v interface{}, base uint64, padCh byte, width int) {
	var (
		mag      uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, negative = signed(int64(n))
	case int16:
		mag, negative = signed(int64(n))
	case int32:
		mag, negative = signed(int64(n))
	case int64:
		mag, negative = signed(n)
	case int:
		mag, negative = signed(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width > numBufSize {
		width = numBufSize
	}

	pos := numBufSize
	for {
		pos--
		numBuf[pos] = digits[mag%base]
		mag /= base
		if mag == 0 {
			break
		}
	}

	// Zero padding goes between the sign and the digits; space padding goes
	// before the sign.
	if negative && padCh == '0' {
		for numBufSize-pos < width-1 && pos > 1 {
			pos--
			numBuf[pos] = padCh
		}
	}
	if negative {
		pos--
		numBuf[pos] = '-'
	}
	for numBufSize-pos < width && pos > 0 {
		pos--
		numBuf[pos] = padCh
	}

	doWrite(w, numBuf[pos:])
}

func signed(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

func writeRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// doWrite hides p from escape analysis. Without it the compiler flags p as
// escaping through the unknown io.Writer and every Printf call would allocate
// while boxing its arguments.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
	} else {
		_, _ = earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// Package crashcatcher reads CrashCatcher dump files — both the binary
// and hex-encoded wire variants, versions 2 and 3 — into a register
// context and memory simulator.
//
// One reader is shared between the binary and hex variants by
// abstracting the byte source: Read takes an io.Reader, and ReadHex
// wraps it in a denibbling io.ByteReader that skips interleaved
// '\r'/'\n' bytes before decoding every two hex digits into one byte.
package crashcatcher

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/go-restruct/restruct"

	"github.com/adamgreen/crashdebug/internal/fault"
	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
)

const (
	signatureByte0 = 0x63
	signatureByte1 = 0x43

	currentMajor = 3
	currentMinor = 0

	// StackOverflowSentinel marks "stack overflow detected, stop reading
	// memory regions" in place of a region header. The header defining
	// this constant (CrashCatcher.h) was not present in the retrieved
	// source; this value follows the project's habit of spelling
	// recognizable hex-speak into its constants (the signature bytes
	// spell 'cC').
	StackOverflowSentinel uint32 = 0xACCE5505
)

type header struct {
	Signature [2]byte
	Major     uint8
	Minor     uint8
}

// Read parses a binary-variant CrashCatcher dump from r into ctx and sim.
func Read(r io.Reader, ctx *regs.Context, sim *memsim.Simulator) error {
	return read(bufio.NewReader(r), ctx, sim)
}

// ReadHex parses a hex-encoded CrashCatcher dump from r into ctx and sim.
func ReadHex(r io.Reader, ctx *regs.Context, sim *memsim.Simulator) error {
	return read(newHexSource(r), ctx, sim)
}

func read(src io.ByteReader, ctx *regs.Context, sim *memsim.Simulator) error {
	isV2, err := readSignature(src)
	if err != nil {
		return err
	}

	flagsRaw, err := readFull(src, 4, "flags")
	if err != nil {
		return err
	}
	ctx.Flags = binary.LittleEndian.Uint32(flagsRaw)

	if err := readIntegerRegisters(src, ctx, isV2); err != nil {
		return err
	}
	if ctx.HasFloatingPoint() {
		if err := readFloatRegisters(src, ctx); err != nil {
			return err
		}
	}
	return readMemoryRegions(src, sim)
}

func readSignature(src io.ByteReader) (isV2 bool, err error) {
	raw, err := readFull(src, 4, "signature")
	if err != nil {
		return false, err
	}
	var h header
	if err := restruct.Unpack(raw, binary.LittleEndian, &h); err != nil {
		return false, fault.Newf(fault.FileFormat, "malformed signature: %v", err)
	}
	if h.Signature[0] != signatureByte0 || h.Signature[1] != signatureByte1 {
		return false, fault.New(fault.FileFormat)
	}
	switch {
	case h.Major == currentMajor && h.Minor == currentMinor:
		return false, nil
	case h.Major == 2 && h.Minor == 0:
		return true, nil
	default:
		return false, fault.New(fault.FileFormat)
	}
}

func readIntegerRegisters(src io.ByteReader, ctx *regs.Context, isV2 bool) error {
	count := regs.NumIntegerRegisters
	if isV2 {
		count -= 2 // MSP, PSP absent from v2 dumps.
	}
	raw, err := readFull(src, count*4, "integer registers")
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		ctx.R[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	if isV2 {
		ctx.R[regs.MSP] = regs.DefaultStackPointer
		ctx.R[regs.PSP] = regs.DefaultStackPointer
	}

	psrRaw, err := readFull(src, 4, "exception_psr")
	if err != nil {
		return err
	}
	ctx.ExceptionPSR = binary.LittleEndian.Uint32(psrRaw)
	return nil
}

func readFloatRegisters(src io.ByteReader, ctx *regs.Context) error {
	raw, err := readFull(src, regs.NumFloatRegisters*4, "floating point registers")
	if err != nil {
		return err
	}
	for i := 0; i < regs.NumFloatRegisters; i++ {
		ctx.FPR[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return nil
}

func readMemoryRegions(src io.ByteReader, sim *memsim.Simulator) error {
	for {
		headerRaw, n, err := readUpTo(src, 4)
		if err != nil && err != io.EOF {
			return err
		}
		if n == 0 {
			return nil
		}
		if n < 4 {
			return fault.Newf(fault.FileFormat, "truncated memory region header (got %d of 4 bytes)", n)
		}
		startOrSentinel := binary.LittleEndian.Uint32(headerRaw)
		if startOrSentinel == StackOverflowSentinel {
			return fault.New(fault.StackOverflow)
		}

		endRaw, err := readFull(src, 4, "memory region end address")
		if err != nil {
			return err
		}
		end := binary.LittleEndian.Uint32(endRaw)
		start := startOrSentinel

		if err := sim.CreateRegion(start, end-start); err != nil {
			return err
		}
		data, n, rerr := readUpTo(src, int(end-start))
		if len(data) > 0 {
			if werr := sim.LoadFromFlashImage(start, data); werr != nil {
				return werr
			}
		}
		if rerr != nil && rerr != io.EOF {
			return rerr
		}
		if n != int(end-start) {
			return fault.Newf(fault.FileFormat, "truncated memory region [%#x,%#x)", start, end)
		}
	}
}

// readFull reads exactly n bytes, or an annotated FileFormat fault naming
// what went missing.
func readFull(src io.ByteReader, n int, what string) ([]byte, error) {
	data, got, err := readUpTo(src, n)
	if got != n {
		return nil, fault.Newf(fault.FileFormat, "truncated %s (got %d of %d bytes)", what, got, n)
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

// readUpTo reads up to n bytes, returning however many were obtained
// before end-of-file or another error.
func readUpTo(src io.ByteReader, n int) ([]byte, int, error) {
	data := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := src.ReadByte()
		if err != nil {
			return data, len(data), err
		}
		data = append(data, b)
	}
	return data, len(data), nil
}

// hexSource decodes a hex-rendered byte stream, skipping interleaved
// '\r'/'\n' bytes between nibble pairs.
type hexSource struct {
	r *bufio.Reader
}

func newHexSource(r io.Reader) *hexSource {
	return &hexSource{r: bufio.NewReader(r)}
}

func (h *hexSource) ReadByte() (byte, error) {
	hi, err := h.nextNibble()
	if err != nil {
		return 0, err
	}
	lo, err := h.nextNibble()
	if err != nil {
		return 0, err
	}
	return hi<<4 | lo, nil
}

func (h *hexSource) nextNibble() (byte, error) {
	for {
		b, err := h.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == '\r' || b == '\n' {
			continue
		}
		v, ok := hexDigit(b)
		if !ok {
			return 0, fault.Newf(fault.FileFormat, "invalid hex digit %q in dump", b)
		}
		return v, nil
	}
}

func hexDigit(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}

// Package gdblog implements the two-pass ad-hoc GDB register/memory log
// parser.
//
// Pass one classifies every line, coalesces consecutive memory lines into
// spans, and assigns register values directly into the context; once it
// finishes, every span is created in the simulator as a RAM region.
// Pass two rewinds the input and writes the now-known memory values into
// the regions pass one allocated.
package gdblog

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/adamgreen/crashdebug/internal/fault"
	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
)

// regField names one recognized register, its value-array index, and
// whether it lives in the floating point bank.
type regField struct {
	name    string
	index   int
	isFloat bool
}

// registerTable lists the 52 names the original parser recognizes, each
// compared against a line's first 15 characters once padded with spaces.
var registerTable = buildRegisterTable()

func buildRegisterTable() []regField {
	var fields []regField
	intNames := []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10", "r11", "r12",
		"sp", "lr", "pc", "xpsr", "msp", "psp",
	}
	for i, name := range intNames {
		fields = append(fields, regField{name: name, index: i, isFloat: false})
	}
	for i := 0; i < regs.NumFloatRegisters-1; i++ {
		fields = append(fields, regField{name: "s" + strconv.Itoa(i), index: regs.S0 + i, isFloat: true})
	}
	fields = append(fields, regField{name: "fpscr", index: regs.FPSCR, isFloat: true})
	return fields
}

const registerFieldWidth = 15

func paddedName(name string) string {
	if len(name) >= registerFieldWidth {
		return name
	}
	return name + strings.Repeat(" ", registerFieldWidth-len(name))
}

// memSpan is a coalesced run of contiguous memory-line bytes.
type memSpan struct {
	start uint32
	size  uint32
}

// Parse reads an ad-hoc GDB log from r into ctx and sim. r must support
// Seek since the parser rewinds for its second pass; a rewind failure is
// reported as a File fault.
func Parse(r io.ReadSeeker, ctx *regs.Context, sim *memsim.Simulator) error {
	spans, err := firstPass(r, ctx)
	if err != nil {
		return err
	}
	for _, span := range spans {
		if err := sim.CreateRegion(span.start, span.size); err != nil {
			return err
		}
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fault.Newf(fault.File, "failed to rewind GDB log: %v", err)
	}
	return secondPass(r, sim)
}

// firstPass classifies every line, assigning register values into ctx and
// discovering the coalesced memory spans that must be created as regions.
func firstPass(r io.Reader, ctx *regs.Context) ([]memSpan, error) {
	var spans []memSpan
	var current *memSpan
	var nextExpected uint32
	haveCurrent := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if addr, values, ok := parseMemoryLine(line); ok {
			size := uint32(len(values) * 4)
			if haveCurrent && addr == nextExpected {
				current.size += size
			} else {
				if haveCurrent {
					spans = append(spans, *current)
				}
				current = &memSpan{start: addr, size: size}
				haveCurrent = true
			}
			nextExpected = addr + size
			continue
		}

		if field, value, ok := parseRegisterLine(line); ok {
			if field.isFloat {
				ctx.Flags |= regs.FlagFloatingPoint
				ctx.FPR[field.index] = value
			} else {
				ctx.R[field.index] = value
			}
			continue
		}
	}
	if haveCurrent {
		spans = append(spans, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Newf(fault.File, "failed to read GDB log: %v", err)
	}
	return spans, nil
}

// secondPass rewrites every memory line's values into the regions pass
// one created.
func secondPass(r io.Reader, sim *memsim.Simulator) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		addr, values, ok := parseMemoryLine(scanner.Text())
		if !ok {
			continue
		}
		for _, v := range values {
			if err := sim.Write32(addr, v); err != nil {
				return err
			}
			addr += 4
		}
	}
	if err := scanner.Err(); err != nil {
		return fault.Newf(fault.File, "failed to read GDB log: %v", err)
	}
	return nil
}

// parseMemoryLine recognizes "0x" + 8 hex digits + ":" followed by up to
// four 0x-prefixed 32-bit values, each optionally followed by a
// "<...>"-bracketed symbol decoration (arbitrarily nested) that is
// skipped. Extra values beyond four are ignored.
func parseMemoryLine(line string) (addr uint32, values []uint32, ok bool) {
	if !strings.HasPrefix(line, "0x") || len(line) < 11 || line[10] != ':' {
		return 0, nil, false
	}
	hexPart := line[2:10]
	for _, c := range hexPart {
		if !isHexDigit(byte(c)) {
			return 0, nil, false
		}
	}
	a, err := strconv.ParseUint(hexPart, 16, 32)
	if err != nil {
		return 0, nil, false
	}

	rest := line[11:]
	pos := 0
	for len(values) < 4 {
		token, consumed, found := nextToken(rest, pos)
		if !found {
			break
		}
		pos = consumed
		if !strings.HasPrefix(token, "0x") {
			continue
		}
		v, err := strconv.ParseUint(token[2:], 16, 32)
		if err != nil {
			continue
		}
		values = append(values, uint32(v))
		pos = skipSymbolDecoration(rest, pos)
	}
	return uint32(a), values, true
}

// nextToken returns the next whitespace-delimited token in s starting at
// or after pos, and the offset just past it.
func nextToken(s string, pos int) (token string, next int, found bool) {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t') {
		pos++
	}
	if pos >= len(s) {
		return "", pos, false
	}
	start := pos
	for pos < len(s) && s[pos] != ' ' && s[pos] != '\t' {
		pos++
	}
	return s[start:pos], pos, true
}

// skipSymbolDecoration skips any run of whitespace followed by a
// "<...>"-bracketed symbol annotation, honoring arbitrary nesting.
func skipSymbolDecoration(s string, pos int) int {
	p := pos
	for p < len(s) && (s[p] == ' ' || s[p] == '\t') {
		p++
	}
	if p >= len(s) || s[p] != '<' {
		return pos
	}
	depth := 0
	for ; p < len(s); p++ {
		switch s[p] {
		case '<':
			depth++
		case '>':
			depth--
			if depth == 0 {
				return p + 1
			}
		}
	}
	return p
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// parseRegisterLine recognizes a line beginning with one of the 52
// register names padded to 15 characters, and parses its value. Float
// registers accept "<value>\t(raw 0x<hex>)"; a missing raw clause stores
// 0xFFFFFFFF, matching the original's (uint32_t)-1 sentinel.
func parseRegisterLine(line string) (field regField, value uint32, ok bool) {
	for _, f := range registerTable {
		prefix := paddedName(f.name)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := strings.TrimSpace(line[registerFieldWidth:])
		if f.isFloat {
			return f, parseRawClause(rest), true
		}
		v, perr := parseCInteger(rest)
		if perr != nil {
			return regField{}, 0, false
		}
		return f, v, true
	}
	return regField{}, 0, false
}

// parseRawClause extracts the value from a "(raw 0x...)" clause anywhere
// in s, returning 0xFFFFFFFF if none is present.
func parseRawClause(s string) uint32 {
	const marker = "(raw 0x"
	i := strings.Index(s, marker)
	if i < 0 {
		return 0xFFFFFFFF
	}
	rest := s[i+len(marker):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return 0xFFFFFFFF
	}
	v, err := strconv.ParseUint(rest[:end], 16, 32)
	if err != nil {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

// parseCInteger parses the leading token of s as a C-style integer
// literal: 0x-prefixed hex, or decimal otherwise.
func parseCInteger(s string) (uint32, error) {
	token, _, found := nextToken(s, 0)
	if !found {
		return 0, fault.New(fault.FileFormat)
	}
	base := 10
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		base = 16
		token = token[2:]
	}
	v, err := strconv.ParseUint(token, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

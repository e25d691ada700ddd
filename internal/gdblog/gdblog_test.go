package gdblog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
)

func newReadSeeker(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}

func TestScenario1TwoCoalescedRegions(t *testing.T) {
	input := "0x10000000:\t0x11111111\t0x22222222\t0x33333333\t0x44444444\n" +
		"0x20000000:\t0x55555555\t0x66666666\t0x77777777\t0x88888888\n"

	ctx := regs.New()
	sim := memsim.New()
	if err := Parse(newReadSeeker(input), ctx, sim); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	v, err := sim.Read32(0x10000000)
	if err != nil || v != 0x11111111 {
		t.Fatalf("region 1 word 0: %#x, %v", v, err)
	}
	v, err = sim.Read32(0x1000000C)
	if err != nil || v != 0x44444444 {
		t.Fatalf("region 1 word 3: %#x, %v", v, err)
	}
	v, err = sim.Read32(0x20000000)
	if err != nil || v != 0x55555555 {
		t.Fatalf("region 2 word 0: %#x, %v", v, err)
	}

	xml := sim.MemoryMapXML()
	if !strings.Contains(xml, "0x10000000") || !strings.Contains(xml, "0x20000000") {
		t.Fatalf("memory map missing a region: %s", xml)
	}
}

func TestScenario2FloatRegisterWithoutRawClause(t *testing.T) {
	input := "s0             55\n"

	ctx := regs.New()
	sim := memsim.New()
	if err := Parse(newReadSeeker(input), ctx, sim); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if ctx.FPR[regs.S0] != 0xFFFFFFFF {
		t.Fatalf("FPR[S0] = %#x, want 0xFFFFFFFF", ctx.FPR[regs.S0])
	}
	if !ctx.HasFloatingPoint() {
		t.Fatalf("expected floating point flag set")
	}
}

func TestFloatRegisterWithRawClause(t *testing.T) {
	input := "s1             1.5\t(raw 0x3FC00000)\n"

	ctx := regs.New()
	sim := memsim.New()
	if err := Parse(newReadSeeker(input), ctx, sim); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.FPR[regs.S1] != 0x3FC00000 {
		t.Fatalf("FPR[S1] = %#x", ctx.FPR[regs.S1])
	}
}

func TestIntegerRegisterLine(t *testing.T) {
	input := "r0             0x12345678\n" +
		"sp             0x20001000\n"

	ctx := regs.New()
	sim := memsim.New()
	if err := Parse(newReadSeeker(input), ctx, sim); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.R[regs.R0] != 0x12345678 {
		t.Fatalf("R0 = %#x", ctx.R[regs.R0])
	}
	if ctx.R[regs.SP] != 0x20001000 {
		t.Fatalf("SP = %#x", ctx.R[regs.SP])
	}
}

func TestMemoryLineSymbolDecorationSkipped(t *testing.T) {
	input := "0x10000000:\t0x11111111 <foo<bar>>\t0x22222222\n"

	ctx := regs.New()
	sim := memsim.New()
	if err := Parse(newReadSeeker(input), ctx, sim); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, err := sim.Read32(0x10000004)
	if err != nil || v != 0x22222222 {
		t.Fatalf("word after decorated value: %#x, %v", v, err)
	}
}

package dumpload

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
)

func putU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func TestDetectsBinaryDump(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x63, 0x43, 3, 0})
	putU32(&buf, 0)
	for i := 0; i < regs.NumIntegerRegisters; i++ {
		putU32(&buf, 0)
	}
	putU32(&buf, 0)

	ctx := regs.New()
	sim := memsim.New()
	if err := LoadDump(bytes.NewReader(buf.Bytes()), ctx, sim); err != nil {
		t.Fatalf("LoadDump: %v", err)
	}
}

func TestDetectsGDBLog(t *testing.T) {
	input := "0x10000000:\t0x11111111\t0x22222222\t0x33333333\t0x44444444\n"

	ctx := regs.New()
	sim := memsim.New()
	if err := LoadDump(bytes.NewReader([]byte(input)), ctx, sim); err != nil {
		t.Fatalf("LoadDump: %v", err)
	}
	v, err := sim.Read32(0x10000000)
	if err != nil || v != 0x11111111 {
		t.Fatalf("got %#x, %v", v, err)
	}
}

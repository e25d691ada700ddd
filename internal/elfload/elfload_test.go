package elfload

import (
	"encoding/binary"
	"testing"

	"github.com/adamgreen/crashdebug/internal/fault"
	"github.com/adamgreen/crashdebug/internal/memsim"
)

func buildELF(t *testing.T, segment []byte, paddr uint32) []byte {
	t.Helper()
	const phoff = ehdrSize
	buf := make([]byte, phoff+phdr32Size+len(segment))

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = elfClass32
	buf[5] = elfDataLSB
	binary.LittleEndian.PutUint16(buf[16:], etExec)
	binary.LittleEndian.PutUint32(buf[28:], phoff)
	binary.LittleEndian.PutUint16(buf[42:], phdr32Size)
	binary.LittleEndian.PutUint16(buf[44:], 1)

	ph := buf[phoff:]
	binary.LittleEndian.PutUint32(ph[0:], ptLoad)
	segOffset := uint32(phoff + phdr32Size)
	binary.LittleEndian.PutUint32(ph[4:], segOffset)
	binary.LittleEndian.PutUint32(ph[8:], paddr)
	binary.LittleEndian.PutUint32(ph[12:], paddr)
	binary.LittleEndian.PutUint32(ph[16:], uint32(len(segment)))
	binary.LittleEndian.PutUint32(ph[20:], uint32(len(segment)))

	copy(buf[segOffset:], segment)
	return buf
}

func TestLoadValidExecutable(t *testing.T) {
	segment := []byte{0xDE, 0xAD, 0xBE, 0xEF, 1, 2, 3, 4}
	data := buildELF(t, segment, 0x08000000)

	sim := memsim.New()
	if err := Load(sim, data); err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, err := sim.Read32(0x08000000)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xEFBEADDE {
		t.Fatalf("got %#x", v)
	}
	if err := sim.Write8(0x08000000, 0); !fault.Is(err, fault.BusError) {
		t.Fatalf("expected BusError writing loaded segment, got %v", err)
	}
}

func TestRejectsBadMagic(t *testing.T) {
	data := buildELF(t, []byte{1, 2, 3, 4}, 0x1000)
	data[0] = 0

	sim := memsim.New()
	if err := Load(sim, data); !fault.Is(err, fault.ElfFormat) {
		t.Fatalf("expected ElfFormat, got %v", err)
	}
}

func TestRejectsTruncatedHeader(t *testing.T) {
	sim := memsim.New()
	if err := Load(sim, []byte{0x7F, 'E', 'L', 'F'}); !fault.Is(err, fault.ElfFormat) {
		t.Fatalf("expected ElfFormat, got %v", err)
	}
}

func TestNoLoadableSegmentsFails(t *testing.T) {
	data := buildELF(t, nil, 0x1000)
	// Zero the segment's filesz so the PT_LOAD entry is skipped.
	binary.LittleEndian.PutUint32(data[ehdrSize+16:], 0)

	sim := memsim.New()
	if err := Load(sim, data); !fault.Is(err, fault.ElfFormat) {
		t.Fatalf("expected ElfFormat for zero loaded segments, got %v", err)
	}
}

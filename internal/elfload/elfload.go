// Package elfload implements the ELF image loader: validates a 32-bit
// little-endian ET_EXEC image and materializes its PT_LOAD segments into
// the memory simulator as read-only FLASH regions.
//
// `debug/elf` is deliberately not used here — see DESIGN.md — because
// the validation ladder needs exact, byte-offset-precise failures that
// `elf.NewFile` does not expose in this shape; header and program-header
// records are decoded directly with github.com/go-restruct/restruct
// instead.
package elfload

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/adamgreen/crashdebug/internal/fault"
	"github.com/adamgreen/crashdebug/internal/memsim"
)

const (
	elfClass32    = 1
	elfDataLSB    = 1
	etExec        = 2
	ptLoad        = 1
	ehdrSize      = 52
	phdr32Size    = 32
)

// header32 mirrors Elf32_Ehdr.
type header32 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// progHeader32 mirrors Elf32_Phdr.
type progHeader32 struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// fetch returns the size bytes of data at offset, or an ElfFormat fault
// naming the offset that fell outside the file.
func fetch(data []byte, offset, size uint32) ([]byte, error) {
	end := uint64(offset) + uint64(size)
	if end > uint64(len(data)) {
		return nil, fault.Newf(fault.ElfFormat, "ELF read out of bounds at offset %#x, size %d", offset, size)
	}
	return data[offset:end], nil
}

// Load validates data as a 32-bit little-endian ET_EXEC ELF image and
// loads every PT_LOAD segment into sim as a read-only region.
func Load(sim *memsim.Simulator, data []byte) error {
	raw, err := fetch(data, 0, ehdrSize)
	if err != nil {
		return err
	}
	var hdr header32
	if err := restruct.Unpack(raw, binary.LittleEndian, &hdr); err != nil {
		return fault.Newf(fault.ElfFormat, "failed to decode ELF header: %v", err)
	}
	if err := validateHeader(&hdr); err != nil {
		return err
	}

	loaded := 0
	for i := uint16(0); i < hdr.Phnum; i++ {
		offset := hdr.Phoff + uint32(i)*uint32(hdr.Phentsize)
		raw, err := fetch(data, offset, uint32(hdr.Phentsize))
		if err != nil {
			return err
		}
		var ph progHeader32
		if err := restruct.Unpack(raw[:phdr32Size], binary.LittleEndian, &ph); err != nil {
			return fault.Newf(fault.ElfFormat, "failed to decode program header %d: %v", i, err)
		}
		if ph.Type != ptLoad || ph.Filesz == 0 || ph.Memsz < ph.Filesz {
			continue
		}
		segment, err := fetch(data, ph.Offset, ph.Filesz)
		if err != nil {
			return err
		}
		if err := sim.CreateRegion(ph.Paddr, ph.Filesz); err != nil {
			return err
		}
		if err := sim.LoadFromFlashImage(ph.Paddr, segment); err != nil {
			return err
		}
		if err := sim.MakeReadOnly(ph.Paddr); err != nil {
			return err
		}
		loaded++
	}
	if loaded == 0 {
		return fault.New(fault.ElfFormat)
	}
	return nil
}

func validateHeader(hdr *header32) error {
	if hdr.Ident[0] != 0x7F || hdr.Ident[1] != 'E' || hdr.Ident[2] != 'L' || hdr.Ident[3] != 'F' {
		return fault.New(fault.ElfFormat)
	}
	if hdr.Ident[4] != elfClass32 {
		return fault.New(fault.ElfFormat)
	}
	if hdr.Ident[5] != elfDataLSB {
		return fault.New(fault.ElfFormat)
	}
	if hdr.Type != etExec {
		return fault.New(fault.ElfFormat)
	}
	if hdr.Phoff == 0 {
		return fault.New(fault.ElfFormat)
	}
	if hdr.Phnum == 0 {
		return fault.New(fault.ElfFormat)
	}
	if hdr.Phentsize < phdr32Size {
		return fault.New(fault.ElfFormat)
	}
	return nil
}

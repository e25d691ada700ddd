// Package memsim implements the memory simulator used to reconstruct a
// crashed device's address space: named regions, alias regions,
// read-only enforcement with per-half-word read counters, hardware
// breakpoint/watchpoint tables, and ordered fault reporting.
//
// Alias regions are a first-class region kind that shares storage with
// its target rather than copying it, so a break/watchpoint set through
// an alias is observed through the target and vice versa.
package memsim

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/adamgreen/crashdebug/internal/fault"
)

// Watchpoint kind bitmask values. intentMask translates the READING and
// WRITING access intents into these bits (LOADING and MAPPING into none)
// so a watchpoint's Kind can be masked directly against an access.
const (
	WatchRead      uint32 = 1
	WatchWrite     uint32 = 2
	WatchReadWrite uint32 = WatchRead | WatchWrite

	breakpointMarker uint32 = 1 << 31
	// WatchBreakpoint tags a hardware-breakpoint entry stored in the same
	// per-region table as read/write watchpoints.
	WatchBreakpoint uint32 = breakpointMarker | WatchRead
)

// accessIntent gates the side effects of a single memory access.
type accessIntent int

const (
	reading accessIntent = iota
	writing
	loading
	mapping
)

// Watchpoint is a (kind, start, end) triple, addresses canonical to the
// ultimate (non-alias) region's own address space.
type Watchpoint struct {
	Kind  uint32
	Start uint32
	End   uint32
}

func (w Watchpoint) equalKey(o Watchpoint) bool {
	return w.Kind == o.Kind && w.Start == o.Start && w.End == o.End
}

// less orders watchpoints ascending by start address, with kind and end
// as tiebreakers so the sequence has one total order.
func (w Watchpoint) less(o Watchpoint) bool {
	if w.Start != o.Start {
		return w.Start < o.Start
	}
	if w.Kind != o.Kind {
		return w.Kind < o.Kind
	}
	return w.End < o.End
}

// Region is either a real, storage-owning memory region, or an alias that
// shares another region's storage under a different base address.
type Region struct {
	Base uint32
	Size uint32

	// Real-region fields. Zero/nil on an alias.
	data       []byte
	readOnly   bool
	readCounts []uint32
	watchpoints []Watchpoint

	// Alias-only fields.
	aliasTarget    *Region
	aliasTargetBase uint32
}

// IsAlias reports whether this region delegates to another region's
// storage.
func (r *Region) IsAlias() bool {
	return r.aliasTarget != nil
}

// resolve walks through alias indirection and returns the ultimate
// storage-owning region along with addr translated into that region's own
// address space.
func (r *Region) resolve(addr uint32) (*Region, uint32) {
	if r.aliasTarget == nil {
		return r, addr
	}
	translated := r.aliasTargetBase + (addr - r.Base)
	return r.aliasTarget.resolve(translated)
}

// ReadOnly reports whether the region (or its alias target) rejects
// writes.
func (r *Region) ReadOnly() bool {
	real, _ := r.resolve(r.Base)
	return real.readOnly
}

// Simulator is the ordered collection of regions that models a crashed
// device's address space.
type Simulator struct {
	regions []*Region

	mapXML          string
	mapXMLValid     bool
	watchpointCount int
}

// New returns an empty memory simulator.
func New() *Simulator {
	return &Simulator{}
}

// CreateRegion appends a new zero-filled region at [base, base+size).
func (s *Simulator) CreateRegion(base, size uint32) error {
	if overflows(base, size) {
		return fault.New(fault.BusError)
	}
	s.regions = append(s.regions, &Region{
		Base: base,
		Size: size,
		data: make([]byte, size),
	})
	s.invalidateMap()
	return nil
}

// CreateAlias appends a region at aliasBase whose storage, read-only flag,
// read-count array, and watchpoint table are shared with the region
// covering [targetBase, targetBase+size). That target range must lie
// entirely within one existing region.
func (s *Simulator) CreateAlias(aliasBase, targetBase, size uint32) error {
	target, err := s.findRegion(targetBase, size)
	if err != nil {
		return err
	}
	s.regions = append(s.regions, &Region{
		Base:            aliasBase,
		Size:            size,
		aliasTarget:     target,
		aliasTargetBase: targetBase,
	})
	s.invalidateMap()
	return nil
}

// MakeReadOnly transitions the region whose base address matches exactly
// to read-only, allocating its half-word read-count array.
func (s *Simulator) MakeReadOnly(base uint32) error {
	region, err := s.findExactBase(base)
	if err != nil {
		return err
	}
	real, _ := region.resolve(region.Base)
	real.readOnly = true
	real.readCounts = make([]uint32, real.Size/2)
	s.invalidateMap()
	return nil
}

func (s *Simulator) findExactBase(base uint32) (*Region, error) {
	for _, r := range s.regions {
		if r.Base == base {
			return r, nil
		}
	}
	return nil, fault.New(fault.BusError)
}

// findRegion walks the region sequence head to tail and returns the first
// region whose [base, base+size) fully contains [addr, addr+size),
// performing the containment test in 64 bits so that a wrapping range is
// rejected rather than spuriously matched.
func (s *Simulator) findRegion(addr, size uint32) (*Region, error) {
	for _, r := range s.regions {
		if containsRange(r.Base, r.Size, addr, size) {
			return r, nil
		}
	}
	return nil, fault.New(fault.BusError)
}

func containsRange(base, size, addr, accessSize uint32) bool {
	regionEnd := uint64(base) + uint64(size)
	accessEnd := uint64(addr) + uint64(accessSize)
	return uint64(addr) >= uint64(base) && accessEnd <= regionEnd
}

func overflows(base, size uint32) bool {
	return uint64(base)+uint64(size) > 0x100000000
}

// LoadFromFlashImage writes bytes at base using the LOADING access
// intent: it writes through regardless of read-only status, and does not
// check breakpoints/watchpoints or touch read counts. Bytes are written a
// word at a time, then a final partial word byte-by-byte.
func (s *Simulator) LoadFromFlashImage(base uint32, data []byte) error {
	addr := base
	i := 0
	for len(data)-i >= 4 {
		word := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		if err := s.store32(addr, word, loading, false); err != nil {
			return err
		}
		addr += 4
		i += 4
	}
	for ; i < len(data); i++ {
		if err := s.store8(addr, data[i], loading, false); err != nil {
			return err
		}
		addr++
	}
	return nil
}

// CreateRegionsFromFlashImage creates a read-only FLASH region at address
// 0 holding the image, then interprets its first little-endian word as the
// initial MSP value and creates a RAM region sized from that value masked
// to RAM_ADDRESS_MASK.
func (s *Simulator) CreateRegionsFromFlashImage(data []byte) error {
	const ramAddressMask = 0xF0000000
	if len(data) < 4 {
		return fault.New(fault.BufferOverrun)
	}
	if err := s.CreateRegion(0, uint32(len(data))); err != nil {
		return err
	}
	if err := s.LoadFromFlashImage(0, data); err != nil {
		return err
	}
	if err := s.MakeReadOnly(0); err != nil {
		return err
	}

	endRAM := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	baseRAM := endRAM & ramAddressMask
	if err := s.CreateRegion(baseRAM, endRAM-baseRAM); err != nil {
		// Out-of-memory (or any failure) during the RAM step unwinds only
		// the RAM region; FLASH remains, matching freeLastRegion in the
		// original MemorySim_CreateRegionsFromFlashImage.
		return err
	}
	return nil
}

// Read8/Read16/Read32 implement the READING access path: permitted on any
// region; a 16-bit read on a read-only region increments its half-word
// read counter; breakpoints/watchpoints are checked.
func (s *Simulator) Read8(addr uint32) (uint8, error) {
	return s.load8(addr, reading, true)
}

func (s *Simulator) Read16(addr uint32) (uint16, error) {
	return s.load16(addr, reading, true)
}

func (s *Simulator) Read32(addr uint32) (uint32, error) {
	return s.load32(addr, reading, true)
}

// Write8/Write16/Write32 implement the WRITING access path: fails on
// read-only regions; breakpoints/watchpoints are checked.
func (s *Simulator) Write8(addr uint32, v uint8) error {
	return s.store8(addr, v, writing, true)
}

func (s *Simulator) Write16(addr uint32, v uint16) error {
	return s.store16(addr, v, writing, true)
}

func (s *Simulator) Write32(addr uint32, v uint32) error {
	return s.store32(addr, v, writing, true)
}

func (s *Simulator) load8(addr uint32, intent accessIntent, check bool) (uint8, error) {
	real, offset, err := s.prepareAccess(addr, 1, intent, check)
	if err != nil {
		return 0, err
	}
	return real.data[offset], nil
}

func (s *Simulator) load16(addr uint32, intent accessIntent, check bool) (uint16, error) {
	real, offset, err := s.prepareAccess(addr, 2, intent, check)
	if err != nil {
		return 0, err
	}
	return uint16(real.data[offset]) | uint16(real.data[offset+1])<<8, nil
}

func (s *Simulator) load32(addr uint32, intent accessIntent, check bool) (uint32, error) {
	real, offset, err := s.prepareAccess(addr, 4, intent, check)
	if err != nil {
		return 0, err
	}
	return uint32(real.data[offset]) | uint32(real.data[offset+1])<<8 |
		uint32(real.data[offset+2])<<16 | uint32(real.data[offset+3])<<24, nil
}

func (s *Simulator) store8(addr uint32, v uint8, intent accessIntent, check bool) error {
	real, offset, err := s.prepareAccess(addr, 1, intent, check)
	if err != nil {
		return err
	}
	real.data[offset] = v
	return nil
}

func (s *Simulator) store16(addr uint32, v uint16, intent accessIntent, check bool) error {
	real, offset, err := s.prepareAccess(addr, 2, intent, check)
	if err != nil {
		return err
	}
	real.data[offset] = byte(v)
	real.data[offset+1] = byte(v >> 8)
	return nil
}

func (s *Simulator) store32(addr uint32, v uint32, intent accessIntent, check bool) error {
	real, offset, err := s.prepareAccess(addr, 4, intent, check)
	if err != nil {
		return err
	}
	real.data[offset] = byte(v)
	real.data[offset+1] = byte(v >> 8)
	real.data[offset+2] = byte(v >> 16)
	real.data[offset+3] = byte(v >> 24)
	return nil
}

// prepareAccess resolves addr to its storage-owning region, enforces the
// read-only/intent rule, bumps the half-word read counter, and (if check
// is set) evaluates breakpoint/watchpoint hits, returning the byte offset
// into the real region's data buffer.
func (s *Simulator) prepareAccess(addr, size uint32, intent accessIntent, check bool) (*Region, uint32, error) {
	region, err := s.findRegion(addr, size)
	if err != nil {
		return nil, 0, err
	}
	real, canonicalAddr := region.resolve(addr)
	offset := canonicalAddr - real.Base

	if intent == writing && real.readOnly {
		return nil, 0, fault.New(fault.BusError)
	}
	if intent == reading && size == 2 && real.readCounts != nil {
		real.readCounts[offset/2]++
	}
	if check {
		if err := s.checkBreakWatchpoint(real, canonicalAddr, size, intent); err != nil {
			return nil, 0, err
		}
	}
	return real, offset, nil
}

func intentMask(intent accessIntent) uint32 {
	switch intent {
	case reading:
		return WatchRead
	case writing:
		return WatchWrite
	default:
		return 0
	}
}

// checkBreakWatchpoint detects a breakpoint/watchpoint hit against an
// access. The per-region watchpoint table is sorted ascending by start
// address, so the scan may stop early once an entry's start exceeds the
// access address.
func (s *Simulator) checkBreakWatchpoint(real *Region, addr, size uint32, intent accessIntent) error {
	mask := intentMask(intent)
	if mask == 0 {
		return nil
	}
	end := addr + size
	for _, wp := range real.watchpoints {
		// The table is sorted ascending by start address: once an entry
		// starts past addr, containment ([addr,end) ⊆ [wp.start,wp.end))
		// can no longer hold for it or anything after it.
		if wp.Start > addr {
			break
		}
		if wp.Kind&mask == 0 {
			continue
		}
		if !accessInRange(wp, addr, end) {
			continue
		}
		if wp.Kind == WatchBreakpoint {
			if size == 2 {
				return fault.New(fault.HardwareBreakpoint)
			}
			continue
		}
		s.watchpointCount++
	}
	return nil
}

func accessInRange(wp Watchpoint, start, end uint32) bool {
	return start >= wp.Start && end <= wp.End
}

// SetHardwareBreakpoint inserts a breakpoint watchpoint entry covering
// [addr, addr+size). Idempotent: inserting the same (kind, start, end)
// twice is a no-op.
func (s *Simulator) SetHardwareBreakpoint(addr, size uint32) error {
	return s.setWatchpoint(addr, size, WatchBreakpoint)
}

// ClearHardwareBreakpoint removes a previously set breakpoint entry, if
// present.
func (s *Simulator) ClearHardwareBreakpoint(addr, size uint32) error {
	return s.clearWatchpoint(addr, size, WatchBreakpoint)
}

// SetHardwareWatchpoint inserts a read/write/read-write watchpoint entry.
func (s *Simulator) SetHardwareWatchpoint(addr, size uint32, kind uint32) error {
	return s.setWatchpoint(addr, size, kind)
}

// ClearHardwareWatchpoint removes a previously set watchpoint entry, if
// present.
func (s *Simulator) ClearHardwareWatchpoint(addr, size uint32, kind uint32) error {
	return s.clearWatchpoint(addr, size, kind)
}

func (s *Simulator) setWatchpoint(addr, size uint32, kind uint32) error {
	region, err := s.findRegion(addr, size)
	if err != nil {
		return err
	}
	real, canonicalAddr := region.resolve(addr)
	wp := Watchpoint{Kind: kind, Start: canonicalAddr, End: canonicalAddr + size}

	i, found := findWatchpointSlot(real.watchpoints, wp)
	if found {
		return nil
	}
	real.watchpoints = append(real.watchpoints, Watchpoint{})
	copy(real.watchpoints[i+1:], real.watchpoints[i:])
	real.watchpoints[i] = wp
	return nil
}

func (s *Simulator) clearWatchpoint(addr, size uint32, kind uint32) error {
	region, err := s.findRegion(addr, size)
	if err != nil {
		return err
	}
	real, canonicalAddr := region.resolve(addr)
	wp := Watchpoint{Kind: kind, Start: canonicalAddr, End: canonicalAddr + size}

	i, found := findWatchpointSlot(real.watchpoints, wp)
	if !found {
		return nil
	}
	real.watchpoints = append(real.watchpoints[:i], real.watchpoints[i+1:]...)
	return nil
}

// findWatchpointSlot returns the insertion point for wp and whether an
// exact (kind, start, end) match already exists there.
func findWatchpointSlot(list []Watchpoint, wp Watchpoint) (int, bool) {
	i := sort.Search(len(list), func(i int) bool {
		return !list[i].less(wp)
	})
	if i < len(list) && list[i].equalKey(wp) {
		return i, true
	}
	return i, false
}

// WasWatchpointEncountered reports whether any read/write watchpoint has
// fired since the last call, and clears the sticky counter.
func (s *Simulator) WasWatchpointEncountered() bool {
	hit := s.watchpointCount != 0
	s.watchpointCount = 0
	return hit
}

// FlashReadCount returns the half-word read counter at addr, which must
// lie in a read-only region.
func (s *Simulator) FlashReadCount(addr uint32) (uint32, error) {
	region, err := s.findRegion(addr, 2)
	if err != nil {
		return 0, err
	}
	real, canonicalAddr := region.resolve(addr)
	if !real.readOnly {
		return 0, fault.New(fault.BusError)
	}
	offset := canonicalAddr - real.Base
	return real.readCounts[offset/2], nil
}

func (s *Simulator) invalidateMap() {
	s.mapXMLValid = false
}

// MemoryMapXML returns the GDB memory-map XML document describing every
// region, regenerated lazily on any structural change.
func (s *Simulator) MemoryMapXML() string {
	if s.mapXMLValid {
		return s.mapXML
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd"><memory-map>`)
	for _, r := range s.regions {
		readOnly := r.ReadOnly()
		kind := "ram"
		prop := ""
		if readOnly {
			kind = "flash"
			prop = ` <property name="blocksize">1</property>`
		}
		fmt.Fprintf(&b, `<memory type="%s" start="0x%X" length="0x%X">%s</memory>`, kind, r.Base, r.Size, prop)
	}
	b.WriteString(`</memory-map>`)
	s.mapXML = b.String()
	s.mapXMLValid = true
	return s.mapXML
}

// Map exposes a host-addressable slice for a single access: like
// READING/WRITING, but it never checks breakpoints or watchpoints.
func (s *Simulator) Map(addr, size uint32, write bool) ([]byte, error) {
	intent := reading
	if write {
		intent = writing
	}
	real, offset, err := s.prepareAccess(addr, size, intent, false)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return real.data[offset : offset+size], nil
}

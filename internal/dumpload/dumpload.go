// Package dumpload implements the crash-dump format dispatcher: it peeks
// a dump file's leading bytes to pick a format, then orchestrates the
// CrashCatcher binary/hex reader or the GDB log parser.
package dumpload

import (
	"io"

	"github.com/adamgreen/crashdebug/internal/crashcatcher"
	"github.com/adamgreen/crashdebug/internal/fault"
	"github.com/adamgreen/crashdebug/internal/gdblog"
	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
)

// LoadDump inspects r's first bytes to classify it as a CrashCatcher
// binary dump (signature 0x63 0x43), a CrashCatcher hex dump (ASCII
// "6343"), or an ad-hoc GDB log, and parses it into ctx and sim
// accordingly.
func LoadDump(r io.ReadSeeker, ctx *regs.Context, sim *memsim.Simulator) error {
	peek := make([]byte, 4)
	n, _ := io.ReadFull(r, peek)
	peek = peek[:n]

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fault.Newf(fault.File, "failed to rewind dump file: %v", err)
	}

	switch {
	case len(peek) >= 2 && peek[0] == 0x63 && peek[1] == 0x43:
		return crashcatcher.Read(r, ctx, sim)
	case len(peek) >= 4 && peek[0] == '6' && peek[1] == '3' && peek[2] == '4' && peek[3] == '3':
		return crashcatcher.ReadHex(r, ctx, sim)
	default:
		return gdblog.Parse(r, ctx, sim)
	}
}

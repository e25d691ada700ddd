// CrashDebug is a Cortex-M post-mortem debugging aid: it loads a FLASH
// image and a crash dump into a memory simulator and serves the result to
// a regular ARM GDB over the Remote Serial Protocol, with no live target
// attached.
//
// Arguments are parsed in two passes: the first records filenames and
// validates arity; a memory simulator and image/dump are loaded between
// passes; the second wires --alias redirects against the now-populated
// simulator.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	dplog "github.com/dsoprea/go-logging"
	"github.com/pkg/errors"

	"github.com/adamgreen/crashdebug/internal/binload"
	"github.com/adamgreen/crashdebug/internal/dumpload"
	"github.com/adamgreen/crashdebug/internal/elfload"
	"github.com/adamgreen/crashdebug/internal/iostream"
	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
	"github.com/adamgreen/crashdebug/internal/rsp"
)

var log = dplog.NewLogger("main")

const copyrightNotice = "CrashDebug - Cortex-M Post-Mortem Debugging Aid\n" +
	"Copyright (C) Adam Green\n\n"

const usage = "Usage: crashdebug (--elf elfFilename | --bin imageFilename baseAddress)\n" +
	"                  --dump dumpFilename\n" +
	"                 [--alias baseAddress size redirectAddress]\n" +
	"Where: NOTE: The --elf and --bin options are mutually exclusive. Use one\n" +
	"             or the other but not both.\n" +
	"       --elf is used to provide the filename of the .elf image containing\n" +
	"         the device's FLASH contents at the time of the crash.\n" +
	"       --bin is used to provide the filename of the binary image loaded into\n" +
	"         the device's FLASH when the crash occurred, plus the address it was\n" +
	"         loaded at.\n" +
	"       --dump is used to provide the filename of the crash dump which\n" +
	"         contains the contents of RAM and the CPU registers at the time of\n" +
	"         the crash.\n" +
	"       --alias traps accesses to the region at baseAddress/size and\n" +
	"         redirects them to the region at redirectAddress. May be repeated.\n"

// commandLine holds the parsed arguments: the filenames and base address
// the first pass fills in, used between passes to load the image and dump
// files, and the aliases the second pass fills in.
type commandLine struct {
	elfFilename  string
	binFilename  string
	baseAddress  uint32
	dumpFilename string
	aliases      []aliasArg
}

type aliasArg struct {
	base, size, redirect uint32
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprint(os.Stderr, copyrightNotice)
		fmt.Fprint(os.Stderr, usage)
		fmt.Fprintln(os.Stderr, "\nerror:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var cmd commandLine
	if err := parseArguments(&cmd, args, firstPass); err != nil {
		return err
	}
	if err := throwIfRequiredArgumentMissing(&cmd); err != nil {
		return err
	}

	sim := memsim.New()
	if err := loadImageFile(&cmd, sim); err != nil {
		return err
	}
	ctx := regs.New()
	if err := loadDumpFile(&cmd, ctx, sim); err != nil {
		return err
	}
	if err := parseArguments(&cmd, args, secondPass); err != nil {
		return err
	}
	for _, a := range cmd.aliases {
		if err := sim.CreateAlias(a.base, a.redirect, a.size); err != nil {
			return errors.Wrap(err, "--alias")
		}
	}

	stream := iostream.NewStd(os.Stdin, os.Stdout)
	session := rsp.New(ctx, sim, stream)
	log.Debugf(nil, "serving RSP session")
	return session.Run()
}

type parsePass int

const (
	firstPass parsePass = iota
	secondPass
)

// parseArguments runs parseArgument repeatedly over the full argument
// list; each call consumes and reports how many tokens it used.
func parseArguments(cmd *commandLine, args []string, pass parsePass) error {
	for len(args) > 0 {
		used, err := parseArgument(cmd, args, pass)
		if err != nil {
			return err
		}
		args = args[used:]
	}
	return nil
}

func parseArgument(cmd *commandLine, args []string, pass parsePass) (int, error) {
	if !strings.HasPrefix(args[0], "--") {
		return 0, errors.Errorf("unexpected argument %q", args[0])
	}
	switch strings.ToLower(args[0]) {
	case "--bin":
		return parseBinOption(cmd, args[1:], pass)
	case "--elf":
		return parseElfOption(cmd, args[1:], pass)
	case "--dump":
		return parseDumpOption(cmd, args[1:], pass)
	case "--alias":
		return parseAliasOption(cmd, args[1:], pass)
	default:
		return 0, errors.Errorf("unrecognized option %q", args[0])
	}
}

func parseBinOption(cmd *commandLine, rest []string, pass parsePass) (int, error) {
	if len(rest) < 2 {
		return 0, errors.New("--bin requires a filename and a base address")
	}
	if pass == firstPass {
		base, err := parseUint32(rest[1])
		if err != nil {
			return 0, errors.Wrap(err, "--bin base address")
		}
		cmd.binFilename = rest[0]
		cmd.baseAddress = base
	}
	return 3, nil
}

func parseElfOption(cmd *commandLine, rest []string, pass parsePass) (int, error) {
	if len(rest) < 1 {
		return 0, errors.New("--elf requires a filename")
	}
	if pass == firstPass {
		cmd.elfFilename = rest[0]
	}
	return 2, nil
}

func parseDumpOption(cmd *commandLine, rest []string, pass parsePass) (int, error) {
	if len(rest) < 1 {
		return 0, errors.New("--dump requires a filename")
	}
	if pass == firstPass {
		cmd.dumpFilename = rest[0]
	}
	return 2, nil
}

// parseAliasOption is deferred to the second pass, after the simulator
// has been populated by the image and dump loaders.
func parseAliasOption(cmd *commandLine, rest []string, pass parsePass) (int, error) {
	if len(rest) < 3 {
		return 0, errors.New("--alias requires baseAddress, size, and redirectAddress")
	}
	if pass == secondPass {
		base, err := parseUint32(rest[0])
		if err != nil {
			return 0, errors.Wrap(err, "--alias baseAddress")
		}
		size, err := parseUint32(rest[1])
		if err != nil {
			return 0, errors.Wrap(err, "--alias size")
		}
		redirect, err := parseUint32(rest[2])
		if err != nil {
			return 0, errors.Wrap(err, "--alias redirectAddress")
		}
		cmd.aliases = append(cmd.aliases, aliasArg{base: base, size: size, redirect: redirect})
	}
	return 4, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func throwIfRequiredArgumentMissing(cmd *commandLine) error {
	if cmd.binFilename == "" && cmd.elfFilename == "" {
		return errors.New("one of --elf or --bin is required")
	}
	if cmd.binFilename != "" && cmd.elfFilename != "" {
		return errors.New("--elf and --bin are mutually exclusive")
	}
	if cmd.dumpFilename == "" {
		return errors.New("--dump is required")
	}
	return nil
}

func loadImageFile(cmd *commandLine, sim *memsim.Simulator) error {
	if cmd.elfFilename != "" {
		data, err := os.ReadFile(cmd.elfFilename)
		if err != nil {
			return errors.Wrap(err, "--elf")
		}
		return errors.Wrap(elfload.Load(sim, data), "--elf")
	}
	data, err := os.ReadFile(cmd.binFilename)
	if err != nil {
		return errors.Wrap(err, "--bin")
	}
	return errors.Wrap(binload.Load(sim, cmd.baseAddress, data), "--bin")
}

func loadDumpFile(cmd *commandLine, ctx *regs.Context, sim *memsim.Simulator) error {
	f, err := os.Open(cmd.dumpFilename)
	if err != nil {
		return errors.Wrap(err, "--dump")
	}
	defer f.Close()
	return errors.Wrap(dumpload.LoadDump(f, ctx, sim), "--dump")
}

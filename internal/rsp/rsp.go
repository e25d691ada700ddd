// Package rsp implements the GDB Remote Serial Protocol session: the
// platform adapter that answers GDB packets against the memory simulator
// and register context in place of a live target.
package rsp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	dplog "github.com/dsoprea/go-logging"

	"github.com/adamgreen/crashdebug/internal/fault"
	"github.com/adamgreen/crashdebug/internal/iostream"
	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
)

const maxPacketSize = 16 * 1024

// Fault status registers decoded for O-packet console output.
const (
	cfsrAddr  = 0xE000ED28
	hfsrAddr  = 0xE000ED2C
	mmfarAddr = 0xE000ED34
	bfarAddr  = 0xE000ED38
)

var log = dplog.NewLogger("rsp")

// Session adapts a memory simulator and register context to a single GDB
// connection over a byte-stream transport. It is single-threaded and
// handles one packet at a time: every packet sent in reply to a request
// (for a stop reply, the O-packet console decode followed by the
// T-response) goes out before the next request is read.
type Session struct {
	ctx    *regs.Context
	sim    *memsim.Simulator
	stream iostream.Stream
	noAck  bool
}

// New builds a session serving ctx/sim over stream.
func New(ctx *regs.Context, sim *memsim.Simulator, stream iostream.Stream) *Session {
	return &Session{ctx: ctx, sim: sim, stream: stream}
}

// Run drives the packet loop until the transport requests a stop or
// signals unrecoverable I/O failure. Once GDB is connected, a single
// unsolicited stop reply announces the halt reason before the first
// packet is read; every reply after that comes from handle, including
// the one it re-sends for an inert continue/step.
func (s *Session) Run() error {
	announced := false
	for {
		if s.stream.ShouldStop() {
			return nil
		}
		if !announced && s.stream.IsConnected() {
			if err := s.sendStopReply(); err != nil {
				return err
			}
			announced = true
		}

		packet, err := s.recvPacket()
		if err != nil {
			return fault.Newf(fault.File, "transport read failed: %v", err)
		}
		if packet == "" {
			continue
		}
		if err := s.handle(packet); err != nil {
			log.Warningf(nil, "packet handler error for %q: %v", packet, err)
		}
	}
}

// handle dispatches one received packet and sends its reply.
func (s *Session) handle(packet string) error {
	switch {
	case packet == "QStartNoAckMode":
		s.noAck = true
		return s.sendPacket("OK")
	case packet == "Hg0" || packet == "Hc-1" || packet == "Hc0" || strings.HasPrefix(packet, "qSymbol"):
		return s.sendPacket("OK")
	case packet == "qfThreadInfo":
		return s.sendPacket("l")
	case packet == "?":
		return s.sendStopReply()
	case strings.HasPrefix(packet, "qSupported"):
		return s.sendPacket("qXfer:memory-map:read+;qXfer:features:read+;PacketSize=4000")
	case strings.HasPrefix(packet, "qXfer:"):
		return s.handleQXfer(packet)
	case packet == "g":
		return s.handleReadAllRegisters()
	case strings.HasPrefix(packet, "G"):
		return s.handleWriteAllRegisters(packet[1:])
	case strings.HasPrefix(packet, "p"):
		return s.handleReadRegister(packet[1:])
	case strings.HasPrefix(packet, "P"):
		return s.handleWriteRegister(packet[1:])
	case strings.HasPrefix(packet, "m"):
		return s.handleReadMemory(packet[1:])
	case strings.HasPrefix(packet, "M"):
		return s.handleWriteMemory(packet[1:])
	case packet == "c" || packet == "s" || strings.HasPrefix(packet, "c") || strings.HasPrefix(packet, "s"):
		// Post-mortem: continue/step are accepted but inert. The debug
		// loop is immediately re-entered, so the reply is a fresh stop
		// reply rather than an acknowledgement.
		return s.sendStopReply()
	case len(packet) > 0 && (packet[0] == 'Z' || packet[0] == 'z'):
		return s.handleBreakWatchpoint(packet)
	default:
		return s.sendPacket("")
	}
}

func (s *Session) handleQXfer(packet string) error {
	parts := strings.SplitN(strings.TrimPrefix(packet, "qXfer:"), ":", 4)
	if len(parts) != 4 {
		return s.sendPacket("")
	}
	var offset, length int
	if _, err := fmt.Sscanf(parts[3], "%x,%x", &offset, &length); err != nil {
		return s.sendPacket("")
	}

	var data string
	switch {
	case parts[0] == "memory-map" && parts[1] == "read":
		data = s.sim.MemoryMapXML()
	case parts[0] == "features" && parts[1] == "read" && parts[2] == "target.xml":
		if s.ctx.HasFloatingPoint() {
			data = targetXMLFPU
		} else {
			data = targetXML
		}
	default:
		return s.sendPacket("")
	}
	if offset >= len(data) {
		return s.sendPacket("l")
	}
	end := len(data)
	if offset+length < end {
		end = offset + length
		return s.sendPacket("m" + data[offset:end])
	}
	return s.sendPacket("l" + data[offset:end])
}

func (s *Session) handleReadAllRegisters() error {
	var buf []byte
	for _, v := range s.ctx.R {
		buf = append(buf, leBytes(v)...)
	}
	if s.ctx.HasFloatingPoint() {
		for _, v := range s.ctx.FPR {
			buf = append(buf, leBytes(v)...)
		}
	}
	return s.sendPacket(hex.EncodeToString(buf))
}

func (s *Session) handleWriteAllRegisters(payload string) error {
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return s.sendPacket("E00")
	}
	needed := len(s.ctx.R) * 4
	if s.ctx.HasFloatingPoint() {
		needed += len(s.ctx.FPR) * 4
	}
	if len(raw) < needed {
		return s.sendPacket("E00")
	}
	for i := range s.ctx.R {
		s.ctx.R[i] = leUint32(raw[i*4:])
	}
	if s.ctx.HasFloatingPoint() {
		base := len(s.ctx.R) * 4
		for i := range s.ctx.FPR {
			s.ctx.FPR[i] = leUint32(raw[base+i*4:])
		}
	}
	return s.sendPacket("OK")
}

// handleReadRegister answers p<n>: n indexes the register file directly,
// first the 19 integer registers, then the 33 floating point registers.
// The floating point registers answer whether or not the floating point
// flag is set, unlike g/G, which include them only when it is.
func (s *Session) handleReadRegister(hexNum string) error {
	n, err := strconv.ParseUint(hexNum, 16, 32)
	if err != nil {
		return s.sendPacket("E00")
	}
	v, ok := s.registerValue(int(n))
	if !ok {
		return s.sendPacket("E00")
	}
	return s.sendPacket(hex.EncodeToString(leBytes(v)))
}

func (s *Session) handleWriteRegister(payload string) error {
	parts := strings.SplitN(payload, "=", 2)
	if len(parts) != 2 {
		return s.sendPacket("E00")
	}
	n, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return s.sendPacket("E00")
	}
	raw, err := hex.DecodeString(parts[1])
	if err != nil || len(raw) < 4 {
		return s.sendPacket("E00")
	}
	if !s.setRegisterValue(int(n), leUint32(raw)) {
		return s.sendPacket("E00")
	}
	return s.sendPacket("OK")
}

func (s *Session) registerValue(n int) (uint32, bool) {
	if n < len(s.ctx.R) {
		return s.ctx.R[n], true
	}
	fi := n - len(s.ctx.R)
	if fi >= 0 && fi < len(s.ctx.FPR) {
		return s.ctx.FPR[fi], true
	}
	return 0, false
}

func (s *Session) setRegisterValue(n int, v uint32) bool {
	if n < len(s.ctx.R) {
		s.ctx.R[n] = v
		return true
	}
	fi := n - len(s.ctx.R)
	if fi >= 0 && fi < len(s.ctx.FPR) {
		s.ctx.FPR[fi] = v
		return true
	}
	return false
}

// handleReadMemory answers m<addr>,<len>. Partial success is allowed: as
// many contiguous bytes as could be read before the first fault are
// returned; a read that fails on the very first byte returns E03.
func (s *Session) handleReadMemory(payload string) error {
	addr, length, ok := parseAddrLen(payload)
	if !ok {
		return s.sendPacket("E00")
	}
	var out []byte
	for i := uint32(0); i < length; i++ {
		b, err := s.sim.Read8(addr + i)
		if err != nil {
			break
		}
		out = append(out, b)
	}
	if len(out) == 0 && length > 0 {
		return s.sendPacket("E03")
	}
	return s.sendPacket(hex.EncodeToString(out))
}

// handleWriteMemory answers M<addr>,<len>:<hex>. The first fault aborts
// with E03.
func (s *Session) handleWriteMemory(payload string) error {
	head, hexData, found := strings.Cut(payload, ":")
	if !found {
		return s.sendPacket("E00")
	}
	addr, length, ok := parseAddrLen(head)
	if !ok {
		return s.sendPacket("E00")
	}
	raw, err := hex.DecodeString(hexData)
	if err != nil || uint32(len(raw)) < length {
		return s.sendPacket("E00")
	}
	for i := uint32(0); i < length; i++ {
		if err := s.sim.Write8(addr+i, raw[i]); err != nil {
			return s.sendPacket("E03")
		}
	}
	return s.sendPacket("OK")
}

func parseAddrLen(s string) (addr, length uint32, ok bool) {
	var a, l uint64
	n, err := fmt.Sscanf(s, "%x,%x", &a, &l)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	return uint32(a), uint32(l), true
}

// handleBreakWatchpoint answers Z0-Z4/z0-z4: there is no live target to
// arm a breakpoint or watchpoint on, so the request is acknowledged and
// otherwise ignored.
func (s *Session) handleBreakWatchpoint(packet string) error {
	if len(packet) < 2 {
		return s.sendPacket("E00")
	}
	kind := packet[1]
	if kind < '0' || kind > '4' {
		return s.sendPacket("E00")
	}
	return s.sendPacket("OK")
}

// currentSignal maps the current IPSR exception number to the GDB target
// signal number GDB uses to describe why the target stopped.
func (s *Session) currentSignal() int {
	switch s.ctx.ExceptionNumber() {
	case 2:
		return 2 // SIGINT
	case 3, 4:
		return 11 // SIGSEGV
	case 5:
		return 10 // SIGBUS
	case 6:
		return 4 // SIGILL
	case 12:
		return 5 // SIGTRAP
	default:
		return 17 // SIGSTOP
	}
}

// sendStopReply emits the fault-register decode (for IPSR 3-6) followed
// by a T-response packet describing the current register state.
func (s *Session) sendStopReply() error {
	ipsr := s.ctx.ExceptionNumber()
	if ipsr >= 3 && ipsr <= 6 {
		if err := s.displayFaultCause(ipsr); err != nil {
			return err
		}
	}

	signal := s.currentSignal()
	body := fmt.Sprintf("T%02x0c:%s;0d:%s;0e:%s;0f:%s;",
		signal,
		hex.EncodeToString(leBytes(s.ctx.R[regs.R12])),
		hex.EncodeToString(leBytes(s.ctx.R[regs.SP])),
		hex.EncodeToString(leBytes(s.ctx.R[regs.LR])),
		hex.EncodeToString(leBytes(s.ctx.R[regs.PC])),
	)
	return s.sendPacket(body)
}

func leBytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

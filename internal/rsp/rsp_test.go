package rsp

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/adamgreen/crashdebug/internal/iostream"
	"github.com/adamgreen/crashdebug/internal/memsim"
	"github.com/adamgreen/crashdebug/internal/regs"
)

func assert(t *testing.T, cond bool, format string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// framePacket wraps payload as $<payload>#<checksum> the way a real GDB
// client would, for injection into a Script's input buffer.
func framePacket(payload string) string {
	return fmt.Sprintf("$%s#%s", payload, checksumHex([]byte(payload)))
}

// clientSends frames payload as an incoming packet and pads the Script's
// input with trailing '+' bytes so every reply handle() sends in response
// has an ACK waiting for it; recvOnePacket's idle scan ignores surplus
// '+' bytes while looking for the next packet's '$'.
func clientSends(payload string) string {
	return framePacket(payload) + strings.Repeat("+", 16)
}

func newSessionWithInput(t *testing.T, input string) (*Session, *iostream.Script, *regs.Context, *memsim.Simulator) {
	t.Helper()
	ctx := regs.New()
	sim := memsim.New()
	sim.CreateRegion(0x20000000, 0x10000)
	script := iostream.NewScript([]byte(input))
	return New(ctx, sim, script), script, ctx, sim
}

func recvOne(t *testing.T, s *Session) string {
	t.Helper()
	p, err := s.recvPacket()
	assert(t, err == nil, "recvPacket failed: %v", err)
	return p
}

func TestPacketRoundTripAckOnGoodChecksum(t *testing.T) {
	s, script, _, _ := newSessionWithInput(t, framePacket("qSupported"))
	p := recvOne(t, s)
	assert(t, p == "qSupported", "got %q", p)
	assert(t, string(script.Sent) == "+", "expected ACK, got %q", script.Sent)
}

func TestPacketNaksOnBadChecksum(t *testing.T) {
	s, script, _, _ := newSessionWithInput(t, "$g#00"+framePacket("g"))
	p := recvOne(t, s)
	assert(t, p == "g", "got %q", p)
	assert(t, strings.HasPrefix(string(script.Sent), "-"), "expected leading NAK, got %q", script.Sent)
}

func TestCtrlCWhileIdleIsNoOp(t *testing.T) {
	s, _, _, _ := newSessionWithInput(t, "\x03"+framePacket("?"))
	p := recvOne(t, s)
	assert(t, p == "?", "got %q", p)
}

func TestSendPacketFramesAndAwaitsAck(t *testing.T) {
	s, script, _, _ := newSessionWithInput(t, "+")
	err := s.sendPacket("OK")
	assert(t, err == nil, "sendPacket failed: %v", err)
	want := framePacket("OK")
	assert(t, string(script.Sent) == want, "got %q want %q", script.Sent, want)
}

func TestSendPacketRetransmitsOnNak(t *testing.T) {
	s, script, _, _ := newSessionWithInput(t, "-+")
	err := s.sendPacket("OK")
	assert(t, err == nil, "sendPacket failed: %v", err)
	want := framePacket("OK") + framePacket("OK")
	assert(t, string(script.Sent) == want, "got %q want %q", script.Sent, want)
}

// TestScenario3QSupportedThenContinue checks that a qSupported request
// gets the capability string and a following 'c' gets a fresh stop
// reply, for a context halted on SIGTRAP (IPSR=12).
func TestScenario3QSupportedThenContinue(t *testing.T) {
	s, script, ctx, _ := newSessionWithInput(t, clientSends("qSupported:xmlRegisters=i386")+clientSends("c"))
	ctx.ExceptionPSR = 12

	p1 := recvOne(t, s)
	assert(t, strings.HasPrefix(p1, "qSupported"), "got %q", p1)
	assert(t, s.handle(p1) == nil, "handle qSupported failed")
	assert(t, strings.Contains(string(script.Sent), "qXfer:memory-map:read+"), "missing capability string: %q", script.Sent)

	script.Sent = nil
	p2 := recvOne(t, s)
	assert(t, p2 == "c", "got %q", p2)
	assert(t, s.handle(p2) == nil, "handle c failed")
	assert(t, strings.Contains(string(script.Sent), "T05"), "expected SIGTRAP T-response, got %q", script.Sent)
}

// TestScenario4ReadMemory checks that m<SP-4>,4 reads four bytes back
// from the simulated stack.
func TestScenario4ReadMemory(t *testing.T) {
	s, script, ctx, sim := newSessionWithInput(t, clientSends("m2000FFFC,4"))
	ctx.R[regs.SP] = 0x20010000
	assert(t, sim.Write32(0x2000FFFC, 0xDEADBEEF) == nil, "seed write failed")

	p := recvOne(t, s)
	assert(t, s.handle(p) == nil, "handle m failed")
	body := extractPayload(string(script.Sent))
	raw, err := hex.DecodeString(body)
	assert(t, err == nil, "bad hex reply: %q", body)
	assert(t, len(raw) == 4, "expected 4 bytes, got %d", len(raw))
	assert(t, leUint32(raw) == 0xDEADBEEF, "got %08x", leUint32(raw))
}

// TestScenario5WriteMemory checks that M<SP-4>,4:... writes four bytes
// into the simulated stack.
func TestScenario5WriteMemory(t *testing.T) {
	s, script, _, sim := newSessionWithInput(t, clientSends("M2000FFFC,4:efbeadde"))

	p := recvOne(t, s)
	assert(t, s.handle(p) == nil, "handle M failed")
	assert(t, extractPayload(string(script.Sent)) == "OK", "got %q", script.Sent)

	v, err := sim.Read32(0x2000FFFC)
	assert(t, err == nil, "read-back failed: %v", err)
	assert(t, v == 0xDEADBEEF, "got %08x", v)
}

// TestScenario6HardFaultForcedUnaligned checks that a HardFault with the
// Forced bit set and a Usage Fault Unaligned Access cause produces the
// matching console decode text ahead of the T-response.
func TestScenario6HardFaultForcedUnaligned(t *testing.T) {
	s, script, ctx, sim := newSessionWithInput(t, clientSends("?"))
	ctx.ExceptionPSR = 3 // HardFault
	assert(t, sim.CreateRegion(0xE0000000, 0x10000) == nil, "region create failed")
	assert(t, sim.Write32(hfsrAddr, 1<<30) == nil, "seed HFSR failed")     // Forced
	assert(t, sim.Write32(cfsrAddr, 1<<(16+8)) == nil, "seed CFSR failed") // UFSR Unaligned

	p := recvOne(t, s)
	assert(t, s.handle(p) == nil, "handle ? failed")
	out := decodeConsoleText(string(script.Sent))
	assert(t, strings.Contains(out, "**Hard Fault**"), "missing hard fault banner: %q", out)
	assert(t, strings.Contains(out, "Forced"), "missing Forced: %q", out)
	assert(t, strings.Contains(out, "Unaligned Access"), "missing Unaligned Access: %q", out)
}

func TestReadMemoryOutOfRangeReturnsE03(t *testing.T) {
	s, script, _, _ := newSessionWithInput(t, clientSends("m90000000,4"))
	p := recvOne(t, s)
	assert(t, s.handle(p) == nil, "handle m failed")
	assert(t, extractPayload(string(script.Sent)) == "E03", "got %q", script.Sent)
}

func TestSetBreakpointIsInertOK(t *testing.T) {
	s, script, ctx, _ := newSessionWithInput(t, clientSends("Z1,20000000,4"))
	before := ctx.R[regs.PC]

	p := recvOne(t, s)
	assert(t, s.handle(p) == nil, "handle Z failed")
	assert(t, extractPayload(string(script.Sent)) == "OK", "got %q", script.Sent)
	assert(t, ctx.R[regs.PC] == before, "PC should be unchanged by inert breakpoint")
}

func TestReadAllRegistersLengthReflectsFloatFlag(t *testing.T) {
	s, script, ctx, _ := newSessionWithInput(t, clientSends("g"))
	ctx.Flags |= regs.FlagFloatingPoint

	p := recvOne(t, s)
	assert(t, s.handle(p) == nil, "handle g failed")
	body := extractPayload(string(script.Sent))
	wantChars := 2 * (regs.NumIntegerRegisters + regs.NumFloatRegisters) * 4
	assert(t, len(body) == wantChars, "got %d chars, want %d", len(body), wantChars)
}

// extractPayload strips the $...#cc framing from a sent byte sequence that
// may also contain leading O-packets; it returns the payload of the LAST
// packet in the stream.
func extractPayload(sent string) string {
	idx := strings.LastIndex(sent, "$")
	if idx < 0 {
		return sent
	}
	rest := sent[idx+1:]
	end := strings.Index(rest, "#")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// decodeConsoleText concatenates and hex-decodes every O-packet payload
// found in sent, in order.
func decodeConsoleText(sent string) string {
	var out strings.Builder
	for _, part := range strings.Split(sent, "$") {
		body, _, found := strings.Cut(part, "#")
		if !found || !strings.HasPrefix(body, "O") {
			continue
		}
		raw, err := hex.DecodeString(body[1:])
		if err != nil {
			continue
		}
		out.Write(raw)
	}
	return out.String()
}

package rsp

import (
	"fmt"

	"github.com/adamgreen/crashdebug/internal/fault"
)

// packetState tracks where a byte falls in the RSP frame: idle (no byte
// yet received in the current packet), inPayload (between '$' and '#'),
// inChecksum (after '#', expecting two hex digits).
type packetState int

const (
	stateIdle packetState = iota
	stateInPayload
	stateInChecksum
)

// recvPacket reads one framed RSP packet ($<payload>#<checksum>) from the
// stream, verifying its checksum and ACKing or NAKing as it goes. Packets
// with a bad checksum and an idle Ctrl-C are consumed here without
// returning. An empty string with a nil error means an empty packet
// ("$#00") was received, and the caller should loop back to the top of Run.
func (s *Session) recvPacket() (string, error) {
	for {
		payload, ok, err := s.recvOnePacket()
		if err != nil {
			return "", err
		}
		if ok {
			return payload, nil
		}
	}
}

func (s *Session) recvOnePacket() (payload string, ok bool, err error) {
	state := stateIdle
	var buf []byte
	var checksumDigits []byte

	for {
		b, rerr := s.stream.RecvByte()
		if rerr != nil {
			return "", false, rerr
		}

		switch state {
		case stateIdle:
			switch b {
			case '$':
				state = stateInPayload
				buf = buf[:0]
			case 0x03:
				// Ctrl-C while idle: a no-op in post-mortem mode.
			}
		case stateInPayload:
			if b == '#' {
				state = stateInChecksum
				checksumDigits = checksumDigits[:0]
				continue
			}
			if len(buf) >= maxPacketSize {
				return "", false, fault.New(fault.BufferOverrun)
			}
			buf = append(buf, b)
		case stateInChecksum:
			checksumDigits = append(checksumDigits, b)
			if len(checksumDigits) < 2 {
				continue
			}
			given := string(checksumDigits)
			computed := checksumHex(buf)
			if given != computed {
				if err := s.stream.SendByte('-'); err != nil {
					return "", false, err
				}
				state = stateIdle
				continue
			}
			if !s.noAck {
				if err := s.stream.SendByte('+'); err != nil {
					return "", false, err
				}
			}
			return string(buf), true, nil
		}
	}
}

// sendPacket frames msg as $<msg>#<checksum>, sends it byte by byte, and
// (unless no-ack mode is negotiated) waits for a '+' ACK, retransmitting
// on '-'.
func (s *Session) sendPacket(msg string) error {
	frame := []byte(fmt.Sprintf("$%s#%s", msg, checksumHex([]byte(msg))))
	for {
		for _, b := range frame {
			if err := s.stream.SendByte(b); err != nil {
				return err
			}
		}
		if s.noAck {
			return nil
		}
		ack, err := s.stream.RecvByte()
		if err != nil {
			return err
		}
		if ack == '+' {
			return nil
		}
		// '-' or anything else: retransmit.
	}
}

// checksumHex is RSP's modulo-256 sum of the payload bytes, rendered as
// two lowercase hex digits.
func checksumHex(payload []byte) string {
	var sum uint8
	for _, b := range payload {
		sum += b
	}
	return fmt.Sprintf("%02x", sum)
}

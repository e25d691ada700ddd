// Package iostream implements the byte-stream interface: the narrow
// contract the RSP session consumes to talk to a debugger, plus a
// standard stdin/stdout implementation and a scripted implementation
// for tests.
package iostream

import (
	"bufio"
	"io"
)

// Stream is the five-operation contract consumed by internal/rsp.
type Stream interface {
	HasData() bool
	RecvByte() (byte, error)
	SendByte(byte) error
	ShouldStop() bool
	IsConnected() bool
}

// Std wraps a pair of byte-oriented I/O handles (normally process stdin
// and stdout) as a Stream. It never requests a stop on its own; the
// session keeps running until RecvByte returns an error.
type Std struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewStd builds a Std stream over r (read side) and w (write side).
func NewStd(r io.Reader, w io.Writer) *Std {
	return &Std{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

func (s *Std) HasData() bool {
	return s.r.Buffered() > 0
}

func (s *Std) RecvByte() (byte, error) {
	return s.r.ReadByte()
}

func (s *Std) SendByte(b byte) error {
	if err := s.w.WriteByte(b); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Std) ShouldStop() bool {
	return false
}

func (s *Std) IsConnected() bool {
	return true
}

// Script is a Stream backed by a fixed input byte sequence, recording
// every byte sent, for use in tests.
type Script struct {
	in       []byte
	pos      int
	Sent     []byte
	stop     bool
	connected bool
}

// NewScript returns a Script that yields the bytes of in and is connected
// until Disconnect is called.
func NewScript(in []byte) *Script {
	return &Script{in: in, connected: true}
}

func (s *Script) HasData() bool {
	return s.pos < len(s.in)
}

func (s *Script) RecvByte() (byte, error) {
	if s.pos >= len(s.in) {
		return 0, io.EOF
	}
	b := s.in[s.pos]
	s.pos++
	return b, nil
}

func (s *Script) SendByte(b byte) error {
	s.Sent = append(s.Sent, b)
	return nil
}

func (s *Script) ShouldStop() bool {
	return s.stop
}

func (s *Script) IsConnected() bool {
	return s.connected
}

// Stop marks the stream so the next ShouldStop() call returns true.
func (s *Script) Stop() {
	s.stop = true
}

// Disconnect marks the stream as no longer connected.
func (s *Script) Disconnect() {
	s.connected = false
}

package si

import (
	"fmt"
	"io"
	"time"
)

// Wire protocol bytes. These are fixed by the station firmware and must
// be reproduced bit-exact.
const (
	WAKEUP byte = 0xFF
	STX    byte = 0x02
	ETX    byte = 0x03
	ACK    byte = 0x06
	NAK    byte = 0x15
	DLE    byte = 0x10

	cmdSetMSMode     byte = 0xF0
	cmdGetSystemInfo byte = 0x83
	cmdGetCard5      byte = 0xB1
	cmdGetCard6      byte = 0xE1
	cmdGetCard8      byte = 0xEF

	cmdCard5Inserted byte = 0xE5
	cmdCard6Inserted byte = 0xE6
	cmdCard8Inserted byte = 0xE8
	cmdCardRemoved   byte = 0xE7

	msModeDirect byte = 0x4D // 'M'
)

const crcPoly = 0x8005

// ProtocolError marks a malformed or truncated frame (bad CRC, stray
// trailing bytes). The caller may re-probe; nothing in this package
// retries automatically.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "si: protocol error: " + e.Reason }

// crc16 computes the station's CCITT-style CRC over cmd+len+payload.
// The firmware consumes the input two bytes at a time; an odd trailing
// byte is padded with a zero low byte.
func crc16(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	acc := uint32(data[0])<<8 | uint32(data[1])
	if len(data) == 2 {
		return uint16(acc)
	}
	idx := 2
	for rem := len(data) >> 1; rem > 0; rem-- {
		var val uint32
		if rem > 1 {
			val = uint32(data[idx])<<8 | uint32(data[idx+1])
			idx += 2
		} else if len(data)%2 == 1 {
			val = uint32(data[idx]) << 8
		}
		for bit := 0; bit < 16; bit++ {
			if acc&0x8000 != 0 {
				acc <<= 1
				if val&0x8000 != 0 {
					acc++
				}
				acc ^= crcPoly
			} else {
				acc <<= 1
				if val&0x8000 != 0 {
					acc++
				}
			}
			val <<= 1
			acc &= 0xFFFF
		}
	}
	return uint16(acc)
}

// Frame is one parsed station message.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// IsNAK reports whether the station rejected the previous command.
func (f *Frame) IsNAK() bool { return f.Cmd == NAK }

// buildFrame assembles the on-wire form of a command.
//
// Extended: WAKEUP STX CMD LEN PAYLOAD CRC_HI CRC_LO ETX.
// Legacy:   WAKEUP STX CMD PAYLOAD ETX with DLE stuffing — a literal DLE
// or ETX inside the payload is prefixed with DLE and carries no CRC.
func buildFrame(cmd byte, payload []byte, extended bool) []byte {
	if extended {
		body := make([]byte, 0, 2+len(payload))
		body = append(body, cmd, byte(len(payload)))
		body = append(body, payload...)
		sum := crc16(body)
		out := make([]byte, 0, len(body)+5)
		out = append(out, WAKEUP, STX)
		out = append(out, body...)
		out = append(out, byte(sum>>8), byte(sum&0xFF), ETX)
		return out
	}
	out := make([]byte, 0, len(payload)+4)
	out = append(out, WAKEUP, STX, cmd)
	for _, b := range payload {
		if b == DLE || b == ETX {
			out = append(out, DLE)
		}
		out = append(out, b)
	}
	return append(out, ETX)
}

// Port is the raw byte transport under the framer. go.bug.st/serial's
// Port satisfies it; tests substitute a byte-fixture fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Conn frames commands onto a half-duplex serial link and parses replies.
//
// The station may emit unsolicited frames (card inserted/removed) while a
// command's reply is awaited; a fully-parsed frame whose command does not
// match the one being waited for is queued FIFO instead of discarded, and
// later reads drain the queue before touching the port.
type Conn struct {
	port    Port
	pending []*Frame
}

func newConn(port Port) *Conn { return &Conn{port: port} }

// WriteCommand sends one framed command.
func (c *Conn) WriteCommand(cmd byte, payload []byte, extended bool) error {
	if _, err := c.port.Write(buildFrame(cmd, payload, extended)); err != nil {
		return fmt.Errorf("si: write 0x%02X: %w", cmd, err)
	}
	return nil
}

// WriteACK acknowledges a completed card readout with a bare ACK byte.
func (c *Conn) WriteACK() error {
	if _, err := c.port.Write([]byte{ACK}); err != nil {
		return fmt.Errorf("si: write ACK: %w", err)
	}
	return nil
}

// ReadAny returns the next frame: a queued out-of-band frame if one is
// pending, otherwise the next frame parsed off the wire. Returns
// (nil, nil) when the timeout elapses with no complete frame.
func (c *Conn) ReadAny(timeout time.Duration) (*Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	return c.parseFrame(timeout)
}

// ReadCommand waits for a frame with the given command byte, queueing any
// other fully-parsed frames that arrive first. A NAK frame is returned
// directly since it terminates the exchange.
func (c *Conn) ReadCommand(cmd byte, timeout time.Duration) (*Frame, error) {
	for i, f := range c.pending {
		if f.Cmd == cmd {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f, nil
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		f, err := c.parseFrame(remain)
		if err != nil || f == nil {
			return f, err
		}
		if f.Cmd == cmd || f.IsNAK() {
			return f, nil
		}
		c.pending = append(c.pending, f)
	}
}

// parseFrame accumulates bytes until a complete frame or the timeout.
// No partial frame is ever returned; malformed trailing bytes surface as
// a ProtocolError and a timeout as (nil, nil).
func (c *Conn) parseFrame(timeout time.Duration) (*Frame, error) {
	deadline := time.Now().Add(timeout)

	// Hunt for STX, skipping wakeup bytes and line noise. A bare NAK seen
	// here is a complete (negative) reply on its own.
	for {
		b, ok, err := c.readByte(deadline)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if b == NAK {
			return &Frame{Cmd: NAK}, nil
		}
		if b == STX {
			break
		}
	}

	cmd, ok, err := c.readByte(deadline)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// Commands with the high bit set use the extended format with an
	// explicit length and CRC; the rest are legacy DLE-stuffed frames.
	if cmd&0x80 != 0 {
		return c.parseExtended(cmd, deadline)
	}
	return c.parseLegacy(cmd, deadline)
}

func (c *Conn) parseExtended(cmd byte, deadline time.Time) (*Frame, error) {
	length, ok, err := c.readByte(deadline)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	body := make([]byte, int(length)+3) // payload + crc16 + etx
	if ok, err := c.readFull(body, deadline); err != nil || !ok {
		return nil, err
	}
	payload := body[:length]
	wantCRC := uint16(body[length])<<8 | uint16(body[length+1])
	if body[length+2] != ETX {
		return nil, &ProtocolError{Reason: fmt.Sprintf("missing ETX after cmd 0x%02X", cmd)}
	}
	check := make([]byte, 0, int(length)+2)
	check = append(check, cmd, length)
	check = append(check, payload...)
	if got := crc16(check); got != wantCRC {
		return nil, &ProtocolError{Reason: fmt.Sprintf("crc mismatch on cmd 0x%02X: got 0x%04X want 0x%04X", cmd, got, wantCRC)}
	}
	return &Frame{Cmd: cmd, Payload: payload}, nil
}

func (c *Conn) parseLegacy(cmd byte, deadline time.Time) (*Frame, error) {
	var payload []byte
	for {
		b, ok, err := c.readByte(deadline)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		switch b {
		case DLE:
			// The byte after a DLE is always literal payload.
			esc, ok, err := c.readByte(deadline)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			payload = append(payload, esc)
		case ETX:
			return &Frame{Cmd: cmd, Payload: payload}, nil
		default:
			payload = append(payload, b)
		}
	}
}

// readByte reads a single byte before the deadline. ok=false means the
// deadline elapsed without data.
func (c *Conn) readByte(deadline time.Time) (byte, bool, error) {
	var buf [1]byte
	ok, err := c.readFull(buf[:], deadline)
	return buf[0], ok, err
}

// readFull fills buf before the deadline, looping over short reads the
// way the port's own read timeout slices them.
func (c *Conn) readFull(buf []byte, deadline time.Time) (bool, error) {
	got := 0
	for got < len(buf) {
		remain := time.Until(deadline)
		if remain <= 0 {
			return false, nil
		}
		if err := c.port.SetReadTimeout(remain); err != nil {
			return false, fmt.Errorf("si: set read timeout: %w", err)
		}
		n, err := c.port.Read(buf[got:])
		if err != nil && n == 0 {
			return false, fmt.Errorf("si: read after %d/%d bytes: %w", got, len(buf), err)
		}
		if n == 0 {
			return false, nil // port timeout
		}
		got += n
	}
	return true, nil
}

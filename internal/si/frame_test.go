package si

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fakePort serves preloaded bytes and records writes. An exhausted read
// buffer behaves like a serial timeout (n=0, no error).
type fakePort struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error)        { return p.out.Write(b) }
func (p *fakePort) Close() error                       { return nil }
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (p *fakePort) ResetInputBuffer() error            { return nil }

const testTimeout = 50 * time.Millisecond

func TestExtendedFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x4D},
		{0x00, 0x80},
		{0x01, 0x02, 0x03, 0x10, 0xFF, 0xEE},
		bytes.Repeat([]byte{0xAB}, 131),
	}
	for _, payload := range payloads {
		port := &fakePort{}
		port.in.Write(buildFrame(0x83, payload, true))
		c := newConn(port)

		f, err := c.ReadAny(testTimeout)
		if err != nil {
			t.Fatalf("parse of %d-byte payload: %v", len(payload), err)
		}
		if f == nil {
			t.Fatalf("parse of %d-byte payload returned no frame", len(payload))
		}
		if f.Cmd != 0x83 || !bytes.Equal(f.Payload, payload) {
			t.Fatalf("round trip mismatch: got cmd=0x%02X payload=% X", f.Cmd, f.Payload)
		}
	}
}

func TestExtendedFrameBadCRC(t *testing.T) {
	raw := buildFrame(0xB1, []byte{1, 2, 3, 4}, true)
	raw[5] ^= 0x40 // corrupt a payload byte

	port := &fakePort{}
	port.in.Write(raw)
	c := newConn(port)

	_, err := c.ReadAny(testTimeout)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError on corrupted frame, got %v", err)
	}
}

func TestLegacyFrameDLEStuffing(t *testing.T) {
	// Payload containing the framing bytes themselves must survive.
	payload := []byte{0x31, ETX, DLE, 0x00, DLE, ETX}
	raw := buildFrame(0x31, payload, false)

	port := &fakePort{}
	port.in.Write(raw)
	c := newConn(port)

	f, err := c.ReadAny(testTimeout)
	if err != nil || f == nil {
		t.Fatalf("legacy parse: frame=%v err=%v", f, err)
	}
	if f.Cmd != 0x31 || !bytes.Equal(f.Payload, payload) {
		t.Fatalf("legacy round trip mismatch: got % X", f.Payload)
	}
}

func TestBareNAK(t *testing.T) {
	port := &fakePort{}
	port.in.Write([]byte{NAK})
	c := newConn(port)

	f, err := c.ReadAny(testTimeout)
	if err != nil || f == nil {
		t.Fatalf("frame=%v err=%v", f, err)
	}
	if !f.IsNAK() {
		t.Fatalf("expected NAK frame, got cmd 0x%02X", f.Cmd)
	}
}

func TestParseTimeout(t *testing.T) {
	c := newConn(&fakePort{})
	f, err := c.ReadAny(testTimeout)
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if f != nil {
		t.Fatalf("timeout returned a frame: %+v", f)
	}
}

func TestPartialFrameNotReturned(t *testing.T) {
	raw := buildFrame(0x83, []byte{1, 2, 3}, true)
	port := &fakePort{}
	port.in.Write(raw[:len(raw)-2]) // truncate crc low byte and etx
	c := newConn(port)

	f, err := c.ReadAny(testTimeout)
	if err != nil {
		t.Fatalf("truncated frame should time out, got error %v", err)
	}
	if f != nil {
		t.Fatalf("partial frame was returned: %+v", f)
	}
}

func TestOutOfBandFrameQueued(t *testing.T) {
	port := &fakePort{}
	// A card-removed event sneaks in before the awaited system-info reply.
	port.in.Write(buildFrame(cmdCardRemoved, []byte{0x00, 0x01, 0x00, 0x00, 0x12, 0x34}, true))
	port.in.Write(buildFrame(cmdGetSystemInfo, []byte{0x00, 0x01, 0x00}, true))
	c := newConn(port)

	f, err := c.ReadCommand(cmdGetSystemInfo, testTimeout)
	if err != nil || f == nil {
		t.Fatalf("ReadCommand: frame=%v err=%v", f, err)
	}
	if f.Cmd != cmdGetSystemInfo {
		t.Fatalf("got cmd 0x%02X, want system info reply", f.Cmd)
	}

	// The unsolicited event must still be available, in FIFO order.
	queued, err := c.ReadAny(testTimeout)
	if err != nil || queued == nil {
		t.Fatalf("queued frame: frame=%v err=%v", queued, err)
	}
	if queued.Cmd != cmdCardRemoved {
		t.Fatalf("queued cmd 0x%02X, want card-removed", queued.Cmd)
	}
}

func TestReadCommandChecksQueueFirst(t *testing.T) {
	c := newConn(&fakePort{})
	c.pending = []*Frame{
		{Cmd: cmdCardRemoved},
		{Cmd: cmdGetCard6, Payload: []byte{9}},
	}

	f, err := c.ReadCommand(cmdGetCard6, testTimeout)
	if err != nil || f == nil {
		t.Fatalf("frame=%v err=%v", f, err)
	}
	if f.Cmd != cmdGetCard6 || len(c.pending) != 1 || c.pending[0].Cmd != cmdCardRemoved {
		t.Fatalf("queue not drained correctly: %+v pending=%d", f, len(c.pending))
	}
}

func TestCRCKnownPairs(t *testing.T) {
	// Two-byte input is returned verbatim per the station algorithm.
	if got := crc16([]byte{0x12, 0x34}); got != 0x1234 {
		t.Fatalf("crc16 of two bytes = 0x%04X, want 0x1234", got)
	}
	if got := crc16([]byte{0x01}); got != 0 {
		t.Fatalf("crc16 of short input = 0x%04X, want 0", got)
	}
	// The direct-mode handshake body has a fixed, well-known checksum.
	if got := crc16([]byte{0xF0, 0x01, 0x4D}); got != 0x6D0A {
		t.Fatalf("crc16(F0 01 4D) = 0x%04X, want 0x6D0A", got)
	}
	// A trailing zero byte is absorbed by the implicit zero-word padding.
	a := crc16([]byte{0x83, 0x02, 0x00, 0x80})
	b := crc16([]byte{0x83, 0x02, 0x00, 0x80, 0x00})
	if a != 0xBF17 || b != 0xBF17 {
		t.Fatalf("crc16 padding values: 0x%04X 0x%04X, want 0xBF17", a, b)
	}
}

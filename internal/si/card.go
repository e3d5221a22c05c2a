package si

import (
	"fmt"
	"time"
)

// CardType identifies one of the five card memory generations.
type CardType int

const (
	Card5 CardType = 5
	Card6 CardType = 6
	Card8 CardType = 8
	Card9 CardType = 9 // also SIAC / pCard, distinguished by the series nibble
)

func (t CardType) String() string {
	switch t {
	case Card5:
		return "SI5"
	case Card6:
		return "SI6"
	case Card8:
		return "SI8"
	case Card9:
		return "SI9/SIAC"
	}
	return fmt.Sprintf("card(%d)", int(t))
}

// PunchRaw is a single decoded control punch in physical card order.
// Duplicates are preserved; deduplication is the scorer's business.
type PunchRaw struct {
	Code int  `json:"code"` // 1..255
	Time Time `json:"time"`
}

// CardReadout is the normalized outcome of one card insertion. It is
// created fresh per insertion, owned by the station until handed to the
// evaluation pipeline, and never mutated afterwards.
type CardReadout struct {
	Type    CardType   `json:"cardType"`
	Number  uint32     `json:"cardNumber"`
	Check   *Time      `json:"checkTime,omitempty"`
	Start   *Time      `json:"startTime,omitempty"`
	Finish  *Time      `json:"finishTime,omitempty"`
	Punches []PunchRaw `json:"punches"`
}

// DecodeError marks a card whose memory image could not be interpreted.
// It aborts the current readout only; the station stays connected and the
// runner re-presents the card.
type DecodeError struct {
	Card   CardType
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("si: decode %s: %s", e.Card, e.Reason)
}

const (
	card5BlockSize = 136
	blockSize      = 128
	punchSentinel  = 0xEEEEEEEE
	noTime12       = 0xEEEE

	// Cards numbered at or above this are the 8-block generation.
	highMemoryThreshold = 7_000_000
)

// cardDecoder is one card-generation strategy, selected once from the
// card-type byte of the insert event. fetch pulls the raw blocks off the
// station; decode is pure and interprets fixed byte offsets.
type cardDecoder interface {
	cardType() CardType
	fetch(c *Conn, timeout time.Duration) ([]byte, error)
	decode(data []byte) (*CardReadout, error)
}

func decoderFor(insertCmd byte) (cardDecoder, bool) {
	switch insertCmd {
	case cmdCard5Inserted:
		return card5Decoder{}, true
	case cmdCard6Inserted:
		return card6Decoder{}, true
	case cmdCard8Inserted:
		return card8Decoder{}, true
	}
	return nil, false
}

// fetchBlock requests one memory block and strips the reply envelope:
// stationCode(2) | blockNumber(1) | data.
func fetchBlock(c *Conn, cmd byte, block byte, dataLen int, timeout time.Duration) ([]byte, error) {
	if err := c.WriteCommand(cmd, []byte{block}, true); err != nil {
		return nil, err
	}
	f, err := c.ReadCommand(cmd, timeout)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("timeout waiting for block %d reply", block)}
	}
	if f.IsNAK() {
		return nil, &ProtocolError{Reason: fmt.Sprintf("station NAKed block %d request", block)}
	}
	if len(f.Payload) != 3+dataLen {
		return nil, &ProtocolError{Reason: fmt.Sprintf("block %d reply is %d bytes, want %d", block, len(f.Payload), 3+dataLen)}
	}
	return f.Payload[3:], nil
}

// decodePunch interprets the shared 4-byte punch record:
//
//	byte 0: bit0 half-day flag, bits1-3 day-of-week, bits4-5 week,
//	        bits6-7 control-code high bits
//	byte 1: control-code low byte
//	bytes 2-3: second of half-day, big-endian
//
// The literal 0xEEEEEEEE sentinel means "no punch" (ok=false). A decoded
// second count past the day boundary fails this punch only.
func decodePunch(b []byte) (PunchRaw, bool, error) {
	raw := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if raw == punchSentinel {
		return PunchRaw{}, false, nil
	}
	ptd := b[0]
	code := int(b[1]) | int(ptd>>6)<<8
	sec := int(b[2])<<8 | int(b[3])
	if ptd&0x01 != 0 {
		sec += secondsPerHalfDay
	}
	if sec >= secondsPerDay {
		return PunchRaw{}, false, fmt.Errorf("punch time %d out of range", sec)
	}
	return PunchRaw{
		Code: code,
		Time: Time{
			SecondOfDay: sec,
			DayOfWeek:   int(ptd>>1) & 0x07,
			Week:        int(ptd>>4) & 0x03,
		},
	}, true, nil
}

// decodeSpecialPunch reads a mandatory check/start/finish record. Any
// unparsable special punch aborts the whole card; a sentinel means the
// runner never visited that station (nil time).
func decodeSpecialPunch(card CardType, name string, b []byte) (*Time, error) {
	p, ok, err := decodePunch(b)
	if err != nil {
		return nil, &DecodeError{Card: card, Reason: name + " punch: " + err.Error()}
	}
	if !ok {
		return nil, nil
	}
	t := p.Time
	return &t, nil
}

// ---------------------------------------------------------------------------
// Legacy low-memory card (SI5)
// ---------------------------------------------------------------------------

// card5Decoder reads the single 136-byte block of the oldest generation.
// Its firmware stores bare 12-hour seconds with no day or week context,
// so the caller must run AdjustReadout over the result.
type card5Decoder struct{}

func (card5Decoder) cardType() CardType { return Card5 }

func (card5Decoder) fetch(c *Conn, timeout time.Duration) ([]byte, error) {
	if err := c.WriteCommand(cmdGetCard5, nil, true); err != nil {
		return nil, err
	}
	f, err := c.ReadCommand(cmdGetCard5, timeout)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &ProtocolError{Reason: "timeout waiting for SI5 block"}
	}
	if f.IsNAK() {
		return nil, &ProtocolError{Reason: "station NAKed SI5 read"}
	}
	if len(f.Payload) != 2+card5BlockSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("SI5 reply is %d bytes, want %d", len(f.Payload), 2+card5BlockSize)}
	}
	return f.Payload[2:], nil
}

func (card5Decoder) decode(b []byte) (*CardReadout, error) {
	if len(b) != card5BlockSize {
		return nil, &DecodeError{Card: Card5, Reason: fmt.Sprintf("block is %d bytes, want %d", len(b), card5BlockSize)}
	}

	// Card number spans three bytes with a generation-disambiguation rule
	// on the series byte.
	series := b[6]
	low := uint32(b[4])<<8 | uint32(b[5])
	var number uint32
	switch {
	case series <= 1:
		number = low
	case series < 5:
		number = uint32(series)*100_000 + low
	default:
		number = uint32(series)<<16 | low
	}

	r := &CardReadout{Type: Card5, Number: number}
	r.Start = time12At(b, 19)
	r.Finish = time12At(b, 21)
	r.Check = time12At(b, 25)

	count := int(b[23])
	for i := 0; i < count; i++ {
		if i >= 30 {
			// The inline punch area holds 30 records; anything past it is
			// recorded as a zero-valued placeholder.
			r.Punches = append(r.Punches, PunchRaw{})
			continue
		}
		off := 32 + (i/5)*16 + 1 + 3*(i%5)
		code := int(b[off])
		sec := int(b[off+1])<<8 | int(b[off+2])
		if sec == noTime12 {
			sec = 0
		}
		if sec >= secondsPerDay {
			return nil, &DecodeError{Card: Card5, Reason: fmt.Sprintf("punch %d time %d out of range", i, sec)}
		}
		r.Punches = append(r.Punches, PunchRaw{Code: code, Time: Time{SecondOfDay: sec}})
	}
	return r, nil
}

// time12At reads a bare 12-hour second count, big-endian. 0xEEEE = unset.
func time12At(b []byte, off int) *Time {
	sec := int(b[off])<<8 | int(b[off+1])
	if sec == noTime12 {
		return nil
	}
	return &Time{SecondOfDay: sec}
}

// ---------------------------------------------------------------------------
// Mid-memory card (SI6)
// ---------------------------------------------------------------------------

// card6Decoder reads up to seven 128-byte blocks in the fixed order
// 0,6,7,2,3,4,5 — the order that makes punch memory contiguous right
// after the header block. A block ending in an all-0xEE trailer means no
// further punches exist and the remaining requests are skipped.
type card6Decoder struct{}

func (card6Decoder) cardType() CardType { return Card6 }

var card6BlockOrder = []byte{0, 6, 7, 2, 3, 4, 5}

func (card6Decoder) fetch(c *Conn, timeout time.Duration) ([]byte, error) {
	data := make([]byte, 0, len(card6BlockOrder)*blockSize)
	for _, blk := range card6BlockOrder {
		b, err := fetchBlock(c, cmdGetCard6, blk, blockSize, timeout)
		if err != nil {
			return nil, err
		}
		data = append(data, b...)
		if trailerEmpty(b) {
			break
		}
	}
	return data, nil
}

func trailerEmpty(block []byte) bool {
	for _, b := range block[len(block)-4:] {
		if b != 0xEE {
			return false
		}
	}
	return true
}

func (card6Decoder) decode(b []byte) (*CardReadout, error) {
	if len(b) < blockSize {
		return nil, &DecodeError{Card: Card6, Reason: fmt.Sprintf("header block is %d bytes, want %d", len(b), blockSize)}
	}
	r := &CardReadout{
		Type:   Card6,
		Number: uint32(b[11])<<16 | uint32(b[12])<<8 | uint32(b[13]),
	}
	var err error
	if r.Finish, err = decodeSpecialPunch(Card6, "finish", b[22:26]); err != nil {
		return nil, err
	}
	if r.Start, err = decodeSpecialPunch(Card6, "start", b[26:30]); err != nil {
		return nil, err
	}
	if r.Check, err = decodeSpecialPunch(Card6, "check", b[30:34]); err != nil {
		return nil, err
	}

	count := int(b[18])
	if count > 192 {
		count = 192
	}
	for i := 0; i < count; i++ {
		off := blockSize + 4*i
		if off+4 > len(b) {
			break
		}
		p, ok, perr := decodePunch(b[off : off+4])
		if perr != nil || !ok {
			continue
		}
		r.Punches = append(r.Punches, p)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// High-memory cards (SI8, SI9, pCard, SI10/11/SIAC)
// ---------------------------------------------------------------------------

// card8Decoder handles the newest generations, which share one insert
// event and one read command. Block 0 is always requested first; the card
// number decides whether one or seven more blocks follow, and the series
// nibble selects the punch-table layout.
type card8Decoder struct{}

func (card8Decoder) cardType() CardType { return Card8 }

// punch-table geometry per series nibble
type cardSeries struct {
	name   string
	base   int // first punch offset in the concatenated image
	maxRec int
}

var cardSeriesTable = map[byte]cardSeries{
	0x01: {name: "SI9", base: 56, maxRec: 50},
	0x02: {name: "SI8", base: 136, maxRec: 30},
	0x04: {name: "pCard", base: 176, maxRec: 20},
	0x0F: {name: "SI10/SIAC", base: 512, maxRec: 128},
}

func (card8Decoder) fetch(c *Conn, timeout time.Duration) ([]byte, error) {
	block0, err := fetchBlock(c, cmdGetCard8, 0, blockSize, timeout)
	if err != nil {
		return nil, err
	}
	number := uint32(block0[25])<<16 | uint32(block0[26])<<8 | uint32(block0[27])

	blocks := []byte{1}
	if number >= highMemoryThreshold {
		blocks = []byte{1, 2, 3, 4, 5, 6, 7}
	}
	data := make([]byte, 0, (1+len(blocks))*blockSize)
	data = append(data, block0...)
	for _, blk := range blocks {
		b, err := fetchBlock(c, cmdGetCard8, blk, blockSize, timeout)
		if err != nil {
			return nil, err
		}
		data = append(data, b...)
	}
	return data, nil
}

func (card8Decoder) decode(b []byte) (*CardReadout, error) {
	if len(b) < 2*blockSize {
		return nil, &DecodeError{Card: Card8, Reason: fmt.Sprintf("image is %d bytes, want at least %d", len(b), 2*blockSize)}
	}
	series, ok := cardSeriesTable[b[24]&0x0F]
	if !ok {
		return nil, &DecodeError{Card: Card8, Reason: fmt.Sprintf("unknown card series 0x%X", b[24]&0x0F)}
	}

	typ := Card8
	if series.base != 136 {
		typ = Card9
	}
	r := &CardReadout{
		Type:   typ,
		Number: uint32(b[25])<<16 | uint32(b[26])<<8 | uint32(b[27]),
	}
	var err error
	if r.Check, err = decodeSpecialPunch(typ, "check", b[8:12]); err != nil {
		return nil, err
	}
	if r.Start, err = decodeSpecialPunch(typ, "start", b[12:16]); err != nil {
		return nil, err
	}
	if r.Finish, err = decodeSpecialPunch(typ, "finish", b[16:20]); err != nil {
		return nil, err
	}

	count := int(b[22])
	if count > series.maxRec {
		count = series.maxRec
	}
	for i := 0; i < count; i++ {
		off := series.base + 4*i
		if off+4 > len(b) {
			break
		}
		p, ok, perr := decodePunch(b[off : off+4])
		if perr != nil || !ok {
			continue
		}
		r.Punches = append(r.Punches, p)
	}
	return r, nil
}

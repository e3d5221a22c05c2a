package si

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// State is the readout state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReading
	StateCardRead
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReading:
		return "reading"
	case StateCardRead:
		return "card_read"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Status is the observable reader state pushed to subscribers. Purely
// informational: there is no backpressure on the observer side.
type Status struct {
	State      State  `json:"state"`
	StationID  uint32 `json:"stationId,omitempty"`
	CardID     uint32 `json:"cardId,omitempty"`
	LastCardID uint32 `json:"lastCardId,omitempty"`
}

// MarshalText lets the state render as its name in JSON status frames.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reader is the interface the polling loop drives. Station talks to real
// hardware; DemoStation fabricates readouts for development.
type Reader interface {
	// Name returns the human-readable name of this reader backend.
	Name() string
	// Connect opens the transport and probes the station.
	Connect() error
	// Close shuts the transport down.
	Close() error
	// ReadCard blocks (bounded by the read/write timeout) for one card
	// presentation. (nil, nil) means no card appeared this poll.
	ReadCard() (*CardReadout, error)
	// Status returns the last published reader status.
	Status() Status
	// OnStatus registers a status observer callback.
	OnStatus(fn func(Status))
}

const (
	baudPreferred = 38400
	baudFallback  = 4800

	// READ_WRITE_TIMEOUT bounding every command/response round-trip.
	readWriteTimeout = 2 * time.Second

	sysInfoAddr = 0x00
	sysInfoLen  = 0x80
	// offsets into the system-info memory image
	sysOffSerialNo = 0x00 // 4 bytes, big-endian
	sysOffProtocol = 0x74 // bit0: extended protocol supported
)

// StationConfig holds connection configuration for a readout station.
type StationConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"` // 0 = negotiate 38400 then 4800
}

// Station drives a SportIdent-compatible readout station over serial.
//
// The polling loop is the only caller; the transport handle is never
// touched from more than one goroutine, and at most one card readout is
// in flight at a time.
type Station struct {
	portPath  string
	baudRate  int
	mu        sync.Mutex
	port      Port
	conn      *Conn
	extended  bool
	stationID uint32
	connected bool

	statusMu  sync.Mutex
	status    Status
	observers []func(Status)
}

// NewStation creates a station reader for the given serial port.
func NewStation(cfg StationConfig) *Station {
	return &Station{portPath: cfg.PortPath, baudRate: cfg.BaudRate}
}

func (st *Station) Name() string { return "SportIdent station" }

// Connect opens the serial port and probes the station, preferring the
// high baud rate and falling back to the low one. Probe failure leaves
// the port closed and the state disconnected.
func (st *Station) Connect() error {
	rates := []int{baudPreferred, baudFallback}
	if st.baudRate != 0 {
		rates = []int{st.baudRate}
	}

	var lastErr error
	for _, rate := range rates {
		port, err := openSerial(st.portPath, rate)
		if err != nil {
			lastErr = err
			continue
		}
		conn := newConn(port)
		if err := st.probe(conn); err != nil {
			log.Printf("[station] probe at %d baud failed: %v", rate, err)
			port.Close()
			lastErr = err
			continue
		}
		st.mu.Lock()
		st.port = port
		st.conn = conn
		st.connected = true
		st.mu.Unlock()
		log.Printf("[station] connected to %s at %d baud (serial=%d extended=%v)",
			st.portPath, rate, st.stationID, st.extended)
		st.publish(Status{State: StateConnected, StationID: st.stationID})
		return nil
	}
	st.publish(Status{State: StateDisconnected})
	if lastErr == nil {
		lastErr = fmt.Errorf("si: no baud rate configured")
	}
	return fmt.Errorf("si: station probe on %s failed: %w", st.portPath, lastErr)
}

func openSerial(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("si: open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readWriteTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("si: set timeout: %w", err)
	}
	return port, nil
}

// probe performs the two round-trips that establish communication: a
// direct-mode handshake and a system-info read that reveals the station
// serial number and whether the extended protocol is enabled.
func (st *Station) probe(c *Conn) error {
	c.port.ResetInputBuffer()

	if err := c.WriteCommand(cmdSetMSMode, []byte{msModeDirect}, true); err != nil {
		return err
	}
	f, err := c.ReadCommand(cmdSetMSMode, readWriteTimeout)
	if err != nil {
		return err
	}
	if f == nil {
		return &ProtocolError{Reason: "no reply to direct-mode handshake"}
	}
	if f.IsNAK() {
		return &ProtocolError{Reason: "station NAKed direct-mode handshake"}
	}

	if err := c.WriteCommand(cmdGetSystemInfo, []byte{sysInfoAddr, sysInfoLen}, true); err != nil {
		return err
	}
	f, err = c.ReadCommand(cmdGetSystemInfo, readWriteTimeout)
	if err != nil {
		return err
	}
	if f == nil {
		return &ProtocolError{Reason: "no reply to system info request"}
	}
	if f.IsNAK() {
		return &ProtocolError{Reason: "station NAKed system info request"}
	}
	// Reply payload: stationCode(2) | addr(1) | memory image.
	info := f.Payload
	if len(info) < 3+sysOffProtocol+1 {
		return &ProtocolError{Reason: fmt.Sprintf("system info reply is %d bytes", len(info))}
	}
	mem := info[3:]
	st.stationID = uint32(mem[sysOffSerialNo])<<24 | uint32(mem[sysOffSerialNo+1])<<16 |
		uint32(mem[sysOffSerialNo+2])<<8 | uint32(mem[sysOffSerialNo+3])
	st.extended = mem[sysOffProtocol]&0x01 != 0
	return nil
}

func (st *Station) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connected = false
	st.publish(Status{State: StateDisconnected})
	if st.port != nil {
		err := st.port.Close()
		st.port = nil
		st.conn = nil
		return err
	}
	return nil
}

// ReadCard waits one bounded interval for a card insertion and, when one
// arrives, runs the full readout: dispatch to the card-generation
// decoder, fetch blocks, decode, acknowledge. A card-removed event seen
// while waiting is logged and ignored. A decode failure skips the ACK so
// the station keeps beeping and the runner re-presents the card; nothing
// here retries automatically.
func (st *Station) ReadCard() (*CardReadout, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.connected || st.conn == nil {
		return nil, fmt.Errorf("si: not connected")
	}

	f, err := st.conn.ReadAny(readWriteTimeout)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil // no card this poll
	}

	switch f.Cmd {
	case cmdCardRemoved:
		log.Printf("[station] card removed")
		return nil, nil
	case cmdCard5Inserted, cmdCard6Inserted, cmdCard8Inserted:
		return st.readInserted(f)
	default:
		log.Printf("[station] ignoring unsolicited cmd 0x%02X (%d bytes)", f.Cmd, len(f.Payload))
		return nil, nil
	}
}

func (st *Station) readInserted(insert *Frame) (*CardReadout, error) {
	// Insert event payload: stationCode(2) | cardNumber(4).
	var insertedID uint32
	if len(insert.Payload) >= 6 {
		insertedID = uint32(insert.Payload[2])<<24 | uint32(insert.Payload[3])<<16 |
			uint32(insert.Payload[4])<<8 | uint32(insert.Payload[5])
	}
	dec, ok := decoderFor(insert.Cmd)
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown insert event 0x%02X", insert.Cmd)}
	}

	st.publish(Status{State: StateReading, StationID: st.stationID, CardID: insertedID})
	log.Printf("[station] card inserted: type=%s id=%d", dec.cardType(), insertedID)

	data, err := dec.fetch(st.conn, readWriteTimeout)
	if err != nil {
		st.publish(Status{State: StateError, StationID: st.stationID, LastCardID: insertedID})
		return nil, err
	}
	readout, err := dec.decode(data)
	if err != nil {
		st.publish(Status{State: StateError, StationID: st.stationID, LastCardID: insertedID})
		return nil, err
	}

	if err := st.conn.WriteACK(); err != nil {
		log.Printf("[station] ack write failed: %v", err)
	}
	st.publish(Status{State: StateCardRead, StationID: st.stationID, LastCardID: readout.Number})
	log.Printf("[station] card read: %s #%d, %d punches", readout.Type, readout.Number, len(readout.Punches))

	// Back to connected, ready for the next card.
	st.publish(Status{State: StateConnected, StationID: st.stationID, LastCardID: readout.Number})
	return readout, nil
}

func (st *Station) Status() Status {
	st.statusMu.Lock()
	defer st.statusMu.Unlock()
	return st.status
}

// OnStatus registers an observer. Callbacks run on the polling goroutine
// and must not block.
func (st *Station) OnStatus(fn func(Status)) {
	st.statusMu.Lock()
	defer st.statusMu.Unlock()
	st.observers = append(st.observers, fn)
}

func (st *Station) publish(s Status) {
	st.statusMu.Lock()
	st.status = s
	obs := st.observers
	st.statusMu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

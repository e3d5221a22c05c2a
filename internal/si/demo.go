package si

import (
	"math/rand"
	"sync"
	"time"
)

// DemoStation fabricates card readouts for development and testing: no
// hardware, every few polls a simulated competitor finishes a course.
type DemoStation struct {
	mu        sync.Mutex
	running   bool
	polls     int
	nextCard  uint32
	codes     []int
	statusMu  sync.Mutex
	status    Status
	observers []func(Status)
}

// NewDemoStation creates a simulated reader punching the given course
// codes (a sensible default course is used when none are given).
func NewDemoStation(codes []int) *DemoStation {
	if len(codes) == 0 {
		codes = []int{31, 32, 33, 34, 35}
	}
	return &DemoStation{nextCard: 8_000_000 + uint32(rand.Intn(10_000)), codes: codes}
}

func (d *DemoStation) Name() string { return "Demo (Simulated)" }

func (d *DemoStation) Connect() error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	d.publish(Status{State: StateConnected, StationID: 999999})
	return nil
}

func (d *DemoStation) Close() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.publish(Status{State: StateDisconnected})
	return nil
}

// ReadCard emits a synthetic readout roughly every fifth poll.
func (d *DemoStation) ReadCard() (*CardReadout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil, nil
	}
	d.polls++
	if d.polls%5 != 0 {
		return nil, nil
	}

	card := d.nextCard
	d.nextCard++

	now := time.Now()
	daySec := now.Hour()*3600 + now.Minute()*60 + now.Second()
	day := int(now.Weekday())
	start := Time{SecondOfDay: daySec - 3600 - rand.Intn(600), DayOfWeek: day}
	if start.SecondOfDay < 0 {
		start.SecondOfDay = 0
	}

	d.publish(Status{State: StateReading, StationID: 999999, CardID: card})

	r := &CardReadout{Type: Card9, Number: card, Start: &start}
	t := start
	for _, code := range d.codes {
		t = t.AddSeconds(300 + rand.Intn(300))
		r.Punches = append(r.Punches, PunchRaw{Code: code, Time: t})
	}
	finish := t.AddSeconds(120 + rand.Intn(120))
	r.Finish = &finish

	d.publish(Status{State: StateCardRead, StationID: 999999, LastCardID: card})
	d.publish(Status{State: StateConnected, StationID: 999999, LastCardID: card})
	return r, nil
}

func (d *DemoStation) Status() Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

func (d *DemoStation) OnStatus(fn func(Status)) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *DemoStation) publish(s Status) {
	d.statusMu.Lock()
	d.status = s
	obs := d.observers
	d.statusMu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

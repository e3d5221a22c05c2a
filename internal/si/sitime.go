package si

import "time"

// Time is a SportIdent hardware timestamp: a second-of-day plus a
// day-of-week index (0=Sunday) and a week counter. Stations only keep a
// few bits of calendar context, so two readings are ordered purely by
// their total second count.
type Time struct {
	SecondOfDay int `json:"secondOfDay"` // 0..86399
	DayOfWeek   int `json:"dayOfWeek"`   // 0..6, 0=Sunday
	Week        int `json:"week"`
}

const (
	secondsPerDay     = 86400
	secondsPerHalfDay = 43200
	secondsPerWeek    = 7 * secondsPerDay
)

// TotalSeconds is the comparison key for ordering two timestamps.
// Equal totals mean "no order" — callers must fall back to punch sequence.
func (t Time) TotalSeconds() int {
	return t.Week*secondsPerWeek + t.DayOfWeek*secondsPerDay + t.SecondOfDay
}

// Before reports whether t is strictly earlier than u.
func (t Time) Before(u Time) bool { return t.TotalSeconds() < u.TotalSeconds() }

// Equal reports whether t and u denote the same second.
func (t Time) Equal(u Time) bool { return t.TotalSeconds() == u.TotalSeconds() }

// AddSeconds returns t shifted forward by s seconds, re-deriving the
// day-of-week and week indices after any rollover.
func (t Time) AddSeconds(s int) Time {
	return timeFromTotal(t.TotalSeconds() + s)
}

func timeFromTotal(total int) Time {
	if total < 0 {
		total = 0
	}
	return Time{
		Week:        total / secondsPerWeek,
		DayOfWeek:   (total % secondsPerWeek) / secondsPerDay,
		SecondOfDay: total % secondsPerDay,
	}
}

// Split returns the duration from a to b. Once a punch sequence has been
// through Adjust the sequential splits are always >= 0.
func Split(a, b Time) time.Duration {
	return time.Duration(b.TotalSeconds()-a.TotalSeconds()) * time.Second
}

// Adjust resolves the 12-hour ambiguity of a legacy-card reading against
// its predecessor. The current reading first inherits the predecessor's
// day and week, then rolls forward by 12h or 24h until it is no longer
// before the predecessor. The result is non-decreasing by construction;
// it matches wall clock only when consecutive punches are less than ~12h
// apart, which is a limitation of the card hardware, not of this rule.
func Adjust(prev, cur Time) Time {
	c := Time{SecondOfDay: cur.SecondOfDay, DayOfWeek: prev.DayOfWeek, Week: prev.Week}
	if c.TotalSeconds() >= prev.TotalSeconds() {
		return c
	}
	if cand := c.AddSeconds(secondsPerHalfDay); cand.TotalSeconds() >= prev.TotalSeconds() {
		return cand
	}
	return c.AddSeconds(secondsPerDay)
}

// AdjustReadout makes a legacy-card readout monotonic relative to base,
// the race's nominal day start. Applied pairwise start -> punches -> finish.
// Cards that store day/week context do not need this pass.
func AdjustReadout(base Time, r *CardReadout) {
	prev := base
	if r.Start != nil {
		t := Adjust(prev, *r.Start)
		r.Start = &t
		prev = t
	}
	for i := range r.Punches {
		r.Punches[i].Time = Adjust(prev, r.Punches[i].Time)
		prev = r.Punches[i].Time
	}
	if r.Finish != nil {
		t := Adjust(prev, *r.Finish)
		r.Finish = &t
	}
}

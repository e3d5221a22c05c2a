// Package race holds the competition domain: categories, competitors,
// control-point definitions and the punch scoring engine.
package race

import (
	"time"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
)

// Type selects the scoring grammar and validation rules of a category.
type Type string

const (
	Classic      Type = "classic"
	Short        Type = "short"
	Foxoring     Type = "foxoring"
	Sprint       Type = "sprint"
	Orienteering Type = "orienteering"
)

// Valid reports whether t is a known race type.
func (t Type) Valid() bool {
	switch t {
	case Classic, Short, Foxoring, Sprint, Orienteering:
		return true
	}
	return false
}

// classicFamily groups the point-to-point types sharing one rule set.
func (t Type) classicFamily() bool {
	return t == Classic || t == Short || t == Foxoring
}

// ControlPointKind distinguishes scoring controls from the structural
// markers of the sprint grammar.
type ControlPointKind int

const (
	KindControl ControlPointKind = iota
	KindBeacon
	KindSeparator
)

func (k ControlPointKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindBeacon:
		return "beacon"
	case KindSeparator:
		return "separator"
	}
	return "unknown"
}

// ControlPoint is one element of a category's course definition. Order is
// 1-based and contiguous.
type ControlPoint struct {
	Code  int              `json:"code"` // 1..255
	Kind  ControlPointKind `json:"kind"`
	Order int              `json:"order"`
}

// Category is a competition class: one course definition, one race type,
// one time limit.
type Category struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	RaceType      Type          `json:"raceType"`
	ControlSpec   string        `json:"controlSpec"` // persisted verbatim alongside its parsed form
	ControlPoints []ControlPoint `json:"controlPoints,omitempty"`
	TimeLimit     time.Duration `json:"timeLimit"`
}

// Competitor is one entrant, keyed to a card by number.
type Competitor struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	CardNumber uint32   `json:"cardNumber"`
	CategoryID int64    `json:"categoryId"`
	DrawnStart *si.Time `json:"drawnStart,omitempty"`
}

// PunchStatus is the evaluation verdict for one punch.
type PunchStatus string

const (
	PunchValid     PunchStatus = "valid"
	PunchInvalid   PunchStatus = "invalid"
	PunchDuplicate PunchStatus = "duplicate"
	PunchUnknown   PunchStatus = "unknown"
)

// Punch is a raw card punch plus its evaluation state. The evaluation
// engine mutates Status and Split in place; decoding never does.
type Punch struct {
	Code   int           `json:"code"`
	Time   si.Time       `json:"time"`
	Status PunchStatus   `json:"status"`
	Split  time.Duration `json:"split"`
}

// ResultStatus classifies a scored run.
type ResultStatus string

const (
	StatusOK            ResultStatus = "ok"
	StatusNoRanking     ResultStatus = "no_ranking"
	StatusMispunched    ResultStatus = "mispunched"
	StatusDisqualified  ResultStatus = "disqualified"
	StatusOverTimeLimit ResultStatus = "over_time_limit"
	StatusDidNotStart   ResultStatus = "did_not_start"
	StatusDidNotFinish  ResultStatus = "did_not_finish"
	StatusError         ResultStatus = "error"
)

// Result is the scored outcome of one readout or manual entry. Status
// stays consistent with the latest evaluation unless a manual override is
// in force (AutomaticStatus=false), in which case re-evaluation refreshes
// points and times but never the status.
type Result struct {
	ID              int64         `json:"id"`
	CompetitorID    int64         `json:"competitorId"`
	CardNumber      uint32        `json:"cardNumber"`
	Points          int           `json:"points"`
	Status          ResultStatus  `json:"status"`
	AutomaticStatus bool          `json:"automaticStatus"`
	RunTime         time.Duration `json:"runTime"`
	StartTime       *si.Time      `json:"startTime,omitempty"`
	FinishTime      *si.Time      `json:"finishTime,omitempty"`
}

// PunchesFromReadout converts decoded raw punches into evaluable punches.
func PunchesFromReadout(r *si.CardReadout) []Punch {
	punches := make([]Punch, 0, len(r.Punches))
	for _, p := range r.Punches {
		punches = append(punches, Punch{Code: p.Code, Time: p.Time, Status: PunchUnknown})
	}
	return punches
}

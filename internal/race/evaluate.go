package race

import (
	"time"

	"github.com/kolskypavel/Radio-O-Manager-sub000/internal/si"
)

// Evaluate scores a punch list against a category's course definition,
// mutating punch statuses and splits in place and refreshing the result's
// points, run time and status.
//
// The pass is idempotent: re-running it from the last persisted state
// yields the same outcome. When a manual status override is in force
// (AutomaticStatus=false) points, splits and run time are still
// recomputed but the status is left alone until the override is cleared.
func Evaluate(res *Result, punches []Punch, cps []ControlPoint, rt Type) {
	var points int
	switch {
	case rt == Orienteering:
		points = evaluateOrienteering(punches, cps)
	case rt == Sprint:
		points = evaluateSprint(punches, cps)
	default:
		points = evaluateLoop(punches, cps)
	}
	res.Points = points

	computeSplits(res, punches)
	if res.StartTime != nil && res.FinishTime != nil {
		res.RunTime = si.Split(*res.StartTime, *res.FinishTime)
	} else {
		res.RunTime = 0
	}

	if !res.AutomaticStatus {
		return
	}
	res.Status = automaticStatus(res, punches, cps, rt)
}

func automaticStatus(res *Result, punches []Punch, cps []ControlPoint, rt Type) ResultStatus {
	// A readout without both end markers cannot be ranked at all.
	if res.StartTime == nil || res.FinishTime == nil {
		return StatusError
	}
	var status ResultStatus
	switch {
	case rt == Orienteering:
		if res.Points == len(cps) {
			status = StatusOK
		} else {
			status = StatusMispunched
		}
	default:
		if res.Points > 1 {
			status = StatusOK
		} else {
			status = StatusNoRanking
		}
	}
	return status
}

// ApplyTimeLimit downgrades an otherwise ranked result that ran over the
// category limit. Runs after the per-type scorer; a zero limit disables
// the check.
func ApplyTimeLimit(res *Result, limit time.Duration) {
	if !res.AutomaticStatus || limit <= 0 {
		return
	}
	if res.RunTime > limit {
		res.Status = StatusOverTimeLimit
	}
}

// computeSplits assigns each punch the duration since the previous punch
// (or since the start for the first one).
func computeSplits(res *Result, punches []Punch) {
	var prev *si.Time
	if res.StartTime != nil {
		prev = res.StartTime
	}
	for i := range punches {
		if prev != nil {
			punches[i].Split = si.Split(*prev, punches[i].Time)
		} else {
			punches[i].Split = 0
		}
		t := punches[i].Time
		prev = &t
	}
}

// evaluateLoop is the classic-family scorer: every unclaimed control code
// scores once, the beacon scores only as the final punch, repeats of a
// claimed code are duplicates and foreign codes unknown.
func evaluateLoop(punches []Punch, cps []ControlPoint) int {
	beaconCode := 0
	codes := make(map[int]bool, len(cps))
	for _, cp := range cps {
		if cp.Kind == KindBeacon {
			beaconCode = cp.Code
			continue
		}
		codes[cp.Code] = true
	}

	taken := make(map[int]bool, len(cps))
	points := 0
	for i := range punches {
		p := &punches[i]
		switch {
		case p.Code == beaconCode && beaconCode != 0:
			if i == len(punches)-1 {
				p.Status = PunchValid
				points++
			} else {
				p.Status = PunchInvalid
			}
		case codes[p.Code] && !taken[p.Code]:
			taken[p.Code] = true
			p.Status = PunchValid
			points++
		case codes[p.Code]:
			p.Status = PunchDuplicate
		default:
			p.Status = PunchUnknown
		}
	}
	return points
}

// evaluateSprint cuts the course into loops at separator boundaries and
// scores each loop independently: punches are assigned to a loop by
// walking forward until that loop's separator code is punched. The
// separator punch itself is valid but never scores.
func evaluateSprint(punches []Punch, cps []ControlPoint) int {
	loops, closers := SplitLoops(cps)

	points := 0
	pos := 0
	for li, loop := range loops {
		closer := closers[li]
		end := len(punches)
		if closer != 0 {
			for j := pos; j < len(punches); j++ {
				if punches[j].Code == closer {
					end = j
					break
				}
			}
		}
		points += evaluateLoop(punches[pos:end], loop)
		pos = end
		if closer != 0 && pos < len(punches) {
			punches[pos].Status = PunchValid // the separator punch scores one point
			points++
			pos++
		}
	}
	return points
}

// evaluateOrienteering requires strict course order: a punch scores only
// when it matches the next expected control. A foreign punch is invalid
// but does not advance the expectation, so later correct controls still
// count.
func evaluateOrienteering(punches []Punch, cps []ControlPoint) int {
	idx := 0
	points := 0
	for i := range punches {
		p := &punches[i]
		if idx < len(cps) && p.Code == cps[idx].Code {
			p.Status = PunchValid
			idx++
			points++
		} else {
			p.Status = PunchInvalid
		}
	}
	return points
}

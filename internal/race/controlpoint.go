package race

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports a control-point specification violation. It
// always names the offending token so the caller can echo it back; the
// first violation aborts validation.
type ValidationError struct {
	Token  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("control point %q: %s", e.Token, e.Reason)
}

func badToken(token, reason string) error {
	return &ValidationError{Token: token, Reason: reason}
}

// ParseControlPoints parses a whitespace-separated control specification
// into an ordered, validated list. Each token is <digits>[B|!]: trailing
// B marks a beacon, trailing ! a separator, bare digits a plain control.
// An empty string yields an empty list. Validation is race-type-specific
// and runs only after the full list has been tokenized.
func ParseControlPoints(spec string, rt Type) ([]ControlPoint, error) {
	fields := strings.Fields(spec)
	cps := make([]ControlPoint, 0, len(fields))
	for i, token := range fields {
		cp, err := parseToken(token)
		if err != nil {
			return nil, err
		}
		cp.Order = i + 1
		cps = append(cps, cp)
	}
	if err := validate(cps, rt); err != nil {
		return nil, err
	}
	return cps, nil
}

func parseToken(token string) (ControlPoint, error) {
	kind := KindControl
	digits := token
	switch {
	case strings.HasSuffix(token, "B"):
		kind = KindBeacon
		digits = token[:len(token)-1]
	case strings.HasSuffix(token, "!"):
		kind = KindSeparator
		digits = token[:len(token)-1]
	}
	code, err := strconv.Atoi(digits)
	if err != nil {
		return ControlPoint{}, badToken(token, "not a control code")
	}
	if code < 1 || code > 255 {
		return ControlPoint{}, badToken(token, "code out of range 1..255")
	}
	return ControlPoint{Code: code, Kind: kind}, nil
}

// RenderControlPoints is the inverse of ParseControlPoints: the rendered
// string re-parses to an equal list.
func RenderControlPoints(cps []ControlPoint) string {
	var b strings.Builder
	for i, cp := range cps {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(cp.Code))
		switch cp.Kind {
		case KindBeacon:
			b.WriteByte('B')
		case KindSeparator:
			b.WriteByte('!')
		}
	}
	return b.String()
}

func tokenOf(cp ControlPoint) string {
	switch cp.Kind {
	case KindBeacon:
		return strconv.Itoa(cp.Code) + "B"
	case KindSeparator:
		return strconv.Itoa(cp.Code) + "!"
	}
	return strconv.Itoa(cp.Code)
}

func validate(cps []ControlPoint, rt Type) error {
	switch {
	case rt == Orienteering:
		return validateOrienteering(cps)
	case rt == Sprint:
		return validateSprint(cps)
	case rt.classicFamily():
		return validateClassic(cps)
	}
	return fmt.Errorf("race: unknown race type %q", rt)
}

// validateOrienteering allows only plain controls and forbids immediate
// repeats.
func validateOrienteering(cps []ControlPoint) error {
	for i, cp := range cps {
		if cp.Kind != KindControl {
			return badToken(tokenOf(cp), "only plain controls are allowed in orienteering")
		}
		if i > 0 && cps[i-1].Code == cp.Code {
			return badToken(tokenOf(cp), "consecutive duplicate control")
		}
	}
	return nil
}

// validateClassic covers the classic/short/foxoring family: no
// separators, a beacon only in last position, and no duplicate code
// anywhere (the beacon's code included).
func validateClassic(cps []ControlPoint) error {
	seen := make(map[int]bool, len(cps))
	for i, cp := range cps {
		switch cp.Kind {
		case KindSeparator:
			return badToken(tokenOf(cp), "separators are not allowed in this race type")
		case KindBeacon:
			if i != len(cps)-1 {
				return badToken(tokenOf(cp), "beacon must be the last control point")
			}
		}
		if seen[cp.Code] {
			return badToken(tokenOf(cp), "duplicate control code")
		}
		seen[cp.Code] = true
	}
	return nil
}

// validateSprint checks loop-scoped rules. A loop is the span between
// separators (or the list boundaries). Within a loop no code repeats and
// no two consecutive codes are equal. A beacon must be last and must not
// reuse any code from any prior loop. A separator may repeat an earlier
// separator code, but must not reuse a code already punched as a plain
// control in a previous loop, and the reverse holds too: once a code has
// closed a loop it cannot come back as a plain control.
func validateSprint(cps []ControlPoint) error {
	inLoop := make(map[int]bool)        // codes in the current loop
	controlsBefore := make(map[int]bool) // plain-control codes in closed loops
	separatorsBefore := make(map[int]bool)
	allBefore := make(map[int]bool) // every code seen in prior loops

	for i, cp := range cps {
		switch cp.Kind {
		case KindSeparator:
			if controlsBefore[cp.Code] {
				return badToken(tokenOf(cp), "separator reuses a control code from a previous loop")
			}
			// Close the current loop.
			for code := range inLoop {
				controlsBefore[code] = true
				allBefore[code] = true
			}
			inLoop = make(map[int]bool)
			separatorsBefore[cp.Code] = true
			allBefore[cp.Code] = true

		case KindBeacon:
			if i != len(cps)-1 {
				return badToken(tokenOf(cp), "beacon must be the last control point")
			}
			if inLoop[cp.Code] || allBefore[cp.Code] {
				return badToken(tokenOf(cp), "beacon duplicates an earlier control code")
			}

		case KindControl:
			if i > 0 && cps[i-1].Kind == KindControl && cps[i-1].Code == cp.Code {
				return badToken(tokenOf(cp), "consecutive duplicate control")
			}
			if inLoop[cp.Code] {
				return badToken(tokenOf(cp), "duplicate control code within one loop")
			}
			if separatorsBefore[cp.Code] {
				return badToken(tokenOf(cp), "control reuses an earlier separator code")
			}
			inLoop[cp.Code] = true
		}
	}
	return nil
}

// SplitLoops partitions a sprint course at its separators. Each loop
// slice excludes the separator itself; the separator code that closes
// loop k is returned alongside it (0 for the final, unterminated loop).
func SplitLoops(cps []ControlPoint) (loops [][]ControlPoint, closers []int) {
	var cur []ControlPoint
	for _, cp := range cps {
		if cp.Kind == KindSeparator {
			loops = append(loops, cur)
			closers = append(closers, cp.Code)
			cur = nil
			continue
		}
		cur = append(cur, cp)
	}
	loops = append(loops, cur)
	closers = append(closers, 0)
	return loops, closers
}

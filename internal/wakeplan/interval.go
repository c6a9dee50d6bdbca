package wakeplan

import (
	"errors"
	"fmt"
	"time"
)

// Interval is a closed date range [Start, End] belonging to a change event.
type Interval struct {
	ID    uint
	Name  string
	Start time.Time
	End   time.Time
}

func (i Interval) Valid() bool { return !i.End.Before(i.Start) }

func within(t time.Time, i Interval) bool {
	return !t.Before(i.Start) && !t.After(i.End)
}

// Overlaps reports whether a and b share at least one instant. Boundaries
// are inclusive: events ending on the day another starts overlap.
func Overlaps(a, b Interval) bool {
	return within(a.Start, b) || within(a.End, b) || within(b.Start, a)
}

var ErrDegenerateInterval = errors.New("The end date cannot be before the start date")

// OverlapError names the event (and plan, when known) a candidate collides with.
type OverlapError struct {
	Event string
	Plan  string
}

func (e *OverlapError) Error() string {
	if e.Plan == "" {
		return fmt.Sprintf("The chosen dates would cause overlap with event %s", e.Event)
	}
	return fmt.Sprintf("The chosen dates would cause overlap with event %s in plan %s", e.Event, e.Plan)
}

// ValidateCandidate checks c against existing in iteration order and reports
// the first conflict. Entries sharing c's non-zero ID are skipped.
func ValidateCandidate(c Interval, existing []Interval) error {
	if !c.Valid() {
		return ErrDegenerateInterval
	}
	for _, e := range existing {
		if c.ID != 0 && e.ID == c.ID {
			continue
		}
		if Overlaps(c, e) {
			return &OverlapError{Event: e.Name}
		}
	}
	return nil
}

// PlanEvents is the event list of one plan that uses the candidate event.
type PlanEvents struct {
	Plan   string
	Events []Interval
}

// ValidateAcrossPlans runs ValidateCandidate against each plan in order.
func ValidateAcrossPlans(c Interval, plans []PlanEvents) error {
	if !c.Valid() {
		return ErrDegenerateInterval
	}
	for _, p := range plans {
		if err := ValidateCandidate(c, p.Events); err != nil {
			var oe *OverlapError
			if errors.As(err, &oe) {
				oe.Plan = p.Plan
			}
			return err
		}
	}
	return nil
}

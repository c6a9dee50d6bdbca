package wakeplan

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sleep states accepted by rtcwake on the endpoints.
const (
	SleepStandby = "standby"
	SleepFreeze  = "freeze"
	SleepMem     = "mem"
	SleepDisk    = "disk"
	SleepOff     = "off"
)

var SleepStates = []string{SleepStandby, SleepFreeze, SleepMem, SleepDisk, SleepOff}

func ValidSleepState(s string) bool {
	for _, v := range SleepStates {
		if v == s {
			return true
		}
	}
	return false
}

var Weekdays = [7]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// Day holds on/off times as "HH:MM"; both are empty when not set.
type Day struct {
	Open bool
	On   string
	Off  string
}

func (d Day) String() string {
	if !d.Open || d.On == "" || d.Off == "" {
		return "closed"
	}
	return d.On + "-" + d.Off
}

type Week [7]Day

// CheckPairs returns the names of days where only one of on/off is set.
func (w Week) CheckPairs() []string {
	var bad []string
	for i, d := range w {
		if (d.On == "") != (d.Off == "") {
			bad = append(bad, Weekdays[i])
		}
	}
	return bad
}

// EventWindow is a change event as sent to the endpoints.
type EventWindow struct {
	ID        uint
	Name      string
	Start     time.Time
	End       time.Time
	Closed    bool
	TimeStart string
	TimeEnd   string
}

func (e EventWindow) String() string {
	hours := "closed"
	if !e.Closed && e.TimeStart != "" && e.TimeEnd != "" {
		hours = e.TimeStart + "-" + e.TimeEnd
	}
	return fmt.Sprintf("%s,%s,%s", e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly), hours)
}

// Schedule is the effective settings of a plan. Two schedules with the same
// settings produce the same SET arguments.
type Schedule struct {
	SleepState string
	Week       Week
	Events     []EventWindow
}

// Arguments is the positional argument list of the set script:
// sleep state, Monday..Sunday, then the events that have not yet ended.
func (s Schedule) Arguments(today time.Time) []string {
	args := make([]string, 0, 9)
	state := s.SleepState
	if state == "" {
		state = SleepOff
	}
	args = append(args, state)
	for _, d := range s.Week {
		args = append(args, d.String())
	}

	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	evs := make([]EventWindow, 0, len(s.Events))
	for _, e := range s.Events {
		end := time.Date(e.End.Year(), e.End.Month(), e.End.Day(), 0, 0, 0, 0, time.UTC)
		if end.Before(day) {
			continue
		}
		evs = append(evs, e)
	}
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Start.Equal(evs[j].Start) {
			return evs[i].Start.Before(evs[j].Start)
		}
		return evs[i].ID < evs[j].ID
	})
	parts := make([]string, 0, len(evs))
	for _, e := range evs {
		parts = append(parts, e.String())
	}
	return append(args, strings.Join(parts, "|"))
}

func (s Schedule) EventIDs() IDSet {
	out := make(IDSet, len(s.Events))
	for _, e := range s.Events {
		out.Add(e.ID)
	}
	return out
}

// SettingsChanged reports whether endpoints following pre need the post
// schedule pushed. On/off times only count for days open after the change.
func SettingsChanged(pre, post Schedule) bool {
	if pre.SleepState != post.SleepState {
		return true
	}
	for i := range post.Week {
		a, b := pre.Week[i], post.Week[i]
		if a.Open != b.Open {
			return true
		}
		if b.Open && (a.On != b.On || a.Off != b.Off) {
			return true
		}
	}
	return !pre.EventIDs().Equal(post.EventIDs())
}

// EventWindowChanged reports whether an event edit alters what endpoints run.
func EventWindowChanged(pre, post EventWindow) bool {
	return !pre.Start.Equal(post.Start) || !pre.End.Equal(post.End) ||
		pre.TimeStart != post.TimeStart || pre.TimeEnd != post.TimeEnd ||
		pre.Closed != post.Closed
}

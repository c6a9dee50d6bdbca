package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Base is gorm.Model with JSON names.
type Base struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ClockString renders a time column as HH:MM, empty when unset.
func ClockString(t *datatypes.Time) string {
	if t == nil {
		return ""
	}
	d := time.Duration(*t)
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// ParseClock reads HH:MM or HH:MM:SS. An empty string is a nil time.
func ParseClock(s string) (*datatypes.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = time.TimeOnly
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	v := datatypes.NewTime(t.Hour(), t.Minute(), t.Second(), 0)
	return &v, nil
}

// ParseDate reads YYYY-MM-DD.
func ParseDate(s string) (datatypes.Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return datatypes.Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return datatypes.Date(t), nil
}

// DateOf strips the clock and zone so dates compare by calendar day.
func DateOf(d datatypes.Date) time.Time {
	y, m, day := time.Time(d).Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

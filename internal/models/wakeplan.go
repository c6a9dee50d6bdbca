package models

import "gorm.io/datatypes"

// WeekDay is one day of a plan's weekly schedule.
type WeekDay struct {
	Open bool            `json:"open"`
	On   *datatypes.Time `json:"on"`
	Off  *datatypes.Time `json:"off"`
}

type WakeWeekPlan struct {
	Base
	Name       string            `json:"name"`
	SiteID     uint              `gorm:"index" json:"site_id"`
	Enabled    bool              `json:"enabled"`
	SleepState string            `gorm:"size:16;default:off" json:"sleep_state"`
	Monday     WeekDay           `gorm:"embedded;embeddedPrefix:monday_" json:"monday"`
	Tuesday    WeekDay           `gorm:"embedded;embeddedPrefix:tuesday_" json:"tuesday"`
	Wednesday  WeekDay           `gorm:"embedded;embeddedPrefix:wednesday_" json:"wednesday"`
	Thursday   WeekDay           `gorm:"embedded;embeddedPrefix:thursday_" json:"thursday"`
	Friday     WeekDay           `gorm:"embedded;embeddedPrefix:friday_" json:"friday"`
	Saturday   WeekDay           `gorm:"embedded;embeddedPrefix:saturday_" json:"saturday"`
	Sunday     WeekDay           `gorm:"embedded;embeddedPrefix:sunday_" json:"sunday"`
	Events     []WakeChangeEvent `gorm:"many2many:wake_week_plan_events" json:"events,omitempty"`
	Groups     []PCGroup         `gorm:"foreignKey:WakeWeekPlanID" json:"groups,omitempty"`
}

// Days returns pointers to the weekdays, Monday first.
func (p *WakeWeekPlan) Days() [7]*WeekDay {
	return [7]*WeekDay{&p.Monday, &p.Tuesday, &p.Wednesday, &p.Thursday, &p.Friday, &p.Saturday, &p.Sunday}
}

const (
	EventAlteredHours = "ALTERED_HOURS"
	EventClosed       = "CLOSED"
)

type WakeChangeEvent struct {
	Base
	Name      string          `json:"name"`
	SiteID    uint            `gorm:"index" json:"site_id"`
	Type      string          `gorm:"size:16;default:CLOSED" json:"type"`
	DateStart datatypes.Date  `json:"date_start"`
	DateEnd   datatypes.Date  `json:"date_end"`
	TimeStart *datatypes.Time `json:"time_start"`
	TimeEnd   *datatypes.Time `json:"time_end"`
	Plans     []WakeWeekPlan  `gorm:"many2many:wake_week_plan_events" json:"-"`
}

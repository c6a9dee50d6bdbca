package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	LevelCritical = "CRITICAL"
	LevelHigh     = "HIGH"
	LevelNormal   = "NORMAL"
	LevelLow      = "LOW"
)

const (
	EventNew      = "NEW"
	EventAssigned = "ASSIGNED"
	EventResolved = "RESOLVED"
)

type SecurityProblem struct {
	Base
	Name        string    `json:"name"`
	UID         string    `gorm:"column:uid;size:64;index" json:"uid"`
	SiteID      uint      `gorm:"index" json:"site_id"`
	Level       string    `gorm:"size:16;default:HIGH" json:"level"`
	Description string    `json:"description"`
	ScriptID    *uint     `json:"script_id"`
	AlertUsers  []User    `gorm:"many2many:security_problem_alert_users" json:"alert_users,omitempty"`
	AlertGroups []PCGroup `gorm:"many2many:security_problem_alert_groups" json:"alert_groups,omitempty"`
}

type SecurityEvent struct {
	Base
	ProblemID      uint             `gorm:"index" json:"problem_id"`
	Problem        *SecurityProblem `json:"problem,omitempty"`
	PCID           uint             `gorm:"column:pc_id;index" json:"pc_id"`
	PC             *PC              `json:"pc,omitempty"`
	OccurredTime   time.Time        `gorm:"index" json:"occurred_time"`
	ReportedTime   time.Time        `json:"reported_time"`
	Summary        string           `json:"summary"`
	Status         string           `gorm:"size:16;default:NEW" json:"status"`
	AssignedUserID *uint            `json:"assigned_user_id"`
	AssignedUser   *User            `json:"assigned_user,omitempty"`
	Note           string           `json:"note"`
	Facts          datatypes.JSON   `json:"facts"`
}

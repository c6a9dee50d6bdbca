package models

import (
	"strings"
	"time"
	"unicode"
)

type PC struct {
	Base
	UID         string     `gorm:"column:uid;uniqueIndex;size:64" json:"uid"`
	Name        string     `json:"name"`
	SiteID      uint       `gorm:"index" json:"site_id"`
	IsActivated bool       `json:"is_activated"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	AgentKey    string     `gorm:"size:64;index" json:"-"`
	Groups      []PCGroup  `gorm:"many2many:pc_group_members" json:"groups,omitempty"`
}

// ValidPCName reports whether name is non-blank and free of control
// characters. PC names end up in mail headers.
func ValidPCName(name string) bool {
	return strings.TrimSpace(name) != "" && strings.IndexFunc(name, unicode.IsControl) < 0
}

type PCGroup struct {
	Base
	Name           string             `gorm:"size:255" json:"name"`
	Description    string             `json:"description"`
	SiteID         uint               `gorm:"index" json:"site_id"`
	WakeWeekPlanID *uint              `gorm:"index" json:"wake_week_plan_id"`
	WakeWeekPlan   *WakeWeekPlan      `json:"wake_week_plan,omitempty"`
	PCs            []PC               `gorm:"many2many:pc_group_members" json:"pcs,omitempty"`
	Supervisors    []User             `gorm:"many2many:group_supervisors" json:"supervisors,omitempty"`
	Policy         []AssociatedScript `gorm:"foreignKey:GroupID" json:"policy,omitempty"`
}

func (g PCGroup) PlanID() uint {
	if g.WakeWeekPlanID == nil {
		return 0
	}
	return *g.WakeWeekPlanID
}

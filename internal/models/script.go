package models

import (
	"time"

	"gorm.io/datatypes"
)

// Input value types.
const (
	InputString   = "STRING"
	InputInt      = "INT"
	InputBoolean  = "BOOLEAN"
	InputDate     = "DATE"
	InputTime     = "TIME"
	InputPassword = "PASSWORD"
	InputList     = "LIST"
)

type Script struct {
	Base
	UID              string        `gorm:"column:uid;size:64;index" json:"uid"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	SiteID           *uint         `gorm:"index" json:"site_id"` // nil for global scripts
	IsHidden         bool          `json:"is_hidden"`
	IsSecurityScript bool          `json:"is_security_script"`
	FeatureUID       string        `gorm:"size:64" json:"feature_uid,omitempty"`
	Executable       string        `json:"-"`
	Inputs           []ScriptInput `gorm:"foreignKey:ScriptID" json:"inputs,omitempty"`
}

type ScriptInput struct {
	Base
	ScriptID     uint   `gorm:"index" json:"script_id"`
	Name         string `json:"name"`
	Position     int    `json:"position"`
	ValueType    string `gorm:"size:16" json:"value_type"`
	Mandatory    bool   `json:"mandatory"`
	DefaultValue string `json:"default_value"`
}

// AssociatedScript is one ordered entry of a group's policy.
type AssociatedScript struct {
	Base
	GroupID    uint                        `gorm:"index" json:"group_id"`
	ScriptID   uint                        `gorm:"index" json:"script_id"`
	Script     *Script                     `json:"script,omitempty"`
	Position   int                         `json:"position"`
	Parameters []AssociatedScriptParameter `gorm:"foreignKey:AssociatedScriptID" json:"parameters,omitempty"`
}

type AssociatedScriptParameter struct {
	Base
	AssociatedScriptID uint   `gorm:"index" json:"associated_script_id"`
	InputID            uint   `json:"input_id"`
	Value              string `json:"value"`
}

const (
	JobNew       = "NEW"
	JobSubmitted = "SUBMITTED"
	JobRunning   = "RUNNING"
	JobFailed    = "FAILED"
	JobDone      = "DONE"
)

type Batch struct {
	Base
	SiteID   uint           `gorm:"index" json:"site_id"`
	ScriptID uint           `gorm:"index" json:"script_id"`
	Script   *Script        `json:"script,omitempty"`
	Name     string         `json:"name"`
	UserID   *uint          `json:"user_id"`
	Args     datatypes.JSON `json:"args"`
	Jobs     []Job          `gorm:"foreignKey:BatchID" json:"jobs,omitempty"`
}

type Job struct {
	Base
	BatchID  uint       `gorm:"index" json:"batch_id"`
	Batch    *Batch     `json:"batch,omitempty"`
	PCID     uint       `gorm:"column:pc_id;index" json:"pc_id"`
	PC       *PC        `json:"pc,omitempty"`
	UserID   *uint      `json:"user_id"`
	Status   string     `gorm:"size:16;index;default:NEW" json:"status"`
	Log      string     `json:"log"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

func (j Job) IsFinished() bool { return j.Status == JobDone || j.Status == JobFailed }

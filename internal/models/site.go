package models

// Feature UIDs checked by the services.
const (
	FeatureWakePlan = "wake_plan"
)

type Customer struct {
	Base
	Name               string              `json:"name"`
	FeaturePermissions []FeaturePermission `gorm:"many2many:customer_features" json:"feature_permissions,omitempty"`
}

func (c Customer) HasFeature(uid string) bool {
	for _, f := range c.FeaturePermissions {
		if f.UID == uid {
			return true
		}
	}
	return false
}

type FeaturePermission struct {
	Base
	UID  string `gorm:"column:uid;uniqueIndex;size:64" json:"uid"`
	Name string `json:"name"`
}

type Site struct {
	Base
	UID                string    `gorm:"column:uid;uniqueIndex;size:64" json:"uid"`
	Name               string    `json:"name"`
	CustomerID         uint      `gorm:"index" json:"customer_id"`
	Customer           *Customer `json:"customer,omitempty"`
	RerunPolicyScripts bool      `gorm:"column:rerun_asc" json:"rerun_policy_scripts"`
}

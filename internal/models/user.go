package models

type User struct {
	Base
	Username     string           `gorm:"uniqueIndex;size:150" json:"username"`
	Email        string           `json:"email"`
	PasswordHash string           `json:"-"`
	IsSuperuser  bool             `json:"is_superuser"`
	Language     string           `gorm:"size:8;default:da" json:"language"`
	Memberships  []SiteMembership `gorm:"foreignKey:UserID" json:"memberships,omitempty"`
}

type SiteMembership struct {
	Base
	UserID uint `gorm:"uniqueIndex:ux_membership_user_site" json:"user_id"`
	SiteID uint `gorm:"uniqueIndex:ux_membership_user_site" json:"site_id"`
	Type   int  `json:"type"`
}

package models

import "time"

type Changelog struct {
	Base
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Content     string             `json:"content"`
	Author      string             `json:"author"`
	Version     string             `json:"version"`
	Published   bool               `gorm:"index" json:"published"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	Tags        []ChangelogTag     `gorm:"many2many:changelog_tag_links" json:"tags,omitempty"`
	Comments    []ChangelogComment `gorm:"foreignKey:ChangelogID" json:"comments,omitempty"`
}

type ChangelogTag struct {
	Base
	Name string `gorm:"uniqueIndex;size:64" json:"name"`
}

type ChangelogComment struct {
	Base
	ChangelogID uint   `gorm:"index" json:"changelog_id"`
	ParentID    *uint  `json:"parent_id"`
	UserID      uint   `json:"user_id"`
	Author      string `json:"author"`
	Content     string `json:"content"`
}

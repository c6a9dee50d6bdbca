// Package repo holds the gorm implementations of stores consumed by the
// transport packages.
package repo

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"kioskadmin/internal/agent"
	"kioskadmin/internal/models"
)

type PCStore struct {
	db *gorm.DB
}

func NewPCStore(db *gorm.DB) *PCStore {
	return &PCStore{db: db}
}

func fields(m models.PC) agent.PCFields {
	f := agent.PCFields{
		ID:          m.ID,
		UID:         m.UID,
		Key:         m.AgentKey,
		Name:        strings.TrimSpace(m.Name),
		SiteID:      m.SiteID,
		IsActivated: m.IsActivated,
	}
	if m.LastSeen != nil {
		f.LastSeen = *m.LastSeen
	}
	return f
}

// Register creates the PC on the site, or renames and moves it when uid
// is already known. New PCs wait for activation by a site user.
func (s *PCStore) Register(siteUID, uid, name string, at time.Time) (agent.PCFields, bool, error) {
	var (
		out   agent.PCFields
		isNew bool
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var site models.Site
		if err := tx.Where("uid = ?", siteUID).First(&site).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return agent.ErrUnknownSite
			}
			return err
		}
		var m models.PC
		err := gorm.ErrRecordNotFound
		if uid = strings.TrimSpace(uid); uid != "" {
			err = tx.Where("uid = ?", uid).First(&m).Error
		}
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			isNew = true
			if uid == "" {
				uid = uuid.NewString()
			}
			m = models.PC{UID: uid, Name: name, SiteID: site.ID, AgentKey: uuid.NewString(), LastSeen: &at}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if name != "" {
				m.Name = name
			}
			if m.SiteID != site.ID {
				m.SiteID = site.ID
				m.IsActivated = false
			}
			m.LastSeen = &at
			if err := tx.Omit("Groups").Save(&m).Error; err != nil {
				return err
			}
		}
		out = fields(m)
		return nil
	})
	return out, isNew, err
}

func (s *PCStore) FindByUID(uid string) (agent.PCFields, bool) {
	var m models.PC
	if err := s.db.Where("uid = ?", uid).First(&m).Error; err != nil {
		return agent.PCFields{}, false
	}
	return fields(m), true
}

func (s *PCStore) Touch(uid string, at time.Time) error {
	return s.db.Model(&models.PC{}).Where("uid = ?", uid).Update("last_seen", at).Error
}

func (s *PCStore) TakeJobs(pcID uint) ([]agent.JobFields, error) {
	var out []agent.JobFields
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rows []models.Job
		err := tx.Preload("Batch.Script").
			Where("pc_id = ? AND status = ?", pcID, models.JobNew).
			Order("id").Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return err
		}
		ids := make([]uint, 0, len(rows))
		for _, j := range rows {
			ids = append(ids, j.ID)
			f := agent.JobFields{ID: j.ID, Status: models.JobSubmitted}
			if j.Batch != nil {
				if len(j.Batch.Args) > 0 {
					if err := json.Unmarshal(j.Batch.Args, &f.Args); err != nil {
						return err
					}
				}
				if j.Batch.Script != nil {
					f.Script, f.Executable = j.Batch.Script.Name, j.Batch.Script.Executable
				}
			}
			out = append(out, f)
		}
		return tx.Model(&models.Job{}).Where("id IN ? AND status = ?", ids, models.JobNew).
			Update("status", models.JobSubmitted).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PCStore) UpdateJob(pcID, jobID uint, status, log string, at time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.Where("pc_id = ?", pcID).First(&j, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return agent.ErrJobNotFound
			}
			return err
		}
		if err := agent.ApplyStatus(&j, status, log, at); err != nil {
			return err
		}
		return tx.Model(&j).Select("status", "log", "started", "finished").Updates(&j).Error
	})
}

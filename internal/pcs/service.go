// Package pcs manages the computers of a site and their group memberships.
package pcs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/sites"
	"kioskadmin/internal/wakeplan"
	"kioskadmin/internal/wakeplans"
)

// Runner enqueues scripts on PCs. *jobs.Service implements it.
type Runner interface {
	wakeplan.Dispatcher
	RunPolicy(tx *gorm.DB, ac auth.Context, siteID uint, policy []models.AssociatedScript, pcIDs []uint) ([]uint, error)
}

type Service struct {
	db       *gorm.DB
	runner   Runner
	clock    clock.Clock
	resolver wakeplan.Resolver
}

func NewService(gdb *gorm.DB, r Runner, c clock.Clock, res wakeplan.Resolver) *Service {
	if c == nil {
		c = clock.System{}
	}
	if res.And == "" {
		res = wakeplan.NewResolver()
	}
	return &Service{db: gdb, runner: r, clock: c, resolver: res}
}

// Input is a PC update. Nil fields are left unchanged.
type Input struct {
	Name        *string `json:"name"`
	IsActivated *bool   `json:"is_activated"`
	Groups      *[]uint `json:"groups"`
}

type Result struct {
	PC             *models.PC `json:"pc,omitempty"`
	Message        string     `json:"message"`
	RejectedGroups []uint     `json:"rejected_groups,omitempty"`
	Batches        []uint     `json:"batches,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
}

func loadPC(tx *gorm.DB, siteID uint, uid string) (*models.PC, error) {
	var pc models.PC
	err := tx.Preload("Groups", func(q *gorm.DB) *gorm.DB { return q.Order("name, id") }).
		Preload("Groups.WakeWeekPlan").
		Where("site_id = ? AND uid = ?", siteID, uid).First(&pc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("computer", uid)
		}
		return nil, err
	}
	return &pc, nil
}

func (s *Service) List(ctx context.Context, ac auth.Context, siteID uint) ([]models.PC, error) {
	tx := s.db.WithContext(ctx)
	site, err := sites.Load(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var out []models.PC
	if err := tx.Preload("Groups").Where("site_id = ?", site.ID).Order("name, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, ac auth.Context, siteID uint, uid string) (*models.PC, error) {
	tx := s.db.WithContext(ctx)
	site, err := sites.Load(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	return loadPC(tx, site.ID, uid)
}

// Update renames, activates and regroups a PC. Groups already holding the
// PC are kept; new groups following a plan other than the PC's are
// rejected. The PC's wake schedule and the policies of newly joined groups
// are queued on the PC.
func (s *Service) Update(ctx context.Context, ac auth.Context, siteID uint, uid string, in Input) (*Result, error) {
	prop := wakeplan.NewPropagator()
	res := &Result{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		pc, err := loadPC(tx, site.ID, uid)
		if err != nil {
			return err
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return apperr.Validation("The computer is not valid", map[string]string{"name": "This field is required"})
			}
			if !models.ValidPCName(name) {
				return apperr.Validation("The computer is not valid", map[string]string{"name": "The name must not contain control characters"})
			}
			pc.Name = name
		}
		if in.IsActivated != nil {
			pc.IsActivated = *in.IsActivated
		}
		if err := tx.Omit(clause.Associations).Save(pc).Error; err != nil {
			return err
		}
		res.PC = pc
		res.Message = fmt.Sprintf("Computer %s updated", pc.Name)
		if in.Groups == nil {
			return nil
		}

		groups, err := wakeplans.LoadGroups(tx, site.ID)
		if err != nil {
			return err
		}
		for _, id := range *in.Groups {
			if _, ok := groups[id]; !ok {
				return apperr.Validation("Some of the selected groups do not belong to the site", map[string]string{"groups": fmt.Sprint(id)})
			}
		}
		pre := wakeplan.IDSet{}
		for _, g := range pc.Groups {
			pre.Add(g.ID)
		}
		rg := s.resolver.ResolvePCGroups(wakeplan.PCGroupInput{Candidate: *in.Groups, Pre: pre, Groups: groups})

		var rows []models.PCGroup
		if ids := rg.Verified.Sorted(); len(ids) > 0 {
			if err := tx.Where("site_id = ? AND id IN ?", site.ID, ids).Order("name, id").Find(&rows).Error; err != nil {
				return err
			}
		}
		assoc := tx.Model(pc).Association("Groups")
		if len(rows) == 0 {
			err = assoc.Clear()
		} else {
			err = assoc.Replace(rows)
		}
		if err != nil {
			return fmt.Errorf("store computer groups: %w", err)
		}

		if err := s.reschedule(tx, prop, site.ID, pc.ID, rg); err != nil {
			return err
		}

		for _, g := range rows {
			if pre.Has(g.ID) {
				continue
			}
			var policy []models.AssociatedScript
			err := tx.Preload("Parameters").Where("group_id = ?", g.ID).Order("position, id").Find(&policy).Error
			if err != nil {
				return err
			}
			b, err := s.runner.RunPolicy(tx, ac, site.ID, policy, []uint{pc.ID})
			if err != nil {
				return err
			}
			res.Batches = append(res.Batches, b...)
		}

		res.RejectedGroups = rg.Rejected.Sorted()
		if rg.RejectedGroups != "" {
			res.Message = fmt.Sprintf("Computer %s updated, but it could not be added to the group(s) %s because it already belongs to the plan %s",
				pc.Name, rg.RejectedGroups, rg.PlanName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	batches, err := prop.Flush(ctx, s.runner, ac)
	res.Batches = append(res.Batches, batches...)
	if err != nil {
		logs.For(ctx, "pcs", "update").WithError(err).Warn("wake plan dispatch failed")
		res.Warnings = append(res.Warnings, "The schedule could not be sent to every computer: "+err.Error())
	}
	logs.For(ctx, "pcs", "update").WithField("pc", uid).Info(res.Message)
	return res, nil
}

// reschedule queues SET when the PC gained an enabled plan other than its
// previous one, and REMOVE when it lost its enabled plan.
func (s *Service) reschedule(tx *gorm.DB, prop *wakeplan.Propagator, siteID, pcID uint, rg wakeplan.PCGroupResult) error {
	enabled := func(id uint) (*models.WakeWeekPlan, error) {
		if id == 0 {
			return nil, nil
		}
		p, err := wakeplans.LoadPlan(tx, siteID, id)
		if err != nil || !p.Enabled {
			return nil, err
		}
		return p, nil
	}
	now, err := enabled(rg.PlanID)
	if err != nil {
		return err
	}
	before, err := enabled(rg.PreviousPlanID)
	if err != nil {
		return err
	}
	switch {
	case now != nil && rg.PlanID != rg.PreviousPlanID:
		prop.Set(siteID, wakeplan.NewIDSet(pcID), wakeplans.ScheduleOf(now).Arguments(clock.Today(s.clock)))
	case now == nil && before != nil:
		prop.Remove(siteID, wakeplan.NewIDSet(pcID))
	}
	return nil
}

// Delete removes the PC from its groups and deletes it. No schedule is
// sent; the computer is gone.
func (s *Service) Delete(ctx context.Context, ac auth.Context, siteID uint, uid string) (string, error) {
	var msg string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		pc, err := loadPC(tx, site.ID, uid)
		if err != nil {
			return err
		}
		if err := tx.Model(pc).Association("Groups").Clear(); err != nil {
			return err
		}
		if err := tx.Delete(pc).Error; err != nil {
			return err
		}
		msg = fmt.Sprintf("Computer %s deleted", pc.Name)
		return nil
	})
	return msg, err
}

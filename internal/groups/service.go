// Package groups manages PC groups: membership, supervisors and the
// policy scripts run on members.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/db"
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

type Input struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	PCs         []uint        `json:"pcs"`
	Supervisors []uint        `json:"supervisors"`
	Policy      []PolicyEntry `json:"policy"`
}

type Result struct {
	Group       *models.PCGroup `json:"group,omitempty"`
	Message     string          `json:"message"`
	RejectedPCs []uint          `json:"rejected_pcs,omitempty"`
	Batches     []uint          `json:"batches,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
}

func saveGroup(tx *gorm.DB, g *models.PCGroup) error {
	err := tx.Omit(clause.Associations).Save(g).Error
	if db.IsDuplicate(err) {
		msg := fmt.Sprintf("A group named %s already exists on this site", g.Name)
		return apperr.Validation(msg, map[string]string{"name": msg})
	}
	return err
}

func loadGroup(tx *gorm.DB, siteID, id uint) (*models.PCGroup, error) {
	var g models.PCGroup
	err := tx.Preload("PCs").Preload("WakeWeekPlan").
		Preload("Policy", func(q *gorm.DB) *gorm.DB { return q.Order("position, id") }).
		Preload("Policy.Parameters").
		Where("site_id = ?", siteID).First(&g, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("group", id)
		}
		return nil, err
	}
	return &g, nil
}

func (s *Service) flush(ctx context.Context, ac auth.Context, p *wakeplan.Propagator, op string) ([]uint, []string) {
	batches, err := p.Flush(ctx, s.runner, ac)
	if err != nil {
		logs.For(ctx, "groups", op).WithError(err).Warn("wake plan dispatch failed")
		return batches, []string{"The schedule could not be sent to every computer: " + err.Error()}
	}
	return batches, nil
}

func (s *Service) Create(ctx context.Context, ac auth.Context, siteID uint, name, description string) (*models.PCGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("The group is not valid", map[string]string{"name": "This field is required"})
	}
	var out *models.PCGroup
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		g := &models.PCGroup{Name: name, Description: description, SiteID: site.ID}
		if err := saveGroup(tx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

func (s *Service) Get(ctx context.Context, ac auth.Context, siteID, id uint) (*models.PCGroup, error) {
	tx := s.db.WithContext(ctx)
	site, err := sites.Load(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var g models.PCGroup
	err = tx.Preload("PCs", func(q *gorm.DB) *gorm.DB { return q.Order("name") }).
		Preload("Supervisors").Preload("WakeWeekPlan").
		Preload("Policy", func(q *gorm.DB) *gorm.DB { return q.Order("position, id") }).
		Preload("Policy.Script").Preload("Policy.Parameters").
		Where("site_id = ?", site.ID).First(&g, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("group", id)
		}
		return nil, err
	}
	return &g, nil
}

func (s *Service) List(ctx context.Context, ac auth.Context, siteID uint) ([]models.PCGroup, error) {
	tx := s.db.WithContext(ctx)
	site, err := sites.Load(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var out []models.PCGroup
	if err := tx.Preload("WakeWeekPlan").Where("site_id = ?", site.ID).Order("name, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// selectablePCs checks that ids are PCs of the site that are activated or
// already members.
func selectablePCs(tx *gorm.DB, siteID uint, ids []uint, members wakeplan.IDSet) (map[uint]models.PC, error) {
	want := wakeplan.NewIDSet(ids...).Sorted()
	out := make(map[uint]models.PC, len(want))
	if len(want) == 0 {
		return out, nil
	}
	var rows []models.PC
	if err := tx.Where("site_id = ? AND id IN ?", siteID, want).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		if p.IsActivated || members.Has(p.ID) {
			out[p.ID] = p
		}
	}
	if len(out) != len(want) {
		return nil, apperr.Validation("Some of the selected computers do not belong to the site or are not activated", nil)
	}
	return out, nil
}

// conflicts drops new PCs that already follow another plan through a
// different group and returns the rejected ids with their names and plans.
func conflicts(g *models.PCGroup, groups map[uint]wakeplan.Group, fresh []models.PC) (kept, rejected wakeplan.IDSet, pcNames, planNames []string) {
	kept, rejected = wakeplan.IDSet{}, wakeplan.IDSet{}
	others := make([]wakeplan.Group, 0, len(groups))
	for _, o := range groups {
		if o.ID != g.ID && o.PlanID != 0 && o.PlanID != g.PlanID() {
			others = append(others, o)
		}
	}
	sort.Slice(others, func(i, j int) bool {
		if others[i].Name != others[j].Name {
			return others[i].Name < others[j].Name
		}
		return others[i].ID < others[j].ID
	})
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Name != fresh[j].Name {
			return fresh[i].Name < fresh[j].Name
		}
		return fresh[i].ID < fresh[j].ID
	})
	for _, pc := range fresh {
		hit := false
		if g.PlanID() != 0 {
			for _, o := range others {
				if o.PCs.Has(pc.ID) {
					pcNames = append(pcNames, pc.Name)
					planNames = append(planNames, o.PlanName)
					hit = true
					break
				}
			}
		}
		if hit {
			rejected.Add(pc.ID)
			continue
		}
		kept.Add(pc.ID)
	}
	return kept, rejected, pcNames, planNames
}

// Update stores the group's settings, members, supervisors and policy. New
// members get the whole policy, surviving members get the new policy
// scripts, and an enabled wake plan follows the membership change.
func (s *Service) Update(ctx context.Context, ac auth.Context, siteID, id uint, in Input) (*Result, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("The group is not valid", map[string]string{"name": "This field is required"})
	}
	prop := wakeplan.NewPropagator()
	res := &Result{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		g, err := loadGroup(tx, site.ID, id)
		if err != nil {
			return err
		}
		membersPre := wakeplan.IDSet{}
		for _, pc := range g.PCs {
			membersPre.Add(pc.ID)
		}

		selected, err := selectablePCs(tx, site.ID, in.PCs, membersPre)
		if err != nil {
			return err
		}
		var fresh []models.PC
		for pcID, pc := range selected {
			if !membersPre.Has(pcID) {
				fresh = append(fresh, pc)
			}
		}
		groups, err := wakeplans.LoadGroups(tx, site.ID)
		if err != nil {
			return err
		}
		_, rejected, pcNames, planNames := conflicts(g, groups, fresh)

		g.Name, g.Description = name, in.Description
		if err := saveGroup(tx, g); err != nil {
			return err
		}
		change, err := updatePolicy(tx, site.ID, g, in.Policy)
		if err != nil {
			return err
		}

		membersPost := wakeplan.IDSet{}
		pcs := make([]models.PC, 0, len(selected))
		for pcID, pc := range selected {
			if rejected.Has(pcID) {
				continue
			}
			membersPost.Add(pcID)
			pcs = append(pcs, pc)
		}
		assoc := tx.Model(g).Association("PCs")
		if len(pcs) == 0 {
			err = assoc.Clear()
		} else {
			err = assoc.Replace(pcs)
		}
		if err != nil {
			return fmt.Errorf("store group members: %w", err)
		}
		if err := s.setSupervisors(tx, site.ID, g, in.Supervisors); err != nil {
			return err
		}

		diff := wakeplan.DiffMembers(membersPre, membersPost)
		surviving := membersPre.Intersect(membersPost)

		if len(diff.Added) > 0 {
			b, err := s.runner.RunPolicy(tx, ac, site.ID, change.post, diff.Added)
			if err != nil {
				return err
			}
			res.Batches = append(res.Batches, b...)
		}
		forAll := change.fresh
		if site.RerunPolicyScripts {
			forAll = forAll.Union(change.updated)
		}
		if surviving.Len() > 0 && forAll.Len() > 0 {
			b, err := s.runner.RunPolicy(tx, ac, site.ID, subset(change.post, forAll), surviving.Sorted())
			if err != nil {
				return err
			}
			res.Batches = append(res.Batches, b...)
		}

		if g.WakeWeekPlan != nil && g.WakeWeekPlan.Enabled && !diff.Empty() {
			plan, err := wakeplans.LoadPlan(tx, site.ID, g.WakeWeekPlan.ID)
			if err != nil {
				return err
			}
			others, err := wakeplans.PlanPCs(tx, plan.ID, g.ID)
			if err != nil {
				return err
			}
			args := wakeplans.ScheduleOf(plan).Arguments(clock.Today(s.clock))
			prop.Set(site.ID, wakeplan.NewIDSet(diff.Added...).Difference(others), args)
			prop.Remove(site.ID, wakeplan.NewIDSet(diff.Removed...).Difference(others))
		}

		res.Group = g
		res.RejectedPCs = rejected.Sorted()
		if rejected.Len() > 0 {
			res.Message = fmt.Sprintf("Group %s updated, but the pc(s) %s could not be added because they already belong to the plan(s) %s",
				g.Name, wakeplan.JoinNames(pcNames, s.resolver.And), wakeplan.JoinNames(planNames, s.resolver.Or))
		} else {
			res.Message = fmt.Sprintf("Group %s updated", g.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b, warnings := s.flush(ctx, ac, prop, "update")
	res.Batches = append(res.Batches, b...)
	res.Warnings = warnings
	logs.For(ctx, "groups", "update").WithField("group", id).Info(res.Message)
	return res, nil
}

func (s *Service) setSupervisors(tx *gorm.DB, siteID uint, g *models.PCGroup, ids []uint) error {
	want := wakeplan.NewIDSet(ids...).Sorted()
	assoc := tx.Model(g).Association("Supervisors")
	if len(want) == 0 {
		return assoc.Clear()
	}
	var users []models.User
	err := tx.Joins("JOIN site_memberships ON site_memberships.user_id = users.id AND site_memberships.deleted_at IS NULL").
		Where("site_memberships.site_id = ? AND users.id IN ?", siteID, want).
		Find(&users).Error
	if err != nil {
		return err
	}
	if len(users) != len(want) {
		return apperr.Validation("Supervisors must be users of the site", map[string]string{"supervisors": "unknown user"})
	}
	return assoc.Replace(users)
}

// Delete removes the group. Members that no longer follow the group's
// enabled plan through another group have the schedule removed.
func (s *Service) Delete(ctx context.Context, ac auth.Context, siteID, id uint) (*Result, error) {
	prop := wakeplan.NewPropagator()
	var name string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		g, err := loadGroup(tx, site.ID, id)
		if err != nil {
			return err
		}
		name = g.Name
		if g.WakeWeekPlan != nil && g.WakeWeekPlan.Enabled && len(g.PCs) > 0 {
			others, err := wakeplans.PlanPCs(tx, g.WakeWeekPlan.ID, g.ID)
			if err != nil {
				return err
			}
			members := wakeplan.IDSet{}
			for _, pc := range g.PCs {
				members.Add(pc.ID)
			}
			prop.Remove(site.ID, members.Difference(others))
		}
		if err := tx.Model(g).Association("PCs").Clear(); err != nil {
			return err
		}
		if err := tx.Model(g).Association("Supervisors").Clear(); err != nil {
			return err
		}
		policy := make([]uint, 0, len(g.Policy))
		for _, as := range g.Policy {
			policy = append(policy, as.ID)
		}
		if len(policy) > 0 {
			if err := tx.Where("associated_script_id IN ?", policy).Delete(&models.AssociatedScriptParameter{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&models.AssociatedScript{}, policy).Error; err != nil {
				return err
			}
		}
		return tx.Delete(g).Error
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Message: fmt.Sprintf("Group %s deleted", name)}
	res.Batches, res.Warnings = s.flush(ctx, ac, prop, "delete")
	return res, nil
}

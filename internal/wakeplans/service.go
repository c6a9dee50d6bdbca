// Package wakeplans manages wake week plans and their change events and
// keeps the schedules on the PCs in step with them.
package wakeplans

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
)

type Options struct {
	Conjunction     string
	PlanConjunction string
	CopyPrefix      string
}

type Service struct {
	db         *gorm.DB
	dispatch   wakeplan.Dispatcher
	clock      clock.Clock
	resolver   wakeplan.Resolver
	copyPrefix string
}

func NewService(gdb *gorm.DB, d wakeplan.Dispatcher, c clock.Clock, opts Options) *Service {
	if c == nil {
		c = clock.System{}
	}
	r := wakeplan.NewResolver()
	if opts.Conjunction != "" {
		r.And = opts.Conjunction
	}
	if opts.PlanConjunction != "" {
		r.Or = opts.PlanConjunction
	}
	prefix := opts.CopyPrefix
	if prefix == "" {
		prefix = "Kopi af"
	}
	return &Service{db: gdb, dispatch: d, clock: c, resolver: r, copyPrefix: prefix}
}

// Resolver exposes the configured conflict resolver to sibling services.
func (s *Service) Resolver() wakeplan.Resolver { return s.resolver }

type DayInput struct {
	Open bool   `json:"open"`
	On   string `json:"on"`
	Off  string `json:"off"`
}

type PlanInput struct {
	Name       string   `json:"name"`
	Enabled    bool     `json:"enabled"`
	SleepState string   `json:"sleep_state"`
	Monday     DayInput `json:"monday"`
	Tuesday    DayInput `json:"tuesday"`
	Wednesday  DayInput `json:"wednesday"`
	Thursday   DayInput `json:"thursday"`
	Friday     DayInput `json:"friday"`
	Saturday   DayInput `json:"saturday"`
	Sunday     DayInput `json:"sunday"`
	Groups     []uint   `json:"groups"`
	Events     []uint   `json:"events"`
}

func (in PlanInput) days() [7]DayInput {
	return [7]DayInput{in.Monday, in.Tuesday, in.Wednesday, in.Thursday, in.Friday, in.Saturday, in.Sunday}
}

func (in PlanInput) apply(p *models.WakeWeekPlan) error {
	verr := apperr.Validation("The wake plan is not valid", nil)
	name := strings.TrimSpace(in.Name)
	if name == "" {
		verr.Add("name", "This field is required")
	}
	state := in.SleepState
	if state == "" {
		state = wakeplan.SleepOff
	}
	if !wakeplan.ValidSleepState(state) {
		verr.Add("sleep_state", fmt.Sprintf("%q is not one of %s", state, strings.Join(wakeplan.SleepStates, ", ")))
	}

	var week wakeplan.Week
	for i, d := range in.days() {
		week[i] = wakeplan.Day{Open: d.Open, On: strings.TrimSpace(d.On), Off: strings.TrimSpace(d.Off)}
	}
	for _, day := range week.CheckPairs() {
		verr.Add(day, "Both an on and an off time must be set, or neither")
	}
	var parsed [7]models.WeekDay
	for i, d := range week {
		on, err := models.ParseClock(d.On)
		if err != nil {
			verr.Add(wakeplan.Weekdays[i], err.Error())
			continue
		}
		off, err := models.ParseClock(d.Off)
		if err != nil {
			verr.Add(wakeplan.Weekdays[i], err.Error())
			continue
		}
		parsed[i] = models.WeekDay{Open: d.Open, On: on, Off: off}
	}
	if verr.HasFields() {
		return verr
	}

	p.Name, p.Enabled, p.SleepState = name, in.Enabled, state
	for i, d := range p.Days() {
		*d = parsed[i]
	}
	return nil
}

type Result struct {
	Plan           *models.WakeWeekPlan `json:"plan,omitempty"`
	Message        string               `json:"message"`
	RejectedGroups []uint               `json:"rejected_groups,omitempty"`
	RejectedEvents []uint               `json:"rejected_events,omitempty"`
	Batches        []uint               `json:"batches,omitempty"`
	Warnings       []string             `json:"warnings,omitempty"`
}

func (s *Service) site(tx *gorm.DB, ac auth.Context, siteID uint) (*models.Site, error) {
	site, err := sites.Load(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	if err := sites.RequireFeature(site, models.FeatureWakePlan); err != nil {
		return nil, err
	}
	return site, nil
}

// flush sends the queued schedules. The mutation is already committed, so
// a failing dispatch only becomes a warning.
func (s *Service) flush(ctx context.Context, ac auth.Context, p *wakeplan.Propagator, op string) ([]uint, []string) {
	batches, err := p.Flush(ctx, s.dispatch, ac)
	if err != nil {
		logs.For(ctx, "wakeplans", op).WithError(err).Warn("wake plan dispatch failed")
		return batches, []string{"The schedule could not be sent to every computer: " + err.Error()}
	}
	return batches, nil
}

func savePlan(tx *gorm.DB, p *models.WakeWeekPlan) error {
	err := tx.Omit(clause.Associations).Save(p).Error
	if db.IsDuplicate(err) {
		msg := fmt.Sprintf("A wake plan named %s already exists on this site", p.Name)
		return apperr.Validation(msg, map[string]string{"name": msg})
	}
	return err
}

// attachment is the outcome of resolving a plan's group and event selection.
type attachment struct {
	groups     wakeplan.GroupResult
	events     wakeplan.EventResult
	removedPCs wakeplan.IDSet
	// previous plan -> PCs of groups this plan took over from it
	moved map[uint]wakeplan.IDSet
}

// attach resolves and stores the selected events and groups of plan.
// groups is the site's group snapshot from before the change.
func (s *Service) attach(tx *gorm.DB, plan *models.WakeWeekPlan, in PlanInput, groups map[uint]wakeplan.Group, preGroups, preEvents wakeplan.IDSet) (*attachment, error) {
	a := &attachment{removedPCs: wakeplan.IDSet{}, moved: map[uint]wakeplan.IDSet{}}

	ids := wakeplan.NewIDSet(in.Events...).Union(preEvents).Sorted()
	var evs []models.WakeChangeEvent
	if len(ids) > 0 {
		if err := tx.Where("site_id = ? AND id IN ?", plan.SiteID, ids).Find(&evs).Error; err != nil {
			return nil, err
		}
	}
	byID := make(map[uint]models.WakeChangeEvent, len(evs))
	intervals := make(map[uint]wakeplan.Interval, len(evs))
	for _, e := range evs {
		byID[e.ID] = e
		intervals[e.ID] = IntervalOf(e)
	}
	a.events = s.resolver.ResolveEvents(wakeplan.EventInput{Candidate: in.Events, Pre: preEvents, Events: intervals})
	if a.events.Unknown.Len() > 0 {
		msg := fmt.Sprintf("Unknown wake change events on this site: %s", wakeplan.JoinIDs(a.events.Unknown))
		return nil, apperr.Validation(msg, map[string]string{"events": msg})
	}
	kept := make([]models.WakeChangeEvent, 0, a.events.Verified.Len())
	for _, id := range a.events.Verified.Sorted() {
		kept = append(kept, byID[id])
	}
	assoc := tx.Model(plan).Association("Events")
	var err error
	if len(kept) == 0 {
		err = assoc.Clear()
	} else {
		err = assoc.Replace(kept)
	}
	if err != nil {
		return nil, fmt.Errorf("store plan events: %w", err)
	}
	plan.Events = kept

	names, err := PCNames(tx, plan.SiteID)
	if err != nil {
		return nil, err
	}
	a.groups = s.resolver.ResolveGroups(wakeplan.GroupInput{
		PlanID:    plan.ID,
		Candidate: in.Groups,
		Pre:       preGroups,
		Groups:    groups,
		PCNames:   names,
	})
	if a.groups.Unknown.Len() > 0 {
		msg := fmt.Sprintf("Unknown groups on this site: %s", wakeplan.JoinIDs(a.groups.Unknown))
		return nil, apperr.Validation(msg, map[string]string{"groups": msg})
	}

	removed := preGroups.Difference(a.groups.Verified)
	for id := range removed {
		a.removedPCs = a.removedPCs.Union(groups[id].PCs)
	}
	added := a.groups.Verified.Difference(preGroups)
	for id := range added {
		g := groups[id]
		if g.PlanID != 0 && g.PlanID != plan.ID {
			a.moved[g.PlanID] = a.moved[g.PlanID].Union(g.PCs)
		}
	}
	if removed.Len() > 0 {
		err := tx.Model(&models.PCGroup{}).Where("id IN ?", removed.Sorted()).
			Update("wake_week_plan_id", nil).Error
		if err != nil {
			return nil, err
		}
	}
	if added.Len() > 0 {
		err := tx.Model(&models.PCGroup{}).Where("id IN ?", added.Sorted()).
			Update("wake_week_plan_id", plan.ID).Error
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// releaseMoved removes the schedule from PCs that left an enabled plan when
// their group moved to another plan, unless handled already covers them.
func releaseMoved(tx *gorm.DB, p *wakeplan.Propagator, siteID uint, moved map[uint]wakeplan.IDSet, handled wakeplan.IDSet) error {
	prev := make([]uint, 0, len(moved))
	for id := range moved {
		prev = append(prev, id)
	}
	sort.Slice(prev, func(i, j int) bool { return prev[i] < prev[j] })
	for _, id := range prev {
		var plan models.WakeWeekPlan
		if err := tx.Select("id", "enabled").First(&plan, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}
		if !plan.Enabled {
			continue
		}
		still, err := PlanPCs(tx, id)
		if err != nil {
			return err
		}
		p.Remove(siteID, moved[id].Difference(still).Difference(handled))
	}
	return nil
}

func (s *Service) message(verb, name string, a *attachment) string {
	base := fmt.Sprintf("PCWakePlan %s %s", name, verb)
	groups, events := a.groups.RejectedGroups != "", a.events.RejectedEvents != ""
	switch {
	case groups && events:
		return fmt.Sprintf("%s, but the group(s) %s could not be added because the pc(s) %s already belong to the plan(s) %s and the WakeChangeEvents %s could not be added due to overlap",
			base, a.groups.RejectedGroups, a.groups.ConflictingPCs, a.groups.ConflictingPlans, a.events.RejectedEvents)
	case groups:
		return fmt.Sprintf("%s, but the group(s) %s could not be added because the pc(s) %s already belong to the plan(s) %s",
			base, a.groups.RejectedGroups, a.groups.ConflictingPCs, a.groups.ConflictingPlans)
	case events:
		return fmt.Sprintf("%s, but the WakeChangeEvents %s could not be added due to overlap", base, a.events.RejectedEvents)
	}
	return base
}

func (s *Service) result(plan *models.WakeWeekPlan, verb string, a *attachment) *Result {
	return &Result{
		Plan:           plan,
		Message:        s.message(verb, plan.Name, a),
		RejectedGroups: a.groups.Rejected.Sorted(),
		RejectedEvents: a.events.Rejected.Sorted(),
	}
}

func planGroups(groups map[uint]wakeplan.Group, planID uint) (ids, pcs wakeplan.IDSet) {
	ids, pcs = wakeplan.IDSet{}, wakeplan.IDSet{}
	for _, g := range groups {
		if g.PlanID == planID {
			ids.Add(g.ID)
			pcs = pcs.Union(g.PCs)
		}
	}
	return ids, pcs
}

// CreatePlan stores a new plan with the groups and events that pass
// verification and, when enabled, sends its schedule to their PCs.
func (s *Service) CreatePlan(ctx context.Context, ac auth.Context, siteID uint, in PlanInput) (*Result, error) {
	prop := wakeplan.NewPropagator()
	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.site(tx, ac, siteID)
		if err != nil {
			return err
		}
		plan := &models.WakeWeekPlan{SiteID: site.ID}
		if err := in.apply(plan); err != nil {
			return err
		}
		if err := savePlan(tx, plan); err != nil {
			return err
		}
		groups, err := LoadGroups(tx, site.ID)
		if err != nil {
			return err
		}
		a, err := s.attach(tx, plan, in, groups, wakeplan.IDSet{}, wakeplan.IDSet{})
		if err != nil {
			return err
		}
		handled := wakeplan.IDSet{}
		if plan.Enabled {
			handled = a.groups.PCs
			prop.Set(site.ID, handled, ScheduleOf(plan).Arguments(clock.Today(s.clock)))
		}
		if err := releaseMoved(tx, prop, site.ID, a.moved, handled); err != nil {
			return err
		}
		res = s.result(plan, "created", a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Batches, res.Warnings = s.flush(ctx, ac, prop, "create_plan")
	logs.For(ctx, "wakeplans", "create_plan").WithField("plan", res.Plan.ID).Info(res.Message)
	return res, nil
}

// UpdatePlan applies the new settings and selections and pushes the
// resulting schedule changes to the PCs affected by them.
func (s *Service) UpdatePlan(ctx context.Context, ac auth.Context, siteID, planID uint, in PlanInput) (*Result, error) {
	prop := wakeplan.NewPropagator()
	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.site(tx, ac, siteID)
		if err != nil {
			return err
		}
		plan, err := LoadPlan(tx, site.ID, planID)
		if err != nil {
			return err
		}
		pre := ScheduleOf(plan)
		preEnabled := plan.Enabled
		groups, err := LoadGroups(tx, site.ID)
		if err != nil {
			return err
		}
		preGroups, prePCs := planGroups(groups, plan.ID)

		if err := in.apply(plan); err != nil {
			return err
		}
		if err := savePlan(tx, plan); err != nil {
			return err
		}
		a, err := s.attach(tx, plan, in, groups, preGroups, pre.EventIDs())
		if err != nil {
			return err
		}
		post := ScheduleOf(plan)
		postPCs, err := PlanPCs(tx, plan.ID)
		if err != nil {
			return err
		}
		args := post.Arguments(clock.Today(s.clock))

		handled := wakeplan.IDSet{}
		switch {
		case preEnabled && plan.Enabled:
			prop.Remove(site.ID, a.removedPCs.Difference(postPCs))
			if wakeplan.SettingsChanged(pre, post) {
				handled = postPCs
			} else {
				handled = a.groups.PCs.Difference(prePCs)
			}
			prop.Set(site.ID, handled, args)
		case preEnabled:
			handled = prePCs.Union(postPCs)
			prop.Remove(site.ID, handled)
		case plan.Enabled:
			handled = postPCs
			prop.Set(site.ID, handled, args)
		}
		if err := releaseMoved(tx, prop, site.ID, a.moved, handled); err != nil {
			return err
		}
		res = s.result(plan, "updated", a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Batches, res.Warnings = s.flush(ctx, ac, prop, "update_plan")
	logs.For(ctx, "wakeplans", "update_plan").WithField("plan", planID).Info(res.Message)
	return res, nil
}

// DeletePlan takes the schedule off the plan's PCs, detaches its groups
// and events, and deletes it.
func (s *Service) DeletePlan(ctx context.Context, ac auth.Context, siteID, planID uint) (*Result, error) {
	prop := wakeplan.NewPropagator()
	var name string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.site(tx, ac, siteID)
		if err != nil {
			return err
		}
		plan, err := LoadPlan(tx, site.ID, planID)
		if err != nil {
			return err
		}
		name = plan.Name
		if plan.Enabled {
			pcs, err := PlanPCs(tx, plan.ID)
			if err != nil {
				return err
			}
			prop.Remove(site.ID, pcs)
		}
		err = tx.Model(&models.PCGroup{}).Where("wake_week_plan_id = ?", plan.ID).
			Update("wake_week_plan_id", nil).Error
		if err != nil {
			return err
		}
		if err := tx.Model(plan).Association("Events").Clear(); err != nil {
			return err
		}
		return tx.Delete(plan).Error
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Message: fmt.Sprintf("Wake Week Plan %s deleted", name)}
	res.Batches, res.Warnings = s.flush(ctx, ac, prop, "delete_plan")
	return res, nil
}

// DuplicatePlan copies a plan and its events. The copy has no groups, so
// nothing is dispatched.
func (s *Service) DuplicatePlan(ctx context.Context, ac auth.Context, siteID, planID uint) (*models.WakeWeekPlan, error) {
	var out *models.WakeWeekPlan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.site(tx, ac, siteID)
		if err != nil {
			return err
		}
		src, err := LoadPlan(tx, site.ID, planID)
		if err != nil {
			return err
		}
		cp := *src
		cp.Base = models.Base{}
		cp.Name = s.copyPrefix + " " + src.Name
		cp.Events, cp.Groups = nil, nil
		if err := savePlan(tx, &cp); err != nil {
			return err
		}
		if len(src.Events) > 0 {
			events := make([]models.WakeChangeEvent, 0, len(src.Events))
			for _, e := range src.Events {
				e.Base = models.Base{}
				e.Plans = nil
				events = append(events, e)
			}
			if err := tx.Create(&events).Error; err != nil {
				return err
			}
			if err := tx.Model(&cp).Association("Events").Append(events); err != nil {
				return err
			}
			cp.Events = events
		}
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	logs.For(ctx, "wakeplans", "duplicate_plan").WithField("source", planID).WithField("plan", out.ID).Info("plan duplicated")
	return out, nil
}

func (s *Service) GetPlan(ctx context.Context, ac auth.Context, siteID, planID uint) (*models.WakeWeekPlan, error) {
	tx := s.db.WithContext(ctx)
	site, err := s.site(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var p models.WakeWeekPlan
	err = tx.Preload("Events", func(q *gorm.DB) *gorm.DB { return q.Order("date_start DESC, name") }).
		Preload("Groups", func(q *gorm.DB) *gorm.DB { return q.Order("name") }).
		Where("site_id = ?", site.ID).First(&p, planID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("Wake Week Plan", planID)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Service) ListPlans(ctx context.Context, ac auth.Context, siteID uint) ([]models.WakeWeekPlan, error) {
	tx := s.db.WithContext(ctx)
	site, err := s.site(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var out []models.WakeWeekPlan
	if err := tx.Where("site_id = ?", site.ID).Order("name, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

package wakeplans

import (
	"errors"

	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/models"
	"kioskadmin/internal/wakeplan"
)

// LoadGroups materialises every group of the site with its PCs and plan.
func LoadGroups(tx *gorm.DB, siteID uint) (map[uint]wakeplan.Group, error) {
	var rows []models.PCGroup
	err := tx.Preload("PCs").Preload("WakeWeekPlan").
		Where("site_id = ?", siteID).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]wakeplan.Group, len(rows))
	for _, g := range rows {
		wg := wakeplan.Group{ID: g.ID, Name: g.Name, PCs: wakeplan.IDSet{}}
		if g.WakeWeekPlan != nil {
			wg.PlanID, wg.PlanName = g.WakeWeekPlan.ID, g.WakeWeekPlan.Name
		}
		for _, pc := range g.PCs {
			wg.PCs.Add(pc.ID)
		}
		out[g.ID] = wg
	}
	return out, nil
}

// PCNames maps the site's PC ids to their names.
func PCNames(tx *gorm.DB, siteID uint) (map[uint]string, error) {
	var rows []models.PC
	if err := tx.Select("id", "name").Where("site_id = ?", siteID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]string, len(rows))
	for _, p := range rows {
		out[p.ID] = p.Name
	}
	return out, nil
}

// PlanPCs returns the PCs following planID through any of its groups
// except those in skip.
func PlanPCs(tx *gorm.DB, planID uint, skip ...uint) (wakeplan.IDSet, error) {
	q := tx.Table("pc_group_members").
		Joins("JOIN pc_groups ON pc_groups.id = pc_group_members.pc_group_id").
		Joins("JOIN pcs ON pcs.id = pc_group_members.pc_id").
		Where("pc_groups.wake_week_plan_id = ? AND pc_groups.deleted_at IS NULL AND pcs.deleted_at IS NULL", planID)
	if len(skip) > 0 {
		q = q.Where("pc_groups.id NOT IN ?", skip)
	}
	var ids []uint
	if err := q.Pluck("pc_group_members.pc_id", &ids).Error; err != nil {
		return nil, err
	}
	return wakeplan.NewIDSet(ids...), nil
}

// LoadPlan fetches a plan of the site with its events.
func LoadPlan(tx *gorm.DB, siteID, planID uint) (*models.WakeWeekPlan, error) {
	var p models.WakeWeekPlan
	err := tx.Preload("Events").Where("site_id = ?", siteID).First(&p, planID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("Wake Week Plan", planID)
		}
		return nil, err
	}
	return &p, nil
}

func IntervalOf(e models.WakeChangeEvent) wakeplan.Interval {
	return wakeplan.Interval{
		ID:    e.ID,
		Name:  e.Name,
		Start: models.DateOf(e.DateStart),
		End:   models.DateOf(e.DateEnd),
	}
}

func WindowOf(e models.WakeChangeEvent) wakeplan.EventWindow {
	return wakeplan.EventWindow{
		ID:        e.ID,
		Name:      e.Name,
		Start:     models.DateOf(e.DateStart),
		End:       models.DateOf(e.DateEnd),
		Closed:    e.Type != models.EventAlteredHours,
		TimeStart: models.ClockString(e.TimeStart),
		TimeEnd:   models.ClockString(e.TimeEnd),
	}
}

// ScheduleOf converts a stored plan, events loaded, to its effective schedule.
func ScheduleOf(p *models.WakeWeekPlan) wakeplan.Schedule {
	s := wakeplan.Schedule{SleepState: p.SleepState}
	for i, d := range p.Days() {
		s.Week[i] = wakeplan.Day{Open: d.Open, On: models.ClockString(d.On), Off: models.ClockString(d.Off)}
	}
	for _, e := range p.Events {
		s.Events = append(s.Events, WindowOf(e))
	}
	return s
}

package wakeplans

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/wakeplan"
)

type EventInput struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	DateStart string `json:"date_start"`
	DateEnd   string `json:"date_end"`
	TimeStart string `json:"time_start"`
	TimeEnd   string `json:"time_end"`
}

func (in EventInput) apply(e *models.WakeChangeEvent) error {
	verr := apperr.Validation("The wake change event is not valid", nil)
	name := strings.TrimSpace(in.Name)
	if name == "" {
		verr.Add("name", "This field is required")
	}
	typ := strings.ToUpper(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = models.EventClosed
	}
	if typ != models.EventClosed && typ != models.EventAlteredHours {
		verr.Add("type", fmt.Sprintf("%q is not one of %s, %s", in.Type, models.EventAlteredHours, models.EventClosed))
	}
	start, err := models.ParseDate(in.DateStart)
	if err != nil {
		verr.Add("date_start", err.Error())
	}
	end, err := models.ParseDate(in.DateEnd)
	if err != nil {
		verr.Add("date_end", err.Error())
	}
	var ts, te *datatypes.Time
	if typ == models.EventAlteredHours {
		var serr, eerr error
		if ts, serr = models.ParseClock(in.TimeStart); serr != nil {
			verr.Add("time_start", serr.Error())
		}
		if te, eerr = models.ParseClock(in.TimeEnd); eerr != nil {
			verr.Add("time_end", eerr.Error())
		}
		if serr == nil && eerr == nil && (ts == nil || te == nil) {
			verr.Add("time_start", "Altered hours need both a start and an end time")
		}
	}
	if verr.HasFields() {
		return verr
	}
	e.Name, e.Type = name, typ
	e.DateStart, e.DateEnd = start, end
	e.TimeStart, e.TimeEnd = ts, te
	return nil
}

func eventError(err error) error {
	var oe *wakeplan.OverlapError
	switch {
	case errors.As(err, &oe):
		return apperr.Validation(err.Error(), map[string]string{"date_start": err.Error()})
	case errors.Is(err, wakeplan.ErrDegenerateInterval):
		return apperr.Validation(err.Error(), map[string]string{"date_end": err.Error()})
	}
	return err
}

type EventOutcome struct {
	Event    *models.WakeChangeEvent `json:"event,omitempty"`
	Message  string                  `json:"message"`
	Batches  []uint                  `json:"batches,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
}

func loadEvent(tx *gorm.DB, siteID, id uint) (*models.WakeChangeEvent, error) {
	var e models.WakeChangeEvent
	err := tx.Preload("Plans", func(q *gorm.DB) *gorm.DB { return q.Order("name, id") }).
		Preload("Plans.Events").
		Where("site_id = ?", siteID).First(&e, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("Wake Change Event", id)
		}
		return nil, err
	}
	return &e, nil
}

// resetPlans queues a SET of the current schedule for every enabled plan in plans.
func (s *Service) resetPlans(tx *gorm.DB, p *wakeplan.Propagator, siteID uint, plans []models.WakeWeekPlan) error {
	today := clock.Today(s.clock)
	for _, pl := range plans {
		if !pl.Enabled {
			continue
		}
		plan, err := LoadPlan(tx, siteID, pl.ID)
		if err != nil {
			return err
		}
		pcs, err := PlanPCs(tx, plan.ID)
		if err != nil {
			return err
		}
		p.Set(siteID, pcs, ScheduleOf(plan).Arguments(today))
	}
	return nil
}

func (s *Service) CreateEvent(ctx context.Context, ac auth.Context, siteID uint, in EventInput) (*EventOutcome, error) {
	var out *models.WakeChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.site(tx, ac, siteID)
		if err != nil {
			return err
		}
		e := &models.WakeChangeEvent{SiteID: site.ID}
		if err := in.apply(e); err != nil {
			return err
		}
		if err := wakeplan.ValidateCandidate(IntervalOf(*e), nil); err != nil {
			return eventError(err)
		}
		if err := tx.Create(e).Error; err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &EventOutcome{Event: out, Message: fmt.Sprintf("Wake Change Event %s created", out.Name)}, nil
}

// UpdateEvent checks the new dates against the other events of every plan
// using the event and re-sends those plans when the window moved.
func (s *Service) UpdateEvent(ctx context.Context, ac auth.Context, siteID, eventID uint, in EventInput) (*EventOutcome, error) {
	prop := wakeplan.NewPropagator()
	var out *models.WakeChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.site(tx, ac, siteID)
		if err != nil {
			return err
		}
		e, err := loadEvent(tx, site.ID, eventID)
		if err != nil {
			return err
		}
		pre := WindowOf(*e)
		if err := in.apply(e); err != nil {
			return err
		}
		plans := make([]wakeplan.PlanEvents, 0, len(e.Plans))
		for _, pl := range e.Plans {
			pe := wakeplan.PlanEvents{Plan: pl.Name}
			for _, other := range pl.Events {
				if other.ID != e.ID {
					pe.Events = append(pe.Events, IntervalOf(other))
				}
			}
			plans = append(plans, pe)
		}
		if err := wakeplan.ValidateAcrossPlans(IntervalOf(*e), plans); err != nil {
			return eventError(err)
		}
		if err := tx.Omit(clause.Associations).Save(e).Error; err != nil {
			return err
		}
		if wakeplan.EventWindowChanged(pre, WindowOf(*e)) {
			if err := s.resetPlans(tx, prop, site.ID, e.Plans); err != nil {
				return err
			}
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := &EventOutcome{Event: out, Message: fmt.Sprintf("Wake Change Event %s updated", out.Name)}
	res.Batches, res.Warnings = s.flush(ctx, ac, prop, "update_event")
	return res, nil
}

// DeleteEvent removes the event and re-sends the enabled plans that used it.
func (s *Service) DeleteEvent(ctx context.Context, ac auth.Context, siteID, eventID uint) (*EventOutcome, error) {
	prop := wakeplan.NewPropagator()
	var name string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.site(tx, ac, siteID)
		if err != nil {
			return err
		}
		e, err := loadEvent(tx, site.ID, eventID)
		if err != nil {
			return err
		}
		name = e.Name
		plans := e.Plans
		if err := tx.Model(e).Association("Plans").Clear(); err != nil {
			return err
		}
		if err := tx.Delete(e).Error; err != nil {
			return err
		}
		return s.resetPlans(tx, prop, site.ID, plans)
	})
	if err != nil {
		return nil, err
	}
	res := &EventOutcome{Message: fmt.Sprintf("Wake Change Event %s deleted", name)}
	res.Batches, res.Warnings = s.flush(ctx, ac, prop, "delete_event")
	logs.For(ctx, "wakeplans", "delete_event").WithField("event", eventID).WithField("batches", len(res.Batches)).Info(res.Message)
	return res, nil
}

// ListEvents returns the site's events, latest start first.
func (s *Service) ListEvents(ctx context.Context, ac auth.Context, siteID uint) ([]models.WakeChangeEvent, error) {
	tx := s.db.WithContext(ctx)
	site, err := s.site(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var out []models.WakeChangeEvent
	if err := tx.Where("site_id = ?", site.ID).Order("date_start DESC, name, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

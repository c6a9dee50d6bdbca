// Package security records security events reported by PC agents and lets
// site users search and triage them.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/jobs"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/sites"
)

const PageSize = 20

var orderColumns = map[string]string{
	"pk":       "security_events.id",
	"problem":  "security_problems.name",
	"occurred": "security_events.occurred_time",
	"assigned": "security_events.assigned_user_id",
}

const defaultOrder = "-occurred"

type Service struct {
	db       *gorm.DB
	notifier *Notifier
	clock    clock.Clock
}

// NewService returns a service that notifies through n; a nil n records
// events without mail.
func NewService(gdb *gorm.DB, n *Notifier, c clock.Clock) *Service {
	if c == nil {
		c = clock.System{}
	}
	return &Service{db: gdb, notifier: n, clock: c}
}

type SearchQuery struct {
	SiteID  uint
	Level   string
	Status  string
	OrderBy string
	Page    int
}

type SearchResult struct {
	Events      []models.SecurityEvent `json:"events"`
	Total       int64                  `json:"total"`
	Page        int                    `json:"page"`
	Pages       int                    `json:"pages"`
	PageNumbers []int                  `json:"page_numbers"`
	OrderBy     string                 `json:"orderby"`
}

func orderClause(orderBy string) (string, string, error) {
	if orderBy == "" {
		orderBy = defaultOrder
	}
	key, dir := strings.TrimPrefix(orderBy, "-"), "ASC"
	if strings.HasPrefix(orderBy, "-") {
		dir = "DESC"
	}
	col, ok := orderColumns[key]
	if !ok {
		return "", "", apperr.Validation(fmt.Sprintf("invalid orderby %q", orderBy), nil)
	}
	return orderBy, col + " " + dir + ", security_events.id DESC", nil
}

func validStatus(s string) bool {
	switch s {
	case models.EventNew, models.EventAssigned, models.EventResolved:
		return true
	}
	return false
}

func validLevel(s string) bool {
	switch s {
	case models.LevelCritical, models.LevelHigh, models.LevelNormal, models.LevelLow:
		return true
	}
	return false
}

func (s *Service) Search(ctx context.Context, ac auth.Context, q SearchQuery) (*SearchResult, error) {
	tx := s.db.WithContext(ctx)
	site, err := sites.Load(tx, ac, q.SiteID)
	if err != nil {
		return nil, err
	}
	orderBy, order, err := orderClause(q.OrderBy)
	if err != nil {
		return nil, err
	}
	db := tx.Model(&models.SecurityEvent{}).
		Joins("JOIN security_problems ON security_problems.id = security_events.problem_id").
		Where("security_problems.site_id = ?", site.ID)
	if q.Level != "" {
		if !validLevel(q.Level) {
			return nil, apperr.Validation(fmt.Sprintf("invalid level %q", q.Level), nil)
		}
		db = db.Where("security_problems.level = ?", q.Level)
	}
	if q.Status != "" {
		if !validStatus(q.Status) {
			return nil, apperr.Validation(fmt.Sprintf("invalid status %q", q.Status), nil)
		}
		db = db.Where("security_events.status = ?", q.Status)
	}

	var total int64
	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	pages := int((total + PageSize - 1) / PageSize)
	page := q.Page
	if page < 1 {
		page = 1
	}
	if pages > 0 && page > pages {
		page = pages
	}
	res := &SearchResult{Total: total, Page: page, Pages: pages, PageNumbers: jobs.PageNumbers(page, pages), OrderBy: orderBy}
	err = db.Order(order).Preload("Problem").Preload("PC").Preload("AssignedUser").
		Limit(PageSize).Offset((page - 1) * PageSize).
		Find(&res.Events).Error
	if err != nil {
		return nil, err
	}
	return res, nil
}

type BulkInput struct {
	IDs            []uint  `json:"ids"`
	Status         string  `json:"status"`
	AssignedUserID *uint   `json:"assigned_user_id"`
	Note           *string `json:"note"`
}

// BulkUpdate sets status, assignee and note on the site's events in
// in.IDs and returns the number of events changed.
func (s *Service) BulkUpdate(ctx context.Context, ac auth.Context, siteID uint, in BulkInput) (int64, error) {
	if len(in.IDs) == 0 {
		return 0, apperr.Validation("No security events were selected", map[string]string{"ids": "This field is required"})
	}
	if !validStatus(in.Status) {
		return 0, apperr.Validation(fmt.Sprintf("invalid status %q", in.Status), map[string]string{"status": "unknown status"})
	}
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := sites.Load(tx, ac, siteID)
		if err != nil {
			return err
		}
		updates := map[string]any{"status": in.Status, "assigned_user_id": nil}
		if in.AssignedUserID != nil {
			var members int64
			err := tx.Model(&models.SiteMembership{}).Where("site_id = ? AND user_id = ?", site.ID, *in.AssignedUserID).Count(&members).Error
			if err != nil {
				return err
			}
			if members == 0 {
				return apperr.Validation("The assigned user is not a member of the site", map[string]string{"assigned_user_id": "unknown user"})
			}
			updates["assigned_user_id"] = *in.AssignedUserID
		}
		if in.Note != nil {
			updates["note"] = *in.Note
		}
		res := tx.Model(&models.SecurityEvent{}).
			Where("id IN ? AND problem_id IN (?)", in.IDs, tx.Model(&models.SecurityProblem{}).Select("id").Where("site_id = ?", site.ID)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}

func (s *Service) ListProblems(ctx context.Context, ac auth.Context, siteID uint) ([]models.SecurityProblem, error) {
	tx := s.db.WithContext(ctx)
	site, err := sites.Load(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var out []models.SecurityProblem
	if err := tx.Where("site_id = ?", site.ID).Order("name, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Report is a security event as sent by a PC agent.
type Report struct {
	PCID       uint           `json:"-"`
	ProblemUID string         `json:"problem_uid"`
	Occurred   time.Time      `json:"occurred"`
	Summary    string         `json:"summary"`
	Facts      map[string]any `json:"facts,omitempty"`
}

// Record stores a reported event and notifies the responsible users. The
// second result reports whether a notification mail was sent.
func (s *Service) Record(ctx context.Context, r Report) (*models.SecurityEvent, bool, error) {
	tx := s.db.WithContext(ctx)
	var pc models.PC
	if err := tx.First(&pc, r.PCID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, apperr.NotFound("computer", r.PCID)
		}
		return nil, false, err
	}
	var problem models.SecurityProblem
	err := tx.Where("uid = ? AND site_id = ?", r.ProblemUID, pc.SiteID).First(&problem).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, apperr.NotFound("security problem", r.ProblemUID)
		}
		return nil, false, err
	}
	ev := models.SecurityEvent{
		ProblemID:    problem.ID,
		PCID:         pc.ID,
		OccurredTime: r.Occurred,
		ReportedTime: s.clock.Now(),
		Summary:      r.Summary,
		Status:       models.EventNew,
	}
	if ev.OccurredTime.IsZero() {
		ev.OccurredTime = ev.ReportedTime
	}
	if len(r.Facts) > 0 {
		raw, err := json.Marshal(r.Facts)
		if err != nil {
			return nil, false, apperr.Validation("facts are not valid JSON", nil)
		}
		ev.Facts = datatypes.JSON(raw)
	}
	if err := tx.Create(&ev).Error; err != nil {
		return nil, false, err
	}
	ev.Problem, ev.PC = &problem, &pc
	logs.For(ctx, "security", "record").WithFields(map[string]any{
		"pc": pc.Name, "problem": problem.Name, "event": ev.ID,
	}).Warn("security event reported")

	notified := false
	if s.notifier != nil {
		notified = s.notifier.Notify(ctx, &ev)
	}
	return &ev, notified, nil
}

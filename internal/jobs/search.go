package jobs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/models"
	"kioskadmin/internal/sites"
)

const PageSize = 20

// orderColumns whitelists the orderby values; a leading "-" sorts descending.
var orderColumns = map[string]string{
	"pk":       "jobs.id",
	"script":   "scripts.name",
	"created":  "jobs.created_at",
	"started":  "jobs.started",
	"finished": "jobs.finished",
	"status":   "jobs.status",
	"pc":       "pcs.name",
	"batch":    "batches.name",
	"user":     "jobs.user_id",
}

const defaultOrder = "-pk"

type SearchQuery struct {
	SiteID  uint
	Status  string
	PCID    uint
	BatchID uint
	GroupID uint
	OrderBy string
	Page    int
}

type SearchResult struct {
	Jobs        []models.Job `json:"jobs"`
	Total       int64        `json:"total"`
	Page        int          `json:"page"`
	Pages       int          `json:"pages"`
	PageNumbers []int        `json:"page_numbers"`
	OrderBy     string       `json:"orderby"`
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
	return orderBy, col + " " + dir, nil
}

// PageNumbers lists up to two pages either side of page.
func PageNumbers(page, pages int) []int {
	if pages < 1 {
		return nil
	}
	lo, hi := max(1, page-2), min(pages, page+2)
	out := make([]int, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		out = append(out, p)
	}
	return out
}

// filtered builds the unordered job query for q and returns it with the
// normalised orderby value and its ORDER BY clause.
func (s *Service) filtered(ctx context.Context, ac auth.Context, q SearchQuery) (*gorm.DB, string, string, error) {
	site, err := sites.Load(s.db.WithContext(ctx), ac, q.SiteID)
	if err != nil {
		return nil, "", "", err
	}
	orderBy, order, err := orderClause(q.OrderBy)
	if err != nil {
		return nil, "", "", err
	}
	db := s.db.WithContext(ctx).Model(&models.Job{}).
		Joins("JOIN batches ON batches.id = jobs.batch_id").
		Joins("JOIN scripts ON scripts.id = batches.script_id").
		Joins("JOIN pcs ON pcs.id = jobs.pc_id").
		Where("batches.site_id = ?", site.ID)
	db = visibleScripts(db, ac, site, "scripts")

	switch q.Status {
	case "":
	case models.JobNew, models.JobSubmitted, models.JobRunning, models.JobFailed, models.JobDone:
		db = db.Where("jobs.status = ?", q.Status)
	default:
		return nil, "", "", apperr.Validation(fmt.Sprintf("invalid status %q", q.Status), nil)
	}
	if q.PCID != 0 {
		db = db.Where("jobs.pc_id = ?", q.PCID)
	}
	if q.BatchID != 0 {
		db = db.Where("jobs.batch_id = ?", q.BatchID)
	}
	if q.GroupID != 0 {
		db = db.Where("jobs.pc_id IN (?)", s.db.Table("pc_group_members").Select("pc_id").Where("pc_group_id = ?", q.GroupID))
	}
	return db, orderBy, order, nil
}

func (s *Service) Search(ctx context.Context, ac auth.Context, q SearchQuery) (*SearchResult, error) {
	db, orderBy, order, err := s.filtered(ctx, ac, q)
	if err != nil {
		return nil, err
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
	res := &SearchResult{Total: total, Page: page, Pages: pages, PageNumbers: PageNumbers(page, pages), OrderBy: orderBy}
	err = db.Order(order).Preload("PC").Preload("Batch.Script").
		Limit(PageSize).Offset((page - 1) * PageSize).
		Find(&res.Jobs).Error
	if err != nil {
		return nil, err
	}
	return res, nil
}

var exportHeader = []string{"ID", "Script", "Batch", "Computer", "Status", "Created", "Started", "Finished", "User"}

// ExportXLSX writes every job matching q, ignoring the page, as a workbook.
func (s *Service) ExportXLSX(ctx context.Context, ac auth.Context, q SearchQuery, w io.Writer) error {
	db, _, order, err := s.filtered(ctx, ac, q)
	if err != nil {
		return err
	}
	var rows []models.Job
	if err := db.Order(order).Preload("PC").Preload("Batch.Script").Find(&rows).Error; err != nil {
		return err
	}

	users := map[uint]string{}
	var userIDs []uint
	for _, j := range rows {
		if j.UserID != nil {
			userIDs = append(userIDs, *j.UserID)
		}
	}
	if len(userIDs) > 0 {
		var us []models.User
		if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&us).Error; err != nil {
			return err
		}
		for _, u := range us {
			users[u.ID] = u.Username
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Jobs"
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	bold, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	for i, h := range exportHeader {
		c, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, c, h)
		_ = f.SetCellStyle(sheet, c, c, bold)
	}
	_ = f.SetColWidth(sheet, "B", "D", 28)

	for r, j := range rows {
		vals := []any{j.ID, "", "", "", j.Status, j.CreatedAt.Format("2006-01-02 15:04"), "", "", ""}
		if j.Batch != nil {
			vals[2] = j.Batch.Name
			if j.Batch.Script != nil {
				vals[1] = j.Batch.Script.Name
			}
		}
		if j.PC != nil {
			vals[3] = j.PC.Name
		}
		if j.Started != nil {
			vals[6] = j.Started.Format("2006-01-02 15:04")
		}
		if j.Finished != nil {
			vals[7] = j.Finished.Format("2006-01-02 15:04")
		}
		if j.UserID != nil {
			vals[8] = users[*j.UserID]
		}
		for c, v := range vals {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}

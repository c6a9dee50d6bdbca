// Package changelog publishes release notes written in markdown and lets
// users comment on them.
package changelog

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/jobs"
	"kioskadmin/internal/models"
)

const PageSize = 10

type Service struct {
	db    *gorm.DB
	md    goldmark.Markdown
	clock clock.Clock
}

func NewService(gdb *gorm.DB, c clock.Clock) *Service {
	if c == nil {
		c = clock.System{}
	}
	return &Service{db: gdb, md: goldmark.New(goldmark.WithExtensions(extension.GFM)), clock: c}
}

// Entry is a changelog with its content rendered to HTML.
type Entry struct {
	models.Changelog
	RenderedContent string `json:"rendered_content"`
}

// Render converts markdown to HTML. Raw HTML in the source is dropped.
func (s *Service) Render(src string) (string, error) {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Service) entry(c models.Changelog) (Entry, error) {
	html, err := s.Render(c.Content)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Changelog: c, RenderedContent: html}, nil
}

type ListQuery struct {
	Tag  string
	Page int
}

type ListResult struct {
	Entries     []Entry `json:"entries"`
	Total       int64   `json:"total"`
	Page        int     `json:"page"`
	Pages       int     `json:"pages"`
	PageNumbers []int   `json:"page_numbers"`
}

// List returns published entries, newest first. Superusers also see drafts.
func (s *Service) List(ctx context.Context, ac auth.Context, q ListQuery) (*ListResult, error) {
	db := s.db.WithContext(ctx).Model(&models.Changelog{})
	if !ac.IsSuperuser {
		db = db.Where("published = ?", true)
	}
	if tag := strings.TrimSpace(q.Tag); tag != "" {
		db = db.Where("id IN (?)", s.db.Table("changelog_tag_links").
			Select("changelog_tag_links.changelog_id").
			Joins("JOIN changelog_tags ON changelog_tags.id = changelog_tag_links.changelog_tag_id").
			Where("changelog_tags.name = ?", tag))
	}
	var total int64
	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, err
	}
	pages := int((total + PageSize - 1) / PageSize)
	page := max(q.Page, 1)
	if pages > 0 && page > pages {
		page = pages
	}
	var rows []models.Changelog
	err := db.Preload("Tags").Order("published_at DESC, id DESC").
		Limit(PageSize).Offset((page - 1) * PageSize).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	res := &ListResult{Entries: make([]Entry, 0, len(rows)), Total: total, Page: page, Pages: pages, PageNumbers: jobs.PageNumbers(page, pages)}
	for _, c := range rows {
		e, err := s.entry(c)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}

func (s *Service) load(tx *gorm.DB, ac auth.Context, id uint) (*models.Changelog, error) {
	var c models.Changelog
	q := tx.Preload("Tags").Preload("Comments", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") })
	if !ac.IsSuperuser {
		q = q.Where("published = ?", true)
	}
	if err := q.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("changelog", id)
		}
		return nil, err
	}
	return &c, nil
}

func (s *Service) Get(ctx context.Context, ac auth.Context, id uint) (*Entry, error) {
	c, err := s.load(s.db.WithContext(ctx), ac, id)
	if err != nil {
		return nil, err
	}
	e, err := s.entry(*c)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type Input struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Author      string   `json:"author"`
	Version     string   `json:"version"`
	Published   bool     `json:"published"`
	Tags        []string `json:"tags"`
}

func (in Input) validate() error {
	verr := apperr.Validation("The changelog is not valid", nil)
	if strings.TrimSpace(in.Title) == "" {
		verr.Add("title", "This field is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		verr.Add("content", "This field is required")
	}
	if verr.HasFields() {
		return verr
	}
	return nil
}

func tags(tx *gorm.DB, names []string) ([]models.ChangelogTag, error) {
	out := make([]models.ChangelogTag, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		var t models.ChangelogTag
		if err := tx.Where(models.ChangelogTag{Name: n}).FirstOrCreate(&t).Error; err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) save(tx *gorm.DB, c *models.Changelog, in Input) error {
	c.Title, c.Description, c.Content = strings.TrimSpace(in.Title), in.Description, in.Content
	c.Author, c.Version = in.Author, in.Version
	if in.Published && c.PublishedAt == nil {
		now := s.clock.Now()
		c.PublishedAt = &now
	}
	c.Published = in.Published
	if err := tx.Omit(clause.Associations).Save(c).Error; err != nil {
		return err
	}
	ts, err := tags(tx, in.Tags)
	if err != nil {
		return err
	}
	assoc := tx.Model(c).Association("Tags")
	if len(ts) == 0 {
		return assoc.Clear()
	}
	return assoc.Replace(ts)
}

func superuser(ac auth.Context) error {
	if !ac.IsSuperuser {
		return apperr.Forbidden("Only superusers can edit the changelog")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, ac auth.Context, in Input) (*Entry, error) {
	if err := superuser(ac); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	c := &models.Changelog{}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error { return s.save(tx, c, in) }); err != nil {
		return nil, err
	}
	e, err := s.entry(*c)
	return &e, err
}

func (s *Service) Update(ctx context.Context, ac auth.Context, id uint, in Input) (*Entry, error) {
	if err := superuser(ac); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	var c *models.Changelog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if c, err = s.load(tx, ac, id); err != nil {
			return err
		}
		return s.save(tx, c, in)
	})
	if err != nil {
		return nil, err
	}
	e, err := s.entry(*c)
	return &e, err
}

func (s *Service) Delete(ctx context.Context, ac auth.Context, id uint) error {
	if err := superuser(ac); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.load(tx, ac, id)
		if err != nil {
			return err
		}
		if err := tx.Model(c).Association("Tags").Clear(); err != nil {
			return err
		}
		if err := tx.Where("changelog_id = ?", c.ID).Delete(&models.ChangelogComment{}).Error; err != nil {
			return err
		}
		return tx.Delete(c).Error
	})
}

type CommentInput struct {
	Content  string `json:"content"`
	ParentID *uint  `json:"parent_id"`
}

// AddComment posts a comment, optionally as a reply to another comment on
// the same entry.
func (s *Service) AddComment(ctx context.Context, ac auth.Context, id uint, in CommentInput) (*models.ChangelogComment, error) {
	if ac.Anonymous() {
		return nil, apperr.Unauthorized("You must be logged in to comment")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperr.Validation("The comment is not valid", map[string]string{"content": "This field is required"})
	}
	var out *models.ChangelogComment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.load(tx, ac, id)
		if err != nil {
			return err
		}
		if in.ParentID != nil {
			var n int64
			if err := tx.Model(&models.ChangelogComment{}).Where("id = ? AND changelog_id = ?", *in.ParentID, c.ID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return apperr.Validation("The comment is not valid", map[string]string{"parent_id": "unknown comment"})
			}
		}
		out = &models.ChangelogComment{ChangelogID: c.ID, ParentID: in.ParentID, UserID: ac.UserID, Author: ac.Username, Content: content}
		return tx.Create(out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

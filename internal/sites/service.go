package sites

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/db"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
)

type Service struct {
	db *gorm.DB
}

func NewService(gdb *gorm.DB) *Service { return &Service{db: gdb} }

type CreateInput struct {
	Name       string `json:"name"`
	UID        string `json:"uid"`
	CustomerID uint   `json:"customer_id"`
}

type UpdateInput struct {
	Name               *string `json:"name"`
	RerunPolicyScripts *bool   `json:"rerun_policy_scripts"`
}

// List returns the sites ac can access.
func (s *Service) List(ctx context.Context, ac auth.Context) ([]models.Site, error) {
	q := s.db.WithContext(ctx).Order("name, id")
	if !ac.IsSuperuser {
		ids := make([]uint, 0, len(ac.Memberships))
		for id := range ac.Memberships {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return []models.Site{}, nil
		}
		q = q.Where("id IN ?", ids)
	}
	var out []models.Site
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, ac auth.Context, id uint) (*models.Site, error) {
	return Load(s.db.WithContext(ctx), ac, id)
}

func (s *Service) Create(ctx context.Context, ac auth.Context, in CreateInput) (*models.Site, error) {
	if !ac.IsSuperuser {
		return nil, apperr.Forbidden("Only superusers can create sites")
	}
	name := strings.TrimSpace(in.Name)
	verr := apperr.Validation("The site is not valid", nil)
	if name == "" {
		verr.Add("name", "This field is required")
	}
	if in.CustomerID == 0 {
		verr.Add("customer_id", "This field is required")
	}
	if verr.HasFields() {
		return nil, verr
	}
	site := &models.Site{Name: name, UID: strings.TrimSpace(in.UID), CustomerID: in.CustomerID}
	if site.UID == "" {
		site.UID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Customer
		if err := tx.First(&c, in.CustomerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("customer", in.CustomerID)
			}
			return err
		}
		err := tx.Create(site).Error
		if db.IsDuplicate(err) {
			return apperr.Validation(fmt.Sprintf("A site with the UID %s already exists", site.UID), map[string]string{"uid": "already in use"})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	logs.For(ctx, "sites", "create").WithField("site", site.UID).Info("site created")
	return site, nil
}

func (s *Service) Update(ctx context.Context, ac auth.Context, id uint, in UpdateInput) (*models.Site, error) {
	var out *models.Site
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := Load(tx, ac, id)
		if err != nil {
			return err
		}
		if err := RequireAdmin(ac, site); err != nil {
			return err
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return apperr.Validation("The site is not valid", map[string]string{"name": "This field is required"})
			}
			site.Name = name
		}
		if in.RerunPolicyScripts != nil {
			site.RerunPolicyScripts = *in.RerunPolicyScripts
		}
		if err := tx.Omit("Customer").Save(site).Error; err != nil {
			return err
		}
		out = site
		return nil
	})
	return out, err
}

func (s *Service) Delete(ctx context.Context, ac auth.Context, id uint) error {
	if !ac.IsSuperuser {
		return apperr.Forbidden("Only superusers can delete sites")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := Load(tx, ac, id)
		if err != nil {
			return err
		}
		if err := tx.Where("site_id = ?", site.ID).Delete(&models.SiteMembership{}).Error; err != nil {
			return err
		}
		return tx.Delete(site).Error
	})
}

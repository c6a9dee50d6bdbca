package sites

import (
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/models"
)

// Load fetches a site with its customer features and checks that ac may use it.
func Load(db *gorm.DB, ac auth.Context, siteID uint) (*models.Site, error) {
	var s models.Site
	if err := db.Preload("Customer.FeaturePermissions").First(&s, siteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("site", siteID)
		}
		return nil, err
	}
	if !ac.CanAccessSite(s.ID) {
		return nil, apperr.Forbidden(fmt.Sprintf("You do not have access to the site %s", s.Name))
	}
	return &s, nil
}

// RequireFeature fails unless the site's customer has the feature.
func RequireFeature(s *models.Site, uid string) error {
	if s.Customer != nil && s.Customer.HasFeature(uid) {
		return nil
	}
	return apperr.Forbidden(fmt.Sprintf("The site %s does not have access to the feature %s", s.Name, uid))
}

func RequireAdmin(ac auth.Context, s *models.Site) error {
	if ac.IsSiteAdmin(s.ID) {
		return nil
	}
	return apperr.Forbidden(fmt.Sprintf("You must be an administrator of the site %s", s.Name))
}

// Resolve turns a site reference from a URL, UID or numeric id, into an id.
func Resolve(db *gorm.DB, ref string) (uint, error) {
	var s models.Site
	err := db.Select("id").Where("uid = ?", ref).First(&s).Error
	if err == nil {
		return s.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	if id, perr := strconv.ParseUint(ref, 10, 64); perr == nil {
		if err := db.Select("id").First(&s, uint(id)).Error; err == nil {
			return s.ID, nil
		}
	}
	return 0, apperr.NotFound("site", ref)
}

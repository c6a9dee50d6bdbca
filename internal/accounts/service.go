// Package accounts handles login, logout and the user accounts of sites.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/db"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/sites"
)

type Service struct {
	db      *gorm.DB
	tokens  *auth.TokenManager
	revoker auth.Revoker
}

func NewService(gdb *gorm.DB, tokens *auth.TokenManager, revoker auth.Revoker) *Service {
	if revoker == nil {
		revoker = auth.NewMemoryRevoker()
	}
	return &Service{db: gdb, tokens: tokens, revoker: revoker}
}

// LoadContext builds the auth.Context of a user from their memberships.
func (s *Service) LoadContext(ctx context.Context, userID uint) (auth.Context, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Preload("Memberships").First(&u, userID).Error; err != nil {
		return auth.Context{}, err
	}
	return contextOf(u), nil
}

func contextOf(u models.User) auth.Context {
	ac := auth.Context{UserID: u.ID, Username: u.Username, IsSuperuser: u.IsSuperuser, Memberships: map[uint]auth.MembershipType{}}
	for _, m := range u.Memberships {
		ac.Memberships[m.SiteID] = auth.MembershipType(m.Type)
	}
	return ac
}

type Session struct {
	Token     string       `json:"token"`
	ExpiresAt int64        `json:"expires_at"`
	User      *models.User `json:"user"`
}

// Login checks the password and issues a token.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	var u models.User
	err := s.db.WithContext(ctx).Preload("Memberships").Where("username = ?", strings.TrimSpace(username)).First(&u).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err != nil || auth.CheckPassword(u.PasswordHash, password) != nil {
		logs.For(ctx, "accounts", "login").WithField("username", username).Warn("login failed")
		return nil, apperr.Unauthorized("Invalid username or password")
	}
	tok, claims, err := s.tokens.Issue(u.ID, u.Username)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	logs.For(ctx, "accounts", "login").WithField("username", u.Username).Info("login")
	return &Session{Token: tok, ExpiresAt: claims.ExpiresAt.Unix(), User: &u}, nil
}

// Logout revokes the token until it would have expired.
func (s *Service) Logout(ctx context.Context, claims *auth.Claims) error {
	if claims == nil {
		return apperr.Unauthorized("not logged in")
	}
	ttl := s.tokens.Remaining(claims)
	if ttl <= 0 {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, ttl)
}

type UserInput struct {
	Username string              `json:"username"`
	Email    string              `json:"email"`
	Password string              `json:"password"`
	Language string              `json:"language"`
	Type     auth.MembershipType `json:"type"`
}

type UserUpdate struct {
	Email    *string              `json:"email"`
	Password *string              `json:"password"`
	Language *string              `json:"language"`
	Type     *auth.MembershipType `json:"type"`
}

// Member is a user as seen from one site.
type Member struct {
	models.User
	Type auth.MembershipType `json:"type"`
}

func checkType(ac auth.Context, siteID uint, t auth.MembershipType) error {
	switch t {
	case auth.SiteUser, auth.SiteAdmin:
		return nil
	case auth.CustomerAdmin:
		if ac.IsSuperuser || ac.Memberships[siteID] == auth.CustomerAdmin {
			return nil
		}
		return apperr.Forbidden("Only customer administrators can grant customer administration")
	}
	return apperr.Validation("The user is not valid", map[string]string{"type": fmt.Sprintf("unknown type %d", t)})
}

func (s *Service) admin(tx *gorm.DB, ac auth.Context, siteID uint) (*models.Site, error) {
	site, err := sites.Load(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	if err := sites.RequireAdmin(ac, site); err != nil {
		return nil, err
	}
	return site, nil
}

func (s *Service) ListMembers(ctx context.Context, ac auth.Context, siteID uint) ([]Member, error) {
	tx := s.db.WithContext(ctx)
	site, err := s.admin(tx, ac, siteID)
	if err != nil {
		return nil, err
	}
	var ms []models.SiteMembership
	if err := tx.Where("site_id = ?", site.ID).Find(&ms).Error; err != nil {
		return nil, err
	}
	types := make(map[uint]auth.MembershipType, len(ms))
	ids := make([]uint, 0, len(ms))
	for _, m := range ms {
		types[m.UserID] = auth.MembershipType(m.Type)
		ids = append(ids, m.UserID)
	}
	out := []Member{}
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := tx.Where("id IN ?", ids).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out = append(out, Member{User: u, Type: types[u.ID]})
	}
	return out, nil
}

// CreateMember creates a user and makes them a member of the site.
func (s *Service) CreateMember(ctx context.Context, ac auth.Context, siteID uint, in UserInput) (*Member, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Type == 0 {
		in.Type = auth.SiteUser
	}
	verr := apperr.Validation("The user is not valid", nil)
	if in.Username == "" {
		verr.Add("username", "This field is required")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		verr.Add("password", err.Error())
	}
	if verr.HasFields() {
		return nil, verr
	}
	var out *Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.admin(tx, ac, siteID)
		if err != nil {
			return err
		}
		if err := checkType(ac, site.ID, in.Type); err != nil {
			return err
		}
		u := models.User{Username: in.Username, Email: strings.TrimSpace(in.Email), PasswordHash: hash, Language: in.Language}
		if u.Language == "" {
			u.Language = "da"
		}
		if err := tx.Omit(clause.Associations).Create(&u).Error; err != nil {
			if db.IsDuplicate(err) {
				return apperr.Validation("A user with that username already exists", map[string]string{"username": "already in use"})
			}
			return err
		}
		m := models.SiteMembership{UserID: u.ID, SiteID: site.ID, Type: int(in.Type)}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		out = &Member{User: u, Type: in.Type}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logs.For(ctx, "accounts", "create_member").WithField("user", out.Username).Info("user created")
	return out, nil
}

func (s *Service) UpdateMember(ctx context.Context, ac auth.Context, siteID, userID uint, in UserUpdate) (*Member, error) {
	var out *Member
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.admin(tx, ac, siteID)
		if err != nil {
			return err
		}
		var m models.SiteMembership
		if err := tx.Where("site_id = ? AND user_id = ?", site.ID, userID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("user", userID)
			}
			return err
		}
		var u models.User
		if err := tx.First(&u, userID).Error; err != nil {
			return err
		}
		if in.Email != nil {
			u.Email = strings.TrimSpace(*in.Email)
		}
		if in.Language != nil {
			u.Language = *in.Language
		}
		if in.Password != nil {
			hash, err := auth.HashPassword(*in.Password)
			if err != nil {
				return apperr.Validation("The user is not valid", map[string]string{"password": err.Error()})
			}
			u.PasswordHash = hash
		}
		if err := tx.Omit(clause.Associations).Save(&u).Error; err != nil {
			return err
		}
		if in.Type != nil {
			if err := checkType(ac, site.ID, *in.Type); err != nil {
				return err
			}
			m.Type = int(*in.Type)
			if err := tx.Save(&m).Error; err != nil {
				return err
			}
		}
		out = &Member{User: u, Type: auth.MembershipType(m.Type)}
		return nil
	})
	return out, err
}

// RemoveMember ends the user's membership of the site. Users left without
// any site are deleted unless they are superusers.
func (s *Service) RemoveMember(ctx context.Context, ac auth.Context, siteID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := s.admin(tx, ac, siteID)
		if err != nil {
			return err
		}
		if userID == ac.UserID {
			return apperr.Validation("You cannot remove yourself from the site", nil)
		}
		res := tx.Unscoped().Where("site_id = ? AND user_id = ?", site.ID, userID).Delete(&models.SiteMembership{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("user", userID)
		}
		var left int64
		if err := tx.Model(&models.SiteMembership{}).Where("user_id = ?", userID).Count(&left).Error; err != nil {
			return err
		}
		if left > 0 {
			return nil
		}
		return tx.Where("id = ? AND is_superuser = ?", userID, false).Delete(&models.User{}).Error
	})
}

// CreateSuperuser is used by the CLI to bootstrap an installation.
func (s *Service) CreateSuperuser(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, apperr.Validation("The user is not valid", map[string]string{"username": "This field is required"})
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperr.Validation("The user is not valid", map[string]string{"password": err.Error()})
	}
	u := &models.User{Username: username, Email: email, PasswordHash: hash, IsSuperuser: true, Language: "da"}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, apperr.Validation("A user with that username already exists", map[string]string{"username": "already in use"})
		}
		return nil, err
	}
	return u, nil
}

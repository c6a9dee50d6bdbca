package auth

import "context"

// MembershipType mirrors the site user types an account can hold on a site.
type MembershipType int

const (
	SiteUser      MembershipType = 1
	SiteAdmin     MembershipType = 2
	CustomerAdmin MembershipType = 3
)

func (t MembershipType) String() string {
	switch t {
	case SiteUser:
		return "site_user"
	case SiteAdmin:
		return "site_admin"
	case CustomerAdmin:
		return "customer_admin"
	default:
		return "unknown"
	}
}

// Context is the acting user as seen by services. It is passed explicitly
// into every operation instead of being looked up from request state.
type Context struct {
	UserID      uint
	Username    string
	IsSuperuser bool
	Memberships map[uint]MembershipType // site id -> type
}

// System is used by the CLI and background tasks.
var System = Context{Username: "system", IsSuperuser: true}

func (c Context) Anonymous() bool { return c.UserID == 0 && !c.IsSuperuser }

func (c Context) CanAccessSite(siteID uint) bool {
	if c.IsSuperuser {
		return true
	}
	_, ok := c.Memberships[siteID]
	return ok
}

// IsSiteAdmin reports whether the user may manage users and settings of the site.
func (c Context) IsSiteAdmin(siteID uint) bool {
	if c.IsSuperuser {
		return true
	}
	t, ok := c.Memberships[siteID]
	return ok && t >= SiteAdmin
}

// UserRef returns a pointer suitable for nullable user foreign keys.
func (c Context) UserRef() *uint {
	if c.UserID == 0 {
		return nil
	}
	id := c.UserID
	return &id
}

type ctxKey struct{}

func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

func FromContext(ctx context.Context) (Context, bool) {
	ac, ok := ctx.Value(ctxKey{}).(Context)
	return ac, ok
}

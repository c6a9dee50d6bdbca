// Package testutil opens migrated in-memory databases and seeds fixtures
// for package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"kioskadmin/internal/db"
	"kioskadmin/internal/models"
)

// NewDB returns an empty, migrated SQLite database private to t.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	d, err := db.Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return d
}

func must(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
}

// Site creates a site whose customer has the given features.
func Site(t testing.TB, d *gorm.DB, name string, features ...string) *models.Site {
	t.Helper()
	c := models.Customer{Name: name + " kunde"}
	for _, f := range features {
		var fp models.FeaturePermission
		must(t, d.Where(models.FeaturePermission{UID: f}).Attrs(models.FeaturePermission{Name: f}).FirstOrCreate(&fp).Error)
		c.FeaturePermissions = append(c.FeaturePermissions, fp)
	}
	must(t, d.Create(&c).Error)
	s := models.Site{UID: uuid.NewString(), Name: name, CustomerID: c.ID}
	must(t, d.Create(&s).Error)
	return &s
}

func PC(t testing.TB, d *gorm.DB, siteID uint, name string) *models.PC {
	t.Helper()
	p := models.PC{UID: uuid.NewString(), Name: name, SiteID: siteID, IsActivated: true, AgentKey: uuid.NewString()}
	must(t, d.Create(&p).Error)
	return &p
}

// Group creates a group holding pcs and, when planID is non-zero, following that plan.
func Group(t testing.TB, d *gorm.DB, siteID uint, name string, planID uint, pcs ...*models.PC) *models.PCGroup {
	t.Helper()
	g := models.PCGroup{Name: name, SiteID: siteID}
	if planID != 0 {
		g.WakeWeekPlanID = &planID
	}
	for _, p := range pcs {
		g.PCs = append(g.PCs, *p)
	}
	must(t, d.Create(&g).Error)
	return &g
}

// Plan creates a plan open 08:00-16:00 on weekdays.
func Plan(t testing.TB, d *gorm.DB, siteID uint, name string, enabled bool) *models.WakeWeekPlan {
	t.Helper()
	p := models.WakeWeekPlan{Name: name, SiteID: siteID, Enabled: enabled, SleepState: "off"}
	on, off := datatypes.NewTime(8, 0, 0, 0), datatypes.NewTime(16, 0, 0, 0)
	days := p.Days()
	for i := 0; i < 5; i++ {
		*days[i] = models.WeekDay{Open: true, On: &on, Off: &off}
	}
	must(t, d.Create(&p).Error)
	return &p
}

// Event creates a CLOSED event over [start, end], dates as YYYY-MM-DD.
func Event(t testing.TB, d *gorm.DB, siteID uint, name, start, end string) *models.WakeChangeEvent {
	t.Helper()
	ds, err := models.ParseDate(start)
	must(t, err)
	de, err := models.ParseDate(end)
	must(t, err)
	e := models.WakeChangeEvent{Name: name, SiteID: siteID, Type: models.EventClosed, DateStart: ds, DateEnd: de}
	must(t, d.Create(&e).Error)
	return &e
}

// Script creates a global script with the given inputs, "name:TYPE" or "name:TYPE!" for mandatory.
func Script(t testing.TB, d *gorm.DB, uid, name string, inputs ...string) *models.Script {
	t.Helper()
	s := models.Script{UID: uid, Name: name}
	for i, spec := range inputs {
		var in models.ScriptInput
		n, typ, mandatory := splitInput(spec)
		in.Name, in.ValueType, in.Mandatory, in.Position = n, typ, mandatory, i
		s.Inputs = append(s.Inputs, in)
	}
	must(t, d.Create(&s).Error)
	return &s
}

func splitInput(spec string) (name, typ string, mandatory bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			name, typ = spec[:i], spec[i+1:]
			break
		}
	}
	if name == "" {
		name, typ = spec, models.InputString
	}
	if n := len(typ); n > 0 && typ[n-1] == '!' {
		typ, mandatory = typ[:n-1], true
	}
	return name, typ, mandatory
}

func User(t testing.TB, d *gorm.DB, username string) *models.User {
	t.Helper()
	u := models.User{Username: username, Email: fmt.Sprintf("%s@example.org", username)}
	must(t, d.Create(&u).Error)
	return &u
}

// Day parses YYYY-MM-DD in UTC and panics on bad input.
func Day(s string) time.Time {
	v, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return v
}

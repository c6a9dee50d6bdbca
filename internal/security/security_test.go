package security

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/models"
	"kioskadmin/internal/testutil"
)

var now = clock.Fixed(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

type sentMail struct {
	to      []string
	subject string
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to []string, subject, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject})
	return nil
}

func problem(t *testing.T, d *gorm.DB, siteID uint, uid, name string, alert ...*models.User) *models.SecurityProblem {
	t.Helper()
	p := models.SecurityProblem{UID: uid, Name: name, SiteID: siteID, Level: models.LevelHigh}
	for _, u := range alert {
		p.AlertUsers = append(p.AlertUsers, *u)
	}
	if err := d.Create(&p).Error; err != nil {
		t.Fatal(err)
	}
	return &p
}

func TestRecordNotifies(t *testing.T) {
	t.Parallel()
	d := testutil.NewDB(t)
	site := testutil.Site(t, d, "Hovedbiblioteket")
	pc1 := testutil.PC(t, d, site.ID, "pc-01")
	pc2 := testutil.PC(t, d, site.ID, "pc-02")
	sup := testutil.User(t, d, "opsyn")
	alert := testutil.User(t, d, "vagt")
	g := testutil.Group(t, d, site.ID, "Udlån", 0, pc1)
	if err := d.Model(g).Association("Supervisors").Append(sup); err != nil {
		t.Fatal(err)
	}
	problem(t, d, site.ID, "usb", "USB-nøgle", alert)

	mailer := &fakeMailer{}
	svc := NewService(d, NewNotifier(d, mailer), now)
	ctx := context.Background()

	ev, notified, err := svc.Record(ctx, Report{PCID: pc1.ID, ProblemUID: "usb", Summary: "USB inserted", Facts: map[string]any{"device": "sdb"}})
	if err != nil || !notified {
		t.Fatalf("Record = %v, %v", notified, err)
	}
	if ev.Status != models.EventNew || !ev.OccurredTime.Equal(now.Now()) {
		t.Fatalf("event = %+v", ev)
	}
	want := sentMail{to: []string{"opsyn@example.org"}, subject: "Sikkerhedsadvarsel for PC : pc-01. Sikkerhedsregel : USB-nøgle"}
	if len(mailer.sent) != 1 || !reflect.DeepEqual(mailer.sent[0], want) {
		t.Fatalf("sent = %+v", mailer.sent)
	}

	// No supervisors: the problem's alert users are mailed.
	if _, _, err := svc.Record(ctx, Report{PCID: pc2.ID, ProblemUID: "usb"}); err != nil {
		t.Fatal(err)
	}
	if got := mailer.sent[1].to; !reflect.DeepEqual(got, []string{"vagt@example.org"}) {
		t.Fatalf("fallback recipients = %v", got)
	}

	mailer.err = errors.New("relay down")
	ev, notified, err = svc.Record(ctx, Report{PCID: pc2.ID, ProblemUID: "usb"})
	if err != nil || notified || ev.ID == 0 {
		t.Fatalf("failed mail must not fail the record: %v %v %+v", notified, err, ev)
	}

	if _, _, err := svc.Record(ctx, Report{PCID: pc1.ID, ProblemUID: "ukendt"}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("unknown problem: %v", err)
	}
}

func TestSearchAndBulkUpdate(t *testing.T) {
	t.Parallel()
	d := testutil.NewDB(t)
	site := testutil.Site(t, d, "Hovedbiblioteket")
	other := testutil.Site(t, d, "Filial")
	pc := testutil.PC(t, d, site.ID, "pc-01")
	far := testutil.PC(t, d, other.ID, "pc-99")
	problem(t, d, site.ID, "usb", "USB-nøgle")
	problem(t, d, other.ID, "usb-2", "USB-nøgle")
	member := testutil.User(t, d, "medarbejder")
	if err := d.Create(&models.SiteMembership{UserID: member.ID, SiteID: site.ID, Type: int(auth.SiteUser)}).Error; err != nil {
		t.Fatal(err)
	}
	stranger := testutil.User(t, d, "fremmed")

	svc := NewService(d, nil, now)
	ctx := context.Background()
	var ids []uint
	for i := 0; i < 3; i++ {
		ev, _, err := svc.Record(ctx, Report{PCID: pc.ID, ProblemUID: "usb", Occurred: now.Now().Add(time.Duration(i) * time.Hour)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ev.ID)
	}
	foreign, _, err := svc.Record(ctx, Report{PCID: far.ID, ProblemUID: "usb-2"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Search(ctx, auth.System, SearchQuery{SiteID: site.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || res.OrderBy != "-occurred" || res.Events[0].ID != ids[2] {
		t.Fatalf("search = %+v", res)
	}
	if _, err := svc.Search(ctx, auth.System, SearchQuery{SiteID: site.ID, OrderBy: "summary"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad orderby: %v", err)
	}

	note := "tjekket"
	n, err := svc.BulkUpdate(ctx, auth.System, site.ID, BulkInput{
		IDs: []uint{ids[0], ids[1], foreign.ID}, Status: models.EventAssigned, AssignedUserID: &member.ID, Note: &note,
	})
	if err != nil || n != 2 {
		t.Fatalf("BulkUpdate = %d, %v", n, err)
	}
	res, err = svc.Search(ctx, auth.System, SearchQuery{SiteID: site.ID, Status: models.EventAssigned, OrderBy: "pk"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 || res.Events[0].Note != note || res.Events[0].AssignedUser == nil {
		t.Fatalf("assigned = %+v", res)
	}

	tests := []struct {
		name string
		in   BulkInput
	}{
		{"no ids", BulkInput{Status: models.EventResolved}},
		{"bad status", BulkInput{IDs: ids, Status: "DONE"}},
		{"non member", BulkInput{IDs: ids, Status: models.EventAssigned, AssignedUserID: &stranger.ID}},
	}
	for _, tt := range tests {
		if _, err := svc.BulkUpdate(ctx, auth.System, site.ID, tt.in); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

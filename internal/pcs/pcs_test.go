package pcs

import (
	"context"
	"reflect"
	"testing"
	"time"

	"gorm.io/gorm"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/jobs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/testutil"
	"kioskadmin/internal/wakeplan"
)

var now = clock.Fixed(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))

type runner struct {
	*jobs.Service
	calls []wakeplan.Dispatch
}

func (r *runner) RunWakeScript(_ context.Context, _ auth.Context, d wakeplan.Dispatch) (uint, error) {
	r.calls = append(r.calls, d)
	return uint(len(r.calls)), nil
}

func setup(t *testing.T) (*gorm.DB, *models.Site, *runner, *Service) {
	t.Helper()
	d := testutil.NewDB(t)
	site := testutil.Site(t, d, "Hovedbiblioteket", models.FeatureWakePlan)
	r := &runner{Service: jobs.NewService(d, now)}
	return d, site, r, NewService(d, r, now, wakeplan.Resolver{})
}

func groupsOf(t *testing.T, d *gorm.DB, pcID uint) []uint {
	t.Helper()
	var ids []uint
	if err := d.Table("pc_group_members").Where("pc_id = ?", pcID).Order("pc_group_id").Pluck("pc_group_id", &ids).Error; err != nil {
		t.Fatal(err)
	}
	return ids
}

func ids(v ...uint) *[]uint { return &v }

func TestUpdateGroupsFollowsOnePlan(t *testing.T) {
	t.Parallel()
	d, site, r, svc := setup(t)
	pc := testutil.PC(t, d, site.ID, "pc-01")
	day := testutil.Plan(t, d, site.ID, "Hverdage", true)
	evening := testutil.Plan(t, d, site.ID, "Aften", true)
	sal1 := testutil.Group(t, d, site.ID, "Sal 1", day.ID)
	sal2 := testutil.Group(t, d, site.ID, "Sal 2", evening.ID)
	ctx := context.Background()

	res, err := svc.Update(ctx, auth.System, site.ID, pc.UID, Input{Groups: ids(sal2.ID, sal1.ID)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := "Computer pc-01 updated, but it could not be added to the group(s) Sal 2 because it already belongs to the plan Hverdage"
	if res.Message != want {
		t.Fatalf("message =\n%q\nwant\n%q", res.Message, want)
	}
	if !reflect.DeepEqual(res.RejectedGroups, []uint{sal2.ID}) {
		t.Fatalf("rejected = %v", res.RejectedGroups)
	}
	if got := groupsOf(t, d, pc.ID); !reflect.DeepEqual(got, []uint{sal1.ID}) {
		t.Fatalf("groups = %v", got)
	}
	if len(r.calls) != 1 || r.calls[0].Mode != wakeplan.ModeSet || !reflect.DeepEqual(r.calls[0].PCs, []uint{pc.ID}) {
		t.Fatalf("dispatches = %+v", r.calls)
	}

	// Keeping the same plan sends nothing.
	r.calls = nil
	if _, err := svc.Update(ctx, auth.System, site.ID, pc.UID, Input{Groups: ids(sal1.ID)}); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("unchanged plan dispatched %+v", r.calls)
	}

	if _, err := svc.Update(ctx, auth.System, site.ID, pc.UID, Input{Groups: ids()}); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 1 || r.calls[0].Mode != wakeplan.ModeRemove {
		t.Fatalf("leaving the plan: dispatches = %+v", r.calls)
	}
	if got := groupsOf(t, d, pc.ID); len(got) != 0 {
		t.Fatalf("groups = %v", got)
	}
}

func TestUpdateRunsPolicyOfJoinedGroups(t *testing.T) {
	t.Parallel()
	d, site, r, svc := setup(t)
	pc := testutil.PC(t, d, site.ID, "pc-01")
	reboot := testutil.Script(t, d, "reboot", "Genstart")
	g := testutil.Group(t, d, site.ID, "Udlån", 0)
	if err := d.Create(&models.AssociatedScript{GroupID: g.ID, ScriptID: reboot.ID, Position: 0}).Error; err != nil {
		t.Fatal(err)
	}
	name, off := "Udlån 1", false

	res, err := svc.Update(context.Background(), auth.System, site.ID, pc.UID, Input{Name: &name, IsActivated: &off, Groups: ids(g.ID)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "Computer Udlån 1 updated" || len(res.Batches) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(r.calls) != 0 {
		t.Fatalf("no plan, got dispatches %+v", r.calls)
	}
	got, err := svc.Get(context.Background(), auth.System, site.ID, pc.UID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != name || got.IsActivated || len(got.Groups) != 1 {
		t.Fatalf("pc = %+v", got)
	}
}

func TestUpdateAndDeleteErrors(t *testing.T) {
	t.Parallel()
	d, site, _, svc := setup(t)
	other := testutil.Site(t, d, "Filial")
	pc := testutil.PC(t, d, site.ID, "pc-01")
	foreign := testutil.Group(t, d, other.ID, "Fremmed", 0)
	blank := " "
	injected := "pc-01\r\nBcc: x@example.org"
	ctx := context.Background()

	tests := []struct {
		name string
		uid  string
		in   Input
		want apperr.Kind
	}{
		{"unknown pc", "nope", Input{}, apperr.KindNotFound},
		{"blank name", pc.UID, Input{Name: &blank}, apperr.KindValidation},
		{"line break in name", pc.UID, Input{Name: &injected}, apperr.KindValidation},
		{"foreign group", pc.UID, Input{Groups: ids(foreign.ID)}, apperr.KindValidation},
	}
	for _, tt := range tests {
		if _, err := svc.Update(ctx, auth.System, site.ID, tt.uid, tt.in); apperr.KindOf(err) != tt.want {
			t.Errorf("%s: err = %v, want %s", tt.name, err, tt.want)
		}
	}

	msg, err := svc.Delete(ctx, auth.System, site.ID, pc.UID)
	if err != nil || msg != "Computer pc-01 deleted" {
		t.Fatalf("Delete = %q, %v", msg, err)
	}
	if _, err := svc.Get(ctx, auth.System, site.ID, pc.UID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("get after delete: %v", err)
	}
}

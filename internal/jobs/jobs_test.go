package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/xuri/excelize/v2"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/models"
	"kioskadmin/internal/testutil"
	"kioskadmin/internal/wakeplan"
)

var now = clock.Fixed(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))

func TestValidateInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ, raw, want string
		wantErr        bool
	}{
		{models.InputString, " as is ", " as is ", false},
		{models.InputInt, " 42", "42", false},
		{models.InputInt, "4x", "", true},
		{models.InputBoolean, "yes", "True", false},
		{models.InputBoolean, "", "False", false},
		{models.InputBoolean, "maybe", "", true},
		{models.InputDate, "2024-02-29", "2024-02-29", false},
		{models.InputDate, "29/02/2024", "", true},
		{models.InputTime, "7:05", "07:05", false},
		{models.InputTime, "25:00", "", true},
		{models.InputList, "a, b\nc,,", "a,b,c", false},
		{models.InputInt, "  ", "", false},
	}
	for _, tc := range tests {
		got, err := ValidateInput(models.ScriptInput{Name: "x", ValueType: tc.typ}, tc.raw)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("%s %q: got %q, %v", tc.typ, tc.raw, got, err)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	script := models.Script{Name: "Printer", Inputs: []models.ScriptInput{
		{Name: "copies", ValueType: models.InputInt, Position: 1, DefaultValue: "1"},
		{Name: "queue", ValueType: models.InputString, Position: 0, Mandatory: true},
	}}

	args, err := BuildArgs(script, []string{"kø-1"})
	if err != nil || strings.Join(args, ",") != "kø-1,1" {
		t.Fatalf("args = %v, %v", args, err)
	}

	_, err = BuildArgs(script, []string{"", "2"})
	var missing *MandatoryParameterMissingError
	if !errors.As(err, &missing) || missing.Input != "queue" {
		t.Fatalf("err = %v", err)
	}
	if err.Error() != "No value was specified for the mandatory input queue of script Printer" {
		t.Fatalf("message = %q", err.Error())
	}
	if apperr.KindOf(fmt.Errorf("wrapped: %w", err)) != apperr.KindMandatoryParam {
		t.Fatal("kind not propagated")
	}

	if _, err := BuildArgs(script, []string{"q", "two"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad int: %v", err)
	}
	if _, err := BuildArgs(script, []string{"q", "1", "extra"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("too many: %v", err)
	}
}

func TestSeedBuiltins(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)

	n, err := SeedBuiltins(context.Background(), db)
	if err != nil || n != 2 {
		t.Fatalf("first seed: %d, %v", n, err)
	}
	n, err = SeedBuiltins(context.Background(), db)
	if err != nil || n != 0 {
		t.Fatalf("second seed: %d, %v", n, err)
	}
	var set models.Script
	if err := db.Preload("Inputs").Where("uid = ?", WakePlanSetUID).First(&set).Error; err != nil {
		t.Fatal(err)
	}
	if len(set.Inputs) != 9 || !set.IsHidden || set.FeatureUID != models.FeatureWakePlan {
		t.Fatalf("set script = %+v", set)
	}
}

func TestRunWakeScript(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)
	if _, err := SeedBuiltins(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	site := testutil.Site(t, db, "Filial", models.FeatureWakePlan)
	a := testutil.PC(t, db, site.ID, "pc-01")
	b := testutil.PC(t, db, site.ID, "pc-02")
	svc := NewService(db, now)

	args := wakeplan.Schedule{SleepState: "mem"}.Arguments(now.Now())
	id, err := svc.RunWakeScript(context.Background(), auth.System, wakeplan.Dispatch{
		SiteID: site.ID, PCs: []uint{b.ID, a.ID}, Mode: wakeplan.ModeSet, Args: args,
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	var batch models.Batch
	if err := db.Preload("Jobs").Preload("Script").First(&batch, id).Error; err != nil {
		t.Fatal(err)
	}
	if batch.Script.UID != WakePlanSetUID || len(batch.Jobs) != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	var stored []string
	if err := json.Unmarshal(batch.Args, &stored); err != nil || len(stored) != 9 || stored[0] != "mem" {
		t.Fatalf("args = %v, %v", stored, err)
	}

	id, err = svc.RunWakeScript(context.Background(), auth.System, wakeplan.Dispatch{
		SiteID: site.ID, PCs: []uint{a.ID}, Mode: wakeplan.ModeRemove,
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	var removal models.Batch
	if err := db.Preload("Script").First(&removal, id).Error; err != nil || removal.Script.UID != WakePlanRemoveUID {
		t.Fatalf("remove batch = %+v, %v", removal, err)
	}

	// PCs of another site are refused.
	other := testutil.Site(t, db, "Andet")
	stranger := testutil.PC(t, db, other.ID, "pc-x")
	_, err = svc.RunWakeScript(context.Background(), auth.System, wakeplan.Dispatch{
		SiteID: site.ID, PCs: []uint{stranger.ID}, Mode: wakeplan.ModeRemove,
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("foreign pc: %v", err)
	}
}

func TestRunScriptUniquifiesGroupPCs(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)
	site := testutil.Site(t, db, "Filial")
	a := testutil.PC(t, db, site.ID, "pc-01")
	b := testutil.PC(t, db, site.ID, "pc-02")
	g := testutil.Group(t, db, site.ID, "Alle", 0, a, b)
	script := testutil.Script(t, db, "echo", "Echo", "text:STRING!")

	svc := NewService(db, now)
	ac := auth.Context{UserID: 3, Username: "sb", Memberships: map[uint]auth.MembershipType{site.ID: auth.SiteUser}}
	batch, err := svc.RunScript(context.Background(), ac, site.ID, script.ID, []uint{a.ID}, []uint{g.ID}, []string{"hej"})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Jobs) != 2 || batch.UserID == nil || *batch.UserID != 3 {
		t.Fatalf("batch = %+v", batch)
	}

	_, err = svc.RunScript(context.Background(), auth.Context{UserID: 9}, site.ID, script.ID, []uint{a.ID}, nil, []string{"hej"})
	if apperr.KindOf(err) != apperr.KindPermissionDenied {
		t.Fatalf("outsider: %v", err)
	}
	_, err = svc.RunScript(context.Background(), ac, site.ID, script.ID, []uint{a.ID}, nil, nil)
	if apperr.KindOf(err) != apperr.KindMandatoryParam {
		t.Fatalf("missing arg: %v", err)
	}
}

func TestRunPolicy(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)
	site := testutil.Site(t, db, "Filial")
	pc := testutil.PC(t, db, site.ID, "pc-01")
	first := testutil.Script(t, db, "wallpaper", "Baggrund", "url:STRING!")
	second := testutil.Script(t, db, "reboot", "Genstart")

	policy := []models.AssociatedScript{
		{ScriptID: second.ID, Position: 2},
		{ScriptID: first.ID, Position: 1, Parameters: []models.AssociatedScriptParameter{{InputID: first.Inputs[0].ID, Value: "http://x/bg.png"}}},
	}
	svc := NewService(db, now)
	batches, err := svc.RunPolicy(db, auth.System, site.ID, policy, []uint{pc.ID})
	if err != nil || len(batches) != 2 {
		t.Fatalf("batches = %v, %v", batches, err)
	}
	var b models.Batch
	if err := db.First(&b, batches[0]).Error; err != nil || b.ScriptID != first.ID {
		t.Fatalf("first batch should run position 1: %+v", b)
	}

	policy[1].Parameters = []models.AssociatedScriptParameter{}
	_, err = svc.RunPolicy(db, auth.System, site.ID, policy, []uint{pc.ID})
	var missing *MandatoryParameterMissingError
	if !errors.As(err, &missing) || missing.Script != "Baggrund" {
		t.Fatalf("err = %v", err)
	}

	if bs, err := svc.RunPolicy(db, auth.System, site.ID, policy, nil); err != nil || bs != nil {
		t.Fatalf("no pcs should be a no-op: %v %v", bs, err)
	}
}

func seedJobs(t *testing.T, svc *Service, siteID, scriptID uint, pcs []uint, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := svc.RunScript(context.Background(), auth.System, siteID, scriptID, pcs, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRestart(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)
	site := testutil.Site(t, db, "Filial")
	pc := testutil.PC(t, db, site.ID, "pc-01")
	script := testutil.Script(t, db, "update", "Opdater")
	svc := NewService(db, now)
	seedJobs(t, svc, site.ID, script.ID, []uint{pc.ID}, 1)

	var job models.Job
	if err := db.First(&job).Error; err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Restart(context.Background(), auth.System, site.ID, job.ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("restart of NEW job: %v", err)
	}
	if err := db.Model(&job).Update("status", models.JobFailed).Error; err != nil {
		t.Fatal(err)
	}
	fresh, msg, err := svc.Restart(context.Background(), auth.System, site.ID, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == job.ID || fresh.Status != models.JobNew || fresh.PCID != pc.ID {
		t.Fatalf("fresh = %+v", fresh)
	}
	if msg != "The script Opdater is being rerun on the computer pc-01" {
		t.Fatalf("msg = %q", msg)
	}
	if _, _, err := svc.Restart(context.Background(), auth.System, site.ID+100, job.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("wrong site: %v", err)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)
	site := testutil.Site(t, db, "Filial")
	a := testutil.PC(t, db, site.ID, "pc-01")
	b := testutil.PC(t, db, site.ID, "pc-02")
	g := testutil.Group(t, db, site.ID, "Kun b", 0, b)
	visible := testutil.Script(t, db, "visible", "Synlig")
	hidden := testutil.Script(t, db, "hidden", "Skjult")
	if err := db.Model(hidden).Update("is_hidden", true).Error; err != nil {
		t.Fatal(err)
	}
	svc := NewService(db, now)
	seedJobs(t, svc, site.ID, visible.ID, []uint{a.ID, b.ID}, 12) // 24 jobs
	seedJobs(t, svc, site.ID, hidden.ID, []uint{a.ID}, 1)

	res, err := svc.Search(context.Background(), auth.System, SearchQuery{SiteID: site.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 25 || res.Pages != 2 || len(res.Jobs) != PageSize || res.OrderBy != "-pk" {
		t.Fatalf("superuser page 1: total=%d pages=%d len=%d order=%s", res.Total, res.Pages, len(res.Jobs), res.OrderBy)
	}
	if res.Jobs[0].ID < res.Jobs[1].ID {
		t.Fatal("default order must be newest first")
	}

	member := auth.Context{UserID: 5, Memberships: map[uint]auth.MembershipType{site.ID: auth.SiteUser}}
	res, err = svc.Search(context.Background(), member, SearchQuery{SiteID: site.ID, Page: 9})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 24 || res.Page != 2 || len(res.Jobs) != 4 {
		t.Fatalf("member: total=%d page=%d len=%d", res.Total, res.Page, len(res.Jobs))
	}

	res, err = svc.Search(context.Background(), auth.System, SearchQuery{SiteID: site.ID, GroupID: g.ID, OrderBy: "pc"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 12 {
		t.Fatalf("group filter total = %d", res.Total)
	}
	for _, j := range res.Jobs {
		if j.PCID != b.ID || j.PC == nil || j.Batch == nil || j.Batch.Script == nil {
			t.Fatalf("unexpected job %+v", j)
		}
	}

	if _, err := svc.Search(context.Background(), auth.System, SearchQuery{SiteID: site.ID, OrderBy: "-password"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad orderby: %v", err)
	}
	if _, err := svc.Search(context.Background(), auth.System, SearchQuery{SiteID: site.ID, Status: "LOST"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("bad status: %v", err)
	}
	res, err = svc.Search(context.Background(), auth.System, SearchQuery{SiteID: site.ID, Status: models.JobDone})
	if err != nil || res.Total != 0 || res.Pages != 0 {
		t.Fatalf("done filter: %+v %v", res, err)
	}
}

func TestPageNumbers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		page, pages int
		want        string
	}{
		{1, 0, "[]"},
		{1, 1, "[1]"},
		{1, 10, "[1 2 3]"},
		{5, 10, "[3 4 5 6 7]"},
		{10, 10, "[8 9 10]"},
	}
	for _, tc := range tests {
		got := fmt.Sprint(PageNumbers(tc.page, tc.pages))
		if got != tc.want {
			t.Errorf("PageNumbers(%d, %d) = %s, want %s", tc.page, tc.pages, got, tc.want)
		}
	}
}

func TestExportXLSX(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)
	site := testutil.Site(t, db, "Filial")
	pc := testutil.PC(t, db, site.ID, "pc-01")
	script := testutil.Script(t, db, "update", "Opdater")
	svc := NewService(db, now)
	seedJobs(t, svc, site.ID, script.ID, []uint{pc.ID}, 3)

	var buf bytes.Buffer
	if err := svc.ExportXLSX(context.Background(), auth.System, SearchQuery{SiteID: site.ID}, &buf); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows("Jobs")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][1] != "Script" || rows[1][1] != "Opdater" || rows[1][3] != "pc-01" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestHTTPRunAndSearch(t *testing.T) {
	t.Parallel()
	db := testutil.NewDB(t)
	site := testutil.Site(t, db, "Filial")
	pc := testutil.PC(t, db, site.ID, "pc-01")
	script := testutil.Script(t, db, "update", "Opdater")

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithContext(req.Context(), auth.System)))
		})
	})
	NewHTTP(NewService(db, now), db).RegisterRoutes(r)

	body := fmt.Sprintf(`{"pcs":[%d]}`, pc.ID)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/sites/%s/scripts/%d/run", site.UID, script.ID), strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("run: %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/sites/%s/jobs?status=NEW", site.UID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body)
	}
	var res SearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.Total != 1 {
		t.Fatalf("search body = %s, %v", rec.Body, err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sites/nope/jobs", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown site: %d", rec.Code)
	}
}

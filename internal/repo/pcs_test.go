package repo

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"kioskadmin/internal/agent"
	"kioskadmin/internal/auth"
	"kioskadmin/internal/clock"
	"kioskadmin/internal/jobs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/testutil"
)

func TestPCStoreRegister(t *testing.T) {
	t.Parallel()
	d := testutil.NewDB(t)
	site := testutil.Site(t, d, "Hovedbiblioteket")
	s := NewPCStore(d)
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	if _, _, err := s.Register("ukendt", "", "pc-01", at); !errors.Is(err, agent.ErrUnknownSite) {
		t.Fatalf("unknown site: %v", err)
	}
	pc, isNew, err := s.Register(site.UID, "", "pc-01", at)
	if err != nil || !isNew || pc.UID == "" || pc.Key == "" || pc.IsActivated {
		t.Fatalf("Register = %+v %v %v", pc, isNew, err)
	}
	again, isNew, err := s.Register(site.UID, pc.UID, "pc-01b", at.Add(time.Hour))
	if err != nil || isNew || again.ID != pc.ID || again.Key != pc.Key || again.Name != "pc-01b" {
		t.Fatalf("re-register = %+v %v %v", again, isNew, err)
	}
	found, ok := s.FindByUID(pc.UID)
	if !ok || !found.LastSeen.Equal(at.Add(time.Hour)) {
		t.Fatalf("FindByUID = %+v %v", found, ok)
	}
}

func TestPCStoreJobs(t *testing.T) {
	t.Parallel()
	d := testutil.NewDB(t)
	site := testutil.Site(t, d, "Hovedbiblioteket")
	pc := testutil.PC(t, d, site.ID, "pc-01")
	script := testutil.Script(t, d, "echo", "Echo", "text:STRING!")
	svc := jobs.NewService(d, clock.Fixed(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	batch, err := svc.RunScript(context.Background(), auth.System, site.ID, script.ID, []uint{pc.ID}, nil, []string{"hej"})
	if err != nil {
		t.Fatal(err)
	}
	s := NewPCStore(d)

	got, err := s.TakeJobs(pc.ID)
	if err != nil || len(got) != 1 {
		t.Fatalf("TakeJobs = %+v %v", got, err)
	}
	if got[0].ID != batch.Jobs[0].ID || got[0].Script != "Echo" || !reflect.DeepEqual(got[0].Args, []string{"hej"}) {
		t.Fatalf("job = %+v", got[0])
	}
	if again, err := s.TakeJobs(pc.ID); err != nil || len(again) != 0 {
		t.Fatalf("second TakeJobs = %+v %v", again, err)
	}

	at := time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC)
	if err := s.UpdateJob(pc.ID, got[0].ID, models.JobFailed, "exit 1", at); err != nil {
		t.Fatal(err)
	}
	var j models.Job
	if err := d.First(&j, got[0].ID).Error; err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobFailed || j.Log != "exit 1" || j.Finished == nil {
		t.Fatalf("job = %+v", j)
	}
	if err := s.UpdateJob(pc.ID, got[0].ID, models.JobDone, "", at); !errors.Is(err, agent.ErrJobFinished) {
		t.Fatalf("finished job: %v", err)
	}
	if err := s.UpdateJob(pc.ID+100, got[0].ID, models.JobDone, "", at); !errors.Is(err, agent.ErrJobNotFound) {
		t.Fatalf("other pc: %v", err)
	}
}

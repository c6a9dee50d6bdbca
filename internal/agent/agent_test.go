package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"kioskadmin/internal/clock"
	"kioskadmin/internal/models"
	"kioskadmin/internal/security"
)

var now = clock.Fixed(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))

type recorder struct{ reports []security.Report }

func (r *recorder) Record(_ context.Context, rep security.Report) (*models.SecurityEvent, bool, error) {
	r.reports = append(r.reports, rep)
	return &models.SecurityEvent{PCID: rep.PCID}, len(r.reports)%2 == 1, nil
}

func newServer(t *testing.T) (*httptest.Server, *MemStore, *recorder) {
	t.Helper()
	store := NewMemStore(map[string]uint{"hovedbib": 1})
	rec := &recorder{}
	r := mux.NewRouter()
	NewController("s3cret", store, rec, now).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store, rec
}

func parseRegistration(t *testing.T, body string) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			t.Fatalf("bad line %q", line)
		}
		out[k] = v
	}
	return out
}

func post(t *testing.T, u string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := http.PostForm(u, form)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var b bytes.Buffer
	if _, err := b.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, b.String()
}

func TestRegister(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t)

	tests := []struct {
		name string
		form url.Values
		want int
	}{
		{"bad secret", url.Values{"secret": {"nope"}, "site": {"hovedbib"}, "name": {"pc-01"}}, http.StatusUnauthorized},
		{"unknown site", url.Values{"secret": {"s3cret"}, "site": {"ukendt"}, "name": {"pc-01"}}, http.StatusNotFound},
		{"missing name", url.Values{"secret": {"s3cret"}, "site": {"hovedbib"}}, http.StatusBadRequest},
		{"line break in name", url.Values{"secret": {"s3cret"}, "site": {"hovedbib"}, "name": {"pc-01\r\nBcc: x@example.org"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if resp, _ := post(t, srv.URL+"/agent/v1/register", tt.form); resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}

	resp, body := post(t, srv.URL+"/agent/v1/register", url.Values{"secret": {"s3cret"}, "site": {"hovedbib"}, "name": {"pc-01"}})
	if resp.StatusCode != http.StatusCreated || resp.Header.Get("X-Kioskadmin-Agent") != "1" {
		t.Fatalf("register: %d %v", resp.StatusCode, resp.Header)
	}
	reg := parseRegistration(t, body)
	if reg["uid"] == "" || reg["key"] == "" || reg["name"] != "pc-01" || reg["is-new"] != "1" {
		t.Fatalf("registration = %v", reg)
	}

	resp, body = post(t, srv.URL+"/agent/v1/register", url.Values{"secret": {"s3cret"}, "site": {"hovedbib"}, "name": {"pc-01b"}, "uid": {reg["uid"]}})
	again := parseRegistration(t, body)
	if resp.StatusCode != http.StatusOK || again["key"] != reg["key"] || again["name"] != "pc-01b" || again["is-new"] != "0" {
		t.Fatalf("re-register: %d %v", resp.StatusCode, again)
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	srv, store, rec := newServer(t)
	pc, _, err := store.Register("hovedbib", "", "pc-01", now.Now())
	if err != nil {
		t.Fatal(err)
	}
	base := srv.URL + "/agent/v1/" + pc.UID

	getJobs := func(key string) (int, []JobFields) {
		resp, err := http.Get(base + "/jobs?key=" + key)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out []JobFields
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatal(err)
			}
		}
		return resp.StatusCode, out
	}

	if code, _ := getJobs("wrong"); code != http.StatusForbidden {
		t.Fatalf("wrong key: %d", code)
	}
	id := store.Enqueue(pc.ID, JobFields{Script: "Genstart", Executable: "#!/bin/sh\nreboot", Args: []string{}})
	if code, jobs := getJobs(pc.Key); code != http.StatusOK || len(jobs) != 0 {
		t.Fatalf("inactive pc got jobs: %d %v", code, jobs)
	}

	store.mu.Lock()
	p := store.byUID[pc.UID]
	p.IsActivated = true
	store.byUID[pc.UID] = p
	store.mu.Unlock()

	code, jobs := getJobs(pc.Key)
	if code != http.StatusOK || len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != models.JobSubmitted {
		t.Fatalf("jobs = %d %+v", code, jobs)
	}
	if _, jobs := getJobs(pc.Key); len(jobs) != 0 {
		t.Fatalf("submitted jobs handed out twice: %+v", jobs)
	}

	status := func(st string) int {
		resp, _ := post(t, base+"/jobs/"+jsonID(id)+"/status", url.Values{"key": {pc.Key}, "status": {st}, "log": {"ok"}})
		return resp.StatusCode
	}
	if c := status("bogus"); c != http.StatusBadRequest {
		t.Fatalf("bogus status: %d", c)
	}
	if c := status("running"); c != http.StatusOK {
		t.Fatalf("running: %d", c)
	}
	if c := status("done"); c != http.StatusOK {
		t.Fatalf("done: %d", c)
	}
	j, _ := store.Job(pc.ID, id)
	if j.Status != models.JobDone || j.Started == nil || j.Finished == nil || j.Log != "ok" {
		t.Fatalf("job = %+v", j)
	}
	if c := status("failed"); c != http.StatusConflict {
		t.Fatalf("finished job changed: %d", c)
	}

	payload := `{"key":"` + pc.Key + `","events":[{"problem_uid":"usb","summary":"a"},{"problem_uid":"usb","summary":"b"}]}`
	resp, err := http.Post(base+"/security-events", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct{ Recorded, Notified int }
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Recorded != 2 || out.Notified != 1 || rec.reports[0].PCID != pc.ID {
		t.Fatalf("security = %+v %+v", out, rec.reports)
	}
}

func jsonID(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

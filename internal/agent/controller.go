// Package agent serves the endpoints polled by the PC agents: registration,
// job pickup, job status and security event reports.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"kioskadmin/internal/clock"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
	"kioskadmin/internal/security"
)

/*
Agent protocol:

POST /agent/v1/register                       (form: secret, site, uid, name)
GET  /agent/v1/{uid}/jobs?key=...
POST /agent/v1/{uid}/jobs/{id}/status         (form or JSON: key, status, log)
POST /agent/v1/{uid}/security-events          (JSON: key, events)

Every response carries X-Kioskadmin-Agent: 1.
*/

// SecurityRecorder stores reported security events. *security.Service
// implements it.
type SecurityRecorder interface {
	Record(ctx context.Context, r security.Report) (*models.SecurityEvent, bool, error)
}

type Controller struct {
	store        Store
	sharedSecret string
	security     SecurityRecorder
	clock        clock.Clock
}

func NewController(sharedSecret string, store Store, rec SecurityRecorder, c clock.Clock) *Controller {
	if store == nil {
		store = NewMemStore(nil)
	}
	if c == nil {
		c = clock.System{}
	}
	return &Controller{store: store, sharedSecret: sharedSecret, security: rec, clock: c}
}

func headerMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Kioskadmin-Agent", "1")
		next.ServeHTTP(w, r)
	})
}

func (c *Controller) RegisterRoutes(root *mux.Router) {
	sub := root.PathPrefix("/agent/v1").Subrouter()
	sub.Use(headerMW)
	sub.HandleFunc("/register", c.handleRegister).Methods(http.MethodPost)
	sub.HandleFunc("/{uid}/jobs", c.handleJobs).Methods(http.MethodGet)
	sub.HandleFunc("/{uid}/jobs/{id}/status", c.handleJobStatus).Methods(http.MethodPost)
	sub.HandleFunc("/{uid}/security-events", c.handleSecurityEvents).Methods(http.MethodPost)
}

// authorize checks the PC exists and key matches its agent key.
func (c *Controller) authorize(w http.ResponseWriter, uid, key string) (PCFields, bool) {
	pc, ok := c.store.FindByUID(uid)
	if !ok {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "computer not found", map[string]any{"uid": uid})
		return PCFields{}, false
	}
	if key == "" || key != pc.Key {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "invalid key", nil)
		return PCFields{}, false
	}
	if err := c.store.Touch(uid, c.clock.Now()); err != nil {
		logs.Logger.WithError(err).WithField("pc", uid).Warn("agent: touch failed")
	}
	return pc, true
}

// POST /agent/v1/register
func (c *Controller) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad form", "cannot parse form", nil)
		return
	}
	secret := r.Form.Get("secret")
	if secret == "" || secret != c.sharedSecret {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "unrecognized secret", nil)
		return
	}
	site := strings.TrimSpace(r.Form.Get("site"))
	name := strings.TrimSpace(r.Form.Get("name"))
	if site == "" || name == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad form", "site and name are required", nil)
		return
	}
	if !models.ValidPCName(name) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad form", "name must not contain control characters", nil)
		return
	}
	pc, isNew, err := c.store.Register(site, strings.TrimSpace(r.Form.Get("uid")), name, c.clock.Now())
	if err != nil {
		if errors.Is(err, ErrUnknownSite) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", "site not found", map[string]any{"site": site})
			return
		}
		models.WriteError(w, err)
		return
	}
	logs.For(r.Context(), "agent", "register").WithFields(map[string]any{"pc": pc.UID, "new": isNew}).Info("agent registered")

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, fmt.Sprintf("uid: %s\nkey: %s\nname: %s\nis-new: %d\n", pc.UID, pc.Key, pc.Name, btoi(isNew)))
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GET /agent/v1/{uid}/jobs?key=...
func (c *Controller) handleJobs(w http.ResponseWriter, r *http.Request) {
	pc, ok := c.authorize(w, mux.Vars(r)["uid"], r.URL.Query().Get("key"))
	if !ok {
		return
	}
	if !pc.IsActivated {
		models.WriteJSON(w, http.StatusOK, []JobFields{})
		return
	}
	out, err := c.store.TakeJobs(pc.ID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	if out == nil {
		out = []JobFields{}
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "started":
		return models.JobRunning
	case "done", "ok", "success":
		return models.JobDone
	case "failed", "error":
		return models.JobFailed
	}
	return ""
}

// POST /agent/v1/{uid}/jobs/{id}/status
func (c *Controller) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil || jobID == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "invalid job id", nil)
		return
	}
	var key, status, log string
	if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		var in struct {
			Key    string `json:"key"`
			Status string `json:"status"`
			Log    string `json:"log"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
			return
		}
		key, status, log = in.Key, in.Status, in.Log
	} else {
		if err := r.ParseForm(); err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad form", "cannot parse form", nil)
			return
		}
		key, status, log = r.Form.Get("key"), r.Form.Get("status"), r.Form.Get("log")
	}

	pc, ok := c.authorize(w, vars["uid"], key)
	if !ok {
		return
	}
	st := normalizeStatus(status)
	if st == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad status", "status must be running, done or failed", nil)
		return
	}
	switch err := c.store.UpdateJob(pc.ID, uint(jobID), st, log, c.clock.Now()); {
	case errors.Is(err, ErrJobNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not found", "job not found", nil)
		return
	case errors.Is(err, ErrJobFinished):
		models.WriteProblem(w, http.StatusConflict, "Conflict", "job already finished", nil)
		return
	case err != nil:
		models.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

// POST /agent/v1/{uid}/security-events
func (c *Controller) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Key    string            `json:"key"`
		Events []security.Report `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	pc, ok := c.authorize(w, mux.Vars(r)["uid"], in.Key)
	if !ok {
		return
	}
	if c.security == nil {
		models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "security events are not recorded", nil)
		return
	}
	out := struct {
		Recorded int `json:"recorded"`
		Notified int `json:"notified"`
	}{}
	for _, rep := range in.Events {
		rep.PCID = pc.ID
		_, notified, err := c.security.Record(r.Context(), rep)
		if err != nil {
			models.WriteError(w, err)
			return
		}
		out.Recorded++
		if notified {
			out.Notified++
		}
	}
	models.WriteJSON(w, http.StatusOK, out)
}

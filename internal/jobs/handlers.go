package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"kioskadmin/internal/middleware"
	"kioskadmin/internal/models"
	"kioskadmin/internal/sites"
)

type HTTP struct {
	svc *Service
	db  *gorm.DB
}

func NewHTTP(svc *Service, db *gorm.DB) *HTTP { return &HTTP{svc: svc, db: db} }

// RegisterRoutes mounts the script and job endpoints on an authenticated router.
func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/sites/{site}").Subrouter()
	api.HandleFunc("/scripts", h.listScripts).Methods(http.MethodGet)
	api.HandleFunc("/scripts/{id}/run", h.runScript).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.searchJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs.xlsx", h.exportJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/restart", h.restartJob).Methods(http.MethodPost)
}

func pathID(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	return uint(v), err == nil && v > 0
}

func queryID(r *http.Request, name string) uint {
	v, _ := strconv.ParseUint(r.URL.Query().Get(name), 10, 64)
	return uint(v)
}

func (h *HTTP) site(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := sites.Resolve(h.db.WithContext(r.Context()), mux.Vars(r)["site"])
	if err != nil {
		models.WriteError(w, err)
		return 0, false
	}
	return id, true
}

func (h *HTTP) listScripts(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	out, err := h.svc.ListScripts(r.Context(), middleware.Actor(r), siteID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) runScript(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	scriptID, ok := pathID(r, "id")
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "invalid script id", nil)
		return
	}
	var in struct {
		PCs    []uint   `json:"pcs"`
		Groups []uint   `json:"groups"`
		Args   []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	b, err := h.svc.RunScript(r.Context(), middleware.Actor(r), siteID, scriptID, in.PCs, in.Groups, in.Args)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, b)
}

func (h *HTTP) query(r *http.Request, siteID uint) SearchQuery {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	return SearchQuery{
		SiteID:  siteID,
		Status:  q.Get("status"),
		PCID:    queryID(r, "pc"),
		BatchID: queryID(r, "batch"),
		GroupID: queryID(r, "group"),
		OrderBy: q.Get("orderby"),
		Page:    page,
	}
}

func (h *HTTP) searchJobs(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Search(r.Context(), middleware.Actor(r), h.query(r, siteID))
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) exportJobs(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := h.svc.ExportXLSX(r.Context(), middleware.Actor(r), h.query(r, siteID), &buf); err != nil {
		models.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="jobs-%d.xlsx"`, siteID))
	_, _ = w.Write(buf.Bytes())
}

func (h *HTTP) restartJob(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	jobID, ok := pathID(r, "id")
	if !ok {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "invalid job id", nil)
		return
	}
	job, msg, err := h.svc.Restart(r.Context(), middleware.Actor(r), siteID, jobID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{"job": job, "message": msg})
}

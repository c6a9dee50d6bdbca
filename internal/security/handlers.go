package security

import (
	"encoding/json"
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

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/sites/{site}").Subrouter()
	api.HandleFunc("/security-events", h.search).Methods(http.MethodGet)
	api.HandleFunc("/security-events/update", h.bulkUpdate).Methods(http.MethodPost)
	api.HandleFunc("/security-problems", h.problems).Methods(http.MethodGet)
}

func (h *HTTP) site(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := sites.Resolve(h.db.WithContext(r.Context()), mux.Vars(r)["site"])
	if err != nil {
		models.WriteError(w, err)
		return 0, false
	}
	return id, true
}

func (h *HTTP) search(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	res, err := h.svc.Search(r.Context(), middleware.Actor(r), SearchQuery{
		SiteID: siteID, Level: q.Get("level"), Status: q.Get("status"), OrderBy: q.Get("orderby"), Page: page,
	})
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	var in BulkInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	n, err := h.svc.BulkUpdate(r.Context(), middleware.Actor(r), siteID, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *HTTP) problems(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	out, err := h.svc.ListProblems(r.Context(), middleware.Actor(r), siteID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

package groups

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
	api.HandleFunc("/groups", h.list).Methods(http.MethodGet)
	api.HandleFunc("/groups", h.create).Methods(http.MethodPost)
	api.HandleFunc("/groups/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}", h.update).Methods(http.MethodPut)
	api.HandleFunc("/groups/{id}", h.delete).Methods(http.MethodDelete)
}

func (h *HTTP) target(w http.ResponseWriter, r *http.Request, withID bool) (siteID, id uint, ok bool) {
	siteID, err := sites.Resolve(h.db.WithContext(r.Context()), mux.Vars(r)["site"])
	if err != nil {
		models.WriteError(w, err)
		return 0, 0, false
	}
	if !withID {
		return siteID, 0, true
	}
	v, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || v == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "invalid id", nil)
		return 0, 0, false
	}
	return siteID, uint(v), true
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	siteID, _, ok := h.target(w, r, false)
	if !ok {
		return
	}
	out, err := h.svc.List(r.Context(), middleware.Actor(r), siteID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	siteID, _, ok := h.target(w, r, false)
	if !ok {
		return
	}
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	g, err := h.svc.Create(r.Context(), middleware.Actor(r), siteID, in.Name, in.Description)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, Result{Group: g, Message: "Group " + g.Name + " created"})
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r, true)
	if !ok {
		return
	}
	g, err := h.svc.Get(r.Context(), middleware.Actor(r), siteID, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, g)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r, true)
	if !ok {
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	res, err := h.svc.Update(r.Context(), middleware.Actor(r), siteID, id, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r, true)
	if !ok {
		return
	}
	res, err := h.svc.Delete(r.Context(), middleware.Actor(r), siteID, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

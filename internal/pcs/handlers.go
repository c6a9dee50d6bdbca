package pcs

import (
	"encoding/json"
	"net/http"

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
	api.HandleFunc("/pcs", h.list).Methods(http.MethodGet)
	api.HandleFunc("/pcs/{uid}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/pcs/{uid}", h.update).Methods(http.MethodPatch)
	api.HandleFunc("/pcs/{uid}", h.delete).Methods(http.MethodDelete)
}

func (h *HTTP) site(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := sites.Resolve(h.db.WithContext(r.Context()), mux.Vars(r)["site"])
	if err != nil {
		models.WriteError(w, err)
		return 0, false
	}
	return id, true
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
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

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	pc, err := h.svc.Get(r.Context(), middleware.Actor(r), siteID, mux.Vars(r)["uid"])
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, pc)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	res, err := h.svc.Update(r.Context(), middleware.Actor(r), siteID, mux.Vars(r)["uid"], in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	msg, err := h.svc.Delete(r.Context(), middleware.Actor(r), siteID, mux.Vars(r)["uid"])
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"message": msg})
}

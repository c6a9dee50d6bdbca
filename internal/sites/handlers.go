package sites

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"kioskadmin/internal/middleware"
	"kioskadmin/internal/models"
)

type HTTP struct {
	svc *Service
}

func NewHTTP(svc *Service) *HTTP { return &HTTP{svc: svc} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/sites", h.list).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sites", h.create).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sites/{site}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sites/{site}", h.update).Methods(http.MethodPatch)
	r.HandleFunc("/api/v1/sites/{site}", h.delete).Methods(http.MethodDelete)
}

func (h *HTTP) site(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := Resolve(h.svc.db.WithContext(r.Context()), mux.Vars(r)["site"])
	if err != nil {
		models.WriteError(w, err)
		return 0, false
	}
	return id, true
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.List(r.Context(), middleware.Actor(r))
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	site, err := h.svc.Create(r.Context(), middleware.Actor(r), in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, site)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.site(w, r)
	if !ok {
		return
	}
	site, err := h.svc.Get(r.Context(), middleware.Actor(r), id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, site)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.site(w, r)
	if !ok {
		return
	}
	var in UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	site, err := h.svc.Update(r.Context(), middleware.Actor(r), id, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, site)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.site(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), middleware.Actor(r), id); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

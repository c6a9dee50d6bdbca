package changelog

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"kioskadmin/internal/middleware"
	"kioskadmin/internal/models"
)

type HTTP struct{ svc *Service }

func NewHTTP(svc *Service) *HTTP { return &HTTP{svc: svc} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/changelogs").Subrouter()
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	api.HandleFunc("", h.create).Methods(http.MethodPost)
	api.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.update).Methods(http.MethodPut)
	api.HandleFunc("/{id}", h.remove).Methods(http.MethodDelete)
	api.HandleFunc("/{id}/comments", h.comment).Methods(http.MethodPost)
}

func id(w http.ResponseWriter, r *http.Request) (uint, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || v == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "invalid id", nil)
		return 0, false
	}
	return uint(v), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return false
	}
	return true
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	res, err := h.svc.List(r.Context(), middleware.Actor(r), ListQuery{Tag: r.URL.Query().Get("tag"), Page: page})
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id, ok := id(w, r)
	if !ok {
		return
	}
	e, err := h.svc.Get(r.Context(), middleware.Actor(r), id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, e)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var in Input
	if !decode(w, r, &in) {
		return
	}
	e, err := h.svc.Create(r.Context(), middleware.Actor(r), in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, e)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	id, ok := id(w, r)
	if !ok {
		return
	}
	var in Input
	if !decode(w, r, &in) {
		return
	}
	e, err := h.svc.Update(r.Context(), middleware.Actor(r), id, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, e)
}

func (h *HTTP) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := id(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), middleware.Actor(r), id); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) comment(w http.ResponseWriter, r *http.Request) {
	id, ok := id(w, r)
	if !ok {
		return
	}
	var in CommentInput
	if !decode(w, r, &in) {
		return
	}
	c, err := h.svc.AddComment(r.Context(), middleware.Actor(r), id, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, c)
}

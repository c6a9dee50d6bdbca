package accounts

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"kioskadmin/internal/middleware"
	"kioskadmin/internal/models"
	"kioskadmin/internal/sites"
)

type HTTP struct {
	svc *Service
}

func NewHTTP(svc *Service) *HTTP { return &HTTP{svc: svc} }

// RegisterPublicRoutes mounts the endpoints reachable without a token.
func (h *HTTP) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/auth/login", h.login).Methods(http.MethodPost)
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/auth/logout", h.logout).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/me", h.me).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/sites/{site}").Subrouter()
	api.HandleFunc("/users", h.listMembers).Methods(http.MethodGet)
	api.HandleFunc("/users", h.createMember).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}", h.updateMember).Methods(http.MethodPatch)
	api.HandleFunc("/users/{id}", h.removeMember).Methods(http.MethodDelete)
}

func (h *HTTP) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	sess, err := h.svc.Login(r.Context(), in.Username, in.Password)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, sess)
}

func (h *HTTP) logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.Claims(r)
	if err := h.svc.Logout(r.Context(), claims); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) me(w http.ResponseWriter, r *http.Request) {
	ac := middleware.Actor(r)
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"id": ac.UserID, "username": ac.Username, "is_superuser": ac.IsSuperuser, "memberships": ac.Memberships,
	})
}

func (h *HTTP) target(w http.ResponseWriter, r *http.Request, withID bool) (siteID, id uint, ok bool) {
	siteID, err := sites.Resolve(h.svc.db.WithContext(r.Context()), mux.Vars(r)["site"])
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

func (h *HTTP) listMembers(w http.ResponseWriter, r *http.Request) {
	siteID, _, ok := h.target(w, r, false)
	if !ok {
		return
	}
	out, err := h.svc.ListMembers(r.Context(), middleware.Actor(r), siteID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) createMember(w http.ResponseWriter, r *http.Request) {
	siteID, _, ok := h.target(w, r, false)
	if !ok {
		return
	}
	var in UserInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	m, err := h.svc.CreateMember(r.Context(), middleware.Actor(r), siteID, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, m)
}

func (h *HTTP) updateMember(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r, true)
	if !ok {
		return
	}
	var in UserUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	m, err := h.svc.UpdateMember(r.Context(), middleware.Actor(r), siteID, id, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, m)
}

func (h *HTTP) removeMember(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r, true)
	if !ok {
		return
	}
	if err := h.svc.RemoveMember(r.Context(), middleware.Actor(r), siteID, id); err != nil {
		models.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

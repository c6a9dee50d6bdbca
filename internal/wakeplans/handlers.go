package wakeplans

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

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/sites/{site}").Subrouter()
	api.HandleFunc("/wake-plans", h.listPlans).Methods(http.MethodGet)
	api.HandleFunc("/wake-plans", h.createPlan).Methods(http.MethodPost)
	api.HandleFunc("/wake-plans/{id}", h.getPlan).Methods(http.MethodGet)
	api.HandleFunc("/wake-plans/{id}", h.updatePlan).Methods(http.MethodPut)
	api.HandleFunc("/wake-plans/{id}", h.deletePlan).Methods(http.MethodDelete)
	api.HandleFunc("/wake-plans/{id}/duplicate", h.duplicatePlan).Methods(http.MethodPost)

	api.HandleFunc("/wake-change-events", h.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/wake-change-events", h.createEvent).Methods(http.MethodPost)
	api.HandleFunc("/wake-change-events.ics", h.exportEvents).Methods(http.MethodGet)
	api.HandleFunc("/wake-change-events/{id}", h.updateEvent).Methods(http.MethodPut)
	api.HandleFunc("/wake-change-events/{id}", h.deleteEvent).Methods(http.MethodDelete)
}

func (h *HTTP) site(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := sites.Resolve(h.db.WithContext(r.Context()), mux.Vars(r)["site"])
	if err != nil {
		models.WriteError(w, err)
		return 0, false
	}
	return id, true
}

// target resolves the site and the {id} path variable.
func (h *HTTP) target(w http.ResponseWriter, r *http.Request) (siteID, id uint, ok bool) {
	siteID, ok = h.site(w, r)
	if !ok {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || v == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "invalid id", nil)
		return 0, 0, false
	}
	return siteID, uint(v), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return false
	}
	return true
}

func (h *HTTP) listPlans(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	out, err := h.svc.ListPlans(r.Context(), middleware.Actor(r), siteID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) createPlan(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	var in PlanInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.svc.CreatePlan(r.Context(), middleware.Actor(r), siteID, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, res)
}

func (h *HTTP) getPlan(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	p, err := h.svc.GetPlan(r.Context(), middleware.Actor(r), siteID, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, p)
}

func (h *HTTP) updatePlan(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var in PlanInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.svc.UpdatePlan(r.Context(), middleware.Actor(r), siteID, id, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) deletePlan(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := h.svc.DeletePlan(r.Context(), middleware.Actor(r), siteID, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) duplicatePlan(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	p, err := h.svc.DuplicatePlan(r.Context(), middleware.Actor(r), siteID, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, p)
}

func (h *HTTP) listEvents(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	out, err := h.svc.ListEvents(r.Context(), middleware.Actor(r), siteID)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) createEvent(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	var in EventInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.svc.CreateEvent(r.Context(), middleware.Actor(r), siteID, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, res)
}

func (h *HTTP) updateEvent(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var in EventInput
	if !decode(w, r, &in) {
		return
	}
	res, err := h.svc.UpdateEvent(r.Context(), middleware.Actor(r), siteID, id, in)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) deleteEvent(w http.ResponseWriter, r *http.Request) {
	siteID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := h.svc.DeleteEvent(r.Context(), middleware.Actor(r), siteID, id)
	if err != nil {
		models.WriteError(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) exportEvents(w http.ResponseWriter, r *http.Request) {
	siteID, ok := h.site(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := h.svc.ExportEventsICS(r.Context(), middleware.Actor(r), siteID, &buf); err != nil {
		models.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="wake-change-events-%d.ics"`, siteID))
	_, _ = w.Write(buf.Bytes())
}

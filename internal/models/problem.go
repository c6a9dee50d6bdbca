package models

import (
	"encoding/json"
	"errors"
	"net/http"

	"kioskadmin/internal/apperr"
)

// Problem is an RFC 7807 body.
type Problem struct {
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Status int            `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra map[string]any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Extra:  extra,
	})
}

// WriteError maps err to a problem response by its kind.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.Status(kind)
	var extra map[string]any
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.HasFields() {
		extra = map[string]any{"fields": ae.Fields}
	}
	WriteProblem(w, status, http.StatusText(status), apperr.Public(err), extra)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"kioskadmin/internal/models"
)

// RegisterRoutes mounts GET /healthz.
func RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		models.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}

// RegisterRoutesWithDB also mounts GET /readyz, which pings the database.
func RegisterRoutesWithDB(r *mux.Router, db *gorm.DB) {
	RegisterRoutes(r)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable", nil)
			return
		}
		models.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "database": db.Dialector.Name()})
	}).Methods(http.MethodGet)
}

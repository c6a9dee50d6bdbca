package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"kioskadmin/internal/testutil"
)

func TestRoutes(t *testing.T) {
	t.Parallel()

	r := mux.NewRouter()
	RegisterRoutesWithDB(r, testutil.NewDB(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d body %s", path, rec.Code, rec.Body)
		}
	}

	bare := mux.NewRouter()
	RegisterRoutes(bare)
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("readyz without db: status %d", rec.Code)
	}
}

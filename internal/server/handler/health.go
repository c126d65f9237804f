package handler

import (
	"net/http"
	"time"
)

// HealthCheck responds with a liveness document.
// GET /healthz
func HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

package handlers

import (
	"net/http"
)

type HealthResponse struct {
	Status string `json:"status"`
}

// Health returns the health status of the server
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready reports ready once the remote session can serve listings.
func Ready(b Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b == nil || !b.Connected() {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "not_ready"})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
	}
}

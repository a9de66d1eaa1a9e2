package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(response)
}

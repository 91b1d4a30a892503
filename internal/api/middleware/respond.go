package middleware

import (
	"encoding/json"
	"net/http"
)

// errorBody matches the api package's error response format.
type errorBody struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Message: msg}) //nolint:errcheck
}

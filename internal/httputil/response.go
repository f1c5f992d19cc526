// Package httputil holds the JSON response helpers shared by the job service
// handlers.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes v with status. Once the header is out an encoding error
// can only be reported to the caller.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// WriteJSONError writes {"error": message}, the body the client parses
// into a StatusError.
func WriteJSONError(w http.ResponseWriter, message string, status int) {
	_ = WriteJSON(w, status, map[string]string{"error": message})
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/carepath/carepath/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCarepathError maps a typed error to its HTTP status; untyped errors
// surface as 500.
func writeCarepathError(w http.ResponseWriter, err error) {
	var cpErr *schema.CarepathError
	if errors.As(err, &cpErr) {
		writeJSON(w, statusForCode(cpErr.Code), map[string]any{"error": cpErr})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// statusForCode maps error codes from the run taxonomy onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeMissingInput:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeRunTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeProvider, schema.ErrCodeRetryExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// stateString reads a string value out of a run-state snapshot.
func stateString(state map[string]any, key string) string {
	if s, ok := state[key].(string); ok {
		return s
	}
	return ""
}

// stateStrings reads a string slice out of a run-state snapshot.
func stateStrings(state map[string]any, key string) []string {
	if xs, ok := state[key].([]string); ok {
		return xs
	}
	return nil
}

// stateBool reads a bool value out of a run-state snapshot.
func stateBool(state map[string]any, key string) bool {
	if b, ok := state[key].(bool); ok {
		return b
	}
	return false
}

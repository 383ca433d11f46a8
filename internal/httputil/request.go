package httputil

import (
	"fmt"
	"net/http"
	"strconv"
)

// GetOptionalIntParameter reads an integer query parameter, returning
// fallback when it is absent. A malformed or out of range value gets a 400
// written into the ResponseWriter and false returned.
func GetOptionalIntParameter(w http.ResponseWriter, r *http.Request, key string, fallback, min, max int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("expected an integer for the %s query parameter", key), http.StatusBadRequest)
		return 0, false
	}
	if v < min || v > max {
		http.Error(w, fmt.Sprintf("%s must be between %d and %d", key, min, max), http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

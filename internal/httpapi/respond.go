package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/blawesom/vm-manager/internal/apierr"
	"github.com/blawesom/vm-manager/internal/vlog"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		vlog.Error("httpapi: encoding response: %v", err)
	}
}

// writeError maps an error to its HTTP status and a {detail} body. Any
// error that isn't an *apierr.Error is treated as an internal failure.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		writeJSON(w, apiErr.Status(), map[string]string{"detail": apiErr.Detail})
		return
	}

	vlog.Error("httpapi: unhandled error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

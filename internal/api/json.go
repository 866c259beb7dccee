package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/apex-build/buildforge/internal/corelib"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error           string `json:"error"`
	RecommendedNext string `json:"recommendedNext,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeStorageError maps a storage/orchestrator error to the spec §6 status
// codes: not-found -> 404, everything else -> 503 (the collaborator itself
// is unavailable, not the request malformed).
func writeStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, corelib.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusServiceUnavailable, err.Error())
}

// decodeJSON decodes an optional JSON body into v. A missing or empty body
// is not an error: several routes (cancel, retry) accept an empty POST.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

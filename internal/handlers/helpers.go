package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shellgate/shellgate/internal/profiles"
	"github.com/shellgate/shellgate/internal/vault"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// decodeJSON rejects bodies with unknown shapes early; handlers validate
// field contents themselves.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeStoreError maps profile store failures onto the response envelope.
// Crypto failures stay generic: the cause goes to the log, never the client.
func writeStoreError(w http.ResponseWriter, err error) {
	var verr *profiles.ValidationError
	var cerr *vault.CryptoError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, profiles.ErrNameConflict):
		writeError(w, http.StatusConflict, "A profile with this name already exists")
	case errors.Is(err, profiles.ErrNotFound):
		writeError(w, http.StatusNotFound, "Profile not found")
	case errors.As(err, &cerr):
		writeError(w, http.StatusInternalServerError, "Internal error")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

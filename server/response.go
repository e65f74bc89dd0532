package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/usedcss/errors"
	"github.com/teranos/usedcss/usedcss"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// maxBodyBytes bounds a request body
const maxBodyBytes = 1 << 20

// readOptionalJSON decodes a JSON body into v when one was sent. An empty
// body leaves v untouched. Writes 400 and returns false on a bad body.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		return true
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// statusFor maps a pipeline error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.IsAny(err, errors.ErrForbidden, errors.ErrReplay):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.IsAny(err, errors.ErrConflict, usedcss.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorFor logs err and writes it with the mapped status. Internal
// errors are not echoed to the caller.
func writeErrorFor(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed", "status", status, "error", err,
			"details", errors.FlattenDetails(err))
	} else {
		log.Debugw("Request rejected", "status", status, "error", err)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/vdavid/vmail/mailsync/internal/db"
	"github.com/vdavid/vmail/mailsync/internal/mailsync"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string             `json:"error"`
	Kind  mailsync.ErrorKind `json:"kind"`
}

// writeJSON encodes v to a buffer first so an encoding failure never leaves a partial body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Printf("API: Failed to encode response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("API: Failed to write response: %v", err)
	}
}

// writeError reports err verbatim with its classification.
func writeError(w http.ResponseWriter, err error) {
	kind := mailsync.Classify(err)
	writeJSON(w, statusFor(err, kind), errorResponse{Error: err.Error(), Kind: kind})
}

// writeBadRequest reports an invalid request.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Kind: mailsync.KindProtocol})
}

func statusFor(err error, kind mailsync.ErrorKind) int {
	switch {
	case errors.Is(err, db.ErrAccountNotFound), errors.Is(err, mailsync.ErrFolderNotFound):
		return http.StatusNotFound
	case kind == mailsync.KindTransport:
		return http.StatusBadGateway
	case kind == mailsync.KindProtocol:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

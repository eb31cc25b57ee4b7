package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"auctus/internal/augment"
	"auctus/internal/convert"
	"auctus/internal/index"
	"auctus/internal/materialize"
	"auctus/internal/session"
)

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSON(w, status, map[string]string{"error": msg})
}

// sendFailure maps an internal error onto a response. User-visible
// messages never carry internal detail beyond the error kinds the API
// contract names.
func sendFailure(w http.ResponseWriter, err error) {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		sendError(w, http.StatusBadRequest, br.msg)
	case errors.Is(err, index.ErrNotFound), errors.Is(err, session.ErrNotFound):
		sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, materialize.ErrDatasetTooBig):
		sendError(w, http.StatusBadRequest, "dataset is too big")
	case augment.IsAugmentationError(err):
		sendError(w, http.StatusBadRequest, err.Error())
	case convert.IsMaterializerError(err):
		sendError(w, http.StatusBadRequest, "dataset cannot be materialized")
	default:
		sendError(w, http.StatusInternalServerError, "internal error")
	}
}

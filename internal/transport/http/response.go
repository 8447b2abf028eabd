package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vivektripaathi/remote-job-executor/internal/entity"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeDomainErr maps domain errors onto HTTP status codes.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrJobNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, entity.ErrInvalidJobRequest):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrJobAlreadyTerminal):
		writeErr(w, http.StatusConflict, "job already in a terminal state")
	case errors.Is(err, entity.ErrJobNotTerminal):
		writeErr(w, http.StatusConflict, "job not in a terminal state")
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

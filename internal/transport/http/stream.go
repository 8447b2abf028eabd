package httptransport

import (
	"encoding/json"
	"net/http"
)

// StreamLogs godoc
// @Summary Stream live job output
// @Description Server-sent events. Each event is a JSON log line or a terminal "completed" event, after which the stream ends. No replay: the stream starts at the current position.
// @Tags jobs
// @Produce text/event-stream
// @Param id path string true "job id (uuid)"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/logs [get]
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel, err := h.jobSvc.Subscribe(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

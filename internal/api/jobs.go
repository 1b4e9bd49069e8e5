package api

import "net/http"

// PollMailbox runs one mailbox poll on demand.
func (h *Handlers) PollMailbox(w http.ResponseWriter, r *http.Request) {
	if h.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "mailbox polling is not configured")
		return
	}
	stats, err := h.poller.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ProcessFiles runs the pipeline over every received file on demand.
func (h *Handlers) ProcessFiles(w http.ResponseWriter, r *http.Request) {
	results, err := h.pipeline.ProcessNewFiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed": len(results),
		"results":   results,
	})
}

package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/voicecoach/internal/pending"
)

type PendingHandler struct {
	registry *pending.Registry
}

func NewPendingHandler(registry *pending.Registry) *PendingHandler {
	return &PendingHandler{registry: registry}
}

func (h *PendingHandler) List(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.Pending()
	WriteJSON(w, http.StatusOK, map[string]any{"pending": entries, "total": len(entries)})
}

// Register hands a job to background polling. The body is optional and may
// name the owner for jobs this process never submitted.
func (h *PendingHandler) Register(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := DecodeJSON(r, &req); err != nil && err != io.EOF {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.registry.RegisterFor(id, req.OwnerID); err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *PendingHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Dismiss(chi.URLParam(r, "id")) {
		WriteError(w, http.StatusNotFound, "job not registered")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers pending-job routes on the given router.
func (h *PendingHandler) Routes(r chi.Router) {
	r.Get("/pending", h.List)
	r.Post("/pending/{id}", h.Register)
	r.Delete("/pending/{id}", h.Dismiss)
}

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/voicecoach/internal/storage"
)

type ArchiveHandler struct {
	archive *storage.Archive
}

func NewArchiveHandler(archive *storage.Archive) *ArchiveHandler {
	return &ArchiveHandler{archive: archive}
}

// Get serves an archived recording by key.
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	blob, e, err := h.archive.Load(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	data, err := blob.Bytes()
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", e.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Routes registers archive routes on the given router.
func (h *ArchiveHandler) Routes(r chi.Router) {
	r.Get("/archive/*", h.Get)
}

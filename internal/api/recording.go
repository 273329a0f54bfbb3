package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/voicecoach/internal/recording"
)

type RecordingHandler struct {
	session *recording.Session
}

func NewRecordingHandler(session *recording.Session) *RecordingHandler {
	return &RecordingHandler{session: session}
}

func (h *RecordingHandler) Get(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.session.Snapshot())
}

// Start may block while the device asks for permission.
func (h *RecordingHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Start(r.Context()); err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.session.Snapshot())
}

// Stop seals the recording. Stopping before the minimum duration is a 422
// and leaves the recording running.
func (h *RecordingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if _, err := h.session.Stop(); err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.session.Snapshot())
}

func (h *RecordingHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Reset(); err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.session.Snapshot())
}

// Blob serves the sealed recording bytes.
func (h *RecordingHandler) Blob(w http.ResponseWriter, r *http.Request) {
	blob := h.session.Blob()
	if blob == nil {
		WriteError(w, http.StatusNotFound, "no sealed recording")
		return
	}
	data, err := blob.Bytes()
	if err != nil {
		if errors.Is(err, recording.ErrBlobRevoked) {
			WriteCoreError(w, err)
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", blob.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Blob-ID", blob.ID)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Routes registers recording routes on the given router.
func (h *RecordingHandler) Routes(r chi.Router) {
	r.Get("/recording", h.Get)
	r.Get("/recording/blob", h.Blob)
	r.Post("/recording/start", h.Start)
	r.Post("/recording/stop", h.Stop)
	r.Post("/recording/reset", h.Reset)
}

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/voicecoach/internal/analysis"
	"github.com/snarg/voicecoach/internal/pending"
	"github.com/snarg/voicecoach/internal/recording"
	"github.com/snarg/voicecoach/internal/storage"
)

type JobsHandler struct {
	session *recording.Session
	jobs    *analysis.Client
	pending *pending.Registry
	archive *storage.Archive
	poll    analysis.PollOptions
	rounds  roundSet
}

func NewJobsHandler(deps Deps) *JobsHandler {
	return &JobsHandler{
		session: deps.Session,
		jobs:    deps.Jobs,
		pending: deps.Pending,
		archive: deps.Archive,
		poll:    deps.Poll,
	}
}

// jobView adds the human-readable summary to a tracking record.
type jobView struct {
	analysis.Job
	Summary string `json:"summary"`
}

func viewOf(j analysis.Job) jobView { return jobView{Job: j, Summary: j.Summary()} }

type submitRequest struct {
	OwnerID string `json:"owner_id"`
	// ArchiveKey resubmits an archived recording instead of the session's.
	ArchiveKey string `json:"archive_key,omitempty"`
	// Register hands the job to the background registry straight away.
	Register bool `json:"register,omitempty"`
}

type submitResponse struct {
	JobID      string `json:"job_id"`
	ArchiveKey string `json:"archive_key,omitempty"`
	Registered bool   `json:"registered"`
}

// Submit sends the sealed recording for analysis and returns as soon as the
// analyzer has accepted it.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OwnerID == "" {
		WriteError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	log := hlog.FromRequest(r)

	blob, key, ok := h.recordingFor(w, r, req.OwnerID, req.ArchiveKey)
	if !ok {
		return
	}
	resp := submitResponse{ArchiveKey: key}

	jobID, err := h.jobs.Submit(r.Context(), req.OwnerID, blob)
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	resp.JobID = jobID

	if req.Register {
		if err := h.pending.RegisterFor(jobID, req.OwnerID); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("background registration failed")
		} else {
			resp.Registered = true
		}
	}
	WriteJSON(w, http.StatusAccepted, resp)
}

// recordingFor picks the blob to submit: an archived one when key is set,
// otherwise the session's sealed recording, which is archived on the way.
// It writes the error response and returns ok=false when there is none.
func (h *JobsHandler) recordingFor(w http.ResponseWriter, r *http.Request, ownerID, key string) (*recording.Blob, string, bool) {
	if key != "" {
		if h.archive == nil {
			WriteError(w, http.StatusNotFound, "archive not configured")
			return nil, "", false
		}
		blob, _, err := h.archive.Load(r.Context(), key)
		if err != nil {
			WriteCoreError(w, err)
			return nil, "", false
		}
		return blob, key, true
	}

	blob := h.session.Blob()
	if blob == nil {
		WriteError(w, http.StatusConflict, "no sealed recording")
		return nil, "", false
	}
	if h.archive != nil {
		e, err := h.archive.Put(r.Context(), ownerID, blob)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("archiving recording failed")
		} else {
			key = e.Key
		}
	}
	return blob, key, true
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobs.Jobs()
	out := make([]jobView, len(jobs))
	for i, j := range jobs {
		out[i] = viewOf(j)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": out, "total": len(out)})
}

// Get returns the tracking record. ?refresh=true queries the analyzer once
// first; a concurrent poll is not an error, the cached record is returned.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("refresh") == "true" {
		j, err := h.jobs.PollOnce(r.Context(), id)
		switch {
		case err == nil:
			WriteJSON(w, http.StatusOK, viewOf(j))
			return
		case errors.Is(err, analysis.ErrUnknownJob):
			WriteCoreError(w, err)
			return
		case !errors.Is(err, analysis.ErrPollBusy):
			hlog.FromRequest(r).Debug().Err(err).Str("job_id", id).Msg("refresh failed")
		}
	}
	j, ok := h.jobs.Job(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(j))
}

// Await blocks until the job resolves or the attempt ceiling is hit.
// ?attempts= overrides the ceiling. If the client goes away the record
// stays non-terminal and can be registered for background polling.
func (h *JobsHandler) Await(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opts := h.poll
	if n, ok := QueryInt(r, "attempts"); ok && n > 0 {
		opts.MaxAttempts = n
	}
	extendWrite(w)
	j, err := h.jobs.AwaitCompletion(r.Context(), id, opts)
	if err != nil {
		if analysis.IsTerminalErr(err) {
			status, code := errorStatus(err)
			WriteJSON(w, status, map[string]any{"error": code, "detail": err.Error(), "job": viewOf(j)})
			return
		}
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(j))
}

// Retry starts a fresh tracking record for a failed or timed-out job.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Retrack(chi.URLParam(r, "id"))
	if err != nil {
		WriteCoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(j))
}

func (h *JobsHandler) Forget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.pending.Dismiss(id)
	h.jobs.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// Finalize asks the analyzer for the owner's aggregate result.
func (h *JobsHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	out, err := h.jobs.Finalize(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		WriteErrorDetail(w, http.StatusBadGateway, "finalize failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// Routes registers job routes on the given router.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.List)
	r.Post("/jobs", h.Submit)
	r.Get("/jobs/{id}", h.Get)
	r.Delete("/jobs/{id}", h.Forget)
	r.Post("/jobs/{id}/await", h.Await)
	r.Post("/jobs/{id}/retry", h.Retry)
	r.Post("/owners/{owner}/finalize", h.Finalize)
	r.Get("/owners/{owner}/rounds", h.ListRounds)
	r.Post("/owners/{owner}/rounds", h.SubmitRound)
	r.Delete("/owners/{owner}/rounds", h.AbandonRounds)
}

package api

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/voicecoach/internal/analysis"
)

// ownerRounds is the open multi-round sequence of one owner.
type ownerRounds struct {
	seq    *analysis.Sequence
	cancel context.CancelFunc
}

// roundSet holds open sequences by owner id.
type roundSet struct {
	mu     sync.Mutex
	owners map[string]*ownerRounds
}

func (s *roundSet) get(ownerID string) (*ownerRounds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[ownerID]
	return o, ok
}

func (s *roundSet) open(jobs *analysis.Client, ownerID string, poll analysis.PollOptions) *ownerRounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.owners[ownerID]; ok {
		return o
	}
	// Background waits outlive the request that submitted the round.
	ctx, cancel := context.WithCancel(context.Background())
	o := &ownerRounds{seq: jobs.NewSequence(ctx, ownerID, poll), cancel: cancel}
	if s.owners == nil {
		s.owners = make(map[string]*ownerRounds)
	}
	s.owners[ownerID] = o
	return o
}

// close drops o if it is still the owner's open sequence. abandon also
// stops its background waits.
func (s *roundSet) close(ownerID string, o *ownerRounds, abandon bool) {
	s.mu.Lock()
	if s.owners[ownerID] == o {
		delete(s.owners, ownerID)
	}
	s.mu.Unlock()
	if abandon {
		o.cancel()
	}
}

type roundRequest struct {
	// Final submits the last round, waits for every round and finalizes.
	Final      bool   `json:"final"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

type roundResponse struct {
	OwnerID    string   `json:"owner_id"`
	JobID      string   `json:"job_id"`
	Round      int      `json:"round"`
	JobIDs     []string `json:"job_ids"`
	ArchiveKey string   `json:"archive_key,omitempty"`
}

// SubmitRound adds a round to the owner's sequence. Intermediate rounds
// return once the analyzer accepts them; the final round blocks until
// every round resolved and returns the aggregate. A final round whose
// upload fails leaves the sequence open so it can be recorded again.
func (h *JobsHandler) SubmitRound(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var req roundRequest
	if err := DecodeJSON(r, &req); err != nil && err != io.EOF {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	blob, key, ok := h.recordingFor(w, r, owner, req.ArchiveKey)
	if !ok {
		return
	}
	o := h.rounds.open(h.jobs, owner, h.poll)

	if !req.Final {
		id, err := o.seq.Submit(r.Context(), blob)
		if err != nil {
			WriteCoreError(w, err)
			return
		}
		ids := o.seq.JobIDs()
		WriteJSON(w, http.StatusAccepted, roundResponse{
			OwnerID: owner, JobID: id, Round: len(ids), JobIDs: ids, ArchiveKey: key,
		})
		return
	}

	extendWrite(w)
	res, err := o.seq.Finish(r.Context(), blob)
	if res == nil {
		WriteCoreError(w, err)
		return
	}
	h.rounds.close(owner, o, false)
	if err != nil {
		status, code := errorStatus(err)
		WriteJSON(w, status, map[string]any{"error": code, "detail": err.Error(), "result": res})
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// ListRounds returns the job ids of the owner's open sequence.
func (h *JobsHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	o, ok := h.rounds.get(owner)
	if !ok {
		WriteError(w, http.StatusNotFound, "no open rounds")
		return
	}
	ids := o.seq.JobIDs()
	WriteJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "job_ids": ids, "total": len(ids)})
}

// AbandonRounds drops the owner's open sequence and stops its background
// waits. Tracking records stay and can still be registered.
func (h *JobsHandler) AbandonRounds(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	o, ok := h.rounds.get(owner)
	if !ok {
		WriteError(w, http.StatusNotFound, "no open rounds")
		return
	}
	h.rounds.close(owner, o, true)
	w.WriteHeader(http.StatusNoContent)
}

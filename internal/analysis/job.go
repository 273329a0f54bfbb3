// Package analysis submits sealed recordings to the remote analyzer and
// tracks the resulting server-side jobs by polling.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSubmissionFailed = errors.New("analysis submission failed")
	ErrAnalysisFailed   = errors.New("analysis job failed")
	ErrTimeout          = errors.New("analysis job did not finish within the polling budget")
	ErrUnknownJob       = errors.New("unknown analysis job")
	ErrPollBusy         = errors.New("job is already being polled")
	ErrNotRetryable     = errors.New("job completed; nothing to retry")
)

// Status is the client's view of one tracking record.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusPolling   Status = "polling"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Result is the analyzer's payload, passed through untouched. Kind tags the
// feature that produced it (interview, game, communication, ...).
type Result struct {
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Job is a client-side tracking record for a server job.
type Job struct {
	ID             string    `json:"job_id"`
	OwnerID        string    `json:"owner_id"`
	SubmittedAt    time.Time `json:"submitted_at"`
	Status         Status    `json:"status"`
	Attempt        int       `json:"attempt"`
	CompletedCount int       `json:"completed_count,omitempty"`
	Result         *Result   `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summary is a one-line, human-readable description of the job outcome.
func (j Job) Summary() string {
	switch j.Status {
	case StatusCompleted:
		if j.Result != nil && j.Result.Kind != "" {
			return fmt.Sprintf("%s analysis is ready", j.Result.Kind)
		}
		return "analysis is ready"
	case StatusFailed:
		if j.Error != "" {
			return "analysis failed: " + j.Error
		}
		return "analysis failed"
	case StatusTimedOut:
		return "analysis is still running, check back later"
	default:
		return "analysis in progress"
	}
}

// RemoteStatus is the analyzer's job-status document.
type RemoteStatus struct {
	Status         string          `json:"status"`
	CompletedCount *int            `json:"completed_count,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type remoteState int

const (
	remoteRunning remoteState = iota
	remoteCompleted
	remoteFailed
)

// state folds the analyzer's vocabulary into running/completed/failed.
// Anything unrecognised is treated as still running.
func (r *RemoteStatus) state() remoteState {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "completed", "complete", "done", "succeeded", "success":
		return remoteCompleted
	case "failed", "failure", "error", "cancelled", "canceled":
		return remoteFailed
	default:
		return remoteRunning
	}
}

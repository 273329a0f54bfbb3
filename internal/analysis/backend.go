package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Upload is an audio payload headed for the analyzer.
type Upload struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Backend is the remote analyzer.
type Backend interface {
	SubmitJob(ctx context.Context, ownerID string, audio Upload) (string, error)
	JobStatus(ctx context.Context, jobID string) (*RemoteStatus, error)
	Finalize(ctx context.Context, ownerID string) (json.RawMessage, error)
}

// HTTPError is a non-2xx analyzer response.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: analyzer returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPBackend talks to the analyzer's JSON API.
type HTTPBackend struct {
	client *resty.Client
}

// NewHTTPBackend creates a backend rooted at baseURL. token, when set, is
// sent as a bearer token. Requests are never retried automatically.
func NewHTTPBackend(baseURL, token string, timeout time.Duration) *HTTPBackend {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &HTTPBackend{client: c}
}

type submitResponse struct {
	JobID string `json:"job_id"`
	ID    string `json:"id"`
}

func (b *HTTPBackend) SubmitJob(ctx context.Context, ownerID string, audio Upload) (string, error) {
	var out submitResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"owner_id": ownerID}).
		SetMultipartField("file", audio.Filename, audio.MIMEType, bytes.NewReader(audio.Data)).
		SetResult(&out).
		Post("/jobs")
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if resp.IsError() {
		return "", &HTTPError{Op: "submit job", StatusCode: resp.StatusCode(), Body: truncate(resp.String())}
	}
	id := out.JobID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", errors.New("submit job: analyzer response carried no job id")
	}
	return id, nil
}

func (b *HTTPBackend) JobStatus(ctx context.Context, jobID string) (*RemoteStatus, error) {
	var out RemoteStatus
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		SetResult(&out).
		Get("/jobs/{id}")
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	if resp.IsError() {
		return nil, &HTTPError{Op: "job status", StatusCode: resp.StatusCode(), Body: truncate(resp.String())}
	}
	return &out, nil
}

func (b *HTTPBackend) Finalize(ctx context.Context, ownerID string) (json.RawMessage, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetPathParam("owner", ownerID).
		Post("/owners/{owner}/finalize")
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	if resp.IsError() {
		return nil, &HTTPError{Op: "finalize", StatusCode: resp.StatusCode(), Body: truncate(resp.String())}
	}
	body := resp.Body()
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, errors.New("finalize: analyzer returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

func truncate(s string) string {
	const limit = 512
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

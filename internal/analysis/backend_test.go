package analysis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalyzer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		owner := r.FormValue("owner_id")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if owner == "" || string(data) != "RIFFdata" || hdr.Header.Get("Content-Type") != "audio/wav;codecs=1" {
			http.Error(w, "bad upload", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"job_id": "srv-" + owner})
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.PathValue("id") {
		case "srv-done":
			w.Write([]byte(`{"status":"completed","completed_count":3,"kind":"interview","result":{"score":9}}`))
		case "srv-missing":
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		default:
			w.Write([]byte(`{"status":"processing","completed_count":1}`))
		}
	})
	mux.HandleFunc("POST /owners/{owner}/finalize", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"owner":"` + r.PathValue("owner") + `","overall":71}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPBackend_SubmitJob(t *testing.T) {
	srv := newAnalyzer(t)
	b := NewHTTPBackend(srv.URL, "s3cret", 5*time.Second)

	id, err := b.SubmitJob(context.Background(), "answer-7", Upload{
		Filename: "a.wav",
		MIMEType: "audio/wav;codecs=1",
		Data:     []byte("RIFFdata"),
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-answer-7", id)
}

func TestHTTPBackend_SubmitRejected(t *testing.T) {
	srv := newAnalyzer(t)
	b := NewHTTPBackend(srv.URL, "wrong", 5*time.Second)

	_, err := b.SubmitJob(context.Background(), "o", Upload{Filename: "a.wav", MIMEType: "audio/wav;codecs=1", Data: []byte("RIFFdata")})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestHTTPBackend_JobStatus(t *testing.T) {
	srv := newAnalyzer(t)
	b := NewHTTPBackend(srv.URL, "", 5*time.Second)

	st, err := b.JobStatus(context.Background(), "srv-done")
	require.NoError(t, err)
	assert.Equal(t, remoteCompleted, st.state())
	require.NotNil(t, st.CompletedCount)
	assert.Equal(t, 3, *st.CompletedCount)
	assert.Equal(t, "interview", st.Kind)
	assert.JSONEq(t, `{"score":9}`, string(st.Result))

	st, err = b.JobStatus(context.Background(), "srv-other")
	require.NoError(t, err)
	assert.Equal(t, remoteRunning, st.state())

	_, err = b.JobStatus(context.Background(), "srv-missing")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestHTTPBackend_Finalize(t *testing.T) {
	srv := newAnalyzer(t)
	b := NewHTTPBackend(srv.URL, "", 5*time.Second)

	out, err := b.Finalize(context.Background(), "interview-3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"owner":"interview-3","overall":71}`, string(out))
}

func TestHTTPBackend_EndToEndWithClient(t *testing.T) {
	srv := newAnalyzer(t)
	c := newTestClient(NewHTTPBackend(srv.URL, "s3cret", 5*time.Second))

	id, err := c.Submit(context.Background(), "done", testBlob())
	require.NoError(t, err)
	assert.Equal(t, "srv-done", id)

	job, err := c.AwaitCompletion(context.Background(), id, fastPoll)
	require.NoError(t, err)
	assert.Equal(t, 3, job.CompletedCount)
	assert.Equal(t, "interview", job.Result.Kind)
}

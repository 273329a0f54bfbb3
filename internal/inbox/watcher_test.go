package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/voicecoach/internal/analysis"
)

type recorder struct {
	mu         sync.Mutex
	uploads    []analysis.Upload
	owners     []string
	registered map[string]string
	fail       bool
}

func (r *recorder) SubmitUpload(_ context.Context, ownerID string, u analysis.Upload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", errors.New("analyzer down")
	}
	r.uploads = append(r.uploads, u)
	r.owners = append(r.owners, ownerID)
	return fmt.Sprintf("job-%d", len(r.uploads)), nil
}

func (r *recorder) RegisterFor(jobID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered == nil {
		r.registered = make(map[string]string)
	}
	r.registered[jobID] = ownerID
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.uploads)
}

func start(t *testing.T, dir string, rec *recorder) *Watcher {
	t.Helper()
	w := New(Options{Dir: dir, Debounce: 10 * time.Millisecond, Log: zerolog.Nop()}, rec, rec)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_SubmitsNewFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "answer-9"), 0o755))
	rec := &recorder{}
	w := start(t, dir, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer-9", "take.wav"), []byte("RIFF"), 0o644))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, "answer-9", rec.owners[0])
	assert.Equal(t, "take.wav", rec.uploads[0].Filename)
	assert.Equal(t, "audio/wav", rec.uploads[0].MIMEType)
	rec.mu.Unlock()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "answer-9", SubmittedDir, "job-1_take.wav"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, "answer-9", rec.registered["job-1"])
	rec.mu.Unlock()
	assert.Equal(t, int64(1), w.Status().Submitted)
}

func TestWatcher_NewOwnerDirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	start(t, dir, rec)

	owner := filepath.Join(dir, "pres-1")
	require.NoError(t, os.MkdirAll(owner, 0o755))
	// Give the watcher a moment to add the new directory.
	require.Eventually(t, func() bool {
		name := filepath.Join(owner, fmt.Sprintf("clip-%d.webm", time.Now().UnixNano()))
		os.WriteFile(name, []byte("webm"), 0o644)
		return rec.count() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcher_BacklogAndIgnoredFiles(t *testing.T) {
	dir := t.TempDir()
	owner := filepath.Join(dir, "o")
	require.NoError(t, os.MkdirAll(filepath.Join(owner, SubmittedDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(owner, "waiting.m4a"), []byte("m4a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(owner, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(owner, SubmittedDir, "job-0_old.wav"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loose.wav"), []byte("x"), 0o644))

	rec := &recorder{}
	start(t, dir, rec)

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	rec.mu.Lock()
	assert.Equal(t, "audio/mp4", rec.uploads[0].MIMEType)
	rec.mu.Unlock()
}

func TestWatcher_FailedSubmissionLeavesFile(t *testing.T) {
	dir := t.TempDir()
	owner := filepath.Join(dir, "o")
	require.NoError(t, os.MkdirAll(owner, 0o755))
	path := filepath.Join(owner, "a.ogg")
	require.NoError(t, os.WriteFile(path, []byte("ogg"), 0o644))

	rec := &recorder{fail: true}
	w := start(t, dir, rec)

	require.Eventually(t, func() bool { return w.Status().Failed == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.FileExists(t, path)
}

package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_IntermediateRoundsAdvanceOptimistically(t *testing.T) {
	gate := make(chan struct{})
	be := newFakeBackend(func(jobID string, n int) (*RemoteStatus, error) {
		if jobID != "job-3" {
			<-gate
		}
		return completed("game")
	})
	c := newTestClient(be)
	seq := c.NewSequence(context.Background(), "game-42", fastPoll)

	for i := 0; i < 2; i++ {
		done := make(chan error, 1)
		go func() {
			_, err := seq.Submit(context.Background(), testBlob())
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("intermediate round blocked on analysis")
		}
	}

	finished := make(chan struct{})
	var res *SequenceResult
	var err error
	go func() {
		res, err = seq.Finish(context.Background(), testBlob())
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("final round returned before background rounds resolved")
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	<-finished

	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, seq.JobIDs())
	require.Len(t, res.Jobs, 3)
	for _, j := range res.Jobs {
		assert.Equal(t, StatusCompleted, j.Status)
	}
	assert.JSONEq(t, `{"score":87}`, string(res.Aggregate))
	assert.Equal(t, []string{"game-42"}, be.finalized)
}

func TestSequence_BackgroundTimeoutDoesNotBlockFinalize(t *testing.T) {
	be := newFakeBackend(func(jobID string, _ int) (*RemoteStatus, error) {
		if jobID == "job-1" {
			return processing()
		}
		return completed("")
	})
	c := newTestClient(be)
	seq := c.NewSequence(context.Background(), "interview-1", PollOptions{Interval: time.Millisecond, MaxAttempts: 5})

	_, err := seq.Submit(context.Background(), testBlob())
	require.NoError(t, err)
	res, err := seq.Finish(context.Background(), testBlob())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Aggregate)

	j, _ := c.Job("job-1")
	assert.Equal(t, StatusTimedOut, j.Status)
}

func TestSequence_FinalFailureSkipsFinalize(t *testing.T) {
	be := newFakeBackend(func(string, int) (*RemoteStatus, error) {
		return &RemoteStatus{Status: "failed"}, nil
	})
	c := newTestClient(be)
	seq := c.NewSequence(context.Background(), "o", fastPoll)

	res, err := seq.Finish(context.Background(), testBlob())
	require.ErrorIs(t, err, ErrAnalysisFailed)
	require.NotNil(t, res)
	assert.Nil(t, res.Aggregate)
	assert.Empty(t, be.finalized)

	_, err = seq.Submit(context.Background(), testBlob())
	assert.ErrorIs(t, err, ErrSequenceFinished)
}

func TestSequence_SubmitFailureIsFatalToRound(t *testing.T) {
	be := newFakeBackend(func(string, int) (*RemoteStatus, error) { return completed("") })
	be.submitErr = errors.New("network unreachable")
	c := newTestClient(be)
	seq := c.NewSequence(context.Background(), "o", fastPoll)

	_, err := seq.Submit(context.Background(), testBlob())
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Empty(t, seq.JobIDs())

	be.mu.Lock()
	be.submitErr = nil
	be.mu.Unlock()
	id, err := seq.Submit(context.Background(), testBlob())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, seq.JobIDs())
}

func TestSequence_FinalSubmitFailureAllowsRetry(t *testing.T) {
	be := newFakeBackend(func(string, int) (*RemoteStatus, error) { return completed("") })
	c := newTestClient(be)
	seq := c.NewSequence(context.Background(), "interview-7", fastPoll)

	_, err := seq.Submit(context.Background(), testBlob())
	require.NoError(t, err)

	be.mu.Lock()
	be.submitErr = errors.New("network unreachable")
	be.mu.Unlock()
	res, err := seq.Finish(context.Background(), testBlob())
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Nil(t, res)
	assert.Equal(t, []string{"job-1"}, seq.JobIDs())

	be.mu.Lock()
	be.submitErr = nil
	be.mu.Unlock()
	res, err = seq.Finish(context.Background(), testBlob())
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)
	assert.Equal(t, []string{"interview-7"}, be.finalized)

	_, err = seq.Finish(context.Background(), testBlob())
	assert.ErrorIs(t, err, ErrSequenceFinished)
}

package mqttclient

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNormalizePrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "voicecoach"},
		{"  ", "voicecoach"},
		{"home/alice/", "home/alice"},
		{"/coach", "coach"},
	}
	for _, tt := range tests {
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNotificationTopic(t *testing.T) {
	if got := notificationTopic("coach", "job-7"); got != "coach/jobs/job-7/notification" {
		t.Errorf("topic = %q", got)
	}
}

func TestHandleMessage_Register(t *testing.T) {
	c := &Client{prefix: "coach", log: zerolog.Nop()}
	var gotJob, gotOwner string
	c.OnRegister(func(jobID, ownerID string) {
		gotJob, gotOwner = jobID, ownerID
	})

	c.handleMessage("coach/other", []byte(`{"job_id":"x"}`))
	if gotJob != "" {
		t.Fatalf("handler called for foreign topic")
	}

	c.handleMessage("coach/pending/register", []byte(`not json`))
	c.handleMessage("coach/pending/register", []byte(`{"owner_id":"o"}`))
	if gotJob != "" {
		t.Fatalf("handler called for invalid payload")
	}

	c.handleMessage("coach/pending/register", []byte(`{"job_id":"job-3","owner_id":"answer-1"}`))
	if gotJob != "job-3" || gotOwner != "answer-1" {
		t.Errorf("registered %q/%q, want job-3/answer-1", gotJob, gotOwner)
	}
}

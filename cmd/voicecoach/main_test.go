package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/voicecoach/internal/waveform"
)

func TestReadPrompts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.txt")
	body := "# warmup\nThe quick brown fox\n\n  She sells sea shells  \n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	got, err := readPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"The quick brown fox", "She sells sea shells"}, got)

	_, err = readPrompts(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestMeter(t *testing.T) {
	silent := meter(waveform.Frame{Level: 0})
	assert.Equal(t, 0, strings.Count(silent, "#"))

	loud := meter(waveform.Frame{Level: 1})
	assert.Equal(t, 30, strings.Count(loud, "#"))
}

func TestRootCmdSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "record", "game", "job"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

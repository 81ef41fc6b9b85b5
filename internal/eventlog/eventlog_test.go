package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/akfldk1028/taskdaemon/internal/models"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAssignsMonotonicSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	ev1, err := log.Append(models.EventAgentSessionStart, map[string]interface{}{"agent": "coder"})
	require.NoError(t, err)
	require.Equal(t, int64(1), ev1.Sequence)

	ev2, err := log.Append(models.EventPhaseCompleted, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), ev2.Sequence)

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.EventAgentSessionStart, events[0].Kind)
}

func TestOpen_ResumesSequenceAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	log1, err := Open(path)
	require.NoError(t, err)
	_, err = log1.Append(models.EventTaskEvent, nil)
	require.NoError(t, err)
	require.NoError(t, log1.Close())

	log2, err := Open(path)
	require.NoError(t, err)
	defer log2.Close()

	ev, err := log2.Append(models.EventTaskEvent, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), ev.Sequence)
}

func TestRead_TruncatedTrailingLineIsTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := Open(path)
	require.NoError(t, err)
	_, err = log.Append(models.EventTaskEvent, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":2,"kind":"TASK_EV`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

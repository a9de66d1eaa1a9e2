package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	require.NoError(t, err)

	require.NoError(t, l.Task("task-1", "booking-calendar", "task_started", "task accepted", nil))
	require.NoError(t, l.Error(CategoryPool, "create_failed", "chromium spawn failed", map[string]any{
		"attempt": 3,
	}))
	require.NoError(t, l.Close())

	events, err := ReadRecentEvents(filepath.Join(dir, "engine.jsonl"), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "task-1", events[0].TaskID)
	assert.Equal(t, CategoryTask, events[0].Category)
	assert.False(t, events[0].Timestamp.IsZero())

	errEvents, err := ReadRecentEvents(filepath.Join(dir, "errors.jsonl"), 10)
	require.NoError(t, err)
	require.Len(t, errEvents, 1)
	assert.Equal(t, "create_failed", errEvents[0].EventType)
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	require.NoError(t, err)

	require.NoError(t, l.Debug(CategoryStep, "poll", "", nil))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "engine.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestLoggerDebugLevelEnabled(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	require.NoError(t, err)
	l.SetMinLevel(LevelDebug)

	require.NoError(t, l.Debug(CategoryStep, "poll", "assert not yet true", nil))
	require.NoError(t, l.Close())

	events, err := ReadRecentEvents(filepath.Join(dir, "engine.jsonl"), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, LevelDebug, events[0].Level)
}

func TestReadRecentEventsTail(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Info(CategoryHTTP, "request", "", map[string]any{"n": i}))
	}
	require.NoError(t, l.Close())

	events, err := ReadRecentEvents(filepath.Join(dir, "engine.jsonl"), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 3, events[0].Details["n"])
}

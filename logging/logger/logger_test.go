package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ncobase/jobwatch/ctxutil"
	"github.com/ncobase/jobwatch/logging/logger/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Info(context.Background(), "Job submitted", "job_id", "42", "error", errors.New("boom"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "Job submitted", entry["msg"])
	assert.Equal(t, "42", entry["job_id"])
	assert.Equal(t, "boom", entry["error"])
}

func TestOddPairsAreKept(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	l.Warn(context.Background(), "dangling", "job_id")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "job_id", entry[badKey])
}

func TestTraceIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.SetVersion("1.0.0")

	ctx := ctxutil.SetTraceID(context.Background(), "trace-1")
	l.Error(ctx, "failed")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "trace-1", entry[ctxutil.TraceIDKey])
	assert.Equal(t, "1.0.0", entry[VersionKey])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.SetLevelValue(int(logrus.WarnLevel))

	l.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	l.SetLevelValue(0)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestInitTextFormat(t *testing.T) {
	l := Discard()
	cleanup, err := l.Init(&config.Config{Level: int(logrus.DebugLevel), Format: "text", Output: "stderr"})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	_, isText := l.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestFileOutputRotation(t *testing.T) {
	dir := t.TempDir()
	l := Discard()
	cleanup, err := l.Init(&config.Config{Output: "file", OutputFile: filepath.Join(dir, "jobwatch.log")})
	require.NoError(t, err)

	l.Info(context.Background(), "before rotation")
	previous := l.logFile

	require.NoError(t, l.rotateLog())
	assert.NotSame(t, previous, l.logFile)
	_, err = previous.WriteString("late write\n")
	assert.ErrorIs(t, err, os.ErrClosed)

	l.Info(context.Background(), "after rotation")
	cleanup()
	assert.Nil(t, l.logFile)
	assert.Nil(t, l.stop)
	assert.Same(t, os.Stdout, l.Out)

	// a rotation that was already waiting on the lock must not reopen the file
	require.NoError(t, l.rotateLog())
	assert.Nil(t, l.logFile)

	matches, err := filepath.Glob(filepath.Join(dir, "jobwatch.*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "before rotation")
	assert.Contains(t, string(data), "after rotation")
}

func TestPeriodicRotationStops(t *testing.T) {
	l := Discard()
	l.logPath = filepath.Join(t.TempDir(), "jobwatch.log")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.periodicLogRotation(stop, time.Millisecond)
		close(done)
	}()
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rotation goroutine did not exit")
	}
	if l.logFile != nil {
		_ = l.logFile.Close()
	}
}

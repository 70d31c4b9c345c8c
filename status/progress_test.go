package status

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressJSONShapes(t *testing.T) {
	b, err := json.Marshal(Percent(40))
	require.NoError(t, err)
	assert.Equal(t, "40", string(b))

	b, err = json.Marshal(Report(40, "halfway"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"percentage":40,"log":"halfway"}`, string(b))

	var p Progress
	require.NoError(t, json.Unmarshal([]byte(`{"percentage":12.5}`), &p))
	assert.Equal(t, Report(12.5, ""), p)

	require.NoError(t, json.Unmarshal([]byte(`7`), &p))
	assert.Equal(t, Percent(7), p)

	assert.Error(t, json.Unmarshal([]byte(`"x"`), &p))
}

func TestParseProgressReportsMissingPercentage(t *testing.T) {
	p, hasPct, err := ParseProgress(json.RawMessage(`{"log":"only a log"}`))
	require.NoError(t, err)
	assert.False(t, hasPct)
	assert.Equal(t, "only a log", p.Log)

	p, hasPct, err = ParseProgress(json.RawMessage(`55`))
	require.NoError(t, err)
	assert.True(t, hasPct)
	assert.Equal(t, Percent(55), p)
}

func TestLogLineFormat(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 3, 45_000_000, time.FixedZone("x", 3600))
	assert.Equal(t, "[2024-05-01T11:00:03.045Z] Job 7 queued.", LogLine(at, QueuedMessage("7")))
	assert.Equal(t, "Progress: 12.5%", ProgressMessage(12.5))
	assert.Equal(t, "Job failed: boom", FailedMessage("boom"))
}

func TestJobStatusWireShape(t *testing.T) {
	b, err := json.Marshal(JobStatus{ID: "1", Name: "render", Status: StateActive, Logs: []string{}, Timestamp: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","name":"render","status":"active","progress":0,"logs":[],"timestamp":5}`, string(b))
}

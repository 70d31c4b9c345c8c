package status

import (
	"fmt"
	"time"
)

const logTimeLayout = "2006-01-02T15:04:05.000Z"

// Lifecycle log messages.
const (
	MsgStarted            = "Job started processing."
	MsgStartedFetchFailed = "Job started processing (details fetch failed)."
	MsgCompleted          = "Job completed successfully."
)

// LogLine formats msg as "[<ISO-8601 UTC ms>] msg".
func LogLine(t time.Time, msg string) string {
	return "[" + t.UTC().Format(logTimeLayout) + "] " + msg
}

// QueuedMessage is logged when a job is accepted.
func QueuedMessage(id string) string {
	return fmt.Sprintf("Job %s queued.", id)
}

// ProgressMessage is the fallback line for a progress report without a log.
func ProgressMessage(p float64) string {
	return "Progress: " + FormatPercent(p) + "%"
}

// FailedMessage is logged when a job fails.
func FailedMessage(reason string) string {
	return "Job failed: " + reason
}

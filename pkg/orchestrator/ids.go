package orchestrator

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// randomHex returns the first n (at most 32) hex digits of a random UUID.
func randomHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// newRunID returns run_<yyyymmddhhmmss>_<6 hex>.
func newRunID(now time.Time) string {
	return "run_" + now.UTC().Format("20060102150405") + "_" + randomHex(6)
}

func newEventID() string {
	return "evt_" + randomHex(8)
}

func newTraceID() string {
	return "trace_" + randomHex(12)
}

func newSpanID() string {
	return "span_" + randomHex(8)
}

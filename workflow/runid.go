package workflow

import (
	"time"

	"github.com/google/uuid"
)

// NewRunID returns a time-sortable, unique run id: a YYYYMMDD_HHMMSS
// timestamp followed by an 8-hex-character random suffix.
func NewRunID(now time.Time) string {
	return now.Format("20060102_150405") + "_" + uuid.New().String()[:8]
}

// NewForkRunID returns a run id for a forked run, marked with a "_fork_"
// segment so forks are recognizable in run listings.
func NewForkRunID(now time.Time) string {
	return now.Format("20060102_150405") + "_fork_" + uuid.New().String()[:6]
}

package sources

import (
	"context"
	"time"
)

// AttemptStatus is the outcome of one download attempt.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt describes one download attempt against one URL.
type Attempt struct {
	RunID     string
	Stage     string
	URL       string
	Scheme    string
	Status    AttemptStatus
	Bytes     int64
	StartedAt time.Time
	Duration  time.Duration
	Error     string
}

// AttemptRecorder persists download attempts for later audit.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

package stores

import (
	"time"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/sources"
)

// Run is one CLI invocation.
type Run struct {
	ID          string           `json:"id"`
	Target      string           `json:"target,omitempty"`
	Group       string           `json:"group,omitempty"`
	Status      engine.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration"`
	StagesTotal int              `json:"stages_total"`
	Error       *string          `json:"error,omitempty"`
}

// StageRun is one stage outcome within a run.
type StageRun struct {
	ID        int64              `json:"id"`
	RunID     string             `json:"run_id"`
	Stage     string             `json:"stage"`
	Status    engine.StageStatus `json:"status"`
	Artifacts []string           `json:"artifacts"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
	Error     *string            `json:"error,omitempty"`
}

// DownloadAttempt is one persisted source download attempt.
type DownloadAttempt struct {
	ID int64 `json:"id"`
	sources.Attempt
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

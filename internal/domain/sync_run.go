package domain

import "time"

// SyncRun is a historical record of one sync cycle.
type SyncRun struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Status     string    `json:"status"` // "success" | "error"
	Mode       string    `json:"mode"`   // "full" | "incremental"
	Watermark  string    `json:"watermark"`
	Fetched    int       `json:"fetched"`
	Inserted   int       `json:"inserted"`
	Ignored    int       `json:"ignored"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// RunLogStore persists SyncRun history.
type RunLogStore interface {
	CreateRun(run *SyncRun) error
	ListRuns(job string, limit int) ([]SyncRun, error)
}

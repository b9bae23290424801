package models

import "time"

// RunStatus distinguishes a clean run from one that logged recoverable errors.
type RunStatus int

const (
	StatusCompleted RunStatus = iota
	StatusCompletedWithErrors
)

func (s RunStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCompletedWithErrors:
		return "completed with errors"
	default:
		return "unknown"
	}
}

// RunResult holds the overall result of one dump invocation.
type RunResult struct {
	Status    RunStatus
	StartTime time.Time
	EndTime   time.Time
	Resumed   bool

	Titles       int
	PagesWritten int
	PagesMissing int
	PagesFailed  int

	Images           int
	ImagesDownloaded int
	ImagesFiltered   int
	ImagesFailed     int

	RequestCount int
	RetryCount   int
	ErrorCount   int

	DumpPath         string
	IntegrityWarning string
}

// Finalize derives Status from the recorded error count.
func (r *RunResult) Finalize() {
	r.EndTime = time.Now()
	if r.ErrorCount > 0 || r.IntegrityWarning != "" {
		r.Status = StatusCompletedWithErrors
		return
	}
	r.Status = StatusCompleted
}

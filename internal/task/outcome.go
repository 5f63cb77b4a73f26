package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the tri-state result of applying a task, plus Skipped for tasks
// that never ran (aborted host, failed predecessor).
type Status int

const (
	StatusUnchanged Status = iota
	StatusChanged
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnchanged:
		return "ok"
	case StatusChanged:
		return "changed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Outcome is what applying one task on one host reports.
type Outcome struct {
	Task     string        `json:"task"`
	Kind     string        `json:"kind"`
	Status   Status        `json:"status"`
	Message  string        `json:"msg,omitempty"`
	Handler  bool          `json:"handler,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`

	// Transient marks a failure as retryable transport trouble rather than
	// a permanent operation error.
	Transient bool `json:"transient,omitempty"`
}

// Unchanged builds an ok outcome for t.
func Unchanged(t Task, msg string) Outcome {
	return Outcome{Task: t.Name(), Kind: t.Kind(), Status: StatusUnchanged, Message: msg}
}

// Changed builds a changed outcome for t.
func Changed(t Task, msg string) Outcome {
	return Outcome{Task: t.Name(), Kind: t.Kind(), Status: StatusChanged, Message: msg}
}

// Skipped builds a skipped outcome for t.
func Skipped(t Task, msg string) Outcome {
	return Outcome{Task: t.Name(), Kind: t.Kind(), Status: StatusSkipped, Message: msg}
}

// Failed builds a permanent failure outcome for t.
func Failed(t Task, format string, args ...interface{}) Outcome {
	return Outcome{Task: t.Name(), Kind: t.Kind(), Status: StatusFailed, Message: fmt.Sprintf(format, args...)}
}

// FailedTransient builds a retryable failure outcome for t.
func FailedTransient(t Task, format string, args ...interface{}) Outcome {
	o := Failed(t, format, args...)
	o.Transient = true
	return o
}

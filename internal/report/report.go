// Package report is the terminal artifact of a run: per-host, per-task
// outcomes plus aggregate counts. A finished report is never mutated.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/eniac111/manifold/internal/task"
)

// HostState is the terminal state of one host's run.
type HostState string

const (
	StatePending     HostState = "pending"
	StateRunning     HostState = "running"
	StateCompleted   HostState = "completed"
	StateFailed      HostState = "failed"
	StateUnreachable HostState = "unreachable"
)

// Stats aggregates task outcomes for one host.
type Stats struct {
	Ok          int `json:"ok"`
	Changed     int `json:"changed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Unreachable int `json:"unreachable"`
}

// HostRecord is one host's complete run record. Each host worker owns its
// record exclusively; records are merged into the run once, at the end.
type HostRecord struct {
	Host    string         `json:"host"`
	State   HostState      `json:"state"`
	Results []task.Outcome `json:"results"`
	Stats   Stats          `json:"stats"`

	// Error carries a host-level failure cause: a graph build error, an
	// unreachable host, a failed handler.
	Error string `json:"error,omitempty"`
}

// MarkUnreachable records that the host could not be contacted at all.
func (r *HostRecord) MarkUnreachable(cause string) {
	r.State = StateUnreachable
	r.Stats.Unreachable++
	r.Error = cause
}

// NewHostRecord starts a record in the pending state.
func NewHostRecord(host string) *HostRecord {
	return &HostRecord{Host: host, State: StatePending}
}

// Record appends an outcome and updates the host's counters.
func (r *HostRecord) Record(o task.Outcome) {
	r.Results = append(r.Results, o)
	switch o.Status {
	case task.StatusUnchanged:
		r.Stats.Ok++
	case task.StatusChanged:
		r.Stats.Changed++
	case task.StatusSkipped:
		r.Stats.Skipped++
	case task.StatusFailed:
		r.Stats.Failed++
	}
}

// Run is the aggregated report for one orchestration run.
type Run struct {
	ID         string        `json:"run_id"`
	Check      bool          `json:"check_mode,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Hosts      []*HostRecord `json:"hosts"`
}

// NewRun starts an empty report.
func NewRun(check bool) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Check:     check,
		StartedAt: time.Now().UTC(),
	}
}

// Merge adds a finished host record. Host records are disjoint, so this is
// the run's single synchronization point.
func (r *Run) Merge(rec *HostRecord) {
	r.Hosts = append(r.Hosts, rec)
}

// Finish stamps the end time.
func (r *Run) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// AllCompleted reports whether every host reached the completed state.
func (r *Run) AllCompleted() bool {
	for _, h := range r.Hosts {
		if h.State != StateCompleted {
			return false
		}
	}
	return true
}

// RenderJSON writes the machine-readable report.
func (r *Run) RenderJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// RenderText writes the human-readable report.
func (r *Run) RenderText(w io.Writer) {
	okColor := color.New(color.FgGreen)
	changedColor := color.New(color.FgYellow)
	failedColor := color.New(color.FgRed)
	skippedColor := color.New(color.FgCyan)

	for _, h := range r.Hosts {
		fmt.Fprintf(w, "%s:\n", h.Host)
		for _, res := range h.Results {
			c := okColor
			switch res.Status {
			case task.StatusChanged:
				c = changedColor
			case task.StatusFailed:
				c = failedColor
			case task.StatusSkipped:
				c = skippedColor
			}
			label := res.Task
			if res.Handler {
				label = "handler: " + label
			}
			c.Fprintf(w, "  %-9s", res.Status)
			fmt.Fprintf(w, " %s", label)
			if res.Message != "" {
				fmt.Fprintf(w, " (%s)", res.Message)
			}
			fmt.Fprintln(w)
		}
		if h.Error != "" {
			failedColor.Fprintf(w, "  error: %s\n", h.Error)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "PLAY RECAP")
	for _, h := range r.Hosts {
		line := fmt.Sprintf("%-20s state=%-11s ok=%d changed=%d failed=%d skipped=%d unreachable=%d",
			h.Host, h.State, h.Stats.Ok, h.Stats.Changed, h.Stats.Failed, h.Stats.Skipped, h.Stats.Unreachable)
		switch h.State {
		case StateCompleted:
			okColor.Fprintln(w, line)
		case StateUnreachable, StateFailed:
			failedColor.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
	if r.Check {
		fmt.Fprintln(w, "(check mode: no changes were applied)")
	}
}

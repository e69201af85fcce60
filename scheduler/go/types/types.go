// Package types defines the Task and TaskResult records persisted by the
// scheduler, along with the state and outcome enums that drive the
// SCHEDULED -> ASSIGNED -> COMPLETE lifecycle.
package types

import (
	"strconv"
	"time"
)

// State is a Task's position in its lifecycle.
type State string

const (
	StateScheduled State = "scheduled"
	StateAssigned  State = "assigned"
	StateComplete  State = "complete"
)

// Outcome records how a completed Task ended. Empty until the task
// completes.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
)

// DefaultMaxAttempts is the MaxAttempts every new Task is given; Schedule
// takes no per-task value.
const DefaultMaxAttempts = 3

// Task is the unit of work dispatched to workers.
type Task struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Config       string  `json:"config"`
	ScheduledBy  string  `json:"scheduled_by,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`

	State State `json:"state"`

	Attempts     int `json:"attempts"`
	MaxAttempts  int `json:"max_attempts"`

	ExecutorRequirements []string `json:"executor_requirements"`
	Priority             int      `json:"priority"`

	AssignedTime   *time.Time `json:"assigned_time,omitempty"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`

	CompletedTime *time.Time `json:"completed_time,omitempty"`
	Outcome       Outcome    `json:"outcome,omitempty"`

	Result *TaskResult `json:"result,omitempty"`
}

// Key implements boltutil.Record.
func (t *Task) Key() string {
	return FormatTaskKey(t.ID)
}

// FormatTaskKey returns the primary-key string for task id.
func FormatTaskKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// IndexValues implements boltutil.Record. Tasks are indexed by each
// executor requirement they carry (so Assign can find candidate tasks by
// capability token) and by their current state. No query in this module
// reads the state index; DeleteByExecutor filters by loading each task.
func (t *Task) IndexValues() map[string][]string {
	return map[string][]string{
		IndexByRequirement: t.ExecutorRequirements,
		IndexByState:       {string(t.State)},
	}
}

const (
	// IndexByRequirement indexes tasks in every state by each capability
	// token in ExecutorRequirements.
	IndexByRequirement = "by-requirement"
	// IndexByState indexes tasks by their current State.
	IndexByState = "by-state"
)

// TaskResult is the outcome of one executed attempt of a Task.
type TaskResult struct {
	TaskID         int64   `json:"task_id"`
	Attempt        int     `json:"attempt"`
	ExitCode       int     `json:"exit_code"`
	ExecutionTime  float64 `json:"execution_time"`
	StdoutRef      string  `json:"stdout_ref,omitempty"`
	StderrRef      string  `json:"stderr_ref,omitempty"`
	StdoutURL      string  `json:"stdout_url,omitempty"`
	StderrURL      string  `json:"stderr_url,omitempty"`
	DeviceSerialNumber string `json:"device_serial_number,omitempty"`
	ResultMetadata string  `json:"result_metadata,omitempty"`
}

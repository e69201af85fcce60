package worker

import (
	"encoding/json"
	"time"

	"go.skia.org/mrtaskman/go/skerr"
)

// defaultTaskTimeout is used when a task's config omits task.timeout (spec
// §4.2 step 4).
const defaultTaskTimeout = 12 * time.Minute

// packageRef is one entry of a task config's "packages" list (spec §6:
// "task config (worker-consumed)").
type packageRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// fileRef is one entry of a task config's "files" list: a file staged
// directly into the working directory rather than installed via the
// package cache.
type fileRef struct {
	DestinationPath string `json:"destination_path"`
	FileMode        string `json:"file_mode"`
	URL             string `json:"url"`
}

type taskSection struct {
	Name         string `json:"name"`
	Requirements struct {
		Executor []string `json:"executor"`
	} `json:"requirements"`
	Command string            `json:"command"`
	Timeout string            `json:"timeout"`
	Env     map[string]string `json:"env"`
	Webhook string            `json:"webhook"`
}

// taskConfig is the full task config JSON blob a worker receives back from
// Assign (spec §4.2, §6): the same document the scheduler stored verbatim
// when the task was scheduled.
type taskConfig struct {
	Task     taskSection  `json:"task"`
	Packages []packageRef `json:"packages"`
	Files    []fileRef    `json:"files"`
}

// parseTaskConfig parses raw (a Task's Config field) into a taskConfig,
// validating the fields the worker itself relies on.
func parseTaskConfig(raw string) (taskConfig, error) {
	var c taskConfig
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return taskConfig{}, skerr.Wrap(err)
	}
	if c.Task.Command == "" {
		return taskConfig{}, skerr.Fmt("task.command is required")
	}
	return c, nil
}

// timeout returns the configured task.timeout, or defaultTaskTimeout if
// absent or unparseable.
func (c taskConfig) timeout() time.Duration {
	if c.Task.Timeout == "" {
		return defaultTaskTimeout
	}
	d, err := time.ParseDuration(c.Task.Timeout)
	if err != nil {
		return defaultTaskTimeout
	}
	return d
}

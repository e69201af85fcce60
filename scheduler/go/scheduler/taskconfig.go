package scheduler

import "encoding/json"

// taskConfig is the subset of a Task's opaque config JSON blob the
// scheduler itself is allowed to look at (spec §9: "the server must not add
// schema coupling to worker-only knobs like env or webhook" beyond reading
// the two fields it needs: the timeout, to compute the reclaim ETA, and the
// webhook, to fire it on completion).
type taskConfig struct {
	Task struct {
		Timeout string `json:"timeout"`
		Webhook string `json:"webhook"`
	} `json:"task"`
}

func parseTaskConfig(config string) taskConfig {
	var c taskConfig
	// A malformed or absent config simply yields zero values; Schedule has
	// already validated the requirements list by the time config reaches
	// here, and a bad timeout/webhook is the worker's problem to report.
	_ = json.Unmarshal([]byte(config), &c)
	return c
}

// Package scheduler implements MrTaskman's assignment engine: the
// SCHEDULED -> ASSIGNED -> COMPLETE state machine, capability-based
// assignment, and the timeout reclaim protocol (spec §4.1).
package scheduler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hako/durafmt"
	"github.com/prometheus/client_golang/prometheus"

	"go.skia.org/mrtaskman/go/now"
	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/sklog"
	"go.skia.org/mrtaskman/scheduler/go/store"
	"go.skia.org/mrtaskman/scheduler/go/timeoutqueue"
	"go.skia.org/mrtaskman/scheduler/go/types"
)

// DefaultTaskTimeout is used to compute a reclaim ETA when config.task.timeout
// is absent (spec §4.1).
const DefaultTaskTimeout = 15 * time.Minute

// Grace covers package install and result upload overhead beyond the
// task's own timeout before the server reclaims an ASSIGNED task. A var,
// not a const, so tests can shrink it instead of waiting out the real
// 3 minutes for a reclaim to fire.
var Grace = 3 * time.Minute

var (
	// ErrNotFound is returned by GetTask/UploadResult when no task exists
	// with the given id.
	ErrNotFound = skerr.Fmt("scheduler: task not found")
	// ErrTimedOut is returned by UploadResult when the attempt it names no
	// longer matches the task's current state: a reclaim or a duplicate
	// upload for a stale attempt.
	ErrTimedOut = skerr.Fmt("scheduler: task attempt no longer live")
	// ErrInvalidRequirements is returned by Schedule when requirements is
	// empty.
	ErrInvalidRequirements = skerr.Fmt("scheduler: requirements must be a non-empty list")
)

var (
	assignmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mrtaskman_scheduler_assignments_total",
		Help: "Tasks assigned to a worker, by capability token matched.",
	}, []string{"capability"})
	timeoutsFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mrtaskman_scheduler_timeouts_fired_total",
		Help: "Timeout callbacks fired, by outcome (reclaimed or timed_out).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(assignmentsTotal, timeoutsFiredTotal)
}

// WebhookClient sends the best-effort completion webhook. http.DefaultClient
// satisfies this in production; tests substitute a fake.
type WebhookClient interface {
	PostForm(url string, data url.Values) (*http.Response, error)
}

// Scheduler is the assignment engine. It owns the task store and the
// delayed-callback queue that reclaims timed-out assignments.
type Scheduler struct {
	ctx     context.Context
	store   *store.Store
	queue   *timeoutqueue.Queue
	webhook WebhookClient
}

// New returns a Scheduler backed by s, delivering timeout reclaims through
// queue and webhooks through webhook.
func New(ctx context.Context, s *store.Store, queue *timeoutqueue.Queue, webhook WebhookClient) *Scheduler {
	return &Scheduler{ctx: ctx, store: s, queue: queue, webhook: webhook}
}

// Schedule creates a Task in SCHEDULED state and returns its id.
func (sch *Scheduler) Schedule(name, config, user string, requirements []string, priority int) (int64, error) {
	if len(requirements) == 0 {
		return 0, ErrInvalidRequirements
	}
	id, err := sch.store.NextID()
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	task := &types.Task{
		ID:                   id,
		Name:                 name,
		Config:               config,
		ScheduledBy:          user,
		ScheduledTime:        now.Now(sch.ctx),
		State:                types.StateScheduled,
		Attempts:             0,
		MaxAttempts:          types.DefaultMaxAttempts,
		ExecutorRequirements: requirements,
		Priority:             priority,
	}
	if err := sch.store.Insert(task); err != nil {
		return 0, skerr.Wrap(err)
	}
	return id, nil
}

// GetTask returns the task with the given id, or ErrNotFound.
func (sch *Scheduler) GetTask(id int64) (*types.Task, error) {
	task, err := sch.store.Get(id)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if task == nil {
		return nil, ErrNotFound
	}
	return task, nil
}

// DeleteTask removes the task with the given id. Returns false if absent.
func (sch *Scheduler) DeleteTask(id int64) (bool, error) {
	ok, err := sch.store.Delete(id)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return ok, nil
}

// Assign attempts, in order, to find a SCHEDULED task matching each
// capability in capabilities, assigning the first match found (spec §4.1).
// Returns nil if none of the capabilities yielded a task.
func (sch *Scheduler) Assign(worker string, capabilities []string) (*types.Task, error) {
	for _, capability := range capabilities {
		task, err := sch.assignOne(worker, capability)
		if err != nil {
			return nil, err
		}
		if task != nil {
			assignmentsTotal.WithLabelValues(capability).Inc()
			return task, nil
		}
	}
	return nil, nil
}

// assignOne attempts to assign the highest-priority SCHEDULED task carrying
// capability, retrying against the next candidate if a race is lost.
func (sch *Scheduler) assignOne(worker, capability string) (*types.Task, error) {
	candidateIDs, err := sch.store.CandidateIDsForRequirement(capability)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	for {
		id, ok, err := sch.pickHighestPrioritySCHEDULED(candidateIDs)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		task, err := sch.tryAssign(id, worker)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		// Lost the race (task moved on between pick and update); drop it and
		// try the next candidate.
		candidateIDs = removeString(candidateIDs, id)
	}
}

func (sch *Scheduler) pickHighestPrioritySCHEDULED(candidateIDs []string) (string, bool, error) {
	var bestID string
	var bestPriority int
	found := false
	for _, idStr := range candidateIDs {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		task, err := sch.store.Get(id)
		if err != nil {
			return "", false, skerr.Wrap(err)
		}
		if task == nil || task.State != types.StateScheduled {
			continue
		}
		if !found || task.Priority > bestPriority {
			bestID = idStr
			bestPriority = task.Priority
			found = true
		}
	}
	return bestID, found, nil
}

// tryAssign atomically transitions the named task to ASSIGNED if it is
// still SCHEDULED, returning nil (not an error) if another Assign call won
// the race first.
func (sch *Scheduler) tryAssign(idStr, worker string) (*types.Task, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var assignedAttempt int
	task, err := sch.store.Update(id, func(task *types.Task) error {
		if task.State != types.StateScheduled {
			return errSkipped
		}
		nowT := now.Now(sch.ctx)
		task.State = types.StateAssigned
		task.AssignedWorker = worker
		task.AssignedTime = &nowT
		task.Attempts++
		assignedAttempt = task.Attempts
		return nil
	})
	if err == errSkipped {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sch.scheduleTimeout(task, assignedAttempt)
	return task, nil
}

var errSkipped = skerr.Fmt("scheduler: task no longer scheduled")

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// scheduleTimeout enqueues the reclaim callback for (task.ID, attempt).
func (sch *Scheduler) scheduleTimeout(task *types.Task, attempt int) {
	timeout := taskTimeout(task.Config)
	eta := now.Now(sch.ctx).Add(timeout + Grace)
	taskID := task.ID
	sch.queue.Schedule(eta, func(ctx context.Context) {
		sch.fireTimeout(taskID, attempt)
	})
}

func taskTimeout(config string) time.Duration {
	cfg := parseTaskConfig(config)
	if cfg.Task.Timeout == "" {
		return DefaultTaskTimeout
	}
	if d, err := time.ParseDuration(cfg.Task.Timeout); err == nil {
		return d
	}
	return DefaultTaskTimeout
}

// fireTimeout is the reclaim callback: a no-op unless the task is still
// ASSIGNED at exactly this attempt (spec §4.1, §8).
func (sch *Scheduler) fireTimeout(taskID int64, attempt int) {
	task, err := sch.store.Update(taskID, func(task *types.Task) error {
		if task.State != types.StateAssigned || task.Attempts != attempt {
			return errSkipped
		}
		if task.Attempts >= task.MaxAttempts {
			nowT := now.Now(sch.ctx)
			task.State = types.StateComplete
			task.Outcome = types.OutcomeTimedOut
			task.CompletedTime = &nowT
			timeoutsFiredTotal.WithLabelValues("timed_out").Inc()
		} else {
			task.State = types.StateScheduled
			timeoutsFiredTotal.WithLabelValues("reclaimed").Inc()
		}
		return nil
	})
	if err == errSkipped || err == store.ErrNotFound {
		return
	}
	if err != nil {
		sklog.Errorf("scheduler: timeout reclaim for task %d attempt %d failed: %s", taskID, attempt, err)
		return
	}
	sklog.Infof("scheduler: task %d attempt %d timed out after %s, now %s", taskID, attempt, durafmt.Parse(taskTimeout(task.Config)), task.State)
}

// UploadResult records the outcome of one attempt of a task (spec §4.1).
func (sch *Scheduler) UploadResult(taskID int64, attempt, exitCode int, executionTime float64, stdoutRef, stderrRef, stdoutURL, stderrURL, deviceSN, metadata string) error {
	task, err := sch.store.Update(taskID, func(task *types.Task) error {
		if task.Attempts != attempt || (task.State != types.StateAssigned && task.State != types.StateScheduled) {
			return ErrTimedOut
		}
		nowT := now.Now(sch.ctx)
		outcome := types.OutcomeFailed
		if exitCode == 0 {
			outcome = types.OutcomeSuccess
		}
		task.Result = &types.TaskResult{
			TaskID:             taskID,
			Attempt:            attempt,
			ExitCode:           exitCode,
			ExecutionTime:      executionTime,
			StdoutRef:          stdoutRef,
			StderrRef:          stderrRef,
			StdoutURL:          stdoutURL,
			StderrURL:          stderrURL,
			DeviceSerialNumber: deviceSN,
			ResultMetadata:     metadata,
		}
		task.CompletedTime = &nowT
		task.State = types.StateComplete
		task.Outcome = outcome
		return nil
	})
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	if err == ErrTimedOut {
		return ErrTimedOut
	}
	if err != nil {
		return skerr.Wrap(err)
	}
	sch.fireWebhook(task)
	return nil
}

// fireWebhook posts task_id to the task's configured webhook, if any. Never
// returns an error: failures are logged, per spec §4.1/§9.
func (sch *Scheduler) fireWebhook(task *types.Task) {
	cfg := parseTaskConfig(task.Config)
	if cfg.Task.Webhook == "" || sch.webhook == nil {
		return
	}
	resp, err := sch.webhook.PostForm(cfg.Task.Webhook, url.Values{
		"task_id": {strconv.FormatInt(task.ID, 10)},
	})
	if err != nil {
		sklog.Warningf("scheduler: webhook POST to %s for task %d failed: %s", cfg.Task.Webhook, task.ID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		sklog.Warningf("scheduler: webhook POST to %s for task %d returned %s", cfg.Task.Webhook, task.ID, resp.Status)
	}
}

// DeleteByExecutor deletes every SCHEDULED task carrying the given
// capability, repeating in batches of up to 1000 until none remain (spec
// §3 supplemented features, grounded on server/models/tasks.py's
// DeleteAllByExecutorHandler).
func (sch *Scheduler) DeleteByExecutor(ctx context.Context, executor string) error {
	const batchSize = 1000
	total := 0
	for {
		ids, err := sch.store.CandidateIDsForRequirement(executor)
		if err != nil {
			return skerr.Wrap(err)
		}
		scheduled := make([]string, 0, len(ids))
		for _, idStr := range ids {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			task, err := sch.store.Get(id)
			if err != nil {
				return skerr.Wrap(err)
			}
			if task != nil && task.State == types.StateScheduled {
				scheduled = append(scheduled, idStr)
				if len(scheduled) >= batchSize {
					break
				}
			}
		}
		if len(scheduled) == 0 {
			break
		}
		for _, idStr := range scheduled {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			if _, err := sch.store.Delete(id); err != nil {
				return skerr.Wrap(err)
			}
			total++
		}
		sklog.Infof("scheduler: deleted %d scheduled tasks for executor %q so far", total, executor)
	}
	return nil
}

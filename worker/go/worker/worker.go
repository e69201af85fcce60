// Package worker implements the worker polling and execution loop (spec
// §4.2), grounded on _examples/original_source/workers/macos/worker.py's
// MacOsWorker.PollAndExecute/ExecuteTask: advertise capabilities, long-poll
// Assign, install packages via the package cache, download staged files, run the
// task's command through an executor.Registry, and upload the result.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hako/durafmt"

	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/sklog"
	"go.skia.org/mrtaskman/scheduler/go/types"
	"go.skia.org/mrtaskman/worker/go/cache"
	"go.skia.org/mrtaskman/worker/go/capabilities"
	"go.skia.org/mrtaskman/worker/go/executor"
)

// pollInterval is how long a worker sleeps after an Assign call returns no
// task (spec §4.2 step 2).
const pollInterval = 10 * time.Second

// Worker runs the forever poll/assign/execute/report loop on one host.
type Worker struct {
	client      *Client
	cache       *cache.Cache
	executors   *executor.Registry
	executorTag string
	lookup      capabilities.Lookup
	deviceSN    string
}

// New returns a Worker that advertises executorTag as its general
// capability, runs tasks whose requirements match a tag registered on
// executors, caches packages via c, and talks to the scheduler/registry
// through client.
func New(client *Client, c *cache.Cache, executors *executor.Registry, executorTag string) *Worker {
	return &Worker{client: client, cache: c, executors: executors, executorTag: executorTag}
}

// Run loops forever: advertise, poll, execute, report. It returns only when
// ctx is canceled (spec §4.2 step 2: "On SIGINT, exit cleanly" — callers
// wire SIGINT to ctx's cancellation), or sleep is interrupted.
func (w *Worker) Run(ctx context.Context) error {
	info, err := capabilities.Advertise(w.executorTag, w.lookup)
	if err != nil {
		return skerr.Wrap(err)
	}
	lookup := w.lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	w.deviceSN = lookup(capabilities.EnvDeviceSerialNumber)
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, err := w.client.Assign(ctx, info.WorkerName, info.Hostname, info.Capabilities)
		if err != nil {
			sklog.Warningf("worker: assign failed: %s", err)
			if !sleepOrDone(ctx, pollInterval) {
				return nil
			}
			continue
		}
		if task == nil {
			if !sleepOrDone(ctx, pollInterval) {
				return nil
			}
			continue
		}
		w.runOneTask(ctx, task)
	}
}

// runOneTask executes a single assigned task and uploads its result. Any
// failure here (bad config, install failure, upload failure) is logged and
// reported as a failed result where possible rather than crashing the loop
// (spec §4.2 guarantees: "the loop never exits on a single task failure").
func (w *Worker) runOneTask(ctx context.Context, task *types.Task) {
	config, err := parseTaskConfig(task.Config)
	if err != nil {
		sklog.Errorf("worker: task %d: bad config: %s", task.ID, err)
		return
	}
	fn, _, ok := w.executors.Select(config.Task.Requirements.Executor)
	if !ok {
		sklog.Warningf("worker: task %d: no executor registered for %v, dropping without uploading a result", task.ID, config.Task.Requirements.Executor)
		return
	}

	workDir, err := os.MkdirTemp("", fmt.Sprintf("mrtaskman-task-%d-", task.ID))
	if err != nil {
		sklog.Errorf("worker: task %d: failed to create work dir: %s", task.ID, err)
		return
	}
	defer os.RemoveAll(workDir)

	result, err := w.execute(ctx, fn, config, workDir)
	if err != nil {
		sklog.Errorf("worker: task %d attempt %d: execution setup failed: %s", task.ID, task.Attempts, err)
		result = &executor.Result{ExitCode: -1}
	}

	sklog.Infof("worker: task %d attempt %d finished in %s with exit code %d", task.ID, task.Attempts, durafmt.Parse(result.ExecutionTime), result.ExitCode)

	uploadReq := UploadResultRequest{
		TaskID:             task.ID,
		Attempt:            task.Attempts,
		ExitCode:           result.ExitCode,
		ExecutionTime:      result.ExecutionTime,
		DeviceSerialNumber: w.deviceSN,
		StdoutPath:         result.StdoutPath,
		StderrPath:         result.StderrPath,
	}
	if uploadReq.StdoutPath == "" || uploadReq.StderrPath == "" {
		uploadReq.StdoutPath, uploadReq.StderrPath = emptyStdStreams(workDir)
	}
	if err := w.client.UploadResult(ctx, uploadReq); err != nil {
		sklog.Errorf("worker: task %d attempt %d: failed to upload result: %s", task.ID, task.Attempts, err)
	}
}

// execute installs packages and staged files, then runs the task's command
// (spec §4.2 step 4).
func (w *Worker) execute(ctx context.Context, fn executor.Func, config taskConfig, workDir string) (*executor.Result, error) {
	if err := w.installPackages(ctx, config, workDir); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := w.stageFiles(ctx, config, workDir); err != nil {
		return nil, skerr.Wrap(err)
	}
	spec := executor.CommandSpec{
		Command: config.Task.Command,
		Env:     config.Task.Env,
		Timeout: config.timeout(),
	}
	return fn(ctx, spec, workDir)
}

// emptyStdStreams creates empty stdout/stderr files in workDir for a task
// that failed before RunShell ever produced them, so UploadResult always has
// file bodies to attach.
func emptyStdStreams(workDir string) (stdoutPath, stderrPath string) {
	stdoutPath = workDir + "/stdout"
	stderrPath = workDir + "/stderr"
	_ = os.WriteFile(stdoutPath, nil, 0o644)
	_ = os.WriteFile(stderrPath, nil, 0o644)
	return stdoutPath, stderrPath
}

// sleepOrDone sleeps for d, returning false early if ctx is canceled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

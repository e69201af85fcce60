package scheduler_test

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/scheduler/go/scheduler"
	"go.skia.org/mrtaskman/scheduler/go/store"
	"go.skia.org/mrtaskman/scheduler/go/timeoutqueue"
	"go.skia.org/mrtaskman/scheduler/go/types"
)

type fakeWebhookClient struct {
	posts []url.Values
}

func (f *fakeWebhookClient) PostForm(u string, data url.Values) (*http.Response, error) {
	f.posts = append(f.posts, data)
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *fakeWebhookClient) {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s, err := store.New(db)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queue := timeoutqueue.New(ctx)
	t.Cleanup(queue.Stop)

	webhook := &fakeWebhookClient{}
	return scheduler.New(ctx, s, queue, webhook), webhook
}

func TestSchedule_RejectsEmptyRequirements(t *testing.T) {
	sch, _ := newTestScheduler(t)
	_, err := sch.Schedule("t", "{}", "user", nil, 0)
	require.ErrorIs(t, err, scheduler.ErrInvalidRequirements)
}

func TestSchedule_CreatesScheduledTask(t *testing.T) {
	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", `{"task":{"name":"t1"}}`, "user", []string{"macos"}, 0)
	require.NoError(t, err)

	task, err := sch.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, types.StateScheduled, task.State)
	require.Equal(t, 0, task.Attempts)
	require.Equal(t, types.DefaultMaxAttempts, task.MaxAttempts)
}

func TestGetTask_MissingReturnsErrNotFound(t *testing.T) {
	sch, _ := newTestScheduler(t)
	_, err := sch.GetTask(999)
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestAssign_HappyPath(t *testing.T) {
	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", "{}", "user", []string{"macos"}, 0)
	require.NoError(t, err)

	task, err := sch.Assign("worker-1", []string{"DEVICE_X", "macos"})
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, id, task.ID)
	require.Equal(t, types.StateAssigned, task.State)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, "worker-1", task.AssignedWorker)
}

func TestAssign_NoMatch_ReturnsNil(t *testing.T) {
	sch, _ := newTestScheduler(t)
	_, err := sch.Schedule("t1", "{}", "user", []string{"deviceSN42"}, 0)
	require.NoError(t, err)

	task, err := sch.Assign("worker-1", []string{"deviceSN99", "macos"})
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestAssign_CapabilityOrdering(t *testing.T) {
	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", "{}", "user", []string{"deviceSN42"}, 0)
	require.NoError(t, err)

	task, err := sch.Assign("worker-1", []string{"deviceSN42", "macos"})
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, id, task.ID)
}

func TestAssign_PrefersHigherPriority(t *testing.T) {
	sch, _ := newTestScheduler(t)
	idA, err := sch.Schedule("a", "{}", "user", []string{"macos"}, 0)
	require.NoError(t, err)
	idB, err := sch.Schedule("b", "{}", "user", []string{"macos"}, 5)
	require.NoError(t, err)

	task, err := sch.Assign("worker-1", []string{"macos"})
	require.NoError(t, err)
	require.Equal(t, idB, task.ID)

	task, err = sch.Assign("worker-2", []string{"macos"})
	require.NoError(t, err)
	require.Equal(t, idA, task.ID)

	task, err = sch.Assign("worker-3", []string{"macos"})
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestUploadResult_HappyPath(t *testing.T) {
	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", "{}", "user", []string{"macos"}, 0)
	require.NoError(t, err)
	_, err = sch.Assign("worker-1", []string{"macos"})
	require.NoError(t, err)

	err = sch.UploadResult(id, 1, 0, 0.01, "stdout-ref", "stderr-ref", "", "", "", "")
	require.NoError(t, err)

	task, err := sch.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, types.StateComplete, task.State)
	require.Equal(t, types.OutcomeSuccess, task.Outcome)
	require.Equal(t, 1, task.Result.Attempt)
}

func TestUploadResult_NonZeroExit_Fails(t *testing.T) {
	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", "{}", "user", []string{"macos"}, 0)
	require.NoError(t, err)
	_, err = sch.Assign("worker-1", []string{"macos"})
	require.NoError(t, err)

	require.NoError(t, sch.UploadResult(id, 1, 1, 0.01, "", "", "", "", "", ""))

	task, err := sch.GetTask(id)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeFailed, task.Outcome)
}

func TestUploadResult_StaleAttempt_ReturnsErrTimedOut(t *testing.T) {
	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", "{}", "user", []string{"macos"}, 0)
	require.NoError(t, err)
	_, err = sch.Assign("worker-1", []string{"macos"})
	require.NoError(t, err)

	err = sch.UploadResult(id, 2, 0, 0.01, "", "", "", "", "", "")
	require.ErrorIs(t, err, scheduler.ErrTimedOut)
}

func TestUploadResult_MissingTask_ReturnsErrNotFound(t *testing.T) {
	sch, _ := newTestScheduler(t)
	err := sch.UploadResult(999, 1, 0, 0.01, "", "", "", "", "", "")
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestUploadResult_FiresWebhook(t *testing.T) {
	sch, webhook := newTestScheduler(t)
	id, err := sch.Schedule("t1", `{"task":{"webhook":"http://example.com/hook"}}`, "user", []string{"macos"}, 0)
	require.NoError(t, err)
	_, err = sch.Assign("worker-1", []string{"macos"})
	require.NoError(t, err)

	require.NoError(t, sch.UploadResult(id, 1, 0, 0.01, "", "", "", "", "", ""))
	require.Len(t, webhook.posts, 1)
	require.Equal(t, []string{types.FormatTaskKey(id)}, webhook.posts[0]["task_id"])
}

func TestDeleteTask_IdempotentOnMissing(t *testing.T) {
	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", "{}", "user", []string{"macos"}, 0)
	require.NoError(t, err)

	ok, err := sch.DeleteTask(id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sch.DeleteTask(id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTimeoutReclaim_ReSchedulesUntilMaxAttempts(t *testing.T) {
	// scheduler.Grace is a var specifically so tests can shrink it instead
	// of waiting out the real 3-minute default for each reclaim to fire.
	oldGrace := scheduler.Grace
	scheduler.Grace = 10 * time.Millisecond
	t.Cleanup(func() { scheduler.Grace = oldGrace })

	sch, _ := newTestScheduler(t)
	id, err := sch.Schedule("t1", `{"task":{"timeout":"1ms"}}`, "user", []string{"macos"}, 0)
	require.NoError(t, err)

	waitForState := func(want types.State) *types.Task {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			task, err := sch.GetTask(id)
			require.NoError(t, err)
			if task.State == want {
				return task
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("task never reached state %s", want)
		return nil
	}

	_, err = sch.Assign("worker-1", []string{"macos"})
	require.NoError(t, err)
	task := waitForState(types.StateScheduled)
	require.Equal(t, 1, task.Attempts)

	_, err = sch.Assign("worker-2", []string{"macos"})
	require.NoError(t, err)
	task = waitForState(types.StateScheduled)
	require.Equal(t, 2, task.Attempts)

	_, err = sch.Assign("worker-3", []string{"macos"})
	require.NoError(t, err)
	task = waitForState(types.StateComplete)
	require.Equal(t, types.OutcomeTimedOut, task.Outcome)
	require.Equal(t, 3, task.Attempts)
}

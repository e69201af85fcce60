package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/scheduler/go/store"
	"go.skia.org/mrtaskman/scheduler/go/types"
)

func newTestStore(t *testing.T) *store.Store {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s, err := store.New(db)
	require.NoError(t, err)
	return s
}

func TestNextID_IsMonotonic(t *testing.T) {
	s := newTestStore(t)
	a, err := s.NextID()
	require.NoError(t, err)
	b, err := s.NextID()
	require.NoError(t, err)
	require.Less(t, a, b)
}

func TestInsertAndGet_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	task := &types.Task{
		ID:                   1,
		Name:                 "t1",
		State:                types.StateScheduled,
		ExecutorRequirements: []string{"macos"},
		ScheduledTime:        time.Now().UTC(),
	}
	require.NoError(t, s.Insert(task))

	got, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, task, got)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(999)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDelete_IdempotentOnMissing(t *testing.T) {
	s := newTestStore(t)
	task := &types.Task{ID: 1, State: types.StateScheduled, ExecutorRequirements: []string{"macos"}}
	require.NoError(t, s.Insert(task))

	ok, err := s.Delete(1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCandidateIDsForRequirement_FindsIndexedTasks(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(&types.Task{ID: 1, State: types.StateScheduled, ExecutorRequirements: []string{"macos"}}))
	require.NoError(t, s.Insert(&types.Task{ID: 2, State: types.StateScheduled, ExecutorRequirements: []string{"linux"}}))
	require.NoError(t, s.Insert(&types.Task{ID: 3, State: types.StateScheduled, ExecutorRequirements: []string{"macos", "deviceSN42"}}))

	found, err := s.CandidateIDsForRequirement("macos")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1", "3"}, found)
}

func TestUpdate_PersistsMutationAndRefreshesIndex(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(&types.Task{ID: 1, State: types.StateScheduled, ExecutorRequirements: []string{"macos"}}))

	updated, err := s.Update(1, func(task *types.Task) error {
		task.State = types.StateAssigned
		task.AssignedWorker = "worker-1"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, types.StateAssigned, updated.State)

	got, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, "worker-1", got.AssignedWorker)

	found, err := s.CandidateIDsForRequirement("macos")
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, found)
}

func TestUpdate_MissingTaskReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(42, func(task *types.Task) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}

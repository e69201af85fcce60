// Package store persists Tasks in a bbolt-backed IndexedBucket, giving the
// scheduler a transaction boundary over a single Task entity (spec §4.1,
// §5) and an index from capability token to candidate task keys so Assign
// doesn't have to scan the whole bucket.
package store

import (
	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/go/boltutil"
	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/util"
	"go.skia.org/mrtaskman/scheduler/go/types"
)

const bucketName = "tasks"

// Store wraps a boltutil.IndexedBucket of Tasks.
type Store struct {
	ib      *boltutil.IndexedBucket
	nextID  *idSequence
}

// New opens (creating if necessary) the task store backed by db.
func New(db *bbolt.DB) (*Store, error) {
	ib, err := boltutil.NewIndexedBucket(&boltutil.Config{
		DB:      db,
		Name:    bucketName,
		Indices: []string{types.IndexByRequirement, types.IndexByState},
		Codec:   util.JSONCodec(&types.Task{}),
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	seq, err := newIDSequence(db)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Store{ib: ib, nextID: seq}, nil
}

// NextID returns the next monotonically increasing task id.
func (s *Store) NextID() (int64, error) {
	return s.nextID.next()
}

// Insert creates or replaces task in the store.
func (s *Store) Insert(task *types.Task) error {
	return s.ib.Insert([]boltutil.Record{task})
}

// Get returns the task with the given id, or nil if it doesn't exist.
func (s *Store) Get(id int64) (*types.Task, error) {
	recs, err := s.ib.Read([]string{types.FormatTaskKey(id)})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if recs[0] == nil {
		return nil, nil
	}
	return recs[0].(*types.Task), nil
}

// Delete removes the task with the given id. Returns false if it did not
// exist.
func (s *Store) Delete(id int64) (bool, error) {
	existing, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if err := s.ib.Delete([]string{types.FormatTaskKey(id)}); err != nil {
		return false, skerr.Wrap(err)
	}
	return true, nil
}

// CandidateIDsForRequirement returns the ids of tasks indexed under the
// given capability token (regardless of state; callers filter further).
func (s *Store) CandidateIDsForRequirement(requirement string) ([]string, error) {
	found, err := s.ib.ReadIndex(types.IndexByRequirement, []string{requirement})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return found[requirement], nil
}

// Update loads the task with the given id, applies fn, and persists the
// result transactionally alongside its index entries. If fn returns an
// error, no changes are persisted. If the task does not exist, fn is not
// called and (nil, ErrNotFound) is returned.
func (s *Store) Update(id int64, fn func(task *types.Task) error) (*types.Task, error) {
	existing, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}
	var fnErr error
	err = s.ib.Update([]boltutil.Record{existing}, func(tx *bbolt.Tx, recs []boltutil.Record) error {
		fnErr = fn(recs[0].(*types.Task))
		return fnErr
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return existing, nil
}

// ErrNotFound is returned by Update when the task does not exist.
var ErrNotFound = skerr.Fmt("task not found")

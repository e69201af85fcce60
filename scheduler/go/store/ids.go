package store

import (
	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/go/skerr"
)

const idSequenceBucket = "task_ids"

// idSequence hands out monotonically increasing task ids backed by bbolt's
// own per-bucket sequence counter.
type idSequence struct {
	db *bbolt.DB
}

func newIDSequence(db *bbolt.DB) (*idSequence, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(idSequenceBucket))
		return err
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &idSequence{db: db}, nil
}

func (s *idSequence) next() (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(idSequenceBucket))
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(n)
		return nil
	})
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return id, nil
}

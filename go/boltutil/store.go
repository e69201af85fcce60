// Package boltutil provides a secondary-indexed key/value store on top of
// bbolt, used by the scheduler and the package registry to persist Task and
// Package records with lookups by fields other than the primary key (e.g.
// capability tag, executor, package name).
package boltutil

import (
	"encoding/json"
	"sort"

	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/util"
)

// Record is anything that can be stored in an IndexedBucket: it has a
// unique primary key and a set of secondary index values it should be
// reachable by.
type Record interface {
	// Key returns the record's primary key, unique within the bucket.
	Key() string
	// IndexValues returns, for each index name this record participates in,
	// the values under which it should be found.
	IndexValues() map[string][]string
}

// Config configures a new IndexedBucket.
type Config struct {
	DB      *bbolt.DB
	Name    string
	Indices []string
	Codec   util.LRUCodec
}

// IndexedBucket is a single bbolt bucket of Records, with zero or more
// secondary indices maintained alongside it.
type IndexedBucket struct {
	DB      *bbolt.DB
	name    string
	indices []string
	codec   util.LRUCodec
}

func mainBucketName(name string) []byte   { return []byte(name) }
func indexBucketName(idx string) []byte   { return []byte("idx:" + idx) }
func metaBucketName(name string) []byte   { return []byte("meta:" + name) }
func builtIndicesKey() []byte             { return []byte("built-indices") }

// NewIndexedBucket opens (creating if necessary) the bucket and indices
// described by cfg. Any index present in cfg.Indices that was not
// previously built is populated from the existing records; any previously
// built index no longer present in cfg.Indices is dropped.
func NewIndexedBucket(cfg *Config) (*IndexedBucket, error) {
	ib := &IndexedBucket{
		DB:      cfg.DB,
		name:    cfg.Name,
		indices: util.CopyStringSlice(cfg.Indices),
		codec:   cfg.Codec,
	}
	err := cfg.DB.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(mainBucketName(ib.name)); err != nil {
			return skerr.Wrap(err)
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucketName(ib.name))
		if err != nil {
			return skerr.Wrap(err)
		}
		built := readBuiltIndices(meta)
		builtSet := util.NewStringSet(built)
		wantSet := util.NewStringSet(ib.indices)

		for _, idx := range ib.indices {
			if builtSet[idx] {
				continue
			}
			if _, err := tx.CreateBucketIfNotExists(indexBucketName(idx)); err != nil {
				return skerr.Wrap(err)
			}
			if err := ib.rebuildIndexLocked(tx, idx); err != nil {
				return err
			}
		}
		for _, idx := range built {
			if wantSet[idx] {
				continue
			}
			if err := tx.DeleteBucket(indexBucketName(idx)); err != nil && err != bbolt.ErrBucketNotFound {
				return skerr.Wrap(err)
			}
		}
		return writeBuiltIndices(meta, ib.indices)
	})
	if err != nil {
		return nil, err
	}
	return ib, nil
}

func readBuiltIndices(meta *bbolt.Bucket) []string {
	b := meta.Get(builtIndicesKey())
	if b == nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func writeBuiltIndices(meta *bbolt.Bucket, indices []string) error {
	b, err := json.Marshal(indices)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(meta.Put(builtIndicesKey(), b))
}

// rebuildIndexLocked repopulates the named index bucket (which must already
// exist and be empty-or-stale) by scanning every record in the main bucket.
func (ib *IndexedBucket) rebuildIndexLocked(tx *bbolt.Tx, idx string) error {
	idxBucket := tx.Bucket(indexBucketName(idx))
	c := idxBucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := idxBucket.Delete(k); err != nil {
			return skerr.Wrap(err)
		}
	}
	main := tx.Bucket(mainBucketName(ib.name))
	return main.ForEach(func(k, v []byte) error {
		rec, err := ib.codec.Decode(v)
		if err != nil {
			return skerr.Wrap(err)
		}
		r, ok := rec.(Record)
		if !ok {
			return skerr.Fmt("decoded value is not a Record")
		}
		for _, val := range r.IndexValues()[idx] {
			if err := addToIndexEntry(idxBucket, val, string(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReIndex rebuilds every configured index from the current contents of the
// main bucket, recovering from an index bucket that was deleted or
// corrupted out from under the store.
func (ib *IndexedBucket) ReIndex() error {
	return ib.DB.Update(func(tx *bbolt.Tx) error {
		for _, idx := range ib.indices {
			if _, err := tx.CreateBucketIfNotExists(indexBucketName(idx)); err != nil {
				return skerr.Wrap(err)
			}
			if err := ib.rebuildIndexLocked(tx, idx); err != nil {
				return err
			}
		}
		return nil
	})
}

func getIndexEntry(idxBucket *bbolt.Bucket, val string) ([]string, error) {
	b := idxBucket.Get([]byte(val))
	if b == nil {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, skerr.Wrap(err)
	}
	return keys, nil
}

func putIndexEntry(idxBucket *bbolt.Bucket, val string, keys []string) error {
	if len(keys) == 0 {
		return skerr.Wrap(idxBucket.Delete([]byte(val)))
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(idxBucket.Put([]byte(val), b))
}

func addToIndexEntry(idxBucket *bbolt.Bucket, val, key string) error {
	keys, err := getIndexEntry(idxBucket, val)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	keys = append(keys, key)
	sort.Strings(keys)
	return putIndexEntry(idxBucket, val, keys)
}

func removeFromIndexEntry(idxBucket *bbolt.Bucket, val, key string) error {
	keys, err := getIndexEntry(idxBucket, val)
	if err != nil {
		return err
	}
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return putIndexEntry(idxBucket, val, out)
}

// indexRecordLocked adds key's entries to every configured index bucket,
// per rec.IndexValues().
func (ib *IndexedBucket) indexRecordLocked(tx *bbolt.Tx, rec Record) error {
	values := rec.IndexValues()
	for _, idx := range ib.indices {
		idxBucket := tx.Bucket(indexBucketName(idx))
		if idxBucket == nil {
			continue
		}
		for _, val := range values[idx] {
			if err := addToIndexEntry(idxBucket, val, rec.Key()); err != nil {
				return err
			}
		}
	}
	return nil
}

// unindexRecordLocked removes key's entries from every configured index
// bucket, per the given (typically stale, pre-mutation) IndexValues.
func (ib *IndexedBucket) unindexRecordLocked(tx *bbolt.Tx, key string, values map[string][]string) error {
	for _, idx := range ib.indices {
		idxBucket := tx.Bucket(indexBucketName(idx))
		if idxBucket == nil {
			continue
		}
		for _, val := range values[idx] {
			if err := removeFromIndexEntry(idxBucket, val, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Insert adds or replaces each of recs in the bucket, updating indices.
func (ib *IndexedBucket) Insert(recs []Record) error {
	return ib.DB.Update(func(tx *bbolt.Tx) error {
		main := tx.Bucket(mainBucketName(ib.name))
		for _, rec := range recs {
			if old := main.Get([]byte(rec.Key())); old != nil {
				oldRec, err := ib.codec.Decode(old)
				if err != nil {
					return skerr.Wrap(err)
				}
				if err := ib.unindexRecordLocked(tx, rec.Key(), oldRec.(Record).IndexValues()); err != nil {
					return err
				}
			}
			b, err := ib.codec.Encode(rec)
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := main.Put([]byte(rec.Key()), b); err != nil {
				return skerr.Wrap(err)
			}
			if err := ib.indexRecordLocked(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the records with the given keys, and their index entries.
func (ib *IndexedBucket) Delete(keys []string) error {
	return ib.DB.Update(func(tx *bbolt.Tx) error {
		main := tx.Bucket(mainBucketName(ib.name))
		for _, key := range keys {
			old := main.Get([]byte(key))
			if old == nil {
				continue
			}
			oldRec, err := ib.codec.Decode(old)
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := ib.unindexRecordLocked(tx, key, oldRec.(Record).IndexValues()); err != nil {
				return err
			}
			if err := main.Delete([]byte(key)); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	})
}

// Read returns the record for each key, in order, with nil for keys not
// found.
func (ib *IndexedBucket) Read(keys []string) ([]Record, error) {
	out := make([]Record, len(keys))
	err := ib.DB.View(func(tx *bbolt.Tx) error {
		main := tx.Bucket(mainBucketName(ib.name))
		for i, key := range keys {
			b := main.Get([]byte(key))
			if b == nil {
				continue
			}
			rec, err := ib.codec.Decode(b)
			if err != nil {
				return skerr.Wrap(err)
			}
			out[i] = rec.(Record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadRaw returns the raw encoded bytes stored for key, or nil if absent.
func (ib *IndexedBucket) ReadRaw(key string) ([]byte, error) {
	var out []byte
	err := ib.DB.View(func(tx *bbolt.Tx) error {
		main := tx.Bucket(mainBucketName(ib.name))
		b := main.Get([]byte(key))
		if b == nil {
			return nil
		}
		out = append([]byte{}, b...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns up to limit records starting at offset, ordered by primary
// key, along with the total number of records in the bucket. limit < 0
// means unlimited.
func (ib *IndexedBucket) List(offset, limit int) ([]Record, int, error) {
	var out []Record
	total := 0
	err := ib.DB.View(func(tx *bbolt.Tx) error {
		main := tx.Bucket(mainBucketName(ib.name))
		i := 0
		return main.ForEach(func(k, v []byte) error {
			total++
			if i < offset {
				i++
				return nil
			}
			if limit >= 0 && len(out) >= limit {
				return nil
			}
			rec, err := ib.codec.Decode(v)
			if err != nil {
				return skerr.Wrap(err)
			}
			out = append(out, rec.(Record))
			i++
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ReadIndex looks up, for each value in keys, the primary keys of records
// indexed under idx with that value. Panics if idx's bucket has gone
// missing underneath the store (e.g. deleted out of band); call ReIndex to
// recover.
func (ib *IndexedBucket) ReadIndex(idx string, keys []string) (map[string][]string, error) {
	out := map[string][]string{}
	err := ib.DB.View(func(tx *bbolt.Tx) error {
		idxBucket := tx.Bucket(indexBucketName(idx))
		if idxBucket == nil {
			panic("boltutil: index bucket " + idx + " is missing")
		}
		for _, val := range keys {
			found, err := getIndexEntry(idxBucket, val)
			if err != nil {
				return err
			}
			if len(found) > 0 {
				out[val] = found
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update loads recs (ignored, callers already hold Record values), applies
// fn to mutate them within a single bbolt transaction, then persists the
// mutated records and refreshes their index entries to reflect any changed
// IndexValues.
func (ib *IndexedBucket) Update(recs []Record, fn func(tx *bbolt.Tx, recs []Record) error) error {
	return ib.DB.Update(func(tx *bbolt.Tx) error {
		main := tx.Bucket(mainBucketName(ib.name))
		oldValues := make([]map[string][]string, len(recs))
		for i, rec := range recs {
			oldValues[i] = rec.IndexValues()
		}
		if err := fn(tx, recs); err != nil {
			return err
		}
		for i, rec := range recs {
			if err := ib.unindexRecordLocked(tx, rec.Key(), oldValues[i]); err != nil {
				return err
			}
			b, err := ib.codec.Encode(rec)
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := main.Put([]byte(rec.Key()), b); err != nil {
				return skerr.Wrap(err)
			}
			if err := ib.indexRecordLocked(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

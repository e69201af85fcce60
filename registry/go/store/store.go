// Package store persists Packages in a bbolt-backed IndexedBucket, the same
// pattern scheduler/go/store uses over the Task entity (spec §4, "CreatePackage
// ... DeletePackage" executed as single-entity transactions).
package store

import (
	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/go/boltutil"
	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/util"
	"go.skia.org/mrtaskman/registry/go/types"
)

const bucketName = "packages"

// Store wraps a boltutil.IndexedBucket of Packages.
type Store struct {
	ib *boltutil.IndexedBucket
}

// New opens (creating if necessary) the package store backed by db.
func New(db *bbolt.DB) (*Store, error) {
	ib, err := boltutil.NewIndexedBucket(&boltutil.Config{
		DB:      db,
		Name:    bucketName,
		Indices: []string{types.IndexByName},
		Codec:   util.JSONCodec(&types.Package{}),
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Store{ib: ib}, nil
}

// Get returns the package named name at version, or nil if absent.
func (s *Store) Get(name string, version int) (*types.Package, error) {
	recs, err := s.ib.Read([]string{types.FormatPackageKey(name, version)})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if recs[0] == nil {
		return nil, nil
	}
	return recs[0].(*types.Package), nil
}

// Create inserts pkg, failing with ErrDuplicate if (name, version) already
// exists (spec §7: "Duplicate package ... 400 with dedicated message").
func (s *Store) Create(pkg *types.Package) error {
	existing, err := s.Get(pkg.Name, pkg.Version)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicate
	}
	if err := s.ib.Insert([]boltutil.Record{pkg}); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// Delete removes the package named name at version. Returns false if it did
// not exist.
func (s *Store) Delete(name string, version int) (bool, error) {
	existing, err := s.Get(name, version)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if err := s.ib.Delete([]string{types.FormatPackageKey(name, version)}); err != nil {
		return false, skerr.Wrap(err)
	}
	return true, nil
}

// VersionsByName returns every package key indexed under name, regardless
// of version.
func (s *Store) VersionsByName(name string) ([]string, error) {
	found, err := s.ib.ReadIndex(types.IndexByName, []string{name})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return found[name], nil
}

// ErrDuplicate is returned by Create when (name, version) already exists.
var ErrDuplicate = skerr.Fmt("package already exists")

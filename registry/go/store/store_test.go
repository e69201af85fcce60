package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"go.skia.org/mrtaskman/registry/go/store"
	"go.skia.org/mrtaskman/registry/go/types"
)

func newTestStore(t *testing.T) *store.Store {
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s, err := store.New(db)
	require.NoError(t, err)
	return s
}

func TestCreateAndGet_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	pkg := &types.Package{Name: "cowsay", Version: 1, Files: []types.PackageFile{
		{DestinationPath: "cowsay.sh", FileMode: "755", BlobRef: "blob-1"},
	}}
	require.NoError(t, s.Create(pkg))

	got, err := s.Get("cowsay", 1)
	require.NoError(t, err)
	require.Equal(t, pkg.Files, got.Files)
}

func TestCreate_DuplicateReturnsErrDuplicate(t *testing.T) {
	s := newTestStore(t)
	pkg := &types.Package{Name: "cowsay", Version: 1}
	require.NoError(t, s.Create(pkg))
	require.ErrorIs(t, s.Create(pkg), store.ErrDuplicate)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("nope", 1)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDelete_IdempotentOnMissing(t *testing.T) {
	s := newTestStore(t)
	pkg := &types.Package{Name: "cowsay", Version: 1}
	require.NoError(t, s.Create(pkg))

	ok, err := s.Delete("cowsay", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete("cowsay", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVersionsByName_FindsAllVersions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(&types.Package{Name: "cowsay", Version: 1}))
	require.NoError(t, s.Create(&types.Package{Name: "cowsay", Version: 2}))
	require.NoError(t, s.Create(&types.Package{Name: "moosay", Version: 1}))

	keys, err := s.VersionsByName("cowsay")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"cowsay^^^1", "cowsay^^^2"}, keys)
}

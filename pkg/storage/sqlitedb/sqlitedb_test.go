package sqlitedb

import (
	"path/filepath"
	"testing"

	"github.com/gatewise/mag/pkg/storage"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mag.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetPutDelete(t *testing.T) {
	s := openTemp(t)

	_, err := s.Get("missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put("a", []byte("1")))
	v, err := s.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	// Upsert overwrites.
	require.NoError(t, s.Put("a", []byte("2")))
	v, err = s.Get("a")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, s.Delete("a"))
	_, err = s.Get("a")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, s.Delete("a"))
}

func TestKeysPrefix(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Put("gw1.access", []byte("x")))
	require.NoError(t, s.Put("gw1.refresh", []byte("y")))
	require.NoError(t, s.Put("gw2.access", []byte("z")))

	keys, err := s.Keys("gw1.")
	require.NoError(t, err)
	require.Equal(t, []string{"gw1.access", "gw1.refresh"}, keys)

	all, err := s.Keys("")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestKeysPrefixWildcardsAreLiteral(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Put("gw_a.access", []byte("x")))
	require.NoError(t, s.Put("gwXa.access", []byte("y")))
	require.NoError(t, s.Put("gw%.access", []byte("z")))

	// _ matches only itself, not any single character.
	keys, err := s.Keys("gw_a.")
	require.NoError(t, err)
	require.Equal(t, []string{"gw_a.access"}, keys)

	// % matches only itself, not everything.
	keys, err = s.Keys("gw%.")
	require.NoError(t, err)
	require.Equal(t, []string{"gw%.access"}, keys)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mag.sqlite")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Close())

	// Reopening applies no pending migrations and keeps the data.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestClosedStoreNotReady(t *testing.T) {
	s := openTemp(t)
	require.True(t, s.Ready())
	require.NoError(t, s.Close())
	require.False(t, s.Ready())

	require.ErrorIs(t, s.Put("k", nil), storage.ErrNotReady)
}

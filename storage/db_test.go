package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	require.NoError(t, err)
	bolt, err := NewBoltDB(filepath.Join(dir, "otc.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() {
		level.Close()
		bolt.Close()
	})
	return map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
		"bolt":    bolt,
	}
}

func TestDatabaseBasicOperations(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, db.Put([]byte("a/1"), []byte("one")))
			value, err := db.Get([]byte("a/1"))
			require.NoError(t, err)
			require.Equal(t, []byte("one"), value)

			ok, err := db.Has([]byte("a/1"))
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, db.Delete([]byte("a/1")))
			ok, err = db.Has([]byte("a/1"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestDatabaseIteratePrefixOrdered(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			batch := new(Batch)
			batch.Put([]byte("post/0002"), []byte("b"))
			batch.Put([]byte("post/0001"), []byte("a"))
			batch.Put([]byte("deal/0001"), []byte("x"))
			require.NoError(t, db.Write(batch))

			var keys []string
			require.NoError(t, db.Iterate([]byte("post/"), func(key, value []byte) error {
				keys = append(keys, string(key))
				return nil
			}))
			require.Equal(t, []string{"post/0001", "post/0002"}, keys)
		})
	}
}

func TestOverlayCommitAndDiscard(t *testing.T) {
	base := NewMemDB()
	require.NoError(t, base.Put([]byte("k/1"), []byte("base")))
	require.NoError(t, base.Put([]byte("k/2"), []byte("drop")))

	overlay := NewOverlay(base)
	require.NoError(t, overlay.Put([]byte("k/3"), []byte("new")))
	require.NoError(t, overlay.Delete([]byte("k/2")))

	_, err := overlay.Get([]byte("k/2"))
	require.True(t, errors.Is(err, ErrNotFound))
	ok, err := base.Has([]byte("k/3"))
	require.NoError(t, err)
	require.False(t, ok, "staged write leaked into base")

	var seen []string
	require.NoError(t, overlay.Iterate([]byte("k/"), func(key, value []byte) error {
		seen = append(seen, string(key)+"="+string(value))
		return nil
	}))
	require.Equal(t, []string{"k/1=base", "k/3=new"}, seen)

	overlay.Discard()
	require.False(t, overlay.Dirty())
	value, err := overlay.Get([]byte("k/2"))
	require.NoError(t, err)
	require.Equal(t, []byte("drop"), value)

	require.NoError(t, overlay.Put([]byte("k/4"), []byte("four")))
	require.NoError(t, overlay.Delete([]byte("k/1")))
	require.NoError(t, overlay.Commit())
	require.False(t, overlay.Dirty())

	value, err = base.Get([]byte("k/4"))
	require.NoError(t, err)
	require.Equal(t, []byte("four"), value)
	ok, err = base.Has([]byte("k/1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("cassandra", "")
	require.Error(t, err)
	db, err := Open("memory", "")
	require.NoError(t, err)
	db.Close()
}

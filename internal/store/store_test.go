package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestCratesGetPutRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	crate := model.Crate{Name: "serde", Versions: []string{"1.0.0"}}
	require.NoError(t, s.Crates().Put(crate.Name, crate))

	got, found, err := s.Crates().Get(crate.Name)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, crate, *got)

	_, found, err = s.Crates().Get("does-not-exist")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTableUpdateCreatesWhenAbsent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	tasks := s.Tasks()

	err := tasks.Update("serde:1.0.0:download:1", func(current model.Task, existed bool) (model.Task, error) {
		assert.False(t, existed)

		current.Process = "download"

		return current, nil
	})
	require.NoError(t, err)

	got, found, err := tasks.Get("serde:1.0.0:download:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "download", got.Process)
}

func TestTableRawRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	results := s.TaskResults()

	require.NoError(t, results.PutRaw("k1", []byte("payload")))

	got, found, err := results.GetRaw("k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), got)
}

func TestTableKeysAndRangePage(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	crates := s.Crates()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, crates.Put(name, model.Crate{Name: name}))
	}

	keys, err := crates.Keys("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, keys)

	page, total, err := crates.RangePage("", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"beta"}, page)
}

func TestOpenUsesDataDirDBFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, filepath.Join(dir, "crateminer.db"))
}

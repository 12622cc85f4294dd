package commands

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/crateminer/internal/model"
	"github.com/Sumatoshi-tech/crateminer/internal/store"
)

func openTestStoreForCommands(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestMergeCrateCreatesOnFirstVersion(t *testing.T) {
	t.Parallel()

	s := openTestStoreForCommands(t)

	firstSeen, err := mergeCrate(s, &model.CrateVersion{Name: "serde", Version: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, firstSeen)

	got, found, err := s.Crates().Get("serde")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"1.0.0"}, got.Versions)
}

func TestMergeCrateAppendsSubsequentVersion(t *testing.T) {
	t.Parallel()

	s := openTestStoreForCommands(t)

	_, err := mergeCrate(s, &model.CrateVersion{Name: "serde", Version: "1.0.0"})
	require.NoError(t, err)

	firstSeen, err := mergeCrate(s, &model.CrateVersion{Name: "serde", Version: "1.0.1"})
	require.NoError(t, err)
	assert.False(t, firstSeen, "a second version of an existing crate is not first-seen")

	got, found, err := s.Crates().Get("serde")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"1.0.0", "1.0.1"}, got.Versions)
}

func TestMergeCrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStoreForCommands(t)

	_, err := mergeCrate(s, &model.CrateVersion{Name: "serde", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = mergeCrate(s, &model.CrateVersion{Name: "serde", Version: "1.0.0"})
	require.NoError(t, err)

	got, found, err := s.Crates().Get("serde")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"1.0.0"}, got.Versions)
}

func TestUpdateContextCountsAccumulatesAcrossCalls(t *testing.T) {
	t.Parallel()

	s := openTestStoreForCommands(t)

	require.NoError(t, updateContextCounts(s, 2, 2))
	require.NoError(t, updateContextCounts(s, 0, 1))

	ctx, found, err := s.Contexts().Get(model.ContextKey(time.Now().UTC()))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), ctx.Counts.Crates)
	assert.Equal(t, uint64(3), ctx.Counts.CrateVersions)
}

func TestUpdateContextCountsNoopWhenNothingChanged(t *testing.T) {
	t.Parallel()

	s := openTestStoreForCommands(t)

	require.NoError(t, updateContextCounts(s, 0, 0))

	_, found, err := s.Contexts().Get(model.ContextKey(time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, found, "a zero-delta update should not create a context row")
}

func TestLastProcessedCommitDefaultsToZeroHash(t *testing.T) {
	t.Parallel()

	s := openTestStoreForCommands(t)

	h, err := lastProcessedCommit(s)
	require.NoError(t, err)
	assert.Equal(t, plumbing.ZeroHash, h)
}

func TestStoreAndReadBackLastProcessedCommit(t *testing.T) {
	t.Parallel()

	s := openTestStoreForCommands(t)

	want := plumbing.NewHash("4bf92f3577b34da6a3ce929d0e0e4736a3ce929d")
	require.NoError(t, storeLastProcessedCommit(s, want))

	got, err := lastProcessedCommit(s)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

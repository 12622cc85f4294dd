package dbdump

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

func buildDump(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer

	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))

		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	return &buf
}

func TestExtractFoldsUsersAndTeamsIntoActors(t *testing.T) {
	t.Parallel()

	buf := buildDump(t, map[string]string{
		"data/users.csv": "id,gh_login,name,gh_avatar,github_id\n1,alice,Alice A,http://example/a.png,1001\n",
		"data/teams.csv": "id,gh_login,name,gh_avatar,github_id\n7,acme-team,Acme Team,http://example/t.png,2002\n",
		"data/crates.csv": "id,name\n1,serde\n",
		"data/ignored.csv": "id\n1\n",
	})

	dump, err := Extract(buf)
	require.NoError(t, err)

	require.Len(t, dump.Actors, 2)

	user, ok := dump.Actors[model.ActorID{RegistryID: 1, Kind: model.User}]
	require.True(t, ok)
	assert.Equal(t, "alice", user.Login)
	assert.Equal(t, int64(1001), user.GitHubID)

	team, ok := dump.Actors[model.ActorID{RegistryID: 7, Kind: model.Team}]
	require.True(t, ok)
	assert.Equal(t, "acme-team", team.Login)

	assert.NotContains(t, dump.Rows, "ignored.csv")
	assert.Contains(t, dump.Rows, "crates.csv")
}

func TestExtractRequiresUsersAndTeamsTables(t *testing.T) {
	t.Parallel()

	buf := buildDump(t, map[string]string{
		"data/crates.csv": "id,name\n1,serde\n",
	})

	_, err := Extract(buf)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Bug))
}

func TestExtractSkipsRowsWithUnparseableID(t *testing.T) {
	t.Parallel()

	buf := buildDump(t, map[string]string{
		"data/users.csv": "id,gh_login\nnot-a-number,bob\n",
		"data/teams.csv": "id,gh_login\n1,team-one\n",
	})

	dump, err := Extract(buf)
	require.NoError(t, err)
	assert.Len(t, dump.Actors, 1)
}

func TestExtractExposesJoinTablesAsTypedSlices(t *testing.T) {
	t.Parallel()

	buf := buildDump(t, map[string]string{
		"data/users.csv":            "id,gh_login\n1,alice\n",
		"data/teams.csv":            "id,gh_login\n7,acme-team\n",
		"data/crate_owners.csv":     "crate_id,owner_id\n1,1\n",
		"data/version_authors.csv":  "version_id,name\n1,alice\n",
		"data/crates_categories.csv": "crate_id,category_id\n1,1\n",
		"data/crates_keywords.csv":  "crate_id,keyword_id\n1,1\n",
	})

	dump, err := Extract(buf)
	require.NoError(t, err)

	require.Len(t, dump.CrateOwners, 1)
	assert.Equal(t, "1", dump.CrateOwners[0]["crate_id"])

	require.Len(t, dump.VersionAuthors, 1)
	assert.Equal(t, "alice", dump.VersionAuthors[0]["name"])

	require.Len(t, dump.CratesCategories, 1)
	require.Len(t, dump.CratesKeywords, 1)
}

func TestCanBeStarted(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	assert.True(t, CanBeStarted(model.TaskState{Phase: model.NotStarted}, time.Time{}, now))
	assert.True(t, CanBeStarted(model.TaskState{Phase: model.Complete}, time.Time{}, now))
	assert.True(t, CanBeStarted(model.TaskState{Phase: model.InProgress}, now.Add(-time.Hour), now))
	assert.False(t, CanBeStarted(model.TaskState{Phase: model.InProgress}, now.Add(time.Hour), now))
	assert.False(t, CanBeStarted(model.TaskState{Phase: model.AttemptsWithFailure}, time.Time{}, now))
}

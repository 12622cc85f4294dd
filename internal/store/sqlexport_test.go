package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

func openTestSQLExport(t *testing.T) *SQLExport {
	t.Helper()

	e, err := OpenSQLExport(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestUpsertTaskCompleteHasNoErrorRows(t *testing.T) {
	t.Parallel()

	e := openTestSQLExport(t)
	ctx := context.Background()

	task := model.Task{
		StoredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Process:  "download",
		Version:  "1",
		State:    model.TaskState{Phase: model.Complete},
	}

	require.NoError(t, e.UpsertTask(ctx, "serde", "1.0.0", task))

	rows, err := e.TasksForCrate(ctx, "serde")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "serde", rows[0].CrateName)
	assert.Equal(t, "1.0.0", rows[0].CrateVersion)
	assert.Equal(t, "download", rows[0].Process)
	assert.Equal(t, "Complete", rows[0].State)
	assert.Empty(t, rows[0].Errors)
}

func TestUpsertTaskAttemptsWithFailureCarriesErrorRows(t *testing.T) {
	t.Parallel()

	e := openTestSQLExport(t)
	ctx := context.Background()

	task := model.Task{
		StoredAt: time.Now().UTC(),
		Process:  "download",
		Version:  "1",
		State: model.TaskState{
			Phase:  model.AttemptsWithFailure,
			Errors: []string{"timeout", "connection reset"},
		},
	}

	require.NoError(t, e.UpsertTask(ctx, "serde", "1.0.0", task))

	rows, err := e.TasksForCrate(ctx, "serde")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, []string{"timeout", "connection reset"}, rows[0].Errors)
}

func TestUpsertTaskReplacesPriorErrorsOnRetry(t *testing.T) {
	t.Parallel()

	e := openTestSQLExport(t)
	ctx := context.Background()

	failing := model.Task{
		StoredAt: time.Now().UTC(),
		Process:  "download",
		Version:  "1",
		State:    model.TaskState{Phase: model.AttemptsWithFailure, Errors: []string{"timeout"}},
	}
	require.NoError(t, e.UpsertTask(ctx, "serde", "1.0.0", failing))

	complete := failing
	complete.State = model.TaskState{Phase: model.Complete}
	require.NoError(t, e.UpsertTask(ctx, "serde", "1.0.0", complete))

	rows, err := e.TasksForCrate(ctx, "serde")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "Complete", rows[0].State)
	assert.Empty(t, rows[0].Errors)
}

func TestTasksForCrateOrdersByVersionProcessAndTaskVersion(t *testing.T) {
	t.Parallel()

	e := openTestSQLExport(t)
	ctx := context.Background()

	tasks := []struct {
		crateVersion string
		process      string
	}{
		{"1.0.1", "download"},
		{"1.0.0", "index"},
		{"1.0.0", "download"},
	}

	for _, tc := range tasks {
		require.NoError(t, e.UpsertTask(ctx, "serde", tc.crateVersion, model.Task{
			StoredAt: time.Now().UTC(),
			Process:  tc.process,
			Version:  "1",
			State:    model.TaskState{Phase: model.Complete},
		}))
	}

	rows, err := e.TasksForCrate(ctx, "serde")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "1.0.0", rows[0].CrateVersion)
	assert.Equal(t, "download", rows[0].Process)
	assert.Equal(t, "1.0.0", rows[1].CrateVersion)
	assert.Equal(t, "index", rows[1].Process)
	assert.Equal(t, "1.0.1", rows[2].CrateVersion)
}

func TestTasksForCrateIgnoresOtherCrates(t *testing.T) {
	t.Parallel()

	e := openTestSQLExport(t)
	ctx := context.Background()

	require.NoError(t, e.UpsertTask(ctx, "serde", "1.0.0", model.Task{
		StoredAt: time.Now().UTC(), Process: "download", Version: "1",
		State: model.TaskState{Phase: model.Complete},
	}))
	require.NoError(t, e.UpsertTask(ctx, "tokio", "1.0.0", model.Task{
		StoredAt: time.Now().UTC(), Process: "download", Version: "1",
		State: model.TaskState{Phase: model.Complete},
	}))

	rows, err := e.TasksForCrate(ctx, "serde")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "serde", rows[0].CrateName)
}

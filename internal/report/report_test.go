package report

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/crateminer/internal/progress"
)

func newTestItem() *progress.Item {
	return progress.NewTree(slog.New(slog.DiscardHandler)).Child("report")
}

func TestRunProcessesEveryNameAndAccumulatesStats(t *testing.T) {
	t.Parallel()

	names := []string{"serde", "tokio", "broken"}

	generate := func(_ context.Context, name string) (CrateReport, error) {
		if name == "broken" {
			return CrateReport{}, errors.New("boom")
		}

		return CrateReport{CrateName: name, Body: []byte(name)}, nil
	}

	reports, stats, err := Run(context.Background(), names, generate, newTestItem(), 2)
	require.NoError(t, err)

	assert.Len(t, reports, 2)
	assert.Equal(t, 2, stats.CratesProcessed)
	assert.Equal(t, 1, stats.CratesFailed)
}

func TestRunWithNoNamesReturnsEmpty(t *testing.T) {
	t.Parallel()

	reports, stats, err := Run(context.Background(), nil, func(context.Context, string) (CrateReport, error) {
		t.Fatal("generate should not be called for an empty name list")
		return CrateReport{}, nil
	}, newTestItem(), 2)

	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, Stats{}, stats)
}

func TestAggregatorWriteNotAvailableIsNoop(t *testing.T) {
	t.Parallel()

	agg := &Aggregator{Policy: NotAvailable}
	err := agg.Write(context.Background(), []CrateReport{{CrateName: "serde", Body: []byte("x")}})
	require.NoError(t, err)
}

func TestAggregatorWriteWorkingDirWritesAndCommits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	agg := &Aggregator{Policy: RepoWithWorkingDir, OutputDir: ".", Repo: repo}
	t.Cleanup(agg.Close)

	err = agg.Write(context.Background(), []CrateReport{{CrateName: "serde", Body: []byte("report body")}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "serde.report"))
	require.NoError(t, err)
	assert.Equal(t, "report body", string(data))
}

func TestAggregatorCacheDirSkipsUnchangedReports(t *testing.T) {
	t.Parallel()

	repoDir := t.TempDir()
	cacheDir := t.TempDir()

	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)

	agg := &Aggregator{Policy: RepoWithWorkingDir, OutputDir: ".", Repo: repo, CacheDir: cacheDir}

	report := CrateReport{CrateName: "serde", Body: []byte("unchanged")}

	require.NoError(t, agg.Write(context.Background(), []CrateReport{report}))
	require.NoError(t, os.Remove(filepath.Join(repoDir, "serde.report")))

	require.NoError(t, agg.Write(context.Background(), []CrateReport{report}))

	_, err = os.Stat(filepath.Join(repoDir, "serde.report"))
	assert.True(t, os.IsNotExist(err), "unchanged report should not have been rewritten")
}

func TestAggregatorStatusForReflectsCache(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	agg := &Aggregator{Policy: NotAvailable, CacheDir: cacheDir}
	report := CrateReport{CrateName: "serde", Body: []byte("same")}

	assert.Equal(t, NotStarted, agg.StatusFor(report), "nothing cached yet")

	agg.cache(report)
	assert.Equal(t, Done, agg.StatusFor(report), "cached body matches")

	changed := CrateReport{CrateName: "serde", Body: []byte("different")}
	assert.Equal(t, NotStarted, agg.StatusFor(changed), "cached body no longer matches")
}

func TestSummaryTableRendersCounts(t *testing.T) {
	t.Parallel()

	out := SummaryTable(Stats{CratesProcessed: 3, CratesFailed: 1})
	assert.Contains(t, out, "crates processed")
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "crates failed")
}

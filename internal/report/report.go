// Package report implements the report driver and aggregator of spec.md
// §4.6: paginate crates in fixed-size chunks through the CPU-bound pool,
// merge per-crate results into a single summary, and write the summary to
// whichever sink the target repository policy selects. Chunking and
// cross-chunk stat accumulation follow the shape of the teacher's
// CoordinatorConfig/PipelineStats pattern in pkg/framework/coordinator.go,
// generalized from git-commit chunks to crate-name chunks.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/crateminer/internal/cpuagent"
	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/fabric"
	"github.com/Sumatoshi-tech/crateminer/internal/progress"
	"github.com/Sumatoshi-tech/crateminer/internal/store"
)

// maxChunkSize bounds how many crates are paginated into the CPU pool at
// once; the effective chunk size is min(maxChunkSize, totalCrates) (spec §9
// open question, decided in favor of the original pipeline's constant).
const maxChunkSize = 500

// WritePolicy selects how a generated report is persisted, mirroring the
// three outcomes the original pipeline's git::select_callback distinguished.
type WritePolicy int

const (
	// NotAvailable means no repository was configured; reports stay in memory
	// only (used by the `report` CLI command's dry-run mode).
	NotAvailable WritePolicy = iota
	// RepoWithWorkingDir checks reports out into a working tree and commits
	// them with a normal git add/commit.
	RepoWithWorkingDir
	// RepoBare writes each report as a blob directly into the repository's
	// object database, without a working tree. It creates no tree or commit
	// and moves no ref.
	RepoBare
)

// Status marks whether a crate's report generation can be skipped because a
// cached copy already matches, mirroring the original pipeline's small
// ReportResult{Done, NotStarted} enum the merge/aggregate stage used to
// short-circuit recomputation.
type Status int

const (
	NotStarted Status = iota
	Done
)

// CrateReport is one crate's generated report body plus the metadata needed
// to place it in the output tree.
type CrateReport struct {
	CrateName string
	Body      []byte
}

// Stats accumulates cross-chunk counters, reset per report run.
type Stats struct {
	CratesProcessed int
	CratesFailed    int
	Duration        time.Duration
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.CratesProcessed += other.CratesProcessed
	s.CratesFailed += other.CratesFailed
	s.Duration += other.Duration
}

// CrateNames returns every crate name known to the store, the full
// population Run paginates over.
func CrateNames(s *store.Store) ([]string, error) {
	return s.Crates().Keys("")
}

// Run paginates every crate name in the store into fixed-size chunks and
// dispatches each chunk's report-generation work through the CPU-bound pool
// (spec.md §4.6/§4.7), merging results as they complete, until every crate
// has been processed once. workers sizes the pool; a value below 1 is
// treated as 1.
func Run(
	ctx context.Context,
	names []string,
	generate func(ctx context.Context, crateName string) (CrateReport, error),
	item *progress.Item,
	workers int,
) ([]CrateReport, Stats, error) {
	chunkSize := maxChunkSize
	if len(names) < chunkSize {
		chunkSize = len(names)
	}

	if chunkSize == 0 {
		return nil, Stats{}, nil
	}

	if workers < 1 {
		workers = 1
	}

	item.Init(len(names), "crates")

	jobs := fabric.NewWorkChannel[cpuagent.Job]()
	results := fabric.NewResultChannel[cpuagent.Result](workers)

	pool := cpuagent.New(workers, jobs)
	pool.Start(ctx)

	var (
		reports []CrateReport
		stats   Stats
	)

	start := time.Now()

	for offset := 0; offset < len(names); offset += chunkSize {
		end := offset + chunkSize
		if end > len(names) {
			end = len(names)
		}

		chunk := names[offset:end]

		go func() {
			for _, name := range chunk {
				name := name
				jobs <- cpuagent.Job{
					FQKey: name,
					Run: func(ctx context.Context) (any, error) {
						return generate(ctx, name)
					},
					Response: results,
				}
			}
		}()

		for range chunk {
			res := <-results
			if res.Error != nil {
				stats.CratesFailed++

				continue
			}

			reports = append(reports, res.Value.(CrateReport))
			stats.CratesProcessed++
		}

		item.Set(end)
	}

	close(jobs)
	pool.Stop()

	stats.Duration = time.Since(start)

	return reports, stats, nil
}

// WriteRequest is one report artifact handed to the dedicated git thread:
// persist Content at Path (staged into the working tree, or written
// directly into the object database, depending on policy) and report the
// outcome on Response.
type WriteRequest struct {
	Path     string
	Content  []byte
	Response chan<- error
}

// Aggregator merges generated reports and writes them out per policy. Its
// RepoWithWorkingDir and RepoBare policies never touch Repo from the
// calling goroutine: a dedicated git thread, started on first use and fed
// over a bounded WriteRequest channel, owns every read/write against it,
// mirroring the request/response channel shape internal/cpuagent and
// internal/ioagent's worker pools use for their own result channels.
type Aggregator struct {
	Policy    WritePolicy
	OutputDir string
	Repo      *git.Repository
	CacheDir  string // incremental cache; empty disables it
	QueueSize int    // bounds the git side channel; a value below 1 is treated as 1

	startGit sync.Once
	gitCh    chan WriteRequest
	gitDone  chan struct{}
}

// Write persists reports according to a.Policy. When a.CacheDir is set (no
// glob filter was applied to this run, per the original pipeline's rule),
// unchanged report bodies are skipped by comparing against the cache.
func (a *Aggregator) Write(ctx context.Context, reports []CrateReport) error {
	switch a.Policy {
	case NotAvailable:
		return nil

	case RepoWithWorkingDir, RepoBare:
		return a.writeViaGitThread(reports)

	default:
		return errkind.Newf(errkind.Bug, "unknown write policy %d", a.Policy)
	}
}

// Close closes the git side channel and waits for its dedicated thread to
// drain, the join handle a caller must await once it is done sending
// WriteRequests. Safe to call even if no git thread was ever started.
func (a *Aggregator) Close() {
	if a.gitCh == nil {
		return
	}

	close(a.gitCh)
	<-a.gitDone
}

func (a *Aggregator) ensureGitThread() {
	a.startGit.Do(func() {
		size := a.QueueSize
		if size < 1 {
			size = 1
		}

		a.gitCh = make(chan WriteRequest, size)
		a.gitDone = make(chan struct{})

		go a.runGitThread()
	})
}

// runGitThread is the dedicated goroutine: the only place Repo is ever
// mutated from. It consumes requests sequentially, staging and committing
// each on its own schedule, until a.gitCh is closed.
func (a *Aggregator) runGitThread() {
	defer close(a.gitDone)

	for req := range a.gitCh {
		err := a.commitRequest(req)
		if req.Response != nil {
			req.Response <- err
		}
	}
}

func (a *Aggregator) commitRequest(req WriteRequest) error {
	switch a.Policy {
	case RepoWithWorkingDir:
		return a.commitWorkingDir(req)

	case RepoBare:
		return a.commitBare(req)

	default:
		return errkind.Newf(errkind.Bug, "git thread received a request under policy %d", a.Policy)
	}
}

func (a *Aggregator) commitWorkingDir(req WriteRequest) error {
	wt, err := a.Repo.Worktree()
	if err != nil {
		return errkind.New(errkind.Persistence, fmt.Errorf("open worktree: %w", err))
	}

	path := filepath.Join(a.OutputDir, req.Path)

	if err := os.WriteFile(filepath.Join(wt.Filesystem.Root(), path), req.Content, 0o644); err != nil {
		return errkind.New(errkind.Persistence, fmt.Errorf("write report %s: %w", req.Path, err))
	}

	if _, err := wt.Add(path); err != nil {
		return errkind.New(errkind.Persistence, fmt.Errorf("stage report %s: %w", req.Path, err))
	}

	_, err = wt.Commit(fmt.Sprintf("update report %s", req.Path), &git.CommitOptions{
		Author: &object.Signature{Name: "crateminer", When: time.Now()},
	})
	if err != nil && err != git.ErrEmptyCommit {
		return errkind.New(errkind.Persistence, fmt.Errorf("commit report %s: %w", req.Path, err))
	}

	return nil
}

func (a *Aggregator) commitBare(req WriteRequest) error {
	_, err := a.Repo.Storer.EncodedObject(object.BlobObject, plumbing.ComputeHash(plumbing.BlobObject, req.Content))
	if err == nil {
		return nil // identical blob already present
	}

	obj := a.Repo.Storer.NewEncodedObject()
	obj.SetType(object.BlobObject)

	w, err := obj.Writer()
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	if _, err := w.Write(req.Content); err != nil {
		w.Close()

		return errkind.New(errkind.Persistence, err)
	}

	w.Close()

	if _, err := a.Repo.Storer.SetEncodedObject(obj); err != nil {
		return errkind.New(errkind.Persistence, fmt.Errorf("store blob for %s: %w", req.Path, err))
	}

	return nil
}

// writeViaGitThread forwards every not-yet-cached report to the dedicated
// git thread and waits for each to land, caching the ones that succeed.
// Responses arrive in submission order: the git thread has exactly one
// reader draining a.gitCh, so this never needs to match them back up by key.
func (a *Aggregator) writeViaGitThread(reports []CrateReport) error {
	a.ensureGitThread()

	respCh := make(chan error, len(reports))

	var pending []CrateReport

	for _, r := range reports {
		if a.StatusFor(r) == Done {
			continue
		}

		a.gitCh <- WriteRequest{Path: r.CrateName + ".report", Content: r.Body, Response: respCh}
		pending = append(pending, r)
	}

	var firstErr error

	for _, r := range pending {
		if err := <-respCh; err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		a.cache(r)
	}

	return firstErr
}

// StatusFor reports whether r's body already matches the cached copy from a
// previous run, letting the caller skip rewriting and recommitting it.
func (a *Aggregator) StatusFor(r CrateReport) Status {
	if a.unchanged(r) {
		return Done
	}

	return NotStarted
}

func (a *Aggregator) unchanged(r CrateReport) bool {
	if a.CacheDir == "" {
		return false
	}

	cached, err := os.ReadFile(filepath.Join(a.CacheDir, r.CrateName))
	if err != nil {
		return false
	}

	return string(cached) == string(r.Body)
}

func (a *Aggregator) cache(r CrateReport) {
	if a.CacheDir == "" {
		return
	}

	_ = os.MkdirAll(a.CacheDir, 0o755)
	_ = os.WriteFile(filepath.Join(a.CacheDir, r.CrateName), r.Body, 0o644)
}

// SummaryTable renders a run's stats as the final console table, using
// go-pretty the way the teacher renders its own CLI output tables.
func SummaryTable(stats Stats) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"metric", "value"})
	t.AppendRow(table.Row{"crates processed", stats.CratesProcessed})
	t.AppendRow(table.Row{"crates failed", stats.CratesFailed})
	t.AppendRow(table.Row{"duration", stats.Duration.String()})

	return t.Render()
}

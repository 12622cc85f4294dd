package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/crateminer/internal/cpuagent"
	"github.com/Sumatoshi-tech/crateminer/internal/explode"
	"github.com/Sumatoshi-tech/crateminer/internal/fabric"
	"github.com/Sumatoshi-tech/crateminer/internal/index"
	"github.com/Sumatoshi-tech/crateminer/internal/ioagent"
	"github.com/Sumatoshi-tech/crateminer/internal/ledger"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
	"github.com/Sumatoshi-tech/crateminer/internal/progress"
	"github.com/Sumatoshi-tech/crateminer/internal/store"
	"github.com/Sumatoshi-tech/crateminer/internal/telemetry"
	"github.com/Sumatoshi-tech/crateminer/internal/waste"
	"github.com/Sumatoshi-tech/crateminer/pkg/config"
)

// NewRunCommand builds the `run` command: the unified entrypoint that
// ingests index changes and then downloads every newly-added crate version's
// tarball through the I/O-bound worker pool, mirroring the teacher's `run`
// command as the single entrypoint chaining every stage.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Ingest index changes and download new crate versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd)
		},
	}
}

func runPipeline(cmd *cobra.Command) error {
	ctx := cmd.Context()
	log := telemetry.New(telemetry.ModeRun, telemetry.ParseLevel("info"))
	tree := progress.NewTree(log)

	cfg, s, previousStartup, closeStore, err := openStoreForCommand(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	l := ledger.New(s, previousStartup, cfg.IOAgent.RetryAttempts)

	indexItem := tree.Child("index")

	repo, _, err := index.OpenOrClone(ctx, cfg.Index.RemoteURL, filepath.Join(cfg.DataDir, "index"), indexItem)
	if err != nil {
		return err
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve index HEAD: %w", err)
	}

	lastHash, err := lastProcessedCommit(s)
	if err != nil {
		return err
	}

	changes, err := index.DiffSince(repo, lastHash, head.Hash())
	if err != nil {
		return err
	}

	var (
		toDownload                  []model.CrateVersion
		newCrates, newCrateVersions uint64
	)

	for _, c := range changes {
		if err := s.CrateVersions().Put(c.Version.Key(), c.Version); err != nil {
			return err
		}

		firstSeen, err := mergeCrate(s, &c.Version)
		if err != nil {
			return err
		}

		if firstSeen {
			newCrates++
		}

		newCrateVersions++

		if c.Kind == model.Added {
			toDownload = append(toDownload, c.Version)
		}
	}

	if err := storeLastProcessedCommit(s, head.Hash()); err != nil {
		return err
	}

	if err := updateContextCounts(s, newCrates, newCrateVersions); err != nil {
		return err
	}

	downloaded, err := downloadVersions(ctx, cfg, l, s, toDownload, tree, log)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d change(s), downloaded %d crate version(s)\n", len(changes), downloaded)

	return nil
}

// crateDownloadURL is a var, not a const, so tests can point it at a local
// server instead of static.crates.io.
var crateDownloadURL = func(name, version string) string {
	return fmt.Sprintf("https://static.crates.io/crates/%s/%s-%s.crate", name, name, version)
}

// downloadedCrate pairs a successfully downloaded version with the path its
// tarball was written to, the unit explodeDownloadedCrates unpacks.
type downloadedCrate struct {
	version model.CrateVersion
	path    string
}

// downloadVersions claims a download task per crate version, fans the
// claimed requests out across the I/O-bound worker pool, and folds each
// result back into the ledger as it arrives. Claiming happens up front so
// that work already claimed by a previous, still-running process is skipped
// without ever touching the pool.
func downloadVersions(
	ctx context.Context,
	cfg *config.Config,
	l *ledger.Ledger,
	s *store.Store,
	versions []model.CrateVersion,
	tree *progress.Tree,
	log *slog.Logger,
) (int, error) {
	item := tree.Child("download")
	item.Init(len(versions), "crate_versions")

	type claimedDownload struct {
		fqKey   string
		url     string
		version model.CrateVersion
	}

	claimed := make([]claimedDownload, 0, len(versions))

	for _, v := range versions {
		fqKey := model.FQTaskKey(v.Name, v.Version, "download", "1")

		result, err := l.Claim(fqKey, "download", "1")
		if err != nil {
			return 0, err
		}

		if result != ledger.Claimed {
			continue
		}

		claimed = append(claimed, claimedDownload{fqKey: fqKey, url: crateDownloadURL(v.Name, v.Version), version: v})
	}

	if len(claimed) == 0 {
		item.Done("nothing to download")

		return 0, nil
	}

	reqCh := fabric.NewWorkChannel[ioagent.DownloadRequest]()
	respCh := fabric.NewResultChannel[ioagent.DownloadResponse](cfg.IOAgent.Workers)

	pool := ioagent.New(cfg.IOAgent.Workers, http.DefaultClient, reqCh)
	pool.Start(ctx)

	go func() {
		defer close(reqCh)

		for _, c := range claimed {
			destDir := filepath.Join(cfg.DataDir, "downloads", c.version.Name, c.version.Version)
			reqCh <- ioagent.DownloadRequest{FQKey: c.fqKey, Kind: "crate", URL: c.url, DestDir: destDir, Response: respCh}
		}
	}()

	byFQKey := make(map[string]claimedDownload, len(claimed))
	for _, c := range claimed {
		byFQKey[c.fqKey] = c
	}

	results := s.TaskResults()
	succeeded := 0

	var toExplode []downloadedCrate

	for i := 0; i < len(claimed); i++ {
		resp := <-respCh
		c := byFQKey[resp.FQKey]

		if resp.Error != nil {
			_ = l.Fail(resp.FQKey, resp.Error.Error())
			log.Warn("download failed", "fq_key", resp.FQKey, "error", resp.Error)
		} else {
			taskResult := ioagent.ToTaskResult("crate", c.url, resp)
			resultKey := model.FQResultKey(c.version.Name, c.version.Version, "download", "1", &taskResult)

			if err := ledger.PutResult(results, resultKey, taskResult); err != nil {
				_ = l.Fail(resp.FQKey, err.Error())
			} else if err := l.Complete(resp.FQKey); err != nil {
				log.Warn("complete failed", "fq_key", resp.FQKey, "error", err)
			} else {
				succeeded++
				toExplode = append(toExplode, downloadedCrate{version: c.version, path: resp.Path})
			}
		}

		item.Set(i + 1)
	}

	pool.Stop()
	item.Done("download complete")

	explodeDownloadedCrates(ctx, cfg, results, tree, log, toExplode)

	return succeeded, nil
}

// explodeDownloadedCrates unpacks each successfully downloaded tarball
// through the CPU-bound pool, persists the resulting model.ResultExplodedCrate
// TaskResult, and runs the waste analyzers over the entries it kept in full,
// logging whatever they flag. A failure here never fails the download: the
// crate itself is already safely on disk and Complete in the ledger.
func explodeDownloadedCrates(
	ctx context.Context,
	cfg *config.Config,
	results store.Table[model.TaskResult],
	tree *progress.Tree,
	log *slog.Logger,
	toExplode []downloadedCrate,
) {
	if len(toExplode) == 0 {
		return
	}

	item := tree.Child("explode")
	item.Init(len(toExplode), "crate_versions")

	workers := cfg.CPUAgent.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := fabric.NewWorkChannel[cpuagent.Job]()
	resultCh := fabric.NewResultChannel[cpuagent.Result](workers)

	pool := cpuagent.New(workers, jobs)
	pool.Start(ctx)

	go func() {
		defer close(jobs)

		for _, d := range toExplode {
			d := d
			jobs <- cpuagent.Job{
				FQKey: model.FQTaskKey(d.version.Name, d.version.Version, "download", "1"),
				Run: func(context.Context) (any, error) {
					f, err := os.Open(d.path)
					if err != nil {
						return nil, err
					}
					defer f.Close()

					return explode.Extract(f)
				},
				Response: resultCh,
			}
		}
	}()

	analyzers := []waste.Analyzer{waste.LargestFile{ThresholdBytes: largestFileThresholdBytes}}

	byFQKey := make(map[string]downloadedCrate, len(toExplode))
	for _, d := range toExplode {
		byFQKey[model.FQTaskKey(d.version.Name, d.version.Version, "download", "1")] = d
	}

	for i := 0; i < len(toExplode); i++ {
		res := <-resultCh
		d := byFQKey[res.FQKey]

		if res.Error != nil {
			log.Warn("explode failed", "fq_key", res.FQKey, "error", res.Error)
			item.Set(i + 1)

			continue
		}

		taskResult := res.Value.(model.TaskResult)
		resultKey := model.FQResultKey(d.version.Name, d.version.Version, "download", "1", &taskResult)

		if err := ledger.PutResult(results, resultKey, taskResult); err != nil {
			log.Warn("store exploded crate failed", "fq_key", res.FQKey, "error", err)
		}

		findings, errs := waste.Run(analyzers, d.version, taskResult.SelectedEntries)
		for _, f := range findings {
			log.Info("waste finding", "analyzer", f.Analyzer, "message", f.Message)
		}

		for _, err := range errs {
			log.Warn("waste analyzer failed", "fq_key", res.FQKey, "error", err)
		}

		item.Set(i + 1)
	}

	pool.Stop()
	item.Done("explode complete")
}

// largestFileThresholdBytes flags any selected entry at or above 10 MiB, the
// teacher's own static-analysis size threshold for "suspiciously large".
const largestFileThresholdBytes = 10 * 1024 * 1024

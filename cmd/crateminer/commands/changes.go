package commands

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/crateminer/internal/index"
	"github.com/Sumatoshi-tech/crateminer/internal/ledger"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
	"github.com/Sumatoshi-tech/crateminer/internal/progress"
	"github.com/Sumatoshi-tech/crateminer/internal/store"
	"github.com/Sumatoshi-tech/crateminer/internal/telemetry"
)

// NewChangesCommand builds the `changes` command: fetch the crates.io index,
// diff it against the last-processed commit, and fold the resulting crate
// version changes into the store without running the download or report
// stages.
func NewChangesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Fetch and ingest new crates.io index changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(cmd)
		},
	}

	return cmd
}

func runChanges(cmd *cobra.Command) error {
	ctx := cmd.Context()
	log := telemetry.New(telemetry.ModeChanges, telemetry.ParseLevel("info"))
	tree := progress.NewTree(log)

	cfg, s, previousStartup, closeStore, err := openStoreForCommand(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	_ = ledger.New(s, previousStartup, cfg.IOAgent.RetryAttempts)

	item := tree.Child("index")

	repo, _, err := index.OpenOrClone(ctx, cfg.Index.RemoteURL, filepath.Join(cfg.DataDir, "index"), item)
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

	var newCrates, newCrateVersions uint64

	for _, c := range changes {
		crates := s.CrateVersions()

		if err := crates.Put(c.Version.Key(), c.Version); err != nil {
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
	}

	if err := storeLastProcessedCommit(s, head.Hash()); err != nil {
		return err
	}

	if err := updateContextCounts(s, newCrates, newCrateVersions); err != nil {
		return err
	}

	log.Info("index ingestion complete", "changes", len(changes))
	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d index change(s)\n", len(changes))

	return nil
}

// mergeCrate upserts the Crate owning v, returning whether the post-upsert
// crate has exactly one known version: the first-seen signal the index-diff
// stage's new_crates counter increments on.
func mergeCrate(s *store.Store, v *model.CrateVersion) (bool, error) {
	crates := s.Crates()

	existing, found, err := crates.Get(v.Name)
	if err != nil {
		return false, err
	}

	var updated model.Crate

	if !found {
		updated = *model.CrateFromVersion(v)
	} else {
		updated = *existing
		updated.MergeVersion(v.Version)
	}

	if err := crates.Put(v.Name, updated); err != nil {
		return false, err
	}

	return len(updated.Versions) == 1, nil
}

const lastCommitMetaKey = "index/last_commit"

func lastProcessedCommit(s *store.Store) (plumbing.Hash, error) {
	data, found, err := s.Meta().GetRaw(lastCommitMetaKey)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if !found {
		return plumbing.ZeroHash, nil
	}

	return plumbing.NewHash(string(data)), nil
}

func storeLastProcessedCommit(s *store.Store, h plumbing.Hash) error {
	return s.Meta().PutRaw(lastCommitMetaKey, []byte(h.String()))
}

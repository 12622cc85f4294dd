// Package commands implements crateminer's cobra command tree, mirroring
// the teacher's cmd/codefang/commands layout: one file per command, each
// exposing a NewXCommand constructor that main.go wires onto the root.
package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/crateminer/internal/model"
	"github.com/Sumatoshi-tech/crateminer/internal/store"
	"github.com/Sumatoshi-tech/crateminer/pkg/config"
)

var configPath string

// RegisterPersistentFlags attaches flags shared by every subcommand to root.
func RegisterPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to crateminer config file")
}

// openStoreForCommand loads configuration and opens both halves of the
// persistence façade (bbolt + sqlite export). It also begins this process's
// run, returning the *previous* process's startup time for internal/ledger
// to detect tasks left dangling InProgress by a run that never completed.
func openStoreForCommand(cmd *cobra.Command) (*config.Config, *store.Store, time.Time, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, time.Time{}, nil, err
	}

	s, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, time.Time{}, nil, err
	}

	previousStartup, err := s.BeginProcess(time.Now())
	if err != nil {
		_ = s.Close()

		return nil, nil, time.Time{}, nil, err
	}

	closeFn := func() { _ = s.Close() }

	return cfg, s, previousStartup, closeFn, nil
}

// openExportForCommand opens the sqlite export database, used by the report
// command to read back the denormalized task ledger.
func openExportForCommand(dataDir string) (*store.SQLExport, error) {
	return store.OpenSQLExport(dataDir)
}

// updateContextCounts folds this run's new-crate and new-crate-version
// counts into today's model.Context via a single read-modify-write,
// matching the index-diff stage's step 5 (context/update is a semigroup
// addition over the day's prior counts, not an overwrite).
func updateContextCounts(s *store.Store, newCrates, newCrateVersions uint64) error {
	if newCrates == 0 && newCrateVersions == 0 {
		return nil
	}

	delta := model.Context{Counts: model.Counts{Crates: newCrates, CrateVersions: newCrateVersions}}

	return s.Contexts().Update(model.ContextKey(time.Now().UTC()), func(current model.Context, existed bool) (model.Context, error) {
		if !existed {
			return delta, nil
		}

		return current.Add(delta), nil
	})
}

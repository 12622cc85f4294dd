package commands

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/crateminer/internal/progress"
	"github.com/Sumatoshi-tech/crateminer/internal/report"
	"github.com/Sumatoshi-tech/crateminer/internal/store"
	"github.com/Sumatoshi-tech/crateminer/internal/telemetry"
)

// NewReportCommand builds the `report` command: paginate every known crate
// through report generation and write the results per the configured policy.
func NewReportCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate and write per-crate reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "generate reports without writing them anywhere")

	return cmd
}

func runReport(cmd *cobra.Command, dryRun bool) error {
	ctx := cmd.Context()
	log := telemetry.New(telemetry.ModeReport, telemetry.ParseLevel("info"))
	tree := progress.NewTree(log)
	item := tree.Child("report")

	cfg, s, _, closeStore, err := openStoreForCommand(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	export, err := openExportForCommand(cfg.DataDir)
	if err != nil {
		return err
	}
	defer export.Close()

	names, err := report.CrateNames(s)
	if err != nil {
		return err
	}

	generate := func(ctx context.Context, crateName string) (report.CrateReport, error) {
		rows, err := export.TasksForCrate(ctx, crateName)
		if err != nil {
			return report.CrateReport{}, err
		}

		return report.CrateReport{CrateName: crateName, Body: renderCrateReport(crateName, rows)}, nil
	}

	reports, stats, err := report.Run(ctx, names, generate, item, cfg.CPUAgent.Workers)
	if err != nil {
		return err
	}

	policy := report.NotAvailable

	var repo *git.Repository

	if !dryRun && cfg.Report.OutputDir != "" {
		repo, err = openOrInitReportRepo(cfg.Report.OutputDir)
		if err != nil {
			return err
		}

		policy = report.RepoWithWorkingDir
	}

	agg := &report.Aggregator{
		Policy:    policy,
		OutputDir: cfg.Report.OutputDir,
		Repo:      repo,
		CacheDir:  cfg.Report.CacheDir,
		QueueSize: cfg.CPUAgent.Workers,
	}
	defer agg.Close()

	if err := agg.Write(ctx, reports); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), report.SummaryTable(stats))

	return nil
}

// openOrInitReportRepo opens the git working tree that holds the generated
// reports, initializing one if this is the first run.
func openOrInitReportRepo(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}

	if err != git.ErrRepositoryNotExists {
		return nil, err
	}

	return git.PlainInit(dir, false)
}

func renderCrateReport(crateName string, rows []store.TaskRow) []byte {
	var out []byte

	out = append(out, []byte(fmt.Sprintf("# %s\n\n", crateName))...)

	for _, r := range rows {
		out = append(out, []byte(fmt.Sprintf("%s %s %s: %s\n", r.Process, r.Version, r.State, r.CrateVersion))...)

		for _, e := range r.Errors {
			out = append(out, []byte(fmt.Sprintf("  error: %s\n", e))...)
		}
	}

	return out
}

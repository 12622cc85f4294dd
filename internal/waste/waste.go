// Package waste implements static analyses over an exploded crate's selected
// entries (spec.md §4.7's extension point). The pipeline itself is agnostic
// to what an analysis computes; it only needs a stable interface to run
// whatever analyses are registered over a model.TaskResult's
// SelectedEntries. One illustrative analyzer is provided: largest-file,
// which original_source/criner kept as its simplest example consumer of
// selected tarball entries.
package waste

import (
	"fmt"

	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

// Finding is one analyzer's output for a single crate version.
type Finding struct {
	Analyzer string
	Message  string
}

// Analyzer inspects a crate version's selected tar entries and reports
// whatever it finds. Implementations must not mutate entries.
type Analyzer interface {
	Name() string
	Analyze(version model.CrateVersion, entries []model.SelectedEntry) ([]Finding, error)
}

// LargestFile flags every entry selected for full retention (README, LICENSE,
// Cargo.*) whose size is at or above ThresholdBytes, as a cheap proxy for
// crates that ship unexpectedly large auxiliary files.
type LargestFile struct {
	ThresholdBytes uint64
}

// Name identifies this analyzer for log and report output.
func (LargestFile) Name() string { return "largest_file" }

// Analyze implements Analyzer.
func (a LargestFile) Analyze(version model.CrateVersion, entries []model.SelectedEntry) ([]Finding, error) {
	var findings []Finding

	for _, e := range entries {
		if e.Header.Size >= a.ThresholdBytes {
			findings = append(findings, Finding{
				Analyzer: a.Name(),
				Message:  fmt.Sprintf("%s: %s is %d bytes", version.Key(), string(e.Header.Path), e.Header.Size),
			})
		}
	}

	return findings, nil
}

// Run executes every analyzer over entries, collecting all findings; one
// analyzer's error does not prevent the others from running.
func Run(analyzers []Analyzer, version model.CrateVersion, entries []model.SelectedEntry) ([]Finding, []error) {
	var (
		findings []Finding
		errs     []error
	)

	for _, a := range analyzers {
		f, err := a.Analyze(version, entries)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		findings = append(findings, f...)
	}

	return findings, errs
}

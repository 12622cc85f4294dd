// Package explode implements crate tarball unpacking, the CPU-bound,
// gzip/tar extraction workload spec.md §5 names alongside sqlite writes and
// git fetch as synchronous work handed to the blocking executor, and the
// producer of the model.ResultExplodedCrate TaskResult variant spec.md §3
// defines but leaves to a downstream collaborator to actually populate.
// Grounded on internal/dbdump.Extract's gzip+tar walk, generalized from CSV
// rows to tar headers and a small set of files kept in full for
// internal/waste's analyzers to inspect.
package explode

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

// keepFull lists the base file names (case-insensitive prefix match) whose
// content is retained in full as a model.SelectedEntry; every other entry
// contributes only its model.TarHeader.
var keepFull = []string{"readme", "license", "cargo.toml", "cargo.lock"}

func isSelected(name string) bool {
	base := name
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}

	base = strings.ToLower(base)

	for _, prefix := range keepFull {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}

	return false
}

// Extract reads a gzipped crate tarball and returns a model.TaskResult of
// kind model.ResultExplodedCrate: every entry's header, plus the full
// content of README/LICENSE/Cargo.* files.
func Extract(r io.Reader) (model.TaskResult, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return model.TaskResult{}, errkind.New(errkind.Decode, fmt.Errorf("open gzip crate: %w", err))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	result := model.TaskResult{Kind: model.ResultExplodedCrate}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return model.TaskResult{}, errkind.New(errkind.Decode, fmt.Errorf("read tar entry: %w", err))
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		header := model.TarHeader{
			Path:      []byte(hdr.Name),
			Size:      uint64(hdr.Size),
			EntryType: byte(hdr.Typeflag),
		}

		result.EntriesMetaData = append(result.EntriesMetaData, header)

		if !isSelected(hdr.Name) {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return model.TaskResult{}, errkind.New(errkind.Decode, fmt.Errorf("read selected entry %s: %w", hdr.Name, err))
		}

		result.SelectedEntries = append(result.SelectedEntries, model.SelectedEntry{Header: header, Content: content})
	}

	return result, nil
}

// Package index implements the index-diff stage of spec.md §4.2: clone or
// open a local mirror of the crates.io index git repository, fetch new
// commits, diff the working tree against the last-processed commit, and
// decode each changed index file's newline-delimited JSON crate-version
// records. Grounded on google/oss-rebuild's crates.io index fetcher
// (CurrentIndexFetcher/SnapshotIndexFetcher with Fetch(ctx, fs)/Update(ctx,
// fs) methods, retrieved in other_examples/), generalized from a read-only
// fetcher into a stage that also walks the diff and feeds the ledger.
package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
	"github.com/Sumatoshi-tech/crateminer/internal/progress"
)

// objectCountRe matches go-git's sideband progress lines, e.g.
// "Receiving objects:  42% (420/1000), 1.2 MiB | 500 KiB/s", the same shape
// libgit2's transfer_progress callback reports counts through.
var objectCountRe = regexp.MustCompile(`\((\d+)/(\d+)\)`)

// progressSink adapts go-git's raw sideband progress stream into the
// object-count reporting original_source/criner's changes.rs drives off
// libgit2's transfer_progress callback (bytes/objects received during
// fetch), translated here into Item.Init/Set calls.
type progressSink struct {
	item    *progress.Item
	started bool
}

func (p *progressSink) Write(b []byte) (int, error) {
	if m := objectCountRe.FindSubmatch(b); m != nil {
		current, errCur := strconv.Atoi(string(m[1]))
		total, errTotal := strconv.Atoi(string(m[2]))

		if errCur == nil && errTotal == nil {
			if !p.started {
				p.item.Init(total, "objects")
				p.started = true
			}

			p.item.Set(current)
		}
	}

	return len(b), nil
}

// Fetcher opens or clones the index repository into fs and advances it to
// the remote's current HEAD, mirroring CurrentIndexFetcher's Fetch/Update
// split: Fetch clones once, Update fetches and fast-forwards thereafter.
type Fetcher struct {
	RemoteURL string
}

// Fetch clones RemoteURL into a bare repository backed by fs. It does not
// look for an existing repository first; OpenOrClone calls it only after
// git.Open found none.
func (f *Fetcher) Fetch(ctx context.Context, fs billy.Filesystem, item *progress.Item) (*git.Repository, error) {
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())

	item.Blocked("cloning index")

	repo, err := git.CloneContext(ctx, storer, nil, &git.CloneOptions{
		URL:      f.RemoteURL,
		Depth:    0,
		Progress: &progressSink{item: item},
	})
	if err != nil {
		return nil, errkind.New(errkind.Transport, fmt.Errorf("clone index %s: %w", f.RemoteURL, err))
	}

	item.Done("cloned index")

	return repo, nil
}

// updateRefSpec force-updates every local branch ref directly from the
// remote's matching branch, rather than landing new commits under
// refs/remotes/origin/* the way a working clone's default refspec would:
// OpenOrClone's mirror has no local commits of its own to protect, and HEAD
// must advance in lockstep with the branch it already points at.
var updateRefSpec = config.RefSpec("+refs/heads/*:refs/heads/*")

// Update fetches new commits into an already-cloned repository and advances
// its default branch reference to the remote tip, mirroring
// CurrentIndexFetcher.Update.
func (f *Fetcher) Update(ctx context.Context, repo *git.Repository, item *progress.Item) error {
	item.Blocked("fetching index updates")

	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{updateRefSpec},
		Progress:   &progressSink{item: item},
	})
	if err == git.NoErrAlreadyUpToDate {
		item.Done("index already up to date")

		return nil
	}

	if err != nil {
		return errkind.New(errkind.Transport, fmt.Errorf("fetch index: %w", err))
	}

	item.Done("fetched index updates")

	return nil
}

// OpenOrClone is the entry point the changes and run commands use: it opens
// the bare mirror persisted at localPath and fetches new commits into it, or
// clones one there for the first time if none exists yet, mirroring
// CurrentIndexFetcher's clone-once/update-thereafter split instead of
// re-cloning the whole index on every invocation.
func OpenOrClone(ctx context.Context, remoteURL, localPath string, item *progress.Item) (*git.Repository, billy.Filesystem, error) {
	fs := osfs.New(localPath)
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	f := &Fetcher{RemoteURL: remoteURL}

	repo, err := git.Open(storer, nil)
	if err == nil {
		if err := f.Update(ctx, repo, item); err != nil {
			return nil, nil, err
		}

		return repo, fs, nil
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil, errkind.New(errkind.Persistence, fmt.Errorf("open index repo at %s: %w", localPath, err))
	}

	repo, err = f.Fetch(ctx, fs, item)
	if err != nil {
		return nil, nil, err
	}

	return repo, fs, nil
}

// Change is one line of a changed index file, tagged with whether the line
// represents a new version or a yank flip, and the commit it was observed in.
type Change struct {
	Commit  plumbing.Hash
	Kind    model.ChangeKind
	Version model.CrateVersion
}

// indexLine is the on-the-wire shape of one crates.io index JSON line;
// Yanked flips a previously-added version to model.Yanked rather than
// producing a distinct record type, mirroring the registry's own format.
type indexLine struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Deps     []model.Dependency  `json:"deps"`
	Cksum    string              `json:"cksum"`
	Features map[string][]string `json:"features"`
	Yanked   bool                `json:"yanked"`
}

const indexLineSchema = `{
	"type": "object",
	"required": ["name", "vers", "cksum"],
	"properties": {
		"name": {"type": "string"},
		"vers": {"type": "string"},
		"cksum": {"type": "string"},
		"yanked": {"type": "boolean"}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(indexLineSchema)

// DiffSince diffs the tree of fromHash (the last commit this process already
// processed) against the tree of toHash and decodes every added or modified
// index file. For a modified file only the lines whose (version, yanked) pair
// is absent from the file's fromHash content are emitted, so unchanged lines
// yield nothing and a yank flip yields one Yanked change. fromHash may be the
// zero hash, meaning "from the beginning" (first run), and then every line of
// every file is emitted.
func DiffSince(repo *git.Repository, fromHash, toHash plumbing.Hash) ([]Change, error) {
	toCommit, err := repo.CommitObject(toHash)
	if err != nil {
		return nil, errkind.New(errkind.Bug, fmt.Errorf("lookup commit %s: %w", toHash, err))
	}

	var fromTree *object.Tree

	if !fromHash.IsZero() {
		fromCommit, err := repo.CommitObject(fromHash)
		if err != nil {
			return nil, errkind.New(errkind.Bug, fmt.Errorf("lookup commit %s: %w", fromHash, err))
		}

		fromTree, err = fromCommit.Tree()
		if err != nil {
			return nil, errkind.New(errkind.Bug, fmt.Errorf("tree of %s: %w", fromHash, err))
		}
	}

	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, errkind.New(errkind.Bug, fmt.Errorf("tree of %s: %w", toHash, err))
	}

	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, errkind.New(errkind.Bug, fmt.Errorf("diff tree: %w", err))
	}

	var out []Change

	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, errkind.New(errkind.Bug, err)
		}

		if action == merkletrie.Delete {
			continue
		}

		file, err := toTree.File(c.To.Name)
		if err != nil {
			continue // renamed away, not a crate index file we track
		}

		lines, err := decodeIndexFile(file)
		if err != nil {
			return nil, err
		}

		seen := map[string]bool{}
		if action == merkletrie.Modify {
			if oldFile, ferr := fromTree.File(c.From.Name); ferr == nil {
				oldLines, err := decodeIndexFile(oldFile)
				if err != nil {
					return nil, err
				}
				for _, ol := range oldLines {
					seen[ol.Vers+"\x00"+strconv.FormatBool(ol.Yanked)] = true
				}
			}
		}

		for _, line := range lines {
			if seen[line.Vers+"\x00"+strconv.FormatBool(line.Yanked)] {
				continue
			}

			kind := model.Added
			if line.Yanked {
				kind = model.Yanked
			}

			out = append(out, Change{
				Commit: toHash,
				Kind:   kind,
				Version: model.CrateVersion{
					Name:         line.Name,
					Version:      line.Vers,
					Kind:         kind,
					Checksum:     line.Cksum,
					Features:     line.Features,
					Dependencies: line.Deps,
				},
			})
		}
	}

	return out, nil
}

func decodeIndexFile(file *object.File) ([]indexLine, error) {
	reader, err := file.Reader()
	if err != nil {
		return nil, errkind.New(errkind.Decode, fmt.Errorf("open index file %s: %w", file.Name, err))
	}
	defer reader.Close()

	var out []indexLine

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, errkind.New(errkind.Decode, fmt.Errorf("validate index line in %s: %w", file.Name, err))
		}

		if !result.Valid() {
			return nil, errkind.Newf(errkind.Decode, "invalid index line in %s: %v", file.Name, result.Errors())
		}

		var line indexLine

		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, errkind.New(errkind.Decode, fmt.Errorf("decode index line in %s: %w", file.Name, err))
		}

		out = append(out, line)
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, errkind.New(errkind.Decode, fmt.Errorf("scan index file %s: %w", file.Name, err))
	}

	return out, nil
}

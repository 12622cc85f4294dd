// Package model holds the durable entity types for the ingestion pipeline
// and the key grammar used to address them in the persistence façade.
package model

import (
	"sort"
	"time"
)

// KeySep is the fixed separator used throughout the key grammar. No key
// component may contain it.
const KeySep = ':'

// Crate is a published package identified by name. Versions is kept sorted
// so the most recent semver is last; duplicates are never stored.
type Crate struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

// CrateFromVersion builds a single-version Crate, the shape upsert uses to
// seed a crate row the first time one of its versions is seen. Callers
// detect a first-seen crate by checking len(Versions) == 1 after upsert.
func CrateFromVersion(v *CrateVersion) *Crate {
	return &Crate{Name: v.Name, Versions: []string{v.Version}}
}

// MergeVersion inserts version into c.Versions if absent and re-sorts so the
// newest entry is last. It is the only way Crate.Versions may change.
func (c *Crate) MergeVersion(version string) {
	for _, v := range c.Versions {
		if v == version {
			sortVersions(c.Versions)
			return
		}
	}

	c.Versions = append(c.Versions, version)
	sortVersions(c.Versions)
}

// sortVersions sorts semver-ish strings so the most recent is last. A full
// semver comparator is out of scope for the core; this performs a
// dotted-numeric comparison, falling back to lexical order for
// pre-release/build suffixes, which is sufficient for crates.io's index
// format.
func sortVersions(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) < 0
	})
}

func compareVersions(a, b string) int {
	as, bs := splitVersion(a), splitVersion(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int

		if i < len(as) {
			av = as[i]
		}

		if i < len(bs) {
			bv = bs[i]
		}

		if av != bv {
			if av < bv {
				return -1
			}

			return 1
		}
	}

	if a == b {
		return 0
	}

	if a < b {
		return -1
	}

	return 1
}

func splitVersion(v string) []int {
	var (
		out  []int
		cur  int
		seen bool
	)

	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			cur = cur*10 + int(r-'0')
			seen = true
		case r == '.':
			out = append(out, cur)
			cur, seen = 0, false
		default:
			if seen {
				out = append(out, cur)
			}

			return out
		}
	}

	if seen {
		out = append(out, cur)
	}

	return out
}

// ChangeKind tells whether an index entry announces a new or yanked version.
type ChangeKind int

const (
	// Added means the version was newly published.
	Added ChangeKind = iota
	// Yanked means the version was withdrawn.
	Yanked
)

func (k ChangeKind) String() string {
	if k == Yanked {
		return "yanked"
	}

	return "added"
}

// Dependency is a single dependency entry of a CrateVersion.
type Dependency struct {
	Name             string   `json:"name"`
	RequiredVersion  string   `json:"req"`
	Features         []string `json:"features"`
	Optional         bool     `json:"optional"`
	DefaultFeatures  bool     `json:"default_features"`
	Target           *string  `json:"target,omitempty"`
	Kind             *string  `json:"kind,omitempty"`
	Package          *string  `json:"package,omitempty"`
}

// CrateVersion is an immutable release of a crate as announced by the index.
type CrateVersion struct {
	Name         string              `json:"name"`
	Version      string              `json:"vers"`
	Kind         ChangeKind          `json:"-"`
	Checksum     string              `json:"cksum"`
	Features     map[string][]string `json:"features"`
	Dependencies []Dependency        `json:"deps"`
}

// Key returns this version's key: "<name>:<version>".
func (v *CrateVersion) Key() string {
	return CrateVersionKey(v.Name, v.Version)
}

// CrateVersionKey builds the "<name>:<version>" key without allocating an
// intermediate CrateVersion.
func CrateVersionKey(name, version string) string {
	return name + string(KeySep) + version
}

// TaskState is the ledger's per-task state machine (spec §4.3).
type TaskState struct {
	// Phase selects which of the four states this value represents.
	Phase TaskPhase
	// Errors accumulates failure messages; populated for InProgress (when
	// promoted from a prior AttemptsWithFailure) and AttemptsWithFailure.
	Errors []string
}

// TaskPhase enumerates the ledger's task lifecycle states. Ordinals are
// load-bearing in the wire encoding (see internal/wire) and may only grow.
type TaskPhase int

const (
	NotStarted TaskPhase = iota
	InProgress
	AttemptsWithFailure
	Complete
)

func (p TaskPhase) String() string {
	switch p {
	case InProgress:
		return "InProgress"
	case AttemptsWithFailure:
		return "AttemptsWithFailure"
	case Complete:
		return "Complete"
	default:
		return "NotStarted"
	}
}

// Task is a unit of scheduled work, keyed by the crate version it operates
// on plus the process that operates on it.
type Task struct {
	StoredAt time.Time `json:"stored_at"`
	Process  string    `json:"process"`
	Version  string    `json:"version"`
	State    TaskState `json:"state"`
}

// TaskKey builds "<process>:<version>", the suffix appended to a crate
// version's key to form a task's fully-qualified key.
func TaskKey(process, version string) string {
	return process + string(KeySep) + version
}

// FQTaskKey builds the fully-qualified "<name>:<version>:<process>:<procVersion>" key.
func FQTaskKey(crateName, crateVersion, process, procVersion string) string {
	return CrateVersionKey(crateName, crateVersion) + string(KeySep) + TaskKey(process, procVersion)
}

// TaskResultKind discriminates TaskResult variants. Append-only, see
// internal/wire.
type TaskResultKind int

const (
	ResultNone TaskResultKind = iota
	ResultExplodedCrate
	ResultDownload
)

// TarHeader carries the metadata of one entry inside an archived crate
// tarball.
type TarHeader struct {
	Path      []byte `json:"path"`
	Size      uint64 `json:"size"`
	EntryType byte   `json:"entry_type"`
}

// SelectedEntry pairs a TarHeader with the content of files the explode step
// keeps in full (README, LICENSE, Cargo.*); the waste analyzers read them.
type SelectedEntry struct {
	Header  TarHeader `json:"header"`
	Content []byte    `json:"content"`
}

// TaskResult is an append-only tagged union of the artifacts a task may
// produce.
type TaskResult struct {
	Kind TaskResultKind

	// ExplodedCrate fields.
	EntriesMetaData []TarHeader
	SelectedEntries []SelectedEntry

	// Download fields.
	DownloadKind   string
	URL            string
	ContentLength  uint32
	ContentType    *string
}

// Key returns the suffix this result contributes to its owning task's key:
// empty for None/ExplodedCrate, ":<kind>" for Download (spec §3, §8 property 6).
func (r *TaskResult) Key() string {
	if r.Kind == ResultDownload {
		return string(KeySep) + r.DownloadKind
	}

	return ""
}

// FQResultKey builds a TaskResult's fully-qualified key.
func FQResultKey(crateName, crateVersion, process, procVersion string, r *TaskResult) string {
	return FQTaskKey(crateName, crateVersion, process, procVersion) + r.Key()
}

// Counts holds cumulative entity counts for a Context.
type Counts struct {
	CrateVersions uint64 `json:"crate_versions"`
	Crates        uint64 `json:"crates"`
}

// Durations holds cumulative wall-clock time spent in various stages.
type Durations struct {
	FetchCrateVersions time.Duration `json:"fetch_crate_versions"`
}

// Context is a per-day aggregate of pipeline activity, a semigroup under
// componentwise addition.
type Context struct {
	Counts    Counts    `json:"counts"`
	Durations Durations `json:"durations"`
}

// Add returns the componentwise sum of c and other.
func (c Context) Add(other Context) Context {
	return Context{
		Counts: Counts{
			CrateVersions: c.Counts.CrateVersions + other.Counts.CrateVersions,
			Crates:        c.Counts.Crates + other.Counts.Crates,
		},
		Durations: Durations{
			FetchCrateVersions: c.Durations.FetchCrateVersions + other.Durations.FetchCrateVersions,
		},
	}
}

// ContextKey builds the key for today's Context row: "context/YYYY-MM-DD".
func ContextKey(day time.Time) string {
	return "context/" + day.Format("2006-01-02")
}

// ActorKind discriminates the two kinds of registry principal. Append-only.
type ActorKind int

const (
	User ActorKind = iota
	Team
)

func (k ActorKind) String() string {
	if k == Team {
		return "team"
	}

	return "user"
}

// Actor is a registry user or team, built once per dump ingestion.
type Actor struct {
	RegistryID    int64
	Kind          ActorKind
	Login         string
	Name          string
	AvatarURL     string
	GitHubID      int64
}

// ActorID identifies an Actor by its composite key.
type ActorID struct {
	RegistryID int64
	Kind       ActorKind
}

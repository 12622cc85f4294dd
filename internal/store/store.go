// Package store is the persistence façade: a bbolt-backed key-value database
// holding one bucket per logical table (spec.md §5), modeled on the
// teacher's BoltStore, generalized from per-entity methods to a small set of
// generic table handles shared by every entity kind.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

var (
	bucketCrates        = []byte("crates")
	bucketCrateVersions = []byte("crate_versions")
	bucketTasks         = []byte("tasks")
	bucketTaskResults   = []byte("task_results")
	bucketContexts      = []byte("contexts")
	bucketActors        = []byte("actors")
	bucketMeta          = []byte("meta")
)

var allBuckets = [][]byte{
	bucketCrates,
	bucketCrateVersions,
	bucketTasks,
	bucketTaskResults,
	bucketContexts,
	bucketActors,
	bucketMeta,
}

// Store is the bbolt-backed key-value database underlying the pipeline.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at filepath.Join(dataDir,
// "crateminer.db") and ensures every table bucket exists.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "crateminer.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, errkind.New(errkind.Persistence, fmt.Errorf("open bolt db: %w", err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, errkind.New(errkind.Persistence, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table is a generic handle on one bucket, storing values as JSON unless a
// caller supplies raw bytes directly (see PutRaw/GetRaw, which internal/ledger
// uses for the task results it encodes with internal/wire).
type Table[T any] struct {
	store  *Store
	bucket []byte
}

func newTable[T any](s *Store, bucket []byte) Table[T] {
	return Table[T]{store: s, bucket: bucket}
}

// Crates returns the crates table handle (JSON-encoded model.Crate rows).
func (s *Store) Crates() Table[model.Crate] { return newTable[model.Crate](s, bucketCrates) }

// CrateVersions returns the crate versions table handle (JSON-encoded
// model.CrateVersion rows).
func (s *Store) CrateVersions() Table[model.CrateVersion] {
	return newTable[model.CrateVersion](s, bucketCrateVersions)
}

// Tasks returns the tasks table handle (JSON-encoded model.Task rows).
func (s *Store) Tasks() Table[model.Task] { return newTable[model.Task](s, bucketTasks) }

// TaskResults returns the task results table handle. Rows are written with
// PutRaw using the append-only wire encoding (internal/wire), since a
// TaskResult's Kind ordinal must stay forward-compatible across process
// versions the way spec.md §9 requires; GetRaw/PutRaw bypass the table's
// plain JSON codec for that reason.
func (s *Store) TaskResults() Table[model.TaskResult] {
	return newTable[model.TaskResult](s, bucketTaskResults)
}

// Contexts returns the per-day context table handle.
func (s *Store) Contexts() Table[model.Context] { return newTable[model.Context](s, bucketContexts) }

// Actors returns the actors table handle.
func (s *Store) Actors() Table[model.Actor] { return newTable[model.Actor](s, bucketActors) }

// Meta returns the single-row metadata table handle (process startup time,
// schema version), storing raw bytes only.
func (s *Store) Meta() Table[[]byte] { return newTable[[]byte](s, bucketMeta) }

// Get reads key and JSON-decodes it into a new *T, returning (nil, false,
// nil) if absent.
func (t Table[T]) Get(key string) (*T, bool, error) {
	var (
		out   T
		found bool
	)

	err := t.store.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(t.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}

		found = true

		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, false, errkind.New(errkind.Persistence, err)
	}

	if !found {
		return nil, false, nil
	}

	return &out, true, nil
}

// Put JSON-encodes value and writes it at key, overwriting any prior value.
func (t Table[T]) Put(key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errkind.New(errkind.Persistence, fmt.Errorf("marshal %s: %w", key, err))
	}

	err = t.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Put([]byte(key), data)
	})
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return nil
}

// Update runs fn inside a single bbolt read-write transaction with the
// current value at key (zero value if absent), writing back whatever fn
// returns unless it returns an error, in which case the transaction is
// rolled back and nothing is written. existed reports whether key had a
// prior value.
func (t Table[T]) Update(key string, fn func(current T, existed bool) (T, error)) error {
	return t.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)

		var (
			current T
			existed bool
		)

		if data := b.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("unmarshal %s: %w", key, err)
			}

			existed = true
		}

		next, err := fn(current, existed)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}

		return b.Put([]byte(key), data)
	})
}

// GetRaw reads key's raw bytes without JSON-decoding, for tables whose
// values are not JSON, such as task results encoded by internal/wire.
func (t Table[T]) GetRaw(key string) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)

	err := t.store.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(t.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}

		found = true
		out = append([]byte(nil), data...)

		return nil
	})
	if err != nil {
		return nil, false, errkind.New(errkind.Persistence, err)
	}

	return out, found, nil
}

// PutRaw writes pre-encoded bytes at key, overwriting any prior value.
func (t Table[T]) PutRaw(key string, value []byte) error {
	err := t.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Put([]byte(key), value)
	})
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return nil
}

// UpdateRaw runs fn inside a single read-write transaction with the current
// raw value at key (nil if absent), writing back fn's return value unless it
// returns an error.
func (t Table[T]) UpdateRaw(key string, fn func(current []byte, existed bool) ([]byte, error)) error {
	err := t.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(t.bucket)
		current := b.Get([]byte(key))
		existed := current != nil

		next, err := fn(append([]byte(nil), current...), existed)
		if err != nil {
			return err
		}

		return b.Put([]byte(key), next)
	})
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return nil
}

// Delete removes key, a no-op if it is absent.
func (t Table[T]) Delete(key string) error {
	err := t.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Delete([]byte(key))
	})
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return nil
}

// IterPrefix calls fn for every key with the given prefix, in lexical key
// order, stopping early if fn returns false. Values are passed as raw JSON
// bytes so callers can decode into whatever concrete type the prefix
// addresses (crate, crate version, task, ...).
func (t Table[T]) IterPrefix(prefix string, fn func(key string, raw []byte) (bool, error)) error {
	return t.store.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(t.bucket).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			cont, err := fn(string(k), v)
			if err != nil {
				return err
			}

			if !cont {
				return nil
			}
		}

		return nil
	})
}

// RangePage returns up to limit keys in [offset, offset+limit) among keys
// with the given prefix, in lexical order, plus the total count of matching
// keys, for paging through a table in fixed-size batches without loading
// every key at once.
func (t Table[T]) RangePage(prefix string, offset, limit int) (keys []string, total int, err error) {
	err = t.store.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(t.bucket).Cursor()
		p := []byte(prefix)

		i := 0

		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			if i >= offset && len(keys) < limit {
				keys = append(keys, string(k))
			}

			i++
		}

		total = i

		return nil
	})

	return keys, total, err
}

// CountFiltered counts keys with the given prefix whose raw value satisfies
// pred.
func (t Table[T]) CountFiltered(prefix string, pred func(raw []byte) bool) (int, error) {
	n := 0

	err := t.IterPrefix(prefix, func(_ string, raw []byte) (bool, error) {
		if pred(raw) {
			n++
		}

		return true, nil
	})

	return n, err
}

// Keys returns every key with the given prefix in sorted order. Intended for
// small tables (actors, contexts); large ones should use IterPrefix/RangePage.
func (t Table[T]) Keys(prefix string) ([]string, error) {
	var keys []string

	err := t.IterPrefix(prefix, func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)

		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)

	return keys, nil
}

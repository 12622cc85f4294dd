package store

import (
	"time"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
)

const startupTimeKey = "startup_time"

// RecordStartupTime persists now as this process's startup time, overwriting
// any prior value. internal/ledger compares a stored task's StoredAt against
// the most recent startup time to detect a task left dangling InProgress by
// a prior process that crashed or was killed.
func (s *Store) RecordStartupTime(now time.Time) error {
	data, err := now.UTC().MarshalBinary()
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return s.Meta().PutRaw(startupTimeKey, data)
}

// StartupTime returns the most recently recorded startup time, or the zero
// time if none has been recorded yet (first run).
func (s *Store) StartupTime() (time.Time, error) {
	data, found, err := s.Meta().GetRaw(startupTimeKey)
	if err != nil {
		return time.Time{}, err
	}

	if !found {
		return time.Time{}, nil
	}

	var t time.Time

	if err := t.UnmarshalBinary(data); err != nil {
		return time.Time{}, errkind.New(errkind.Persistence, err)
	}

	return t, nil
}

// BeginProcess reads the startup time recorded by the previous process
// (zero time on first run), then overwrites it with now, returning the
// previous value for internal/ledger to compare dangling InProgress tasks
// against. Must be called exactly once per process, before any ledger claim.
func (s *Store) BeginProcess(now time.Time) (time.Time, error) {
	previous, err := s.StartupTime()
	if err != nil {
		return time.Time{}, err
	}

	if err := s.RecordStartupTime(now); err != nil {
		return time.Time{}, err
	}

	return previous, nil
}

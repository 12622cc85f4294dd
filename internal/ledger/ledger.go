// Package ledger implements the task state machine of spec.md §4.3:
// NotStarted -> InProgress -> {Complete, AttemptsWithFailure}, with the merge
// laws original_source/criner/src/model.rs enforces in TaskState::merge_with,
// plus the "dead in-progress task" recovery rule that lets a new process
// safely re-claim work a prior process left stuck InProgress.
package ledger

import (
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
	"github.com/Sumatoshi-tech/crateminer/internal/store"
	"github.com/Sumatoshi-tech/crateminer/internal/wire"
)

// Ledger mediates every state transition of a Task, keyed by its
// fully-qualified key, against the store's tasks table.
type Ledger struct {
	tasks       store.Table[model.Task]
	startupTime time.Time
	maxRetries  int
}

// New builds a Ledger bound to s's tasks table, using startupTime as the
// boundary for detecting InProgress tasks abandoned by a prior process.
// maxRetries bounds how many accumulated failures an AttemptsWithFailure
// task may carry before Claim gives up on it permanently; a value below 1
// is treated as 1.
func New(s *store.Store, startupTime time.Time, maxRetries int) *Ledger {
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &Ledger{tasks: s.Tasks(), startupTime: startupTime, maxRetries: maxRetries}
}

// ClaimResult reports what Claim decided.
type ClaimResult int

const (
	// Claimed means the caller now owns this task and should perform the work.
	Claimed ClaimResult = iota
	// AlreadyComplete means the task is done; the caller should skip it.
	AlreadyComplete
	// AlreadyInProgress means another live process currently owns this task.
	AlreadyInProgress
	// Skipped means the task has exhausted its retry budget and should not
	// be attempted again.
	Skipped
)

// Claim attempts to transition a task from {absent, NotStarted,
// AttemptsWithFailure, or a dead InProgress} into a fresh InProgress owned by
// this process, storing the claim before returning. fqKey is the task's
// fully-qualified key (model.FQTaskKey); process/version identify the work.
func (l *Ledger) Claim(fqKey, process, version string) (ClaimResult, error) {
	var result ClaimResult

	err := l.tasks.Update(fqKey, func(current model.Task, existed bool) (model.Task, error) {
		if !existed || current.State.Phase == model.NotStarted {
			result = Claimed

			return model.Task{
				StoredAt: time.Now().UTC(),
				Process:  process,
				Version:  version,
				State:    model.TaskState{Phase: model.InProgress},
			}, nil
		}

		switch current.State.Phase {
		case model.Complete:
			result = AlreadyComplete

			return current, nil

		case model.AttemptsWithFailure:
			if len(current.State.Errors) >= l.maxRetries {
				result = Skipped

				return current, nil
			}

			result = Claimed

			return model.Task{
				StoredAt: time.Now().UTC(),
				Process:  process,
				Version:  version,
				State:    model.TaskState{Phase: model.InProgress, Errors: current.State.Errors},
			}, nil

		case model.InProgress:
			if current.StoredAt.Before(l.startupTime) {
				// Left InProgress by a process that is no longer running
				// (spec §4.3's "dead in-progress task" recovery rule):
				// safe to reclaim, carrying forward any prior errors.
				result = Claimed

				return model.Task{
					StoredAt: time.Now().UTC(),
					Process:  process,
					Version:  version,
					State:    model.TaskState{Phase: model.InProgress, Errors: current.State.Errors},
				}, nil
			}

			result = AlreadyInProgress

			return current, nil

		default:
			return current, errkind.Newf(errkind.Bug, "unreachable task phase %v", current.State.Phase)
		}
	})
	if err != nil {
		return result, errkind.New(errkind.Persistence, err)
	}

	return result, nil
}

// Complete transitions an InProgress task to Complete, discarding any
// accumulated error history: a successful attempt supersedes prior failures.
func (l *Ledger) Complete(fqKey string) error {
	err := l.tasks.Update(fqKey, func(current model.Task, existed bool) (model.Task, error) {
		if !existed || current.State.Phase != model.InProgress {
			return current, errkind.Newf(errkind.Bug, "complete called on task %q not InProgress (existed=%v)", fqKey, existed)
		}

		current.State = model.TaskState{Phase: model.Complete}

		return current, nil
	})
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return nil
}

// Fail transitions an InProgress task to AttemptsWithFailure, appending msg
// to its error history.
func (l *Ledger) Fail(fqKey, msg string) error {
	err := l.tasks.Update(fqKey, func(current model.Task, existed bool) (model.Task, error) {
		if !existed || current.State.Phase != model.InProgress {
			return current, errkind.Newf(errkind.Bug, "fail called on task %q not InProgress (existed=%v)", fqKey, existed)
		}

		current.State = model.TaskState{
			Phase:  model.AttemptsWithFailure,
			Errors: append(append([]string{}, current.State.Errors...), msg),
		}

		return current, nil
	})
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return nil
}

// Get returns the current task state stored at fqKey.
func (l *Ledger) Get(fqKey string) (model.Task, bool, error) {
	task, found, err := l.tasks.Get(fqKey)
	if err != nil {
		return model.Task{}, false, err
	}

	if !found {
		return model.Task{}, false, nil
	}

	return *task, true, nil
}

// PutResult writes a task's result using the append-only wire encoding,
// keyed fully-qualified per the result's own key suffix (model.FQResultKey).
func PutResult(results store.Table[model.TaskResult], fqKey string, r model.TaskResult) error {
	data, err := wire.EncodeTaskResult(r)
	if err != nil {
		return err
	}

	if err := results.PutRaw(fqKey, data); err != nil {
		return fmt.Errorf("put task result %s: %w", fqKey, err)
	}

	return nil
}

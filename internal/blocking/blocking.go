// Package blocking runs synchronous work (git fetch, sqlite writes, archive
// extraction) off the cooperative stage loop while still honoring a
// deadline, mirroring the enforce_blocking helper the original pipeline used
// around every call that could not be made cancellation-aware internally.
package blocking

import (
	"context"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
)

// Run executes f on its own goroutine and waits for either its completion or
// ctx's deadline/cancellation. If ctx is done first, Run returns the
// errkind.DeadlineExceeded error immediately without waiting for f; f keeps
// running to completion in the background and its result, if any, is
// discarded by the caller. f must therefore leave no half-applied state
// observable to the rest of the pipeline if abandoned this way.
func Run(ctx context.Context, f func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- f()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errkind.New(errkind.DeadlineExceeded, ctx.Err())
	}
}

// RunValue is the generic form of Run for functions that also return a value.
func RunValue[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)

	go func() {
		val, err := f()
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T

		return zero, errkind.New(errkind.DeadlineExceeded, ctx.Err())
	}
}

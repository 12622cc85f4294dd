// Package progress implements the advisory progress tree described in
// spec.md §6: a tree of Items, each init'd once, set per step, marked
// blocked while waiting on I/O, and done at termination. No pipeline
// semantic depends on these values; they exist purely for observability, so
// every call is also mirrored into structured logging at debug level
// through the same slog handler the rest of the codebase logs through.
package progress

import (
	"context"
	"log/slog"
	"sync"
)

// Item is one node of the progress tree.
type Item struct {
	logger *slog.Logger
	name   string

	mu      sync.Mutex
	total   int
	unit    string
	current int
}

// Tree is the root of a run's progress hierarchy.
type Tree struct {
	logger *slog.Logger
}

// NewTree creates a progress tree that logs through logger.
func NewTree(logger *slog.Logger) *Tree {
	return &Tree{logger: logger}
}

// Child creates a named child Item.
func (t *Tree) Child(name string) *Item {
	return &Item{logger: t.logger, name: name}
}

// Init sets the expected total and unit for this item's steps.
func (i *Item) Init(total int, unit string) {
	i.mu.Lock()
	i.total, i.unit = total, unit
	i.mu.Unlock()

	i.logger.Debug("progress init", slog.String("item", i.name), slog.Int("total", total), slog.String("unit", unit))
}

// Set records the current step.
func (i *Item) Set(current int) {
	i.mu.Lock()
	i.current = current
	total, unit := i.total, i.unit
	i.mu.Unlock()

	i.logger.Debug("progress set",
		slog.String("item", i.name), slog.Int("current", current), slog.Int("total", total), slog.String("unit", unit))
}

// Blocked records that this item is waiting on an external resource.
func (i *Item) Blocked(message string) {
	i.logger.Debug("progress blocked", slog.String("item", i.name), slog.String("message", message))
}

// Done records termination, successful or not.
func (i *Item) Done(message string) {
	i.logger.Debug("progress done", slog.String("item", i.name), slog.String("message", message))
}

// Fail records a terminal failure for this item.
func (i *Item) Fail(message string) {
	i.logger.Warn("progress failed", slog.String("item", i.name), slog.String("message", message))
}

// itemKey is the context key WithItem stores an Item under, so deeply nested
// helper functions can log against it through FromContext without threading
// an extra parameter.
type itemKey struct{}

// WithItem attaches item to ctx.
func WithItem(ctx context.Context, item *Item) context.Context {
	return context.WithValue(ctx, itemKey{}, item)
}

// FromContext retrieves the Item attached by WithItem, or a discarding stub.
func FromContext(ctx context.Context) *Item {
	if item, ok := ctx.Value(itemKey{}).(*Item); ok {
		return item
	}

	return &Item{logger: slog.New(slog.DiscardHandler), name: "unattached"}
}

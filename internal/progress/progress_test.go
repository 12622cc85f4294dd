package progress

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*Tree, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return NewTree(logger), &buf
}

func TestItemLifecycleLogsEachTransition(t *testing.T) {
	t.Parallel()

	tree, buf := newTestTree(t)
	item := tree.Child("download")

	item.Init(3, "crate_versions")
	item.Set(1)
	item.Blocked("waiting on network")
	item.Done("finished")

	out := buf.String()
	assert.Contains(t, out, "progress init")
	assert.Contains(t, out, "progress set")
	assert.Contains(t, out, "progress blocked")
	assert.Contains(t, out, "progress done")
	assert.Contains(t, out, "item=download")
}

func TestItemFailLogsAtWarn(t *testing.T) {
	t.Parallel()

	tree, buf := newTestTree(t)
	item := tree.Child("report")

	item.Fail("disk full")

	assert.Contains(t, buf.String(), "progress failed")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestWithItemAndFromContext(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	item := tree.Child("index")

	ctx := WithItem(context.Background(), item)
	assert.Same(t, item, FromContext(ctx))
}

func TestFromContextReturnsDiscardingStubWhenUnattached(t *testing.T) {
	t.Parallel()

	stub := FromContext(context.Background())
	require.NotNil(t, stub)

	// Must not panic even though nothing was ever attached.
	stub.Init(1, "x")
	stub.Set(1)
	stub.Done("ok")
}

func TestConcurrentSetIsRaceFree(t *testing.T) {
	t.Parallel()

	tree, _ := newTestTree(t)
	item := tree.Child("concurrent")
	item.Init(100, "steps")

	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func(n int) {
			item.Set(n)
			done <- struct{}{}
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestChildNamesAreIndependent(t *testing.T) {
	t.Parallel()

	tree, buf := newTestTree(t)

	a := tree.Child("a")
	b := tree.Child("b")

	a.Done("a done")
	b.Done("b done")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "item=a")
	assert.Contains(t, lines[1], "item=b")
}

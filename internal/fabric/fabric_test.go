package fabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewWorkChannelCapacity(t *testing.T) {
	t.Parallel()

	ch := NewWorkChannel[int]()
	ch <- 1

	select {
	case ch <- 2:
		t.Fatal("expected second send to block on capacity-1 channel")
	default:
	}

	assert.Equal(t, 1, <-ch)
}

func TestNewResultChannelCapacityScalesWithPoolSize(t *testing.T) {
	t.Parallel()

	ch := NewResultChannel[int](3)
	assert.Equal(t, 6, cap(ch))
}

func TestDrainConsumesUntilClose(t *testing.T) {
	t.Parallel()

	ch := make(chan int, 4)
	ch <- 1
	ch <- 2
	close(ch)

	done := make(chan struct{})

	go func() {
		Drain(ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after channel closed")
	}
}

func TestCloseWhenDoneClosesAfterAllWorkersSignal(t *testing.T) {
	t.Parallel()

	ch := make(chan int, 1)
	done := make(chan struct{})

	CloseWhenDone(ch, done, 2)

	done <- struct{}{}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should not have a value")
		}

		t.Fatal("channel closed before all workers signaled")
	case <-time.After(50 * time.Millisecond):
	}

	done <- struct{}{}

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after all workers signaled")
	}
}

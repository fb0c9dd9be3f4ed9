package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorAllocateDispatchClose(t *testing.T) {
	c := NewCorrelator()

	id, p := c.Allocate()
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, 1, c.Len())

	ok := c.Dispatch(ResponseOK(id, []byte("x"), true))
	require.True(t, ok)

	select {
	case f := <-p.Frames:
		assert.Equal(t, id, f.CorrelationID)
	default:
		t.Fatal("expected a buffered frame")
	}

	c.Close(id)
	assert.Equal(t, 0, c.Len())
	select {
	case <-p.Done:
	default:
		t.Fatal("expected Done to be closed after Close")
	}
}

func TestCorrelatorDispatchUnknownID(t *testing.T) {
	c := NewCorrelator()
	ok := c.Dispatch(ResponseOK(999, nil, true))
	assert.False(t, ok)
}

func TestCorrelatorCloseAll(t *testing.T) {
	c := NewCorrelator()
	id1, p1 := c.Allocate()
	id2, p2 := c.Allocate()
	assert.Equal(t, 2, c.Len())

	c.CloseAll()
	assert.Equal(t, 0, c.Len())

	for _, p := range []*Pending{p1, p2} {
		select {
		case <-p.Done:
		default:
			t.Fatal("expected Done closed for every correlation after CloseAll")
		}
	}
	assert.NotEqual(t, id1, id2)
}

func TestCorrelatorDispatchBlocksOnFullChannelUntilDrained(t *testing.T) {
	c := NewCorrelator()
	id, p := c.Allocate()
	for i := 0; i < responseChanCapacity; i++ {
		require.True(t, c.Dispatch(ResponseOK(id, nil, false)))
	}

	// The channel is full: the next Dispatch must block (backpressure),
	// not drop, until the consumer reads one frame.
	delivered := make(chan bool, 1)
	go func() {
		delivered <- c.Dispatch(ResponseOK(id, []byte("overflow"), false))
	}()

	select {
	case <-delivered:
		t.Fatal("Dispatch returned while the channel was still full")
	case <-time.After(50 * time.Millisecond):
	}

	<-p.Frames

	select {
	case ok := <-delivered:
		assert.True(t, ok, "blocked Dispatch must deliver once space frees up")
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch stayed blocked after the consumer drained")
	}
}

func TestCorrelatorDispatchUnblocksWhenSlotFreed(t *testing.T) {
	c := NewCorrelator()
	id, _ := c.Allocate()
	for i := 0; i < responseChanCapacity; i++ {
		require.True(t, c.Dispatch(ResponseOK(id, nil, false)))
	}

	delivered := make(chan bool, 1)
	go func() {
		delivered <- c.Dispatch(ResponseOK(id, nil, false))
	}()

	c.Close(id)

	select {
	case ok := <-delivered:
		assert.False(t, ok, "a freed slot releases the blocked Dispatch without delivering")
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch stayed blocked after the slot was freed")
	}
}

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	socket "github.com/TopGunBuild/socket-sub001"
)

func nextValue[T any](t *testing.T, c *Consumer[T]) Packet[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := c.Next(ctx)
	require.NoError(t, err)
	return p
}

func TestStreamOrdering(t *testing.T) {
	t.Parallel()

	s := New[int]()
	early := s.CreateConsumer(0)
	s.Write(1)
	late := s.CreateConsumer(0)
	s.Write(2)
	s.Write(3)

	for _, want := range []int{1, 2, 3} {
		assert.Equal(t, want, nextValue(t, early).Value)
	}
	for _, want := range []int{2, 3} {
		assert.Equal(t, want, nextValue(t, late).Value)
	}
}

func TestStreamBackpressureConservation(t *testing.T) {
	t.Parallel()

	s := New[string]()
	c := s.CreateConsumer(0)
	assert.Equal(t, 0, c.Backpressure())

	s.Write("a")
	s.Write("b")
	s.Write("c")
	assert.Equal(t, 3, c.Backpressure())
	assert.Equal(t, 3, s.Backpressure())

	nextValue(t, c)
	assert.Equal(t, 2, c.Backpressure())
	nextValue(t, c)
	nextValue(t, c)
	assert.Equal(t, 0, c.Backpressure())
}

func TestStreamTargetedDelivery(t *testing.T) {
	t.Parallel()

	s := New[string]()
	a := s.CreateConsumer(0)
	b := s.CreateConsumer(0)

	s.WriteTo(b.ID(), "only-b")
	s.Write("everyone")

	assert.Equal(t, 1, a.Backpressure())
	assert.Equal(t, 2, b.Backpressure())

	assert.Equal(t, "everyone", nextValue(t, a).Value)
	assert.Equal(t, "only-b", nextValue(t, b).Value)
	assert.Equal(t, "everyone", nextValue(t, b).Value)
	assert.Equal(t, 0, a.Backpressure())
	assert.Equal(t, 0, b.Backpressure())
}

func TestStreamNextWaitsForWrite(t *testing.T) {
	t.Parallel()

	s := New[int]()
	c := s.CreateConsumer(0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Write(42)
	}()
	assert.Equal(t, 42, nextValue(t, c).Value)
}

func TestStreamConsumerTimeout(t *testing.T) {
	t.Parallel()

	s := New[int]()
	c := s.CreateConsumer(30 * time.Millisecond)

	start := time.Now()
	_, err := c.Next(context.Background())
	require.Error(t, err)
	assert.True(t, socket.IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.False(t, s.HasConsumer(c.ID()))
	assert.False(t, c.IsAlive())
}

func TestStreamContextCancel(t *testing.T) {
	t.Parallel()

	s := New[int]()
	c := s.CreateConsumer(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.ConsumerCount())
}

func TestStreamKillResolvesWaiters(t *testing.T) {
	t.Parallel()

	s := New[string]()
	consumers := []*Consumer[string]{s.CreateConsumer(0), s.CreateConsumer(0)}

	var wg sync.WaitGroup
	results := make([]Packet[string], len(consumers))
	for i, c := range consumers {
		wg.Add(1)
		go func(i int, c *Consumer[string]) {
			defer wg.Done()
			results[i] = nextValue(t, c)
		}(i, c)
	}
	time.Sleep(20 * time.Millisecond)
	s.Kill("killed")
	wg.Wait()

	for _, p := range results {
		assert.True(t, p.Done)
		assert.Equal(t, "killed", p.Value)
	}
	assert.Equal(t, 0, s.ConsumerCount())

	// writes after kill are ignored
	s.Write("late")
	assert.True(t, nextValue(t, consumers[0]).Done)
}

func TestStreamKillBypassesBacklog(t *testing.T) {
	t.Parallel()

	s := New[int]()
	c := s.CreateConsumer(0)
	s.Write(1)
	s.Write(2)
	c.Kill(-1)

	p := nextValue(t, c)
	assert.True(t, p.Done)
	assert.Equal(t, -1, p.Value)
	assert.Equal(t, 0, c.Backpressure())
}

func TestStreamCloseDrainsBacklog(t *testing.T) {
	t.Parallel()

	s := New[int]()
	c := s.CreateConsumer(0)
	s.Write(1)
	s.Close(99)
	s.Write(2)

	assert.Equal(t, Packet[int]{Value: 1}, nextValue(t, c))
	assert.Equal(t, Packet[int]{Value: 99, Done: true}, nextValue(t, c))
	assert.False(t, s.HasConsumer(c.ID()))

	// a consumer created after close is already finished
	late := s.CreateConsumer(0)
	assert.True(t, nextValue(t, late).Done)
}

func TestStreamCloseTo(t *testing.T) {
	t.Parallel()

	s := New[int]()
	a := s.CreateConsumer(0)
	b := s.CreateConsumer(0)
	s.CloseTo(a.ID(), 0)
	s.Write(5)

	assert.True(t, nextValue(t, a).Done)
	assert.Equal(t, 5, nextValue(t, b).Value)
	assert.True(t, b.IsAlive())
}

func TestStreamReturn(t *testing.T) {
	t.Parallel()

	s := New[int]()
	c := s.CreateConsumer(0)
	done := make(chan Packet[int], 1)
	go func() {
		p, _ := c.Next(context.Background())
		done <- p
	}()
	time.Sleep(10 * time.Millisecond)
	c.Return()

	select {
	case p := <-done:
		assert.True(t, p.Done)
	case <-time.After(time.Second):
		t.Fatal("Return did not resolve the pending Next")
	}
	assert.False(t, s.HasConsumer(c.ID()))
}

func TestStreamOnce(t *testing.T) {
	t.Parallel()

	s := New[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Write("first")
		s.Write("second")
	}()
	v, err := s.Once(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	assert.Equal(t, 0, s.ConsumerCount())
}

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	socket "github.com/TopGunBuild/socket-sub001"
)

// Consumer is an independent cursor over a Stream. Next must not be called
// concurrently from several goroutines; calls are serialized if it is.
type Consumer[T any] struct {
	id       int
	stream   *Stream[T]
	name     string
	filtered bool
	timeout  time.Duration

	readMu  sync.Mutex
	current *node[T]

	// guarded by stream.mu
	backpressure int
	alive        bool
	killCh       chan struct{}
	killPacket   *Packet[T]
}

// ID returns the consumer id, unique within its stream.
func (c *Consumer[T]) ID() int { return c.id }

// StreamName returns the sub-stream the consumer is bound to ("" if none).
func (c *Consumer[T]) StreamName() string { return c.name }

// Backpressure returns the number of items appended for this consumer that
// it has not advanced past yet.
func (c *Consumer[T]) Backpressure() int {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.backpressure
}

// IsAlive reports whether the consumer is still registered.
func (c *Consumer[T]) IsAlive() bool {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.alive
}

// Next waits for the next item addressed to this consumer.
//
// It resolves when a matching node is appended, when the consumer is killed
// (Done set, kill value returned), or fails with a TimeoutError once the
// consumer timeout elapses. A cancelled ctx fails with ctx.Err(). Timeout,
// cancellation and terminal nodes all deregister the consumer.
func (c *Consumer[T]) Next(ctx context.Context) (Packet[T], error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var timeout <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timeout = t.C
	}

	s := c.stream
	for {
		s.mu.Lock()
		if c.killPacket != nil {
			p := *c.killPacket
			c.killPacket = nil
			s.mu.Unlock()
			return p, nil
		}
		if !c.alive {
			s.mu.Unlock()
			return Packet[T]{Done: true}, nil
		}
		cur := c.current
		killCh := c.killCh
		s.mu.Unlock()

		select {
		case <-cur.ready:
		case <-killCh:
			continue
		case <-timeout:
			c.destroy()
			return Packet[T]{}, &socket.TimeoutError{
				Message: fmt.Sprintf("consumer %d did not receive a value within %v", c.id, c.timeout),
			}
		case <-ctx.Done():
			c.destroy()
			return Packet[T]{}, ctx.Err()
		}

		s.mu.Lock()
		if !c.alive {
			// killed while the node landed; the kill packet wins
			s.mu.Unlock()
			continue
		}
		c.current = cur.next
		matched := c.matches(cur)
		if matched && c.backpressure > 0 {
			c.backpressure--
		}
		if matched && cur.packet.Done {
			c.alive = false
			c.backpressure = 0
			delete(s.consumers, c.id)
		}
		s.mu.Unlock()

		if !matched {
			continue
		}
		return cur.packet, nil
	}
}

// Return stops the consumer early. A goroutine blocked in Next resolves
// with a zero Done packet.
func (c *Consumer[T]) Return() {
	var zero T
	c.Kill(zero)
}

// Kill ends the consumer; a pending or subsequent Next yields value with
// Done set.
func (c *Consumer[T]) Kill(value T) {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	c.killLocked(value)
}

func (c *Consumer[T]) killLocked(value T) {
	if !c.alive {
		return
	}
	c.alive = false
	c.backpressure = 0
	c.killPacket = &Packet[T]{Value: value, Done: true}
	close(c.killCh)
	delete(c.stream.consumers, c.id)
}

func (c *Consumer[T]) destroy() {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	if !c.alive {
		return
	}
	c.alive = false
	c.backpressure = 0
	delete(c.stream.consumers, c.id)
}

// matches decides whether a node is addressed to this consumer. Targeted
// nodes go to their target only; broadcast nodes go to every unfiltered
// consumer and to filtered consumers bound to the node's stream name.
func (c *Consumer[T]) matches(n *node[T]) bool {
	if n.consumerID != 0 {
		return n.consumerID == c.id
	}
	return !c.filtered || n.stream == c.name
}

func (c *Consumer[T]) statsLocked() ConsumerStats {
	return ConsumerStats{ID: c.id, Stream: c.name, Backpressure: c.backpressure}
}

// Package stream implements a single-writer, multi-reader append-only log
// with per-reader backpressure accounting, and a demultiplexer that carves
// one log into independently consumable named sub-streams.
//
// Readers never observe nodes appended before they were created. Every node
// is immutable once appended; only its successor link is set, exactly once,
// and its ready channel is closed at the same moment so waiting readers wake.
package stream

import (
	"context"
	"sync"
	"time"
)

// Packet is what a consumer yields for one delivery node.
type Packet[T any] struct {
	Value T
	Done  bool
}

type node[T any] struct {
	packet     Packet[T]
	stream     string
	consumerID int
	next       *node[T]
	ready      chan struct{}
}

func newNode[T any]() *node[T] {
	return &node[T]{ready: make(chan struct{})}
}

// ConsumerStats is a snapshot of one live consumer.
type ConsumerStats struct {
	ID           int
	Stream       string
	Backpressure int
}

// Stream is the broadcast log. It has exactly one append point; concurrent
// Write calls are serialized so no two appends interleave.
type Stream[T any] struct {
	mu        sync.Mutex
	tail      *node[T]
	consumers map[int]*Consumer[T]
	lastID    int
	finished  bool
}

// New returns an empty broadcast log.
func New[T any]() *Stream[T] {
	return &Stream[T]{
		tail:      newNode[T](),
		consumers: make(map[int]*Consumer[T]),
	}
}

// Write appends a non-terminal node delivered to every consumer.
func (s *Stream[T]) Write(value T) {
	s.append("", 0, Packet[T]{Value: value})
}

// WriteTo appends a node only the consumer with the given id will observe.
func (s *Stream[T]) WriteTo(consumerID int, value T) {
	s.append("", consumerID, Packet[T]{Value: value})
}

// Close appends a terminal node. Every consumer that reaches it yields the
// value with Done set and deregisters. Later writes are ignored.
func (s *Stream[T]) Close(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked("", 0, Packet[T]{Value: value, Done: true})
	s.finished = true
}

// CloseTo appends a terminal node for a single consumer.
func (s *Stream[T]) CloseTo(consumerID int, value T) {
	s.append("", consumerID, Packet[T]{Value: value, Done: true})
}

// Kill ends every consumer immediately without walking the chain. Waiting
// consumers resolve with value and Done set. Later writes are ignored.
func (s *Stream[T]) Kill(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	for _, c := range s.consumers {
		c.killLocked(value)
	}
}

// KillConsumer ends a single consumer immediately.
func (s *Stream[T]) KillConsumer(consumerID int, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[consumerID]; ok {
		c.killLocked(value)
	}
}

// CreateConsumer returns a consumer positioned at the current tail. A
// positive timeout bounds every individual Next call.
func (s *Stream[T]) CreateConsumer(timeout time.Duration) *Consumer[T] {
	return s.createConsumer("", false, timeout)
}

// Once waits for the next value written to the stream.
func (s *Stream[T]) Once(ctx context.Context, timeout time.Duration) (T, error) {
	c := s.CreateConsumer(timeout)
	defer c.Return()
	p, err := c.Next(ctx)
	return p.Value, err
}

// Backpressure returns the highest backpressure among live consumers.
func (s *Stream[T]) Backpressure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	highest := 0
	for _, c := range s.consumers {
		if c.backpressure > highest {
			highest = c.backpressure
		}
	}
	return highest
}

// ConsumerBackpressure returns the backpressure of one consumer, or -1 if no
// such consumer is registered.
func (s *Stream[T]) ConsumerBackpressure(consumerID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[consumerID]; ok {
		return c.backpressure
	}
	return -1
}

// HasConsumer reports whether a consumer with the id is registered.
func (s *Stream[T]) HasConsumer(consumerID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.consumers[consumerID]
	return ok
}

// ConsumerCount returns the number of registered consumers.
func (s *Stream[T]) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// ConsumerStats returns a snapshot of every registered consumer.
func (s *Stream[T]) ConsumerStats() []ConsumerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConsumerStats, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c.statsLocked())
	}
	return out
}

func (s *Stream[T]) append(stream string, consumerID int, packet Packet[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(stream, consumerID, packet)
}

func (s *Stream[T]) appendLocked(stream string, consumerID int, packet Packet[T]) {
	if s.finished {
		return
	}
	n := newNode[T]()
	prev := s.tail
	prev.packet = packet
	prev.stream = stream
	prev.consumerID = consumerID
	prev.next = n
	s.tail = n

	// The filled node is prev; consumers sit on prev until ready closes.
	for _, c := range s.consumers {
		if c.matches(prev) {
			c.backpressure++
		}
	}
	close(prev.ready)
}

func (s *Stream[T]) createConsumer(name string, filtered bool, timeout time.Duration) *Consumer[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	c := &Consumer[T]{
		id:       s.lastID,
		stream:   s,
		name:     name,
		filtered: filtered,
		timeout:  timeout,
		current:  s.tail,
		killCh:   make(chan struct{}),
		alive:    true,
	}
	if s.finished {
		c.alive = false
		return c
	}
	s.consumers[c.id] = c
	return c
}

func (s *Stream[T]) forEachNamedLocked(name string, fn func(c *Consumer[T])) {
	for _, c := range s.consumers {
		if c.filtered && c.name == name {
			fn(c)
		}
	}
}

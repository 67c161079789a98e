package stream

import (
	"context"
	"time"
)

// Demux carves one physical Stream into named sub-streams. Consumers bound
// to a name only observe nodes written under that name (or targeted at
// them), and their backpressure only counts those nodes.
type Demux[T any] struct {
	s *Stream[T]
}

// NewDemux returns a demultiplexer over a fresh Stream.
func NewDemux[T any]() *Demux[T] {
	return &Demux[T]{s: New[T]()}
}

// Write appends value under name.
func (d *Demux[T]) Write(name string, value T) {
	d.s.append(name, 0, Packet[T]{Value: value})
}

// WriteTo appends value for a single consumer regardless of its name.
func (d *Demux[T]) WriteTo(consumerID int, value T) {
	d.s.WriteTo(consumerID, value)
}

// Close ends every consumer bound to name once it reaches the terminal node.
func (d *Demux[T]) Close(name string, value T) {
	d.s.append(name, 0, Packet[T]{Value: value, Done: true})
}

// CloseConsumer ends a single consumer once it reaches the terminal node.
func (d *Demux[T]) CloseConsumer(consumerID int, value T) {
	d.s.CloseTo(consumerID, value)
}

// CloseAll closes every consumer of every name. Consumers drain their
// backlog before they observe the terminal value.
func (d *Demux[T]) CloseAll(value T) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	names := make(map[string]struct{})
	for _, c := range d.s.consumers {
		names[c.name] = struct{}{}
	}
	for name := range names {
		d.s.appendLocked(name, 0, Packet[T]{Value: value, Done: true})
	}
	d.s.finished = true
}

// CloseConsumers closes every current consumer like CloseAll but leaves the
// stream writable for consumers created later.
func (d *Demux[T]) CloseConsumers(value T) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	names := make(map[string]struct{})
	for _, c := range d.s.consumers {
		names[c.name] = struct{}{}
	}
	for name := range names {
		d.s.appendLocked(name, 0, Packet[T]{Value: value, Done: true})
	}
}

// Kill immediately ends consumers bound to name.
func (d *Demux[T]) Kill(name string, value T) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.forEachNamedLocked(name, func(c *Consumer[T]) {
		c.killLocked(value)
	})
}

// KillConsumer immediately ends a single consumer.
func (d *Demux[T]) KillConsumer(consumerID int, value T) {
	d.s.KillConsumer(consumerID, value)
}

// KillAll immediately ends every consumer of every name.
func (d *Demux[T]) KillAll(value T) {
	d.s.Kill(value)
}

// KillConsumers kills every current consumer like KillAll but leaves the
// stream writable for consumers created later.
func (d *Demux[T]) KillConsumers(value T) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, c := range d.s.consumers {
		c.killLocked(value)
	}
}

// Stream returns the read view for name.
func (d *Demux[T]) Stream(name string) *DemuxedStream[T] {
	return &DemuxedStream[T]{demux: d, name: name}
}

// CreateConsumer returns a consumer bound to name.
func (d *Demux[T]) CreateConsumer(name string, timeout time.Duration) *Consumer[T] {
	return d.s.createConsumer(name, true, timeout)
}

// Backpressure returns the highest backpressure among consumers of name.
func (d *Demux[T]) Backpressure(name string) int {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	highest := 0
	d.s.forEachNamedLocked(name, func(c *Consumer[T]) {
		if c.backpressure > highest {
			highest = c.backpressure
		}
	})
	return highest
}

// AllBackpressure returns the highest backpressure across all names.
func (d *Demux[T]) AllBackpressure() int {
	return d.s.Backpressure()
}

// ConsumerBackpressure returns the backpressure of a single consumer, or -1.
func (d *Demux[T]) ConsumerBackpressure(consumerID int) int {
	return d.s.ConsumerBackpressure(consumerID)
}

// ConsumerStats returns the stats of consumers bound to name.
func (d *Demux[T]) ConsumerStats(name string) []ConsumerStats {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []ConsumerStats
	d.s.forEachNamedLocked(name, func(c *Consumer[T]) {
		out = append(out, c.statsLocked())
	})
	return out
}

// AllConsumerStats returns the stats of every consumer.
func (d *Demux[T]) AllConsumerStats() []ConsumerStats {
	return d.s.ConsumerStats()
}

// HasConsumer reports whether consumerID is registered and bound to name.
func (d *Demux[T]) HasConsumer(name string, consumerID int) bool {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	c, ok := d.s.consumers[consumerID]
	return ok && c.name == name
}

// HasAnyConsumer reports whether consumerID is registered under any name.
func (d *Demux[T]) HasAnyConsumer(consumerID int) bool {
	return d.s.HasConsumer(consumerID)
}

// DemuxedStream is the read-only view of one named sub-stream.
type DemuxedStream[T any] struct {
	demux *Demux[T]
	name  string
}

// Name returns the sub-stream name.
func (ds *DemuxedStream[T]) Name() string { return ds.name }

// CreateConsumer returns a consumer bound to this sub-stream.
func (ds *DemuxedStream[T]) CreateConsumer(timeout time.Duration) *Consumer[T] {
	return ds.demux.CreateConsumer(ds.name, timeout)
}

// Once waits for the next value written to this sub-stream.
func (ds *DemuxedStream[T]) Once(ctx context.Context, timeout time.Duration) (T, error) {
	c := ds.CreateConsumer(timeout)
	defer c.Return()
	p, err := c.Next(ctx)
	return p.Value, err
}

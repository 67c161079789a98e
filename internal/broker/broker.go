// Package broker is the in-process channel directory: it maps channel names
// to subscribed endpoints, reference counts them, and fans publishes out.
package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/metrics"
	"github.com/TopGunBuild/socket-sub001/internal/protocol"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// Broker listener event names.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventError       = "error"
)

// Subscriber is anything that can receive channel publishes. The broker only
// holds a non-owning reference to it.
type Subscriber interface {
	ID() string
	// DeliverPublish hands over one publish. encoded is the #publish packet
	// pre-encoded by the broker codec, or nil when no codec is configured.
	// Publish calls it on every subscriber in turn, so it must not block.
	DeliverPublish(channel string, data any, encoded *protocol.Frame) error
}

// Event is emitted on the broker listener streams.
type Event struct {
	Channel      string
	SubscriberID string
	Err          error
}

// Config configures a Broker.
type Config struct {
	// Codec enables the pre-encode fast path for publishes.
	Codec   protocol.Codec
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type subscription struct {
	channel     string
	subscribers map[string]Subscriber
	refCount    int
}

// Broker is safe for concurrent use.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]*subscription
	byID     map[string]map[string]struct{}

	codec     protocol.Codec
	logger    *slog.Logger
	metrics   *metrics.Metrics
	listeners *stream.Demux[Event]
}

// New creates a broker.
func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		channels:  make(map[string]*subscription),
		byID:      make(map[string]map[string]struct{}),
		codec:     cfg.Codec,
		logger:    logger.With("component", "broker"),
		metrics:   cfg.Metrics,
		listeners: stream.NewDemux[Event](),
	}
}

// Subscribe adds sub to channel. Subscribing twice is a no-op.
func (b *Broker) Subscribe(sub Subscriber, channel string) error {
	if channel == "" {
		return &socket.InvalidArgumentsError{Message: "channel name must not be empty"}
	}
	b.mu.Lock()
	rec, ok := b.channels[channel]
	created := false
	if !ok {
		rec = &subscription{channel: channel, subscribers: make(map[string]Subscriber)}
		b.channels[channel] = rec
		created = true
	}
	if _, dup := rec.subscribers[sub.ID()]; !dup {
		rec.subscribers[sub.ID()] = sub
		rec.refCount++
		ids := b.byID[sub.ID()]
		if ids == nil {
			ids = make(map[string]struct{})
			b.byID[sub.ID()] = ids
		}
		ids[channel] = struct{}{}
	}
	total := len(b.channels)
	b.mu.Unlock()

	if created {
		b.logger.Debug("channel created", "channel", channel)
		b.listeners.Write(EventSubscribe, Event{Channel: channel, SubscriberID: sub.ID()})
		if b.metrics != nil {
			b.metrics.Subscriptions.Set(float64(total))
		}
	}
	return nil
}

// Unsubscribe removes sub from channel. Unsubscribing a subscriber that is
// not subscribed is a no-op.
func (b *Broker) Unsubscribe(sub Subscriber, channel string) error {
	return b.unsubscribeID(sub.ID(), channel)
}

// UnsubscribeAll removes sub from every channel it is subscribed to.
func (b *Broker) UnsubscribeAll(sub Subscriber) {
	for _, ch := range b.SubscriptionsOf(sub.ID()) {
		_ = b.unsubscribeID(sub.ID(), ch)
	}
}

func (b *Broker) unsubscribeID(id, channel string) error {
	b.mu.Lock()
	rec, ok := b.channels[channel]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if _, ok := rec.subscribers[id]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(rec.subscribers, id)
	rec.refCount--
	if ids := b.byID[id]; ids != nil {
		delete(ids, channel)
		if len(ids) == 0 {
			delete(b.byID, id)
		}
	}
	removed := false
	if rec.refCount <= 0 {
		delete(b.channels, channel)
		removed = true
	}
	total := len(b.channels)
	b.mu.Unlock()

	if removed {
		b.logger.Debug("channel removed", "channel", channel)
		b.listeners.Write(EventUnsubscribe, Event{Channel: channel, SubscriberID: id})
		if b.metrics != nil {
			b.metrics.Subscriptions.Set(float64(total))
		}
	}
	return nil
}

// Publish fans data out to the current subscribers of channel. Delivery
// failures are reported on the error listener and never stop delivery to the
// other subscribers; the only error returned is a failure to encode.
func (b *Broker) Publish(channel string, data any) error {
	if channel == "" {
		return &socket.InvalidArgumentsError{Message: "channel name must not be empty"}
	}
	b.mu.RLock()
	var subs []Subscriber
	if rec, ok := b.channels[channel]; ok {
		subs = make([]Subscriber, 0, len(rec.subscribers))
		for _, s := range rec.subscribers {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	var encoded *protocol.Frame
	if b.codec != nil && len(subs) > 0 {
		packet := &protocol.Packet{
			Event: socket.EventPublish,
			Data:  protocol.PublishData{Channel: channel, Data: data},
		}
		buf, mt, err := b.codec.Encode(packet)
		if err != nil {
			b.countPublish("encode_error")
			return &socket.BrokerError{Message: fmt.Sprintf("failed to encode publish to channel %q: %v", channel, err), Err: err}
		}
		encoded = &protocol.Frame{Type: mt, Data: buf}
	}

	failed := 0
	for _, s := range subs {
		if err := s.DeliverPublish(channel, data, encoded); err != nil {
			failed++
			b.logger.Warn("publish delivery failed", "channel", channel, "subscriber", s.ID(), "error", err)
			b.listeners.Write(EventError, Event{
				Channel:      channel,
				SubscriberID: s.ID(),
				Err:          &socket.BrokerError{Message: fmt.Sprintf("failed to deliver publish to %s", s.ID()), Err: err},
			})
		}
	}
	if failed > 0 {
		b.countPublish("partial")
	} else {
		b.countPublish("ok")
	}
	return nil
}

func (b *Broker) countPublish(status string) {
	if b.metrics != nil {
		b.metrics.Publishes.WithLabelValues(status).Inc()
	}
}

// Subscriptions returns every channel with at least one subscriber.
func (b *Broker) Subscriptions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.channels))
	for ch := range b.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// SubscriptionsOf returns the channels a subscriber id is subscribed to.
func (b *Broker) SubscriptionsOf(id string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byID[id]))
	for ch := range b.byID[id] {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// IsSubscribed reports whether the subscriber id is subscribed to channel.
func (b *Broker) IsSubscribed(id, channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.channels[channel]
	if !ok {
		return false
	}
	_, ok = rec.subscribers[id]
	return ok
}

// SubscriberCount returns the reference count of channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rec, ok := b.channels[channel]; ok {
		return rec.refCount
	}
	return 0
}

// Listener returns the stream of broker events of the given name.
func (b *Broker) Listener(name string) *stream.DemuxedStream[Event] {
	return b.listeners.Stream(name)
}

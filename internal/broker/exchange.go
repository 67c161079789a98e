package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TopGunBuild/socket-sub001/internal/protocol"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// Exchange lets server-side code take part in pub/sub as an ordinary
// subscriber of the broker.
type Exchange struct {
	id     string
	broker *Broker

	mu       sync.Mutex
	channels map[string]struct{}
	data     *stream.Demux[any]
}

// NewExchange returns an exchange attached to b.
func NewExchange(b *Broker) *Exchange {
	return &Exchange{
		id:       "exchange-" + uuid.NewString(),
		broker:   b,
		channels: make(map[string]struct{}),
		data:     stream.NewDemux[any](),
	}
}

// ID implements Subscriber.
func (e *Exchange) ID() string { return e.id }

// DeliverPublish implements Subscriber.
func (e *Exchange) DeliverPublish(channel string, data any, _ *protocol.Frame) error {
	e.data.Write(channel, data)
	return nil
}

// Publish publishes data to channel through the broker.
func (e *Exchange) Publish(channel string, data any) error {
	return e.broker.Publish(channel, data)
}

// Subscribe subscribes the exchange to channel and returns its view.
func (e *Exchange) Subscribe(channel string) (*ExchangeChannel, error) {
	if err := e.broker.Subscribe(e, channel); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.channels[channel] = struct{}{}
	e.mu.Unlock()
	return e.Channel(channel), nil
}

// Unsubscribe drops the exchange subscription to channel and ends its
// consumers once they drain.
func (e *Exchange) Unsubscribe(channel string) error {
	e.mu.Lock()
	delete(e.channels, channel)
	e.mu.Unlock()
	e.data.Close(channel, nil)
	return e.broker.Unsubscribe(e, channel)
}

// IsSubscribed reports whether the exchange is subscribed to channel.
func (e *Exchange) IsSubscribed(channel string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.channels[channel]
	return ok
}

// Subscriptions returns the channels the exchange is subscribed to.
func (e *Exchange) Subscriptions() []string {
	return e.broker.SubscriptionsOf(e.id)
}

// Channel returns the view of channel without subscribing.
func (e *Exchange) Channel(channel string) *ExchangeChannel {
	return &ExchangeChannel{name: channel, exchange: e}
}

// Close unsubscribes from everything and kills all channel consumers.
func (e *Exchange) Close() {
	e.broker.UnsubscribeAll(e)
	e.mu.Lock()
	e.channels = make(map[string]struct{})
	e.mu.Unlock()
	e.data.KillAll(nil)
}

// ExchangeChannel is the exchange's view of one channel.
type ExchangeChannel struct {
	name     string
	exchange *Exchange
}

// Name returns the channel name.
func (c *ExchangeChannel) Name() string { return c.name }

// CreateConsumer returns a consumer of data published to the channel.
func (c *ExchangeChannel) CreateConsumer(timeout time.Duration) *stream.Consumer[any] {
	return c.exchange.data.CreateConsumer(c.name, timeout)
}

// Publish publishes to the channel.
func (c *ExchangeChannel) Publish(data any) error {
	return c.exchange.Publish(c.name, data)
}

// Unsubscribe drops the exchange subscription.
func (c *ExchangeChannel) Unsubscribe() error {
	return c.exchange.Unsubscribe(c.name)
}

// Kill ends the channel consumers immediately.
func (c *ExchangeChannel) Kill() {
	c.exchange.data.Kill(c.name, nil)
}

// Backpressure returns the highest backpressure of the channel consumers.
func (c *ExchangeChannel) Backpressure() int {
	return c.exchange.data.Backpressure(c.name)
}

package websocket

import (
	"context"
	"time"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/stream"
)

// Channel is a client-side handle on a pub/sub channel. Publications for
// the channel are read through consumers; state changes are emitted on the
// channel's own listeners.
type Channel struct {
	name   string
	client *ClientSocket
	// state is guarded by client.chMu.
	state  socket.ChannelState
	events *stream.Demux[Event]
}

func newChannel(c *ClientSocket, name string) *Channel {
	return &Channel{
		name:   name,
		client: c,
		state:  socket.ChannelUnsubscribed,
		events: stream.NewDemux[Event](),
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// State returns the subscription state.
func (ch *Channel) State() socket.ChannelState {
	ch.client.chMu.Lock()
	defer ch.client.chMu.Unlock()
	return ch.state
}

// IsSubscribed reports whether the subscription is active, or pending when
// includePending is set.
func (ch *Channel) IsSubscribed(includePending bool) bool {
	return ch.client.IsSubscribed(ch.name, includePending)
}

// Subscribe subscribes the client to the channel.
func (ch *Channel) Subscribe(ctx context.Context) error {
	_, err := ch.client.Subscribe(ctx, ch.name)
	return err
}

// Unsubscribe leaves the channel.
func (ch *Channel) Unsubscribe(ctx context.Context) error {
	return ch.client.Unsubscribe(ctx, ch.name)
}

// Publish publishes data to the channel and waits for the server to accept it.
func (ch *Channel) Publish(ctx context.Context, data any) error {
	return ch.client.Publish(ctx, ch.name, data)
}

// CreateConsumer returns a consumer of the data published to the channel.
// Consumers survive resubscription and end when the client closes or the
// channel is killed or closed.
func (ch *Channel) CreateConsumer(timeout time.Duration) *stream.Consumer[any] {
	return ch.client.channelData.CreateConsumer(ch.name, timeout)
}

// Listener returns the stream of channel events named event: subscribe,
// unsubscribe, subscribeFail or kickOut.
func (ch *Channel) Listener(event string) *stream.DemuxedStream[Event] {
	return ch.events.Stream(event)
}

// Kill ends every data consumer of the channel immediately.
func (ch *Channel) Kill() { ch.client.channelData.Kill(ch.name, nil) }

// Close ends every data consumer of the channel once it has drained.
func (ch *Channel) Close() { ch.client.channelData.Close(ch.name, nil) }

// Backpressure returns the largest queue among the channel's data consumers.
func (ch *Channel) Backpressure() int { return ch.client.channelData.Backpressure(ch.name) }

func (ch *Channel) emit(name string, ev Event) {
	ev.Name = name
	if ev.Socket == nil {
		ev.Socket = ch.client
	}
	ev.Channel = ch.name
	ch.events.Write(name, ev)
}

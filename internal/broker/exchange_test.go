package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeReceivesPublishes(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	ex := NewExchange(b)
	ch, err := ex.Subscribe("feed")
	require.NoError(t, err)
	assert.True(t, ex.IsSubscribed("feed"))
	assert.True(t, b.IsSubscribed(ex.ID(), "feed"))

	c := ch.CreateConsumer(time.Second)
	peer := &fakeSubscriber{id: "peer"}
	require.NoError(t, b.Subscribe(peer, "feed"))

	require.NoError(t, ch.Publish("one"))
	require.NoError(t, b.Publish("feed", "two"))

	ctx := context.Background()
	for _, want := range []string{"one", "two"} {
		p, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, p.Value)
	}
	assert.Len(t, peer.deliveries(), 2)
}

func TestExchangeUnsubscribeEndsConsumers(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	ex := NewExchange(b)
	ch, err := ex.Subscribe("feed")
	require.NoError(t, err)
	c := ch.CreateConsumer(time.Second)

	require.NoError(t, ex.Publish("feed", 1))
	require.NoError(t, ch.Unsubscribe())
	assert.False(t, ex.IsSubscribed("feed"))
	assert.Equal(t, 0, b.SubscriberCount("feed"))

	p, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Value)

	p, err = c.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Done)
}

func TestExchangeClose(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	ex := NewExchange(b)
	_, err := ex.Subscribe("a")
	require.NoError(t, err)
	ch, err := ex.Subscribe("b")
	require.NoError(t, err)
	c := ch.CreateConsumer(time.Second)

	ex.Close()
	assert.Empty(t, ex.Subscriptions())
	assert.Empty(t, b.Subscriptions())

	p, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Done)
}

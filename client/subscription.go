package client

import (
	"context"

	"github.com/turnhq/turnstile/push"
	"github.com/turnhq/turnstile/stream"
)

// subscriptionBuffer is the per-topic channel capacity. Events beyond
// it are dropped rather than blocking the read loop.
const subscriptionBuffer = 64

// Subscribe subscribes to a broker topic and returns a channel of its
// events. The channel is closed when the client closes or Unsubscribe
// is called for the topic.
//
// Topic names come from the stream package: stream.SessionTopic,
// stream.ChannelTopic, stream.RequestTopic, stream.TopicFirehose.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *stream.Event, error) {
	ch := make(chan *stream.Event, subscriptionBuffer)
	if _, loaded := c.subs.LoadOrStore(topic, ch); loaded {
		return nil, errAlreadySubscribed(topic)
	}

	if _, err := c.request(ctx, push.MethodSubscribe, push.SubscribeRequest{Topic: topic}); err != nil {
		c.subs.Delete(topic)
		return nil, err
	}
	return ch, nil
}

// Unsubscribe removes a topic subscription and closes its channel.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	val, loaded := c.subs.LoadAndDelete(topic)
	if !loaded {
		return nil
	}
	defer close(val.(chan *stream.Event)) //nolint:errcheck // subs map always stores chan *stream.Event

	_, err := c.request(ctx, push.MethodUnsubscribe, push.UnsubscribeRequest{Topic: topic})
	return err
}

type errAlreadySubscribed string

func (e errAlreadySubscribed) Error() string {
	return "turnstile/client: already subscribed to topic " + string(e)
}

package redisstore

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"

	"github.com/bringyour/docsync/docsync"
)

// TopicMap broadcasts document topics over Redis pub/sub.
// A process subscribes to a document channel while it has local listeners.
// Every message, including those from this process, reaches local listeners
// through the subscription.
type TopicMap[SpecT any] struct {
	ctx           context.Context
	client        redis.UniversalClient
	channelPrefix string

	topics *docsync.TrackingTopicMap[string, docsync.TopicMessage[SpecT]]
}

func NewTopicMap[SpecT any](
	ctx context.Context,
	client redis.UniversalClient,
	channelPrefix string,
) *TopicMap[SpecT] {
	topicMap := &TopicMap[SpecT]{
		ctx:           ctx,
		client:        client,
		channelPrefix: channelPrefix,
	}
	topicMap.topics = docsync.NewTrackingTopicMap[string, docsync.TopicMessage[SpecT]](
		func(id string) docsync.Topic[docsync.TopicMessage[SpecT]] {
			return newTopic[SpecT](ctx, client, topicMap.channel(id))
		},
	)
	return topicMap
}

func (self *TopicMap[SpecT]) channel(id string) string {
	return self.channelPrefix + id
}

// docsync.TopicMap implementation

func (self *TopicMap[SpecT]) Add(
	ctx context.Context,
	id string,
	listener docsync.TopicListener[docsync.TopicMessage[SpecT]],
) error {
	return self.topics.Add(ctx, id, listener)
}

func (self *TopicMap[SpecT]) Remove(
	ctx context.Context,
	id string,
	listener docsync.TopicListener[docsync.TopicMessage[SpecT]],
) error {
	return self.topics.Remove(ctx, id, listener)
}

func (self *TopicMap[SpecT]) Broadcast(
	ctx context.Context,
	id string,
	message docsync.TopicMessage[SpecT],
) error {
	b, err := EncodeEnvelope(message)
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, self.channel(id), b).Err()
}

// topic fans a single channel subscription out to local listeners
type topic[SpecT any] struct {
	ctx     context.Context
	client  redis.UniversalClient
	channel string

	local *docsync.InMemoryTopic[docsync.TopicMessage[SpecT]]

	stateLock sync.Mutex
	pubsub    *redis.PubSub
}

func newTopic[SpecT any](ctx context.Context, client redis.UniversalClient, channel string) *topic[SpecT] {
	return &topic[SpecT]{
		ctx:     ctx,
		client:  client,
		channel: channel,
		local:   docsync.NewInMemoryTopic[docsync.TopicMessage[SpecT]](),
	}
}

func (self *topic[SpecT]) Add(
	ctx context.Context,
	listener docsync.TopicListener[docsync.TopicMessage[SpecT]],
) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pubsub == nil {
		pubsub := self.client.Subscribe(self.ctx, self.channel)
		// wait for the subscription so no message published after `Add` is missed
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return err
		}
		self.pubsub = pubsub
		go self.run(pubsub)
	}
	return self.local.Add(ctx, listener)
}

func (self *topic[SpecT]) Remove(
	ctx context.Context,
	listener docsync.TopicListener[docsync.TopicMessage[SpecT]],
) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	anyRemaining, err := self.local.Remove(ctx, listener)
	if err != nil {
		return anyRemaining, err
	}
	if !anyRemaining && self.pubsub != nil {
		pubsub := self.pubsub
		self.pubsub = nil
		if err := pubsub.Close(); err != nil {
			return false, err
		}
	}
	return anyRemaining, nil
}

// delivers to local listeners only
func (self *topic[SpecT]) Broadcast(ctx context.Context, message docsync.TopicMessage[SpecT]) error {
	return self.local.Broadcast(ctx, message)
}

func (self *topic[SpecT]) run(pubsub *redis.PubSub) {
	for m := range pubsub.Channel() {
		message, err := DecodeEnvelope[SpecT]([]byte(m.Payload))
		if err != nil {
			glog.Infof("[redis]%s drop malformed message = %s\n", self.channel, err)
			continue
		}
		self.Broadcast(self.ctx, message)
	}
	glog.V(1).Infof("[redis]%s unsubscribed\n", self.channel)
}

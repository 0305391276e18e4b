package docsync

import (
	"context"
	"sync"
)

// TopicListener receives every message broadcast on the topics it is added to.
// Listeners are compared by identity, so implementations should be pointers.
type TopicListener[M any] interface {
	OnTopicMessage(message M)
}

type Topic[M any] interface {
	Add(ctx context.Context, listener TopicListener[M]) error
	// returns true if any listeners remain
	Remove(ctx context.Context, listener TopicListener[M]) (bool, error)
	Broadcast(ctx context.Context, message M) error
}

type TopicMap[K comparable, M any] interface {
	Add(ctx context.Context, key K, listener TopicListener[M]) error
	Remove(ctx context.Context, key K, listener TopicListener[M]) error
	Broadcast(ctx context.Context, key K, message M) error
}

// InMemoryTopic delivers synchronously, in add order, on the broadcasting goroutine.
type InMemoryTopic[M any] struct {
	stateLock sync.Mutex
	listeners []TopicListener[M]
}

func NewInMemoryTopic[M any]() *InMemoryTopic[M] {
	return &InMemoryTopic[M]{}
}

func (self *InMemoryTopic[M]) Add(ctx context.Context, listener TopicListener[M]) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, l := range self.listeners {
		if l == listener {
			return nil
		}
	}
	// copy on write so broadcasts can iterate without the lock
	nextListeners := make([]TopicListener[M], 0, len(self.listeners)+1)
	nextListeners = append(nextListeners, self.listeners...)
	nextListeners = append(nextListeners, listener)
	self.listeners = nextListeners
	return nil
}

func (self *InMemoryTopic[M]) Remove(ctx context.Context, listener TopicListener[M]) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextListeners := make([]TopicListener[M], 0, len(self.listeners))
	for _, l := range self.listeners {
		if l != listener {
			nextListeners = append(nextListeners, l)
		}
	}
	self.listeners = nextListeners
	return 0 < len(self.listeners), nil
}

func (self *InMemoryTopic[M]) Broadcast(ctx context.Context, message M) error {
	self.stateLock.Lock()
	listeners := self.listeners
	self.stateLock.Unlock()

	for _, listener := range listeners {
		listener.OnTopicMessage(message)
	}
	return nil
}

// TrackingTopicMap creates a topic for a key on the first listener and
// discards it when the last listener is removed.
type TrackingTopicMap[K comparable, M any] struct {
	topicFactory func(key K) Topic[M]

	stateLock sync.Mutex
	topics    map[K]Topic[M]
}

func NewTrackingTopicMap[K comparable, M any](topicFactory func(key K) Topic[M]) *TrackingTopicMap[K, M] {
	return &TrackingTopicMap[K, M]{
		topicFactory: topicFactory,
		topics:       map[K]Topic[M]{},
	}
}

func NewInMemoryTopicMap[K comparable, M any]() *TrackingTopicMap[K, M] {
	return NewTrackingTopicMap[K, M](func(key K) Topic[M] {
		return NewInMemoryTopic[M]()
	})
}

func (self *TrackingTopicMap[K, M]) Add(ctx context.Context, key K, listener TopicListener[M]) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topic, ok := self.topics[key]
	if !ok {
		topic = self.topicFactory(key)
		self.topics[key] = topic
	}
	return topic.Add(ctx, listener)
}

func (self *TrackingTopicMap[K, M]) Remove(ctx context.Context, key K, listener TopicListener[M]) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	topic, ok := self.topics[key]
	if !ok {
		return nil
	}
	anyRemaining, err := topic.Remove(ctx, listener)
	if err != nil {
		return err
	}
	if !anyRemaining {
		delete(self.topics, key)
	}
	return nil
}

func (self *TrackingTopicMap[K, M]) Broadcast(ctx context.Context, key K, message M) error {
	self.stateLock.Lock()
	topic, ok := self.topics[key]
	self.stateLock.Unlock()

	if !ok {
		return nil
	}
	return topic.Broadcast(ctx, message)
}

// number of keys with at least one listener
func (self *TrackingTopicMap[K, M]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.topics)
}

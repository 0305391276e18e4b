package redisstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/docsync/jsonspec"
)

// set DOCSYNC_TEST_REDIS to a redis address, e.g. localhost:6379
func testClient(t *testing.T) redis.UniversalClient {
	addr := os.Getenv("DOCSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("DOCSYNC_TEST_REDIS not set")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{addr},
	})
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func testPrefix() string {
	return "docsync_test_" + ulid.Make().String() + ":"
}

func TestRedisModel(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	model := NewModel[any](client, testPrefix(), nil)

	_, ok, err := model.Read(ctx, "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, model.Set(ctx, "a", map[string]any{"foo": "v1"}), nil)
	defer model.Delete(ctx, "a")

	value, ok, err := model.Read(ctx, "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, value, map[string]any{"foo": "v1"})

	err = model.Write(ctx, "a", map[string]any{"foo": "v2"}, map[string]any{"foo": "v1"})
	assert.Equal(t, err, nil)

	err = model.Write(ctx, "a", map[string]any{"foo": "v3"}, map[string]any{"foo": "v1"})
	assert.Equal(t, err, docsync.ErrUnexpectedPreviousValue)

	assert.Equal(t, model.Delete(ctx, "a"), nil)
	err = model.Write(ctx, "a", map[string]any{"foo": "v3"}, map[string]any{"foo": "v2"})
	assert.Equal(t, err, docsync.ErrUnexpectedPreviousValue)
}

type testListener struct {
	stateLock sync.Mutex
	messages  []docsync.TopicMessage[any]
	received  chan struct{}
}

func newTestListener() *testListener {
	return &testListener{
		received: make(chan struct{}, 16),
	}
}

func (self *testListener) OnTopicMessage(message docsync.TopicMessage[any]) {
	self.stateLock.Lock()
	self.messages = append(self.messages, message)
	self.stateLock.Unlock()
	self.received <- struct{}{}
}

func (self *testListener) await(t *testing.T) docsync.TopicMessage[any] {
	select {
	case <-self.received:
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.messages[len(self.messages)-1]
}

func TestRedisTopicMapAcrossProcesses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := testClient(t)
	prefix := testPrefix()

	// two maps stand in for two server processes
	a := NewTopicMap[any](ctx, client, prefix)
	b := NewTopicMap[any](ctx, client, prefix)

	listenerA := newTestListener()
	listenerB := newTestListener()
	assert.Equal(t, a.Add(ctx, "doc", listenerA), nil)
	assert.Equal(t, b.Add(ctx, "doc", listenerB), nil)

	message := docsync.TopicMessage[any]{
		Message: docsync.ChangeOf[any](map[string]any{"foo": jsonspec.Set("v2")}),
		Source:  "s1",
		Meta:    int64(3),
	}
	assert.Equal(t, a.Broadcast(ctx, "doc", message), nil)

	assert.Equal(t, listenerA.await(t), message)
	assert.Equal(t, listenerB.await(t), message)

	assert.Equal(t, b.Remove(ctx, "doc", listenerB), nil)
	assert.Equal(t, a.Broadcast(ctx, "doc", message), nil)
	listenerA.await(t)
	select {
	case <-listenerB.received:
		t.Fatal("removed listener received a message")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBroadcaster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := testClient(t)
	prefix := testPrefix()

	model := NewModel[any](client, prefix, nil)
	assert.Equal(t, model.Set(ctx, "a", map[string]any{"foo": "v1"}), nil)
	defer model.Delete(ctx, "a")

	newBroadcaster := func() *docsync.Broadcaster[any, any] {
		return docsync.NewBroadcaster[any, any](
			model,
			jsonspec.NewContext(),
			docsync.WithTopicMap[any, any](NewTopicMap[any](ctx, client, prefix)),
		)
	}
	one := newBroadcaster()
	two := newBroadcaster()

	changes := make(chan docsync.ChangeInfo[any], 4)
	subscription, err := two.Subscribe(ctx, "a", docsync.ReadWrite[any, any]())
	assert.Equal(t, err, nil)
	defer subscription.Close(ctx)
	_, err = subscription.GetInitialData()
	assert.Equal(t, err, nil)
	assert.Equal(t, subscription.Listen(func(message docsync.ChangeInfo[any], meta any) {
		changes <- message
	}), nil)

	change := map[string]any{"foo": jsonspec.Set("v2")}
	assert.Equal(t, one.Update(ctx, "a", change, docsync.ReadWrite[any, any]()), nil)

	select {
	case message := <-changes:
		assert.Equal(t, message.Change, any(change))
	case <-time.After(5 * time.Second):
		t.Fatal("no change")
	}

	value, _, err := model.Read(ctx, "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, map[string]any{"foo": "v2"})
}

package docsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAsyncTaskQueueOrder(t *testing.T) {
	queue := NewAsyncTaskQueue[int]()

	n := 100
	var orderLock sync.Mutex
	order := []int{}
	results := []<-chan TaskResult[int]{}
	for i := 0; i < n; i += 1 {
		i := i
		results = append(results, queue.PushAsync(func() (int, error) {
			orderLock.Lock()
			defer orderLock.Unlock()
			order = append(order, i)
			return i, nil
		}))
	}
	for i, result := range results {
		r := <-result
		assert.Equal(t, r.Error, nil)
		assert.Equal(t, i, r.Result)
	}
	for i := 0; i < n; i += 1 {
		assert.Equal(t, i, order[i])
	}
}

func TestAsyncTaskQueueErrors(t *testing.T) {
	queue := NewAsyncTaskQueue[int]()

	testErr := errors.New("nope")
	_, err := queue.Push(func() (int, error) {
		return 0, testErr
	})
	assert.Equal(t, testErr, err)

	_, err = queue.Push(func() (int, error) {
		panic("oops")
	})
	assert.NotEqual(t, err, nil)

	// the queue keeps running after failures
	result, err := queue.Push(func() (int, error) {
		return 3, nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, result)
}

func TestAsyncTaskQueueDrain(t *testing.T) {
	queue := NewAsyncTaskQueue[struct{}]()

	drained := make(chan struct{}, 8)
	queue.SetDrainCallback(func() {
		drained <- struct{}{}
	})

	queue.Push(func() (struct{}, error) {
		return struct{}{}, nil
	})

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("no drain")
	}
	assert.Equal(t, false, queue.Active())
}

func TestTaskQueueMapKeys(t *testing.T) {
	queues := NewTaskQueueMap[string, string]()

	block := make(chan struct{})
	blocked := queues.PushAsync("a", func() (string, error) {
		<-block
		return "a", nil
	})

	// a different key is not serialized behind "a"
	result, err := queues.Push("b", func() (string, error) {
		return "b", nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "b", result)

	// same key waits
	second := queues.PushAsync("a", func() (string, error) {
		return "a2", nil
	})
	select {
	case <-second:
		t.Fatal("ran out of order")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	assert.Equal(t, "a", (<-blocked).Result)
	assert.Equal(t, "a2", (<-second).Result)

	// drained queues are removed
	for i := 0; i < 100 && 0 < queues.Len(); i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, queues.Len())
}

func TestTaskQueueMapPushAfterDrain(t *testing.T) {
	queues := NewTaskQueueMap[string, int]()

	n := 1000
	for i := 0; i < n; i += 1 {
		result, err := queues.Push("a", func() (int, error) {
			return i, nil
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, i, result)
	}
}

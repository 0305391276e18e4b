package docsync

import (
	"sync"
)

type Task[R any] func() (R, error)

type TaskResult[R any] struct {
	Result R
	Error  error
}

type taskQueueItem[R any] struct {
	task   Task[R]
	result chan TaskResult[R]
}

// TaskQueue runs pushed tasks one at a time in push order.
type TaskQueue[R any] interface {
	PushAsync(task Task[R]) <-chan TaskResult[R]
	// true while any task is queued or running
	Active() bool
	// `callback` is called each time the queue becomes idle
	SetDrainCallback(callback func())
}

type TaskQueueFactory[R any] func() TaskQueue[R]

// AsyncTaskQueue consumes its items on a goroutine that exists only while
// the queue is non-empty.
type AsyncTaskQueue[R any] struct {
	stateLock sync.Mutex
	items     []*taskQueueItem[R]
	running   bool
	drain     func()
}

func NewAsyncTaskQueue[R any]() *AsyncTaskQueue[R] {
	return &AsyncTaskQueue[R]{}
}

func (self *AsyncTaskQueue[R]) SetDrainCallback(callback func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.drain = callback
}

func (self *AsyncTaskQueue[R]) Push(task Task[R]) (R, error) {
	result := <-self.PushAsync(task)
	return result.Result, result.Error
}

func (self *AsyncTaskQueue[R]) PushAsync(task Task[R]) <-chan TaskResult[R] {
	item := &taskQueueItem[R]{
		task:   task,
		result: make(chan TaskResult[R], 1),
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.items = append(self.items, item)
	if !self.running {
		self.running = true
		go self.consume()
	}
	return item.result
}

func (self *AsyncTaskQueue[R]) Active() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.running
}

func (self *AsyncTaskQueue[R]) consume() {
	for {
		var item *taskQueueItem[R]
		var drain func()
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if len(self.items) == 0 {
				self.running = false
				drain = self.drain
				return
			}
			item = self.items[0]
			self.items[0] = nil
			self.items = self.items[1:]
		}()
		if item == nil {
			if drain != nil {
				drain()
			}
			return
		}

		// a failed (or panicking) task does not stop the queue
		result, err := CallWithError(item.task)
		item.result <- TaskResult[R]{
			Result: result,
			Error:  err,
		}
	}
}

// TaskQueueMap keeps one queue per key. Queues are created on first push and
// removed when they drain, unless a task was pushed after the drain was signaled.
type TaskQueueMap[K comparable, R any] struct {
	queueFactory TaskQueueFactory[R]

	stateLock sync.Mutex
	queues    map[K]TaskQueue[R]
}

func NewTaskQueueMap[K comparable, R any]() *TaskQueueMap[K, R] {
	return NewTaskQueueMapWithFactory[K, R](func() TaskQueue[R] {
		return NewAsyncTaskQueue[R]()
	})
}

func NewTaskQueueMapWithFactory[K comparable, R any](queueFactory TaskQueueFactory[R]) *TaskQueueMap[K, R] {
	return &TaskQueueMap[K, R]{
		queueFactory: queueFactory,
		queues:       map[K]TaskQueue[R]{},
	}
}

func (self *TaskQueueMap[K, R]) Push(key K, task Task[R]) (R, error) {
	result := <-self.PushAsync(key, task)
	return result.Result, result.Error
}

// PushAsync enqueues the task before returning, so the order of PushAsync calls
// is the order of execution for a key.
func (self *TaskQueueMap[K, R]) PushAsync(key K, task Task[R]) <-chan TaskResult[R] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queue, ok := self.queues[key]
	if !ok {
		queue = self.queueFactory()
		queue.SetDrainCallback(func() {
			self.drained(key, queue)
		})
		self.queues[key] = queue
	}
	return queue.PushAsync(task)
}

func (self *TaskQueueMap[K, R]) drained(key K, queue TaskQueue[R]) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// pushes hold the state lock, so `Active` cannot change under us
	if current, ok := self.queues[key]; ok && current == queue && !queue.Active() {
		delete(self.queues, key)
	}
}

// number of keys with a live queue
func (self *TaskQueueMap[K, R]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queues)
}

package client

import (
	"sync"

	"github.com/bringyour/docsync/docsync"
)

// CallbackList is a copy-on-write list of callbacks.
// Functions are not comparable, so `Add` returns the remover.
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    uint64
	callbacks []callbackEntry[T]
}

type callbackEntry[T any] struct {
	id       uint64
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1
	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks)+1)
	nextCallbacks = append(nextCallbacks, self.callbacks...)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{id: id, callback: callback})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		if entry.id != id {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = nil
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// Each calls `call` for every callback. A panicking callback does not stop the rest.
func (self *CallbackList[T]) Each(call func(T)) {
	for _, callback := range self.Get() {
		docsync.HandleError(func() {
			call(callback)
		})
	}
}

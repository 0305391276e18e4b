package docsync

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// Model is the durable store of documents.
type Model[T any] interface {
	// `ok` is false when the document does not exist
	Read(ctx context.Context, id string) (value T, ok bool, err error)
	// returns the value to write, or an error describing why the value is not acceptable
	Validate(value T) (T, error)
	// `oldValue` is the value the update was computed from,
	// so implementations can reject concurrent modification
	Write(ctx context.Context, id string, newValue T, oldValue T) error
}

// ValidatorFunction backs `Model.Validate`.
type ValidatorFunction[T any] func(value T) (T, error)

func AcceptAll[T any](value T) (T, error) {
	return value, nil
}

var ErrUnexpectedPreviousValue = errors.New("Unexpected previous value")

type InMemoryModel[T any] struct {
	validator ValidatorFunction[T]

	stateLock sync.Mutex
	memory    map[string]T
}

func NewInMemoryModel[T any](validator ValidatorFunction[T]) *InMemoryModel[T] {
	if validator == nil {
		validator = AcceptAll[T]
	}
	return &InMemoryModel[T]{
		validator: validator,
		memory:    map[string]T{},
	}
}

func (self *InMemoryModel[T]) Set(id string, value T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.memory[id] = value
}

func (self *InMemoryModel[T]) Get(id string) (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.memory[id]
	return value, ok
}

func (self *InMemoryModel[T]) Delete(id string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.memory, id)
}

// Model implementation

func (self *InMemoryModel[T]) Read(ctx context.Context, id string) (T, bool, error) {
	value, ok := self.Get(id)
	return value, ok, nil
}

func (self *InMemoryModel[T]) Validate(value T) (T, error) {
	return self.validator(value)
}

func (self *InMemoryModel[T]) Write(ctx context.Context, id string, newValue T, oldValue T) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if old, ok := self.memory[id]; !ok || !reflect.DeepEqual(old, oldValue) {
		return ErrUnexpectedPreviousValue
	}
	self.memory[id] = newValue
	return nil
}

// Package redisstore keeps documents in Redis and distributes document topics
// over Redis pub/sub, so several servers can share documents.
package redisstore

import (
	"context"
	"errors"
	"reflect"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/bringyour/docsync/docsync"
)

// Model stores each document as json at `KeyPrefix + id`.
// Writes are optimistic: a write fails with `docsync.ErrUnexpectedPreviousValue`
// if the stored value is not the previous value.
type Model[T any] struct {
	client    redis.UniversalClient
	keyPrefix string
	validator docsync.ValidatorFunction[T]
}

func NewModel[T any](
	client redis.UniversalClient,
	keyPrefix string,
	validator docsync.ValidatorFunction[T],
) *Model[T] {
	if validator == nil {
		validator = docsync.AcceptAll[T]
	}
	return &Model[T]{
		client:    client,
		keyPrefix: keyPrefix,
		validator: validator,
	}
}

func (self *Model[T]) key(id string) string {
	return self.keyPrefix + id
}

// Set creates or replaces a document.
func (self *Model[T]) Set(ctx context.Context, id string, value T) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return self.client.Set(ctx, self.key(id), valueJson, 0).Err()
}

func (self *Model[T]) Delete(ctx context.Context, id string) error {
	return self.client.Del(ctx, self.key(id)).Err()
}

// docsync.Model implementation

func (self *Model[T]) Read(ctx context.Context, id string) (T, bool, error) {
	var value T
	valueJson, err := self.client.Get(ctx, self.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, false, nil
	} else if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(valueJson, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

func (self *Model[T]) Validate(value T) (T, error) {
	return self.validator(value)
}

func (self *Model[T]) Write(ctx context.Context, id string, newValue T, oldValue T) error {
	newJson, err := json.Marshal(newValue)
	if err != nil {
		return err
	}
	oldJson, err := json.Marshal(oldValue)
	if err != nil {
		return err
	}

	key := self.key(id)
	err = self.client.Watch(ctx, func(tx *redis.Tx) error {
		currentJson, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return docsync.ErrUnexpectedPreviousValue
		} else if err != nil {
			return err
		}
		if equal, err := jsonEqual(currentJson, oldJson); err != nil {
			return err
		} else if !equal {
			return docsync.ErrUnexpectedPreviousValue
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newJson, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return docsync.ErrUnexpectedPreviousValue
	}
	return err
}

// jsonEqual compares decoded values, so formatting and key order do not matter
func jsonEqual(a []byte, b []byte) (bool, error) {
	var aValue any
	if err := json.Unmarshal(a, &aValue); err != nil {
		return false, err
	}
	var bValue any
	if err := json.Unmarshal(b, &bValue); err != nil {
		return false, err
	}
	return reflect.DeepEqual(aValue, bValue), nil
}

package client

import (
	"errors"

	"github.com/bringyour/docsync/docsync"
)

var ErrMessagePossiblyLost = errors.New("message possibly lost")

// LocalChange is a local delta the server has not confirmed.
type LocalChange[T any, SpecT any] struct {
	// 0 until sent. Ids start at 1.
	id      int64
	change  SpecT
	resolve []func(state T)
	reject  []func(message string)
}

func (self *LocalChange[T, SpecT]) Id() int64 {
	return self.id
}

func (self *LocalChange[T, SpecT]) Change() SpecT {
	return self.change
}

func (self *LocalChange[T, SpecT]) hasCallbacks() bool {
	return 0 < len(self.resolve) || 0 < len(self.reject)
}

func (self *LocalChange[T, SpecT]) Resolve(state T) {
	for _, resolve := range self.resolve {
		docsync.HandleError(func() {
			resolve(state)
		})
	}
}

func (self *LocalChange[T, SpecT]) Reject(message string) {
	for _, reject := range self.reject {
		docsync.HandleError(func() {
			reject(message)
		})
	}
}

// LocalChangeTracker holds local changes in dispatch order until the server
// confirms or rejects them. It is not safe for concurrent use.
type LocalChangeTracker[T any, SpecT any] struct {
	context  docsync.Context[T, SpecT]
	strategy DeliveryStrategy[T, SpecT]
	// runs callbacks that have nothing to wait for, outside of the current call
	async func(func())

	items  []*LocalChange[T, SpecT]
	nextId int64
}

func NewLocalChangeTracker[T any, SpecT any](
	context docsync.Context[T, SpecT],
	strategy DeliveryStrategy[T, SpecT],
) *LocalChangeTracker[T, SpecT] {
	return &LocalChangeTracker[T, SpecT]{
		context:  context,
		strategy: strategy,
		async: func(callback func()) {
			go docsync.HandleError(callback)
		},
		nextId: 1,
	}
}

func (self *LocalChangeTracker[T, SpecT]) Len() int {
	return len(self.items)
}

func (self *LocalChangeTracker[T, SpecT]) Add(delta SpecT) {
	self.items = append(self.items, &LocalChange[T, SpecT]{
		change: delta,
	})
}

// AddCallback attaches to the most recent change. With no pending change,
// `resolve` is called later with `currentState`.
func (self *LocalChangeTracker[T, SpecT]) AddCallback(
	currentState T,
	resolve func(state T),
	reject func(message string),
) {
	if resolve == nil && reject == nil {
		return
	}
	if 0 < len(self.items) {
		latest := self.items[len(self.items)-1]
		if resolve == nil {
			resolve = func(T) {}
		}
		if reject == nil {
			reject = func(string) {}
		}
		latest.resolve = append(latest.resolve, resolve)
		latest.reject = append(latest.reject, reject)
	} else if resolve != nil {
		self.async(func() {
			resolve(currentState)
		})
	}
}

// Requeue prepares for a new connection. Changes the strategy keeps are marked
// unsent. The rest are dropped and rejected with `ErrMessagePossiblyLost`.
func (self *LocalChangeTracker[T, SpecT]) Requeue(serverState T) {
	kept := self.items[:0]
	dropped := []*LocalChange[T, SpecT]{}
	for _, item := range self.items {
		if self.strategy(serverState, item.change, item.id != 0) {
			item.id = 0
			kept = append(kept, item)
		} else {
			dropped = append(dropped, item)
		}
	}
	for i := len(kept); i < len(self.items); i += 1 {
		self.items[i] = nil
	}
	self.items = kept

	for _, item := range dropped {
		item.Reject(ErrMessagePossiblyLost.Error())
	}
}

// Send merges each run of unsent changes without callbacks into one change,
// then sends every unsent change with a fresh id.
// If `sender` fails, that change and the ones after it stay unsent.
func (self *LocalChangeTracker[T, SpecT]) Send(sender func(change SpecT, id int64) error) error {
	self.coalesce()

	for _, item := range self.items {
		if item.id != 0 {
			continue
		}
		id := self.nextId
		self.nextId += 1
		if err := sender(item.change, id); err != nil {
			return err
		}
		item.id = id
	}
	return nil
}

func (self *LocalChangeTracker[T, SpecT]) coalesce() {
	merged := make([]*LocalChange[T, SpecT], 0, len(self.items))
	run := []*LocalChange[T, SpecT]{}

	endRun := func() {
		switch len(run) {
		case 0:
		case 1:
			merged = append(merged, run[0])
		default:
			changes := make([]SpecT, 0, len(run))
			for _, item := range run {
				changes = append(changes, item.change)
			}
			merged = append(merged, &LocalChange[T, SpecT]{
				change: self.context.Combine(changes),
			})
		}
		run = []*LocalChange[T, SpecT]{}
	}

	for _, item := range self.items {
		if item.id != 0 || item.hasCallbacks() {
			endRun()
			merged = append(merged, item)
		} else {
			run = append(run, item)
		}
	}
	endRun()
	self.items = merged
}

// PopChange removes the change sent with `id`. `isFirst` is true if it was the
// oldest outstanding change.
func (self *LocalChangeTracker[T, SpecT]) PopChange(id *int64) (change *LocalChange[T, SpecT], isFirst bool) {
	if id == nil || *id == 0 {
		return nil, false
	}
	for i, item := range self.items {
		if item.id == *id {
			self.items = append(self.items[:i:i], self.items[i+1:]...)
			return item, i == 0
		}
	}
	return nil, false
}

// ComputeLocal applies the pending changes to `server`.
// With nothing pending it returns `server` itself and `changed` is false.
func (self *LocalChangeTracker[T, SpecT]) ComputeLocal(server T) (local T, changed bool, err error) {
	if len(self.items) == 0 {
		return server, false, nil
	}
	changes := make([]SpecT, 0, len(self.items))
	for _, item := range self.items {
		changes = append(changes, item.change)
	}
	local, err = self.context.Update(server, self.context.Combine(changes))
	if err != nil {
		return server, false, err
	}
	return local, true, nil
}

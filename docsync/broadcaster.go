package docsync

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// UpdateContext applies a spec to a document state. `Update` must not modify `state`.
type UpdateContext[T any, SpecT any] interface {
	Update(state T, spec SpecT) (T, error)
}

// Context is the full spec algebra used by clients: combining then updating
// must equal updating sequentially.
type Context[T any, SpecT any] interface {
	UpdateContext[T, SpecT]
	Combine(specs []SpecT) SpecT
}

var ErrDeleted = errors.New("Deleted")
var ErrAlreadyFetched = errors.New("Already fetched initial data")
var ErrNotLoaded = errors.New("Initial data is not available after listen")
var ErrAlreadyListening = errors.New("Already listening")
var ErrClosed = errors.New("Subscription closed")

// ValidationError marks a rejection by `Model.Validate`.
// It is reported to the sender the same way as a `PermissionError`.
type ValidationError struct {
	Err error
}

func (self *ValidationError) Error() string {
	return self.Err.Error()
}

func (self *ValidationError) Unwrap() error {
	return self.Err
}

// ChangeInfo is the result of applying a spec: either a change to broadcast
// or an error for the sender.
type ChangeInfo[SpecT any] struct {
	Change  SpecT
	Error   string
	IsError bool
}

func ChangeOf[SpecT any](change SpecT) ChangeInfo[SpecT] {
	return ChangeInfo[SpecT]{
		Change: change,
	}
}

func ErrorOf[SpecT any](message string) ChangeInfo[SpecT] {
	return ChangeInfo[SpecT]{
		Error:   message,
		IsError: true,
	}
}

// TopicMessage is broadcast on a document topic.
// An empty `Source` marks a change with no originating subscription.
type TopicMessage[SpecT any] struct {
	Message ChangeInfo[SpecT]
	Source  string
	Meta    any
}

type ChangeCallback[SpecT any] func(message ChangeInfo[SpecT], meta any)

const maxWriteAttempts = 3

type BroadcasterOption[T any, SpecT any] func(*Broadcaster[T, SpecT])

func WithTopicMap[T any, SpecT any](topics TopicMap[string, TopicMessage[SpecT]]) BroadcasterOption[T, SpecT] {
	return func(broadcaster *Broadcaster[T, SpecT]) {
		broadcaster.topics = topics
	}
}

func WithTaskQueues[T any, SpecT any](taskQueues *TaskQueueMap[string, struct{}]) BroadcasterOption[T, SpecT] {
	return func(broadcaster *Broadcaster[T, SpecT]) {
		broadcaster.taskQueues = taskQueues
	}
}

func WithIdProvider[T any, SpecT any](idProvider *UniqueIdProvider) BroadcasterOption[T, SpecT] {
	return func(broadcaster *Broadcaster[T, SpecT]) {
		broadcaster.idProvider = idProvider
	}
}

// Broadcaster serializes mutations per document id and fans out the results
// to the subscribers of that id.
type Broadcaster[T any, SpecT any] struct {
	model      Model[T]
	context    UpdateContext[T, SpecT]
	topics     TopicMap[string, TopicMessage[SpecT]]
	taskQueues *TaskQueueMap[string, struct{}]
	idProvider *UniqueIdProvider
}

func NewBroadcaster[T any, SpecT any](
	model Model[T],
	context UpdateContext[T, SpecT],
	options ...BroadcasterOption[T, SpecT],
) *Broadcaster[T, SpecT] {
	broadcaster := &Broadcaster[T, SpecT]{
		model:   model,
		context: context,
	}
	for _, option := range options {
		option(broadcaster)
	}
	if broadcaster.topics == nil {
		broadcaster.topics = NewInMemoryTopicMap[string, TopicMessage[SpecT]]()
	}
	if broadcaster.taskQueues == nil {
		broadcaster.taskQueues = NewTaskQueueMap[string, struct{}]()
	}
	if broadcaster.idProvider == nil {
		broadcaster.idProvider = NewUniqueIdProvider()
	}
	return broadcaster
}

// Subscribe returns nil if the document does not exist.
// The read and the listener registration run in the document's queue,
// so no change can fall between the initial data and the first message.
func (self *Broadcaster[T, SpecT]) Subscribe(
	ctx context.Context,
	id string,
	permission Permission[T, SpecT],
) (*Subscription[T, SpecT], error) {
	var subscription *Subscription[T, SpecT]
	_, err := self.taskQueues.Push(id, func() (struct{}, error) {
		initialData, ok, err := self.model.Read(ctx, id)
		if err != nil || !ok {
			return struct{}{}, err
		}
		s := &Subscription[T, SpecT]{
			broadcaster: self,
			docId:       id,
			sourceId:    self.idProvider.Get(),
			permission:  permission,
			stage:       subscriptionStageLoaded,
			initialData: initialData,
		}
		if err := self.topics.Add(ctx, id, s); err != nil {
			return struct{}{}, err
		}
		subscription = s
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

// Update applies a change that has no originating subscription.
// Every subscriber of the document, including live subscriptions, sees it as an external change.
func (self *Broadcaster[T, SpecT]) Update(
	ctx context.Context,
	id string,
	change SpecT,
	permission Permission[T, SpecT],
) error {
	result := <-self.queueChange(ctx, id, change, permission, "", nil)
	return result.Error
}

func (self *Broadcaster[T, SpecT]) queueChange(
	ctx context.Context,
	id string,
	change SpecT,
	permission Permission[T, SpecT],
	source string,
	meta any,
) <-chan TaskResult[struct{}] {
	// accepted changes are applied even if the sender goes away while queued
	applyCtx := context.WithoutCancel(ctx)
	return self.taskQueues.PushAsync(id, func() (struct{}, error) {
		return struct{}{}, self.applyChange(applyCtx, id, change, permission, source, meta)
	})
}

func (self *Broadcaster[T, SpecT]) applyChange(
	ctx context.Context,
	id string,
	change SpecT,
	permission Permission[T, SpecT],
	source string,
	meta any,
) error {
	err := self.mutate(ctx, id, change, permission)
	// another process wrote the document between read and write
	for i := 1; i < maxWriteAttempts && errors.Is(err, ErrUnexpectedPreviousValue); i += 1 {
		err = self.mutate(ctx, id, change, permission)
	}
	var message ChangeInfo[SpecT]
	if err != nil {
		glog.V(2).Infof("[b]%s reject (%s) = %s\n", id, source, err)
		message = ErrorOf[SpecT](err.Error())
	} else {
		glog.V(2).Infof("[b]%s apply (%s)\n", id, source)
		message = ChangeOf(change)
	}
	return self.topics.Broadcast(ctx, id, TopicMessage[SpecT]{
		Message: message,
		Source:  source,
		Meta:    meta,
	})
}

func (self *Broadcaster[T, SpecT]) mutate(
	ctx context.Context,
	id string,
	change SpecT,
	permission Permission[T, SpecT],
) (returnErr error) {
	HandleError(func() {
		original, ok, err := self.model.Read(ctx, id)
		if err != nil {
			returnErr = err
			return
		}
		if !ok {
			returnErr = ErrDeleted
			return
		}
		if specPermission, ok := permission.(SpecPermission[SpecT]); ok {
			if err := specPermission.ValidateWriteSpec(change); err != nil {
				returnErr = err
				return
			}
		}
		updated, err := self.context.Update(original, change)
		if err != nil {
			returnErr = err
			return
		}
		validated, err := self.model.Validate(updated)
		if err != nil {
			returnErr = &ValidationError{Err: err}
			return
		}
		if err := permission.ValidateWrite(validated, original); err != nil {
			returnErr = err
			return
		}
		returnErr = self.model.Write(ctx, id, validated, original)
	}, func() {
		returnErr = errors.New("Internal error")
	})
	return
}

type subscriptionStage int

const (
	subscriptionStageLoaded    subscriptionStage = 1
	subscriptionStageListening subscriptionStage = 2
	subscriptionStageClosed    subscriptionStage = 3
)

type queuedMessage[SpecT any] struct {
	message ChangeInfo[SpecT]
	meta    any
}

// Subscription binds one consumer to one document.
// Messages that arrive before `Listen` are queued and replayed in order.
type Subscription[T any, SpecT any] struct {
	broadcaster *Broadcaster[T, SpecT]
	docId       string
	sourceId    string
	permission  Permission[T, SpecT]

	// serializes deliveries so queued messages always precede live ones
	deliveryLock sync.Mutex

	stateLock   sync.Mutex
	stage       subscriptionStage
	initialData T
	fetched     bool
	queued      []queuedMessage[SpecT]
	callback    ChangeCallback[SpecT]
}

func (self *Subscription[T, SpecT]) DocId() string {
	return self.docId
}

func (self *Subscription[T, SpecT]) SourceId() string {
	return self.sourceId
}

// GetInitialData transfers the initial data to the caller. It can be called once,
// before `Listen`.
func (self *Subscription[T, SpecT]) GetInitialData() (T, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var empty T
	if self.fetched {
		return empty, ErrAlreadyFetched
	}
	switch self.stage {
	case subscriptionStageLoaded:
	case subscriptionStageClosed:
		return empty, ErrClosed
	default:
		return empty, ErrNotLoaded
	}
	data := self.initialData
	self.initialData = empty
	self.fetched = true
	return data, nil
}

// Listen starts delivery to `callback`. Messages received since the subscription
// was created are delivered first, in arrival order.
func (self *Subscription[T, SpecT]) Listen(callback ChangeCallback[SpecT]) error {
	self.deliveryLock.Lock()
	defer self.deliveryLock.Unlock()

	var queued []queuedMessage[SpecT]
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.stage {
		case subscriptionStageClosed:
			return ErrClosed
		case subscriptionStageListening:
			return ErrAlreadyListening
		}
		var empty T
		self.initialData = empty
		self.stage = subscriptionStageListening
		self.callback = callback
		queued = self.queued
		self.queued = nil
		return nil
	}()
	if err != nil {
		return err
	}

	for _, m := range queued {
		callback(m.message, m.meta)
	}
	return nil
}

// Send queues a change from this subscription and waits until it has been applied or rejected.
// Rejections are delivered to this subscription's listener, not returned.
func (self *Subscription[T, SpecT]) Send(ctx context.Context, change SpecT, meta any) error {
	select {
	case result := <-self.SendAsync(ctx, change, meta):
		return result.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAsync queues the change before returning.
func (self *Subscription[T, SpecT]) SendAsync(ctx context.Context, change SpecT, meta any) <-chan TaskResult[struct{}] {
	return self.broadcaster.queueChange(ctx, self.docId, change, self.permission, self.sourceId, meta)
}

func (self *Subscription[T, SpecT]) Close(ctx context.Context) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var empty T
		self.stage = subscriptionStageClosed
		self.initialData = empty
		self.queued = nil
		self.callback = nil
	}()
	return self.broadcaster.topics.Remove(ctx, self.docId, self)
}

// TopicListener implementation
func (self *Subscription[T, SpecT]) OnTopicMessage(message TopicMessage[SpecT]) {
	var meta any
	if message.Source != "" && message.Source == self.sourceId {
		meta = message.Meta
	} else if message.Message.IsError {
		// errors are only surfaced to the subscription that caused them
		return
	}

	self.deliveryLock.Lock()
	defer self.deliveryLock.Unlock()

	var callback ChangeCallback[SpecT]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.stage {
		case subscriptionStageLoaded:
			self.queued = append(self.queued, queuedMessage[SpecT]{
				message: message.Message,
				meta:    meta,
			})
		case subscriptionStageListening:
			callback = self.callback
		}
	}()
	if callback != nil {
		callback(message.Message, meta)
	}
}

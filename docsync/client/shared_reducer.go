package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/golang/glog"

	"github.com/bringyour/docsync/docsync"
)

var ErrClosed = errors.New("closed")
var ErrRecursiveDispatch = errors.New("Cannot dispatch recursively")

var gracefulCloseDetail = DisconnectDetail{Code: 0, Reason: "graceful shutdown"}

type SharedReducerSettings[T any, SpecT any] struct {
	// if nil, an `OnlineScheduler` with `SchedulerSettings`
	Scheduler         Scheduler
	SchedulerSettings *OnlineSchedulerSettings
	DeliveryStrategy  DeliveryStrategy[T, SpecT]
	WebSocketSettings *ReconnectingWebSocketSettings
}

func DefaultSharedReducerSettings[T any, SpecT any]() *SharedReducerSettings[T, SpecT] {
	return &SharedReducerSettings[T, SpecT]{
		SchedulerSettings: DefaultOnlineSchedulerSettings(),
		DeliveryStrategy:  AtLeastOnce[T, SpecT](),
		WebSocketSettings: DefaultReconnectingWebSocketSettings(),
	}
}

type sharedReducerStage int

const (
	sharedReducerStagePreInit sharedReducerStage = 0
	sharedReducerStageActive  sharedReducerStage = 1
	sharedReducerStageClosed  sharedReducerStage = -1
)

type dispatchArgs[T any, SpecT any] struct {
	sources []SpecSource[T, SpecT]
	resolve func(state T)
	reject  func(message string)
}

// SharedReducer is a local view of a server document that applies local
// changes optimistically and reconciles them with the server.
//
// All state is owned by one goroutine. `Dispatch` posts to it and returns
// immediately. Sends are flushed once the pending work is drained, so a burst
// of dispatches becomes one message. Listeners and callbacks are called on the
// owning goroutine.
type SharedReducer[T any, SpecT any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	context docsync.Context[T, SpecT]
	tracker *LocalChangeTracker[T, SpecT]
	ws      *ReconnectingWebSocket

	mailboxLock sync.Mutex
	mailbox     []func()
	notify      chan struct{}

	// owned by the run goroutine
	stage        sharedReducerStage
	queue        []*dispatchArgs[T, SpecT]
	server       T
	local        T
	paused       bool
	flushPending bool

	// set while specs are being reduced
	reducing atomic.Bool
	closed   atomic.Bool

	snapshotLock sync.Mutex
	snapshot     T
	snapshotOk   bool

	stateCallbacks        *CallbackList[func(T)]
	connectedCallbacks    *CallbackList[func()]
	disconnectedCallbacks *CallbackList[func(DisconnectDetail)]
	warningCallbacks      *CallbackList[func(error)]
}

func NewSharedReducerWithDefaults[T any, SpecT any](
	ctx context.Context,
	specContext docsync.Context[T, SpecT],
	connectionGetter ConnectionGetter,
) *SharedReducer[T, SpecT] {
	return NewSharedReducer(ctx, specContext, connectionGetter, DefaultSharedReducerSettings[T, SpecT]())
}

func NewSharedReducer[T any, SpecT any](
	ctx context.Context,
	specContext docsync.Context[T, SpecT],
	connectionGetter ConnectionGetter,
	settings *SharedReducerSettings[T, SpecT],
) *SharedReducer[T, SpecT] {
	cancelCtx, cancel := context.WithCancel(ctx)

	strategy := settings.DeliveryStrategy
	if strategy == nil {
		strategy = AtLeastOnce[T, SpecT]()
	}
	scheduler := settings.Scheduler
	if scheduler == nil {
		schedulerSettings := settings.SchedulerSettings
		if schedulerSettings == nil {
			schedulerSettings = DefaultOnlineSchedulerSettings()
		}
		scheduler = NewOnlineScheduler(schedulerSettings)
	}
	webSocketSettings := settings.WebSocketSettings
	if webSocketSettings == nil {
		webSocketSettings = DefaultReconnectingWebSocketSettings()
	}

	sharedReducer := &SharedReducer[T, SpecT]{
		ctx:                   cancelCtx,
		cancel:                cancel,
		context:               specContext,
		tracker:               NewLocalChangeTracker(specContext, strategy),
		notify:                make(chan struct{}, 1),
		stage:                 sharedReducerStagePreInit,
		paused:                true,
		stateCallbacks:        NewCallbackList[func(T)](),
		connectedCallbacks:    NewCallbackList[func()](),
		disconnectedCallbacks: NewCallbackList[func(DisconnectDetail)](),
		warningCallbacks:      NewCallbackList[func(error)](),
	}
	// callbacks with nothing to wait for run after the current operation
	sharedReducer.tracker.async = sharedReducer.post

	// connection events are queued until the run loop starts
	sharedReducer.ws = NewReconnectingWebSocket(
		cancelCtx,
		connectionGetter,
		scheduler,
		&sharedReducerConnectionListener[T, SpecT]{sharedReducer: sharedReducer},
		webSocketSettings,
	)
	go sharedReducer.run()
	return sharedReducer
}

func (self *SharedReducer[T, SpecT]) post(task func()) {
	self.mailboxLock.Lock()
	self.mailbox = append(self.mailbox, task)
	self.mailboxLock.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *SharedReducer[T, SpecT]) takeMailbox() []func() {
	self.mailboxLock.Lock()
	defer self.mailboxLock.Unlock()
	tasks := self.mailbox
	self.mailbox = nil
	return tasks
}

func (self *SharedReducer[T, SpecT]) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		for {
			tasks := self.takeMailbox()
			if len(tasks) == 0 {
				break
			}
			for _, task := range tasks {
				if self.ctx.Err() != nil {
					return
				}
				docsync.HandleError(task)
			}
		}

		if self.flushPending && self.ctx.Err() == nil {
			self.flush()
		}
	}
}

// Dispatch applies `sources` locally and sends the net change to the server.
// Before the first server state arrives, dispatches are queued.
// Calling Dispatch from a generator during a reduction fails with `ErrRecursiveDispatch`.
func (self *SharedReducer[T, SpecT]) Dispatch(sources ...SpecSource[T, SpecT]) error {
	return self.DispatchWithCallback(sources, nil, nil)
}

// DispatchWithCallback calls `resolve` with the local state once the server has
// applied the changes, or `reject` with the server's message.
func (self *SharedReducer[T, SpecT]) DispatchWithCallback(
	sources []SpecSource[T, SpecT],
	resolve func(state T),
	reject func(message string),
) error {
	if self.closed.Load() {
		return ErrClosed
	}
	if self.reducing.Load() {
		return ErrRecursiveDispatch
	}
	if len(sources) == 0 && resolve == nil && reject == nil {
		return nil
	}
	args := &dispatchArgs[T, SpecT]{
		sources: sources,
		resolve: resolve,
		reject:  reject,
	}
	self.post(func() {
		self.handleDispatch(args)
	})
	return nil
}

// Sync dispatches `sources` and waits for the server to apply them.
// With no sources, it waits for every change dispatched so far.
func (self *SharedReducer[T, SpecT]) Sync(ctx context.Context, sources ...SpecSource[T, SpecT]) (T, error) {
	type syncResult struct {
		state T
		err   error
	}
	result := make(chan syncResult, 1)
	err := self.DispatchWithCallback(
		sources,
		func(state T) {
			result <- syncResult{state: state}
		},
		func(message string) {
			result <- syncResult{err: errors.New(message)}
		},
	)
	var empty T
	if err != nil {
		return empty, err
	}
	select {
	case r := <-result:
		return r.state, r.err
	case <-ctx.Done():
		return empty, ctx.Err()
	case <-self.ctx.Done():
		return empty, ErrClosed
	}
}

func (self *SharedReducer[T, SpecT]) handleDispatch(args *dispatchArgs[T, SpecT]) {
	switch self.stage {
	case sharedReducerStagePreInit:
		self.queue = append(self.queue, args)
	case sharedReducerStageActive:
		if local, changed := self.apply(self.local, []*dispatchArgs[T, SpecT]{args}); changed {
			self.setLocalState(local)
		}
		self.flushPending = true
	}
}

func (self *SharedReducer[T, SpecT]) apply(state T, items []*dispatchArgs[T, SpecT]) (T, bool) {
	self.reducing.Store(true)
	defer self.reducing.Store(false)

	changed := false
	for _, item := range items {
		if 0 < len(item.sources) {
			reduction, err := docsync.CallWithError(func() (*Reduction[T, SpecT], error) {
				return Reduce(self.context, state, item.sources)
			})
			if err != nil {
				self.warn(fmt.Errorf("Dispatch failed: %w", err))
				if item.reject != nil {
					docsync.HandleError(func() {
						item.reject(err.Error())
					})
				}
				continue
			}
			if 0 < reduction.Applied {
				state = reduction.State
				self.tracker.Add(reduction.Delta)
				changed = true
			}
		}
		self.tracker.AddCallback(state, item.resolve, item.reject)
	}
	return state, changed
}

func (self *SharedReducer[T, SpecT]) flush() {
	self.flushPending = false
	if self.paused || !self.ws.IsConnected() {
		return
	}
	err := self.tracker.Send(func(change SpecT, id int64) error {
		data, err := docsync.PackChange(change, &id)
		if err != nil {
			return err
		}
		return self.ws.Send(string(data))
	})
	if err != nil {
		self.warn(fmt.Errorf("Send failed: %w", err))
	}
}

func (self *SharedReducer[T, SpecT]) setLocalState(state T) {
	self.local = state

	self.snapshotLock.Lock()
	self.snapshot = state
	self.snapshotOk = true
	self.snapshotLock.Unlock()

	self.stateCallbacks.Each(func(listener func(T)) {
		listener(state)
	})
}

func (self *SharedReducer[T, SpecT]) recomputeLocal() {
	local, _, err := self.tracker.ComputeLocal(self.server)
	if err != nil {
		self.warn(fmt.Errorf("Local changes could not be applied: %w", err))
		local = self.server
	}
	self.setLocalState(local)
}

func (self *SharedReducer[T, SpecT]) handleMessage(message string) {
	if message == docsync.Close {
		self.handleGracefulClose()
		return
	}
	serverMessage, err := docsync.ParseServerMessage([]byte(message))
	if err != nil {
		self.warn(fmt.Errorf("Ignoring invalid API message: %s", message))
		return
	}
	switch {
	case serverMessage.IsChange():
		self.handleChangeMessage(serverMessage)
	case serverMessage.IsInit():
		self.handleInitMessage(serverMessage)
	case serverMessage.IsError():
		self.handleErrorMessage(serverMessage)
	default:
		self.warn(fmt.Errorf("Ignoring unknown API message: %s", message))
	}
}

func (self *SharedReducer[T, SpecT]) handleInitMessage(message *docsync.ServerMessage) {
	if self.stage == sharedReducerStageClosed {
		self.warn(fmt.Errorf("Ignoring init after closing"))
		return
	}
	var init T
	if err := json.Unmarshal(message.Init, &init); err != nil {
		self.warn(fmt.Errorf("Ignoring invalid init: %w", err))
		return
	}

	self.paused = false
	if self.stage == sharedReducerStagePreInit {
		queue := self.queue
		self.queue = nil
		self.server = init
		self.stage = sharedReducerStageActive
		local, _ := self.apply(init, queue)
		self.setLocalState(local)
	} else {
		// the server may have lost anything in flight on the old connection
		self.server = init
		self.tracker.Requeue(init)
		self.recomputeLocal()
	}
	self.flush()
}

func (self *SharedReducer[T, SpecT]) handleChangeMessage(message *docsync.ServerMessage) {
	if self.stage != sharedReducerStageActive {
		self.warn(fmt.Errorf("Ignoring change before init"))
		return
	}
	var change SpecT
	if err := json.Unmarshal(message.Change, &change); err != nil {
		self.warn(fmt.Errorf("Ignoring invalid change: %w", err))
		return
	}
	server, err := self.context.Update(self.server, change)
	if err != nil {
		self.warn(fmt.Errorf("Server change could not be applied: %w", err))
		return
	}
	self.server = server

	localChange, isFirst := self.tracker.PopChange(message.Id)
	if !isFirst {
		// pending local changes now apply on top of a different server state
		self.recomputeLocal()
	}
	if localChange != nil {
		localChange.Resolve(self.local)
	}
}

func (self *SharedReducer[T, SpecT]) handleErrorMessage(message *docsync.ServerMessage) {
	if self.stage != sharedReducerStageActive {
		self.warn(fmt.Errorf("Ignoring error before init: %s", *message.Error))
		return
	}
	localChange, _ := self.tracker.PopChange(message.Id)
	if localChange == nil {
		self.warn(fmt.Errorf("API sent error: %s", *message.Error))
		return
	}
	self.warn(fmt.Errorf("API rejected update: %s", *message.Error))
	self.recomputeLocal()
	localChange.Reject(*message.Error)
}

func (self *SharedReducer[T, SpecT]) handleGracefulClose() {
	self.ws.Send(docsync.CloseAck)
	if self.paused {
		self.warn(fmt.Errorf("Unexpected extra close message"))
		return
	}
	self.paused = true
	self.disconnectedCallbacks.Each(func(callback func(DisconnectDetail)) {
		callback(gracefulCloseDetail)
	})
}

func (self *SharedReducer[T, SpecT]) handleConnected() {
	self.connectedCallbacks.Each(func(callback func()) {
		callback()
	})
}

func (self *SharedReducer[T, SpecT]) handleDisconnected(detail DisconnectDetail) {
	if self.paused {
		return
	}
	self.paused = true
	self.disconnectedCallbacks.Each(func(callback func(DisconnectDetail)) {
		callback(detail)
	})
}

func (self *SharedReducer[T, SpecT]) warn(err error) {
	glog.V(1).Infof("[sr]warning = %s\n", err)
	self.warningCallbacks.Each(func(callback func(error)) {
		callback(err)
	})
}

// AddStateListener registers `listener` for local state changes. If the state is
// known, the listener is called with it right away.
func (self *SharedReducer[T, SpecT]) AddStateListener(listener func(state T)) (remove func()) {
	remove = self.stateCallbacks.Add(listener)
	self.post(func() {
		if self.stage == sharedReducerStageActive {
			listener(self.local)
		}
	})
	return remove
}

// GetState returns the local state, or false before the first server state.
func (self *SharedReducer[T, SpecT]) GetState() (T, bool) {
	self.snapshotLock.Lock()
	defer self.snapshotLock.Unlock()
	return self.snapshot, self.snapshotOk
}

func (self *SharedReducer[T, SpecT]) AddConnectedCallback(callback func()) (remove func()) {
	return self.connectedCallbacks.Add(callback)
}

func (self *SharedReducer[T, SpecT]) AddDisconnectedCallback(callback func(DisconnectDetail)) (remove func()) {
	return self.disconnectedCallbacks.Add(callback)
}

func (self *SharedReducer[T, SpecT]) AddWarningCallback(callback func(error)) (remove func()) {
	return self.warningCallbacks.Add(callback)
}

// Close releases the connection. No listener or callback is called after Close.
func (self *SharedReducer[T, SpecT]) Close() {
	if !self.closed.CompareAndSwap(false, true) {
		return
	}
	self.stateCallbacks.Clear()
	self.connectedCallbacks.Clear()
	self.disconnectedCallbacks.Clear()
	self.warningCallbacks.Clear()
	self.cancel()
	self.ws.Close()

	self.snapshotLock.Lock()
	defer self.snapshotLock.Unlock()
	var empty T
	self.snapshot = empty
	self.snapshotOk = false
}

type sharedReducerConnectionListener[T any, SpecT any] struct {
	sharedReducer *SharedReducer[T, SpecT]
}

func (self *sharedReducerConnectionListener[T, SpecT]) Connected() {
	self.sharedReducer.post(self.sharedReducer.handleConnected)
}

func (self *sharedReducerConnectionListener[T, SpecT]) Disconnected(detail DisconnectDetail) {
	self.sharedReducer.post(func() {
		self.sharedReducer.handleDisconnected(detail)
	})
}

func (self *sharedReducerConnectionListener[T, SpecT]) ConnectionFailure(detail DisconnectDetail) {
	self.sharedReducer.post(func() {
		self.sharedReducer.warn(fmt.Errorf("connection failure: %d %s", detail.Code, detail.Reason))
	})
}

func (self *sharedReducerConnectionListener[T, SpecT]) Message(message string) {
	self.sharedReducer.post(func() {
		self.sharedReducer.handleMessage(message)
	})
}

package docsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
)

// connection states
const (
	StateHandshaking  = "handshaking"
	StateOpen         = "open"
	StateSoftClosing  = "soft_closing"
	StateClosed       = "closed"
	StateClosedByPeer = "closed_by_peer"
)

// connection events
const (
	eventAccept     = "accept"
	eventSoftClose  = "soft_close"
	eventCloseAck   = "close_ack"
	eventDisconnect = "disconnect"
)

func newConnectionState(tag string) *fsm.FSM {
	log := SubLogFn(LogFn(1, "c"), tag)
	return fsm.NewFSM(
		StateHandshaking,
		fsm.Events{
			{Name: eventAccept, Src: []string{StateHandshaking}, Dst: StateOpen},
			{Name: eventSoftClose, Src: []string{StateOpen}, Dst: StateSoftClosing},
			{Name: eventCloseAck, Src: []string{StateSoftClosing}, Dst: StateClosed},
			{Name: eventDisconnect, Src: []string{StateHandshaking, StateOpen, StateSoftClosing}, Dst: StateClosedByPeer},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log("%s -> %s\n", e.Src, e.Dst)
			},
		},
	)
}

// ServiceRestart is the close code sent when a connection is refused during soft close.
const ServiceRestart = websocket.CloseServiceRestart

var errBinaryMessage = errors.New("Binary messages are not supported")
var errUnexpectedCloseAck = errors.New("Unexpected close ack message")
var errMessageAfterCloseAck = errors.New("Unexpected message after close ack")

type HandlerSettings struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// outbound messages buffered per connection before the connection is considered slow
	SendBufferSize  int
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Hooks           TransactionHooks
}

func DefaultHandlerSettings() *HandlerSettings {
	return &HandlerSettings{
		PingInterval:    25 * time.Second,
		PongTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendBufferSize:  64,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// StatusError rejects a handshake with an http status.
// Getters return it for requests that are not allowed, e.g. a bad token.
type StatusError struct {
	StatusCode int
	Message    string
}

func NewStatusError(statusCode int, message string) *StatusError {
	return &StatusError{
		StatusCode: statusCode,
		Message:    message,
	}
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("%d %s", self.StatusCode, self.Message)
}

type IdGetter func(r *http.Request) (string, error)

type PermissionGetter[T any, SpecT any] func(r *http.Request) (Permission[T, SpecT], error)

// WebsocketHandlerFactory binds each websocket connection to one subscription.
type WebsocketHandlerFactory[T any, SpecT any] struct {
	broadcaster *Broadcaster[T, SpecT]
	settings    *HandlerSettings
	upgrader    *websocket.Upgrader

	stateLock   sync.Mutex
	closing     bool
	connections map[*handlerConnection[T, SpecT]]bool
}

func NewWebsocketHandlerFactoryWithDefaults[T any, SpecT any](broadcaster *Broadcaster[T, SpecT]) *WebsocketHandlerFactory[T, SpecT] {
	return NewWebsocketHandlerFactory(broadcaster, DefaultHandlerSettings())
}

func NewWebsocketHandlerFactory[T any, SpecT any](
	broadcaster *Broadcaster[T, SpecT],
	settings *HandlerSettings,
) *WebsocketHandlerFactory[T, SpecT] {
	if settings.Hooks == nil {
		settings.Hooks = noopTransactionHooks{}
	}
	return &WebsocketHandlerFactory[T, SpecT]{
		broadcaster: broadcaster,
		settings:    settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  settings.ReadBufferSize,
			WriteBufferSize: settings.WriteBufferSize,
			CheckOrigin:     settings.CheckOrigin,
		},
		connections: map[*handlerConnection[T, SpecT]]bool{},
	}
}

// ActiveConnections counts open connections that have not been asked to close.
func (self *WebsocketHandlerFactory[T, SpecT]) ActiveConnections() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connections)
}

func (self *WebsocketHandlerFactory[T, SpecT]) isClosing() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closing
}

// SoftClose refuses new connections, asks every open connection to close,
// and returns when all have acknowledged or `timeout` elapses.
// Connections that do not acknowledge are left to the keep-alive.
func (self *WebsocketHandlerFactory[T, SpecT]) SoftClose(ctx context.Context, timeout time.Duration) {
	var connections []*handlerConnection[T, SpecT]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.closing = true
		for connection := range self.connections {
			connections = append(connections, connection)
		}
	}()

	glog.Infof("[h]soft close %d connections\n", len(connections))

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()

	closed := []<-chan struct{}{}
	for _, connection := range connections {
		closed = append(closed, connection.softClose())
	}

	allClosed := make(chan struct{})
	go func() {
		defer close(allClosed)
		for _, c := range closed {
			select {
			case <-c:
			case <-waitCtx.Done():
				return
			}
		}
	}()

	select {
	case <-allClosed:
	case <-waitCtx.Done():
		glog.Infof("[h]soft close timeout\n")
	}
}

func (self *WebsocketHandlerFactory[T, SpecT]) add(connection *handlerConnection[T, SpecT]) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connections[connection] = true
}

func (self *WebsocketHandlerFactory[T, SpecT]) remove(connection *handlerConnection[T, SpecT]) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.connections, connection)
}

func (self *WebsocketHandlerFactory[T, SpecT]) handshake(
	r *http.Request,
	idGetter IdGetter,
	permissionGetter PermissionGetter[T, SpecT],
) (*Subscription[T, SpecT], error) {
	return CallWithError(func() (*Subscription[T, SpecT], error) {
		id, err := idGetter(r)
		if err != nil {
			return nil, err
		}
		permission, err := permissionGetter(r)
		if err != nil {
			return nil, err
		}
		return self.broadcaster.Subscribe(r.Context(), id, permission)
	})
}

// Handler returns an http handler that upgrades to a websocket for the document
// named by `idGetter`. The handler returns when the connection ends.
func (self *WebsocketHandlerFactory[T, SpecT]) Handler(
	idGetter IdGetter,
	permissionGetter PermissionGetter[T, SpecT],
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if self.isClosing() {
			http.Error(w, "Service restarting", http.StatusServiceUnavailable)
			return
		}

		subscription, err := self.handshake(r, idGetter, permissionGetter)
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			glog.V(1).Infof("[h]websocket init rejected = %s\n", err)
			http.Error(w, statusErr.Message, statusErr.StatusCode)
			return
		} else if err != nil {
			glog.Infof("[h]websocket init error = %s\n", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if subscription == nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		defer subscription.Close(ctx)

		ws, err := self.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader already replied with an http error
			glog.Infof("[h]websocket upgrade error = %s\n", err)
			return
		}
		defer ws.Close()

		if self.isClosing() {
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(ServiceRestart, "Service restarting"),
				time.Now().Add(self.settings.WriteTimeout),
			)
			return
		}

		connection := newHandlerConnection(ctx, self, ws, subscription)
		connection.run()
	}
}

type outboundMessage struct {
	messageType int
	data        []byte
}

type handlerConnection[T any, SpecT any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	factory      *WebsocketHandlerFactory[T, SpecT]
	ws           *websocket.Conn
	subscription *Subscription[T, SpecT]
	state        *fsm.FSM

	send     chan outboundMessage
	activity chan struct{}

	closedOnce sync.Once
	closed     chan struct{}
}

func newHandlerConnection[T any, SpecT any](
	ctx context.Context,
	factory *WebsocketHandlerFactory[T, SpecT],
	ws *websocket.Conn,
	subscription *Subscription[T, SpecT],
) *handlerConnection[T, SpecT] {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &handlerConnection[T, SpecT]{
		ctx:          cancelCtx,
		cancel:       cancel,
		factory:      factory,
		ws:           ws,
		subscription: subscription,
		state:        newConnectionState(subscription.SourceId()),
		send:         make(chan outboundMessage, factory.settings.SendBufferSize),
		activity:     make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

func (self *handlerConnection[T, SpecT]) tag() string {
	return self.subscription.SourceId()
}

func (self *handlerConnection[T, SpecT]) run() {
	defer func() {
		self.cancel()
		self.factory.remove(self)
		self.markClosed()
	}()

	go self.write()

	initialData, err := self.subscription.GetInitialData()
	if err != nil {
		glog.Infof("[c]%s init error = %s\n", self.tag(), err)
		return
	}
	initBytes, err := PackInit(initialData)
	if err != nil {
		glog.Infof("[c]%s init error = %s\n", self.tag(), err)
		return
	}
	self.state.Event(self.ctx, eventAccept)
	self.enqueue(websocket.TextMessage, initBytes)

	err = self.subscription.Listen(func(message ChangeInfo[SpecT], meta any) {
		var id *int64
		if echoId, ok := meta.(int64); ok {
			id = &echoId
		}
		data, err := PackChangeInfo(message, id)
		if err != nil {
			glog.Infof("[c]%s pack error = %s\n", self.tag(), err)
			return
		}
		self.enqueue(websocket.TextMessage, data)
	})
	if err != nil {
		glog.Infof("[c]%s listen error = %s\n", self.tag(), err)
		return
	}

	self.factory.add(self)

	go self.keepAlive()

	self.read()
}

// enqueue drops the connection if the peer cannot keep up
func (self *handlerConnection[T, SpecT]) enqueue(messageType int, data []byte) {
	select {
	case <-self.ctx.Done():
	case self.send <- outboundMessage{messageType: messageType, data: data}:
	case <-time.After(self.factory.settings.WriteTimeout):
		glog.Infof("[c]%s send timeout\n", self.tag())
		self.connectionLost()
	}
}

func (self *handlerConnection[T, SpecT]) sendError(err error, id *int64) {
	data, packErr := PackError(err.Error(), id)
	if packErr != nil {
		glog.Infof("[c]%s pack error = %s\n", self.tag(), packErr)
		return
	}
	self.enqueue(websocket.TextMessage, data)
}

func (self *handlerConnection[T, SpecT]) write() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.factory.settings.WriteTimeout))
			if err := self.ws.WriteMessage(message.messageType, message.data); err != nil {
				glog.Infof("[c]%s-> error = %s\n", self.tag(), err)
				self.connectionLost()
				return
			}
			glog.V(2).Infof("[c]%s-> %s\n", self.tag(), message.data)
		}
	}
}

// keepAlive pings after `PingInterval` without inbound traffic and terminates
// the connection if no pong arrives within `PongTimeout`.
func (self *handlerConnection[T, SpecT]) keepAlive() {
	settings := self.factory.settings
	timer := time.NewTimer(settings.PingInterval)
	defer timer.Stop()

	reset := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	awaitingPong := false
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.activity:
			awaitingPong = false
			reset(settings.PingInterval)
		case <-timer.C:
			if awaitingPong {
				glog.Infof("[c]%s pong timeout\n", self.tag())
				self.connectionLost()
				return
			}
			err := self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(settings.WriteTimeout))
			if err != nil {
				glog.Infof("[c]%s ping error = %s\n", self.tag(), err)
				self.connectionLost()
				return
			}
			awaitingPong = true
			timer.Reset(settings.PongTimeout)
		}
	}
}

func (self *handlerConnection[T, SpecT]) notifyActivity() {
	select {
	case self.activity <- struct{}{}:
	default:
	}
}

func (self *handlerConnection[T, SpecT]) read() {
	self.ws.SetPongHandler(func(string) error {
		self.notifyActivity()
		return nil
	})

	for {
		messageType, data, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[c]%s<- closed = %s\n", self.tag(), err)
			self.state.Event(self.ctx, eventDisconnect)
			return
		}
		self.notifyActivity()
		glog.V(2).Infof("[c]%s<- %s\n", self.tag(), data)

		if err := self.handleMessage(messageType, data); err != nil {
			self.sendError(err, nil)
		}
	}
}

func (self *handlerConnection[T, SpecT]) handleMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return errBinaryMessage
	}
	switch string(data) {
	case Ping:
		self.enqueue(websocket.TextMessage, []byte(Pong))
		return nil
	case CloseAck:
		if err := self.state.Event(self.ctx, eventCloseAck); err != nil {
			return errUnexpectedCloseAck
		}
		self.markClosed()
		return nil
	}
	if self.state.Is(StateClosed) {
		return errMessageAfterCloseAck
	}

	request, err := UnpackMessage(data)
	if err != nil {
		return err
	}
	changeJson := request.Change
	if changeJson == nil {
		changeJson = json.RawMessage("null")
	}
	var change SpecT
	if err := json.Unmarshal(changeJson, &change); err != nil {
		return err
	}
	var meta any
	if request.Id != nil {
		meta = *request.Id
	}

	docId := self.subscription.DocId()
	hooks := self.factory.settings.Hooks
	hooks.BeginTransaction(docId)
	result := self.subscription.SendAsync(self.ctx, change, meta)
	go func() {
		defer hooks.EndTransaction(docId)
		if r := <-result; r.Error != nil {
			self.sendError(r.Error, request.Id)
		}
	}()
	return nil
}

// softClose asks the peer to close. The returned channel is closed when the
// peer acknowledges or the connection ends.
func (self *handlerConnection[T, SpecT]) softClose() <-chan struct{} {
	self.factory.remove(self)
	if err := self.state.Event(self.ctx, eventSoftClose); err == nil {
		self.enqueue(websocket.TextMessage, []byte(Close))
	}
	return self.closed
}

// connectionLost terminates without a close handshake
func (self *handlerConnection[T, SpecT]) connectionLost() {
	self.state.Event(self.ctx, eventDisconnect)
	self.cancel()
	self.ws.Close()
	self.markClosed()
}

func (self *handlerConnection[T, SpecT]) markClosed() {
	self.closedOnce.Do(func() {
		close(self.closed)
	})
}

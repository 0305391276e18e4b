package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/docsync/docsync"
)

var ErrConnectionLost = errors.New("connection lost")

type ConnectionInfo struct {
	Url string
	// if set, sent as the first message after the transport opens
	Token  string
	Header http.Header
}

// ConnectionGetter resolves where to connect. It is called for every attempt.
type ConnectionGetter func(ctx context.Context) (*ConnectionInfo, error)

type DisconnectDetail struct {
	Code   int
	Reason string
}

var errorDetail = DisconnectDetail{Code: 0, Reason: "client side error"}
var abortDetail = DisconnectDetail{Code: 0, Reason: "handshake timeout"}

// ConnectionListener receives connection events. Calls are made from
// connection goroutines and must not block.
type ConnectionListener interface {
	Connected()
	Disconnected(detail DisconnectDetail)
	ConnectionFailure(detail DisconnectDetail)
	Message(message string)
}

type ReconnectingWebSocketSettings struct {
	// a ping is sent after this long without inbound messages
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBufferSize   int
}

func DefaultReconnectingWebSocketSettings() *ReconnectingWebSocketSettings {
	return &ReconnectingWebSocketSettings{
		PingInterval:     20 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBufferSize:   64,
	}
}

// ReconnectingWebSocket keeps one logical connection open, reconnecting through
// the scheduler whenever the transport is lost.
// The connection is usable only after the first message from the server,
// since the server may still reject the connection after the transport opens.
type ReconnectingWebSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionGetter ConnectionGetter
	scheduler        Scheduler
	listener         ConnectionListener
	settings         *ReconnectingWebSocketSettings
	dialer           *websocket.Dialer

	stateLock sync.Mutex
	// the connected connection, or nil
	connection *wsConnection
	closed     bool
}

func NewReconnectingWebSocketWithDefaults(
	ctx context.Context,
	connectionGetter ConnectionGetter,
	scheduler Scheduler,
	listener ConnectionListener,
) *ReconnectingWebSocket {
	return NewReconnectingWebSocket(
		ctx,
		connectionGetter,
		scheduler,
		listener,
		DefaultReconnectingWebSocketSettings(),
	)
}

func NewReconnectingWebSocket(
	ctx context.Context,
	connectionGetter ConnectionGetter,
	scheduler Scheduler,
	listener ConnectionListener,
	settings *ReconnectingWebSocketSettings,
) *ReconnectingWebSocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	rws := &ReconnectingWebSocket{
		ctx:              cancelCtx,
		cancel:           cancel,
		connectionGetter: connectionGetter,
		scheduler:        scheduler,
		listener:         listener,
		settings:         settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
	scheduler.Trigger(rws.reconnect)
	return rws
}

func (self *ReconnectingWebSocket) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connection != nil
}

// Send fails with `ErrConnectionLost` if there is no connected connection.
func (self *ReconnectingWebSocket) Send(message string) error {
	self.stateLock.Lock()
	connection := self.connection
	self.stateLock.Unlock()

	if connection == nil {
		return ErrConnectionLost
	}
	return connection.send(message)
}

func (self *ReconnectingWebSocket) Close() {
	var connection *wsConnection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.closed = true
		connection = self.connection
	}()

	self.scheduler.Stop()
	self.cancel()
	if connection != nil {
		connection.close()
	}
}

func (self *ReconnectingWebSocket) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

// reconnect is one attempt. It returns once the connection is connected, or fails.
func (self *ReconnectingWebSocket) reconnect(ctx context.Context) error {
	info, err := self.connectionGetter(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ws, response, err := self.dialer.DialContext(ctx, info.Url, info.Header)
	if err != nil {
		detail := errorDetail
		if response != nil {
			detail = DisconnectDetail{Code: response.StatusCode, Reason: response.Status}
		}
		self.listener.ConnectionFailure(detail)
		return fmt.Errorf("handshake failed: %d %s", detail.Code, detail.Reason)
	}

	connection := newWsConnection(self, ws)
	go connection.write()
	if info.Token != "" {
		if err := connection.send(info.Token); err != nil {
			connection.abort()
			return err
		}
	}
	go connection.read()
	go connection.keepAlive()

	select {
	case <-connection.connected:
		return nil
	case detail := <-connection.failed:
		return fmt.Errorf("handshake failed: %d %s", detail.Code, detail.Reason)
	case <-ctx.Done():
		connection.abort()
		return ctx.Err()
	}
}

type connectionStage int

const (
	connectionStageConnecting   connectionStage = 1
	connectionStageConnected    connectionStage = 2
	connectionStageDisconnected connectionStage = 3
)

type wsConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	rws *ReconnectingWebSocket
	ws  *websocket.Conn

	sendQueue chan string
	activity  chan struct{}
	connected chan struct{}
	failed    chan DisconnectDetail

	stateLock sync.Mutex
	stage     connectionStage
	aborted   bool
}

func newWsConnection(rws *ReconnectingWebSocket, ws *websocket.Conn) *wsConnection {
	cancelCtx, cancel := context.WithCancel(rws.ctx)
	return &wsConnection{
		ctx:       cancelCtx,
		cancel:    cancel,
		rws:       rws,
		ws:        ws,
		sendQueue: make(chan string, rws.settings.SendBufferSize),
		activity:  make(chan struct{}, 1),
		connected: make(chan struct{}),
		failed:    make(chan DisconnectDetail, 1),
		stage:     connectionStageConnecting,
	}
}

func (self *wsConnection) send(message string) error {
	select {
	case <-self.ctx.Done():
		return ErrConnectionLost
	case self.sendQueue <- message:
		return nil
	case <-time.After(self.rws.settings.WriteTimeout):
		return ErrConnectionLost
	}
}

func (self *wsConnection) write() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.sendQueue:
			self.ws.SetWriteDeadline(time.Now().Add(self.rws.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
				// a write deadline cannot be recovered
				glog.Infof("[ws]-> error = %s\n", err)
				self.ws.Close()
				return
			}
			glog.V(2).Infof("[ws]-> %s\n", message)
		}
	}
}

func (self *wsConnection) read() {
	defer self.cancel()

	for {
		_, data, err := self.ws.ReadMessage()
		if err != nil {
			detail := errorDetail
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				detail = DisconnectDetail{Code: closeErr.Code, Reason: closeErr.Text}
			}
			glog.V(1).Infof("[ws]<- closed = %s\n", err)
			self.handleClose(detail)
			return
		}

		select {
		case self.activity <- struct{}{}:
		default:
		}

		message := string(data)
		glog.V(2).Infof("[ws]<- %s\n", message)
		if message == docsync.Pong {
			continue
		}
		if !self.markConnected() {
			return
		}
		self.rws.listener.Message(message)
	}
}

// markConnected returns false if the connection was aborted
func (self *wsConnection) markConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.stage {
	case connectionStageConnecting:
		if self.aborted {
			return false
		}
		self.stage = connectionStageConnected
		func() {
			self.rws.stateLock.Lock()
			defer self.rws.stateLock.Unlock()
			self.rws.connection = self
		}()
		self.rws.listener.Connected()
		close(self.connected)
		return true
	case connectionStageConnected:
		return true
	default:
		return false
	}
}

func (self *wsConnection) handleClose(detail DisconnectDetail) {
	self.cancel()
	self.ws.Close()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.stage {
	case connectionStageConnecting:
		self.stage = connectionStageDisconnected
		if self.aborted {
			detail = abortDetail
		}
		self.rws.listener.ConnectionFailure(detail)
		self.failed <- detail
	case connectionStageConnected:
		self.stage = connectionStageDisconnected
		func() {
			self.rws.stateLock.Lock()
			defer self.rws.stateLock.Unlock()
			if self.rws.connection == self {
				self.rws.connection = nil
			}
		}()
		self.rws.listener.Disconnected(detail)
		if !self.rws.isClosed() {
			self.rws.scheduler.Schedule(self.rws.reconnect)
		}
	}
}

// abort ends a connection that did not connect in time. It does not reschedule.
func (self *wsConnection) abort() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.aborted = true
	}()
	self.close()
}

func (self *wsConnection) close() {
	self.cancel()
	self.ws.Close()
}

// keepAlive sends a ping after `PingInterval` without inbound messages.
// The pong counts as an inbound message and re-arms the timer.
func (self *wsConnection) keepAlive() {
	timer := time.NewTimer(self.rws.settings.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(self.rws.settings.PingInterval)
		case <-timer.C:
			if err := self.send(docsync.Ping); err != nil {
				return
			}
		}
	}
}

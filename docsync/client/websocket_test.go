package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/bringyour/docsync/docsync"
)

type testConnectionListener struct {
	stateLock    sync.Mutex
	connected    int
	disconnected []DisconnectDetail
	failures     []DisconnectDetail
	messages     []string
}

func (self *testConnectionListener) Connected() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connected += 1
}

func (self *testConnectionListener) Disconnected(detail DisconnectDetail) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.disconnected = append(self.disconnected, detail)
}

func (self *testConnectionListener) ConnectionFailure(detail DisconnectDetail) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.failures = append(self.failures, detail)
}

func (self *testConnectionListener) Message(message string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, message)
}

func (self *testConnectionListener) get(get func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	get()
}

func TestReconnectingWebSocketPing(t *testing.T) {
	pings := make(chan struct{}, 8)
	upgrader := &websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == docsync.Ping {
				pings <- struct{}{}
				ws.WriteMessage(websocket.TextMessage, []byte(docsync.Pong))
			}
		}
	}))
	defer server.Close()

	settings := DefaultReconnectingWebSocketSettings()
	settings.PingInterval = 20 * time.Millisecond

	listener := &testConnectionListener{}
	scheduler := NewOnlineScheduler(testSchedulerSettings())
	rws := NewReconnectingWebSocket(
		context.Background(),
		func(ctx context.Context) (*ConnectionInfo, error) {
			return &ConnectionInfo{Url: wsUrl(server, "/")}, nil
		},
		scheduler,
		listener,
		settings,
	)
	defer rws.Close()

	for i := 0; i < 3; i += 1 {
		select {
		case <-pings:
		case <-time.After(5 * time.Second):
			t.Fatal("no ping")
		}
	}
	assert.Equal(t, true, rws.IsConnected())

	listener.get(func() {
		assert.Equal(t, 1, listener.connected)
		// pongs are not messages
		assert.Equal(t, []string{"hello"}, listener.messages)
	})
}

func TestReconnectingWebSocketHandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	}))
	defer server.Close()

	listener := &testConnectionListener{}
	rws := NewReconnectingWebSocket(
		context.Background(),
		func(ctx context.Context) (*ConnectionInfo, error) {
			return &ConnectionInfo{Url: wsUrl(server, "/")}, nil
		},
		NewOnlineScheduler(testSchedulerSettings()),
		listener,
		DefaultReconnectingWebSocketSettings(),
	)
	defer rws.Close()

	// failures are retried
	waitFor(t, func() bool {
		n := 0
		listener.get(func() {
			n = len(listener.failures)
		})
		return 2 <= n
	})
	listener.get(func() {
		assert.Equal(t, http.StatusNotFound, listener.failures[0].Code)
		assert.Equal(t, 0, listener.connected)
	})
	assert.Equal(t, false, rws.IsConnected())
	assert.Equal(t, ErrConnectionLost, rws.Send("x"))
}

func TestReconnectingWebSocketReconnects(t *testing.T) {
	upgrader := &websocket.Upgrader{}
	var connectionsLock sync.Mutex
	connections := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		connectionsLock.Lock()
		connections += 1
		n := connections
		connectionsLock.Unlock()

		ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		if n == 1 {
			ws.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseServiceRestart, "restart"),
			)
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	listener := &testConnectionListener{}
	rws := NewReconnectingWebSocket(
		context.Background(),
		func(ctx context.Context) (*ConnectionInfo, error) {
			return &ConnectionInfo{Url: wsUrl(server, "/")}, nil
		},
		NewOnlineScheduler(testSchedulerSettings()),
		listener,
		DefaultReconnectingWebSocketSettings(),
	)
	defer rws.Close()

	waitFor(t, func() bool {
		n := 0
		listener.get(func() {
			n = listener.connected
		})
		return n == 2
	})
	listener.get(func() {
		assert.Equal(t, 1, len(listener.disconnected))
		assert.Equal(t, websocket.CloseServiceRestart, listener.disconnected[0].Code)
	})
	waitFor(t, rws.IsConnected)
}

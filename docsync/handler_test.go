package docsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/bringyour/docsync/docsync/jsonspec"
)

type countingHooks struct {
	begin atomic.Int64
	end   atomic.Int64
}

func (self *countingHooks) BeginTransaction(docId string) {
	self.begin.Add(1)
}

func (self *countingHooks) EndTransaction(docId string) {
	self.end.Add(1)
}

type testServer struct {
	model   *InMemoryModel[any]
	factory *WebsocketHandlerFactory[any, any]
	server  *httptest.Server
	hooks   *countingHooks
}

func newTestServer(t *testing.T, settings *HandlerSettings) *testServer {
	model := NewInMemoryModel[any](func(value any) (any, error) {
		if object, ok := value.(map[string]any); ok && object["foo"] == "reject" {
			return nil, errors.New("Test rejection")
		}
		return value, nil
	})
	model.Set("a", map[string]any{"foo": "v1", "owner": "me"})

	hooks := &countingHooks{}
	settings.Hooks = hooks

	broadcaster := NewBroadcaster[any, any](model, jsonspec.NewContext())
	factory := NewWebsocketHandlerFactory(broadcaster, settings)

	handler := factory.Handler(
		func(r *http.Request) (string, error) {
			id := strings.TrimPrefix(r.URL.Path, "/")
			if id == "error" {
				return "", errors.New("Test error")
			}
			return id, nil
		},
		func(r *http.Request) (Permission[any, any], error) {
			switch r.URL.Query().Get("permission") {
			case "readonly":
				return ReadOnly[any, any](), nil
			case "struct":
				return NewReadWriteStruct[any, any]("owner"), nil
			case "denied":
				return nil, NewStatusError(http.StatusForbidden, "Forbidden")
			default:
				return ReadWrite[any, any](), nil
			}
		},
	)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{
		model:   model,
		factory: factory,
		server:  server,
		hooks:   hooks,
	}
}

func (self *testServer) url(path string) string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http") + path
}

func (self *testServer) dial(t *testing.T, path string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(self.url(path), nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		ws.Close()
	})
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, websocket.TextMessage, messageType)
	return string(data)
}

func writeText(t *testing.T, ws *websocket.Conn, message string) {
	assert.Equal(t, ws.WriteMessage(websocket.TextMessage, []byte(message)), nil)
}

func TestHandlerInitAndEcho(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	sender := s.dial(t, "/a")
	assert.Equal(t, `{"init":{"foo":"v1","owner":"me"}}`, readText(t, sender))
	other := s.dial(t, "/a")
	assert.Equal(t, `{"init":{"foo":"v1","owner":"me"}}`, readText(t, other))

	writeText(t, sender, `{"change":{"foo":["=","v2"]},"id":1}`)
	assert.Equal(t, `{"change":{"foo":["=","v2"]},"id":1}`, readText(t, sender))
	assert.Equal(t, `{"change":{"foo":["=","v2"]}}`, readText(t, other))

	value, _ := s.model.Get("a")
	assert.Equal(t, "v2", value.(map[string]any)["foo"])

	// changes without an id are broadcast without an id
	writeText(t, sender, `{"change":{"foo":["=","v3"]}}`)
	assert.Equal(t, `{"change":{"foo":["=","v3"]}}`, readText(t, sender))
	assert.Equal(t, `{"change":{"foo":["=","v3"]}}`, readText(t, other))

	assert.Equal(t, 2, s.factory.ActiveConnections())
	for i := 0; i < 100 && s.hooks.end.Load() < 2; i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int64(2), s.hooks.begin.Load())
	assert.Equal(t, int64(2), s.hooks.end.Load())
}

func TestHandlerHandshakeErrors(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	_, response, err := websocket.DefaultDialer.Dial(s.url("/missing"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	_, response, err = websocket.DefaultDialer.Dial(s.url("/error"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, http.StatusInternalServerError, response.StatusCode)

	_, response, err = websocket.DefaultDialer.Dial(s.url("/a?permission=denied"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, http.StatusForbidden, response.StatusCode)
}

func TestHandlerProtocolErrors(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	ws := s.dial(t, "/a")
	readText(t, ws)

	writeText(t, ws, Ping)
	assert.Equal(t, Pong, readText(t, ws))

	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2}), nil)
	assert.Equal(t, `{"error":"Binary messages are not supported"}`, readText(t, ws))

	writeText(t, ws, CloseAck)
	assert.Equal(t, `{"error":"Unexpected close ack message"}`, readText(t, ws))

	writeText(t, ws, `[1]`)
	assert.Equal(t, `{"error":"Must specify change and optional id"}`, readText(t, ws))

	writeText(t, ws, `{"change":{},"id":"x"}`)
	assert.Equal(t, `{"error":"if specified, id must be a number"}`, readText(t, ws))

	writeText(t, ws, `{nope`)
	message, err := ParseServerMessage([]byte(readText(t, ws)))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, message.IsError())

	// the connection stays usable
	writeText(t, ws, `{"change":{"foo":["=","v2"]},"id":4}`)
	assert.Equal(t, `{"change":{"foo":["=","v2"]},"id":4}`, readText(t, ws))
}

func TestHandlerReadOnly(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	sender := s.dial(t, "/a?permission=readonly")
	readText(t, sender)
	other := s.dial(t, "/a")
	readText(t, other)

	writeText(t, sender, `{"change":{"foo":["=","v2"]},"id":1}`)
	assert.Equal(t, `{"error":"Cannot modify data","id":1}`, readText(t, sender))

	// the other connection only sees the next real change
	writeText(t, other, `{"change":{"foo":["=","v3"]},"id":1}`)
	assert.Equal(t, `{"change":{"foo":["=","v3"]},"id":1}`, readText(t, other))
	assert.Equal(t, `{"change":{"foo":["=","v3"]}}`, readText(t, sender))
}

func TestHandlerReadWriteStruct(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	ws := s.dial(t, "/a?permission=struct")
	readText(t, ws)

	writeText(t, ws, `{"change":{"owner":["=","you"]},"id":1}`)
	assert.Equal(t, `{"error":"Cannot edit field owner","id":1}`, readText(t, ws))

	writeText(t, ws, `{"change":{"foo":["=","v2"]},"id":2}`)
	assert.Equal(t, `{"change":{"foo":["=","v2"]},"id":2}`, readText(t, ws))
}

func TestHandlerModelRejection(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	ws := s.dial(t, "/a")
	readText(t, ws)

	writeText(t, ws, `{"change":{"foo":["=","reject"]},"id":1}`)
	assert.Equal(t, `{"error":"Test rejection","id":1}`, readText(t, ws))

	value, _ := s.model.Get("a")
	assert.Equal(t, "v1", value.(map[string]any)["foo"])
}

func TestHandlerSoftClose(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	ws := s.dial(t, "/a")
	readText(t, ws)
	assert.Equal(t, 1, s.factory.ActiveConnections())

	go func() {
		if readText(t, ws) == Close {
			ws.WriteMessage(websocket.TextMessage, []byte(CloseAck))
		}
	}()

	start := time.Now()
	s.factory.SoftClose(context.Background(), 5*time.Second)
	assert.Equal(t, true, time.Since(start) < 5*time.Second)
	assert.Equal(t, 0, s.factory.ActiveConnections())

	// new connections are refused
	_, response, err := websocket.DefaultDialer.Dial(s.url("/a"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, http.StatusServiceUnavailable, response.StatusCode)
}

func TestHandlerSoftCloseTimeout(t *testing.T) {
	s := newTestServer(t, DefaultHandlerSettings())

	ws := s.dial(t, "/a")
	readText(t, ws)

	timeout := 100 * time.Millisecond
	start := time.Now()
	s.factory.SoftClose(context.Background(), timeout)
	assert.Equal(t, true, timeout <= time.Since(start))

	// the close request still arrives, and later messages are rejected after an ack
	assert.Equal(t, Close, readText(t, ws))
	writeText(t, ws, CloseAck)
	writeText(t, ws, `{"change":{"foo":["=","v2"]}}`)
	assert.Equal(t, `{"error":"Unexpected message after close ack"}`, readText(t, ws))
}

func TestHandlerPongTimeout(t *testing.T) {
	settings := DefaultHandlerSettings()
	settings.PingInterval = 50 * time.Millisecond
	settings.PongTimeout = 50 * time.Millisecond
	s := newTestServer(t, settings)

	// not reading means pings are never answered
	ws := s.dial(t, "/a")

	for i := 0; i < 100 && 0 < s.factory.ActiveConnections(); i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, s.factory.ActiveConnections())

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var err error
	for err == nil {
		_, _, err = ws.ReadMessage()
	}
	var netErr interface{ Timeout() bool }
	assert.Equal(t, false, errors.As(err, &netErr) && netErr.Timeout())
}

func TestHandlerKeepAlive(t *testing.T) {
	settings := DefaultHandlerSettings()
	settings.PingInterval = 20 * time.Millisecond
	settings.PongTimeout = 200 * time.Millisecond
	s := newTestServer(t, settings)

	ws := s.dial(t, "/a")
	readText(t, ws)

	// reading answers pings
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		ws.ReadMessage()
	}()
	<-done

	assert.Equal(t, 1, s.factory.ActiveConnections())
}

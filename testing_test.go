package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer is an in-process websocket peer standing in for the
// authoritative server: it records connections, exposes inbound control
// and binary messages per connection, and can push messages or drop the
// connection to exercise the reconnect path.
type testServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	connected chan *testServerConn

	mutex sync.Mutex
	conns []*testServerConn
}

type testServerConn struct {
	conn *websocket.Conn

	writeMutex sync.Mutex

	controlMessages chan *ControlMessage
	binaryMessages  chan []byte
	closed          chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	self := &testServer{
		t:         t,
		connected: make(chan *testServerConn, 16),
	}
	self.server = httptest.NewServer(http.HandlerFunc(self.handle))
	return self
}

func (self *testServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	serverConn := &testServerConn{
		conn:            conn,
		controlMessages: make(chan *ControlMessage, 64),
		binaryMessages:  make(chan []byte, 64),
		closed:          make(chan struct{}),
	}
	self.mutex.Lock()
	self.conns = append(self.conns, serverConn)
	self.mutex.Unlock()
	self.connected <- serverConn

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch messageType {
		case websocket.TextMessage:
			controlMessage := &ControlMessage{}
			if err := json.Unmarshal(message, controlMessage); err == nil {
				serverConn.controlMessages <- controlMessage
			}
		case websocket.BinaryMessage:
			serverConn.binaryMessages <- message
		}
	}
	close(serverConn.closed)
}

func (self *testServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testServer) connectionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conns)
}

func (self *testServer) close() {
	self.mutex.Lock()
	conns := self.conns
	self.mutex.Unlock()
	for _, conn := range conns {
		conn.conn.Close()
	}
	self.server.Close()
}

func (self *testServer) nextConn(timeout time.Duration) *testServerConn {
	select {
	case conn := <-self.connected:
		return conn
	case <-time.After(timeout):
		self.t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (self *testServerConn) nextControlMessage(timeout time.Duration) *ControlMessage {
	select {
	case message := <-self.controlMessages:
		return message
	case <-time.After(timeout):
		return nil
	}
}

func (self *testServerConn) nextBinaryMessage(timeout time.Duration) []byte {
	select {
	case message := <-self.binaryMessages:
		return message
	case <-time.After(timeout):
		return nil
	}
}

func (self *testServerConn) writeText(b []byte) {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.conn.WriteMessage(websocket.TextMessage, b)
}

func (self *testServerConn) writeBinary(b []byte) {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (self *testServerConn) drop() {
	self.conn.Close()
	select {
	case <-self.closed:
	case <-time.After(time.Second):
	}
}

func testChannelSettings() *EventChannelSettings {
	return &EventChannelSettings{
		ReconnectDelay:     50 * time.Millisecond,
		WsHandshakeTimeout: time.Second,
		WriteTimeout:       time.Second,
	}
}

func decodeSubscribe(t *testing.T, message *ControlMessage) *SubscribeData {
	if message == nil {
		t.Fatal("expected subscribe message")
	}
	if message.Type != MessageTypeSubscribe {
		t.Fatalf("expected subscribe, got %s", message.Type)
	}
	data := &SubscribeData{}
	if err := json.Unmarshal(message.Data, data); err != nil {
		t.Fatal(err)
	}
	return data
}

func waitForState[S comparable](t *testing.T, get func() S, want S, timeout time.Duration) {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %v, at %v", want, get())
}

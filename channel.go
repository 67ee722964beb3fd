package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateOpen
	ConnectionStateClosing
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type TopicFunction func(message *ControlMessage)
type FrameFunction func(frame *Frame)
type ConnectionStateFunction func(state ConnectionState)

type EventChannelSettings struct {
	// fixed delay before the single pending reconnect attempt.
	// no backoff, no retry ceiling: the server is assumed to come back.
	ReconnectDelay     time.Duration
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
}

func DefaultEventChannelSettings() *EventChannelSettings {
	return &EventChannelSettings{
		ReconnectDelay:     2 * time.Second,
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

// EventChannel maintains one logical connection to the server and
// multiplexes json control messages and binary replication frames over
// it. On unexpected close it schedules exactly one reconnect attempt
// after the fixed delay and repeats until Connect succeeds or
// Disconnect is called. On every successful open it re-emits the
// current subscription set before anything else is sent.
//
// Transport failure is never surfaced as an error. Send and SendFrame
// drop while not open and report whether the payload reached an open
// connection; recovery of anything dropped is the coordinator's
// reconciliation, not the channel's.
type EventChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *EventChannelSettings

	stateCallbacks *CallbackList[ConnectionStateFunction]
	frameCallbacks *CallbackList[FrameFunction]

	writeMutex sync.Mutex

	mutex          sync.Mutex
	state          ConnectionState
	conn           *websocket.Conn
	generation     int
	reconnectTimer *time.Timer
	stopped        bool
	topicOrder     []string
	topics         map[string]*CallbackList[TopicFunction]
}

func NewEventChannelWithDefaults(ctx context.Context, url string) *EventChannel {
	return NewEventChannel(ctx, url, DefaultEventChannelSettings())
}

func NewEventChannel(ctx context.Context, url string, settings *EventChannelSettings) *EventChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &EventChannel{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		settings:       settings,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
		frameCallbacks: NewCallbackList[FrameFunction](),
		state:          ConnectionStateDisconnected,
		topics:         map[string]*CallbackList[TopicFunction]{},
	}
}

func (self *EventChannel) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// Topics returns the current subscription set in registration order.
func (self *EventChannel) Topics() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	topics := make([]string, len(self.topicOrder))
	copy(topics, self.topicOrder)
	return topics
}

func (self *EventChannel) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *EventChannel) AddFrameCallback(callback FrameFunction) func() {
	return self.frameCallbacks.Add(callback)
}

// Subscribe registers handler for a topic. All handlers for a topic are
// invoked in registration order for each matching inbound message. The
// returned function removes exactly this registration and is safe to
// call more than once. When a new topic is added while open, the
// subscription set is re-sent; the server treats subscribe as
// idempotent.
func (self *EventChannel) Subscribe(topic string, handler TopicFunction) func() {
	self.mutex.Lock()
	handlers, ok := self.topics[topic]
	if !ok {
		handlers = NewCallbackList[TopicFunction]()
		self.topics[topic] = handlers
		self.topicOrder = append(self.topicOrder, topic)
	}
	remove := handlers.Add(handler)
	open := self.state == ConnectionStateOpen
	conn := self.conn
	var subscribe *ControlMessage
	if !ok && open && conn != nil {
		subscribe = self.subscribeMessage()
	}
	self.mutex.Unlock()

	if subscribe != nil {
		self.writeControl(conn, subscribe)
	}

	return func() {
		remove()
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if handlers, ok := self.topics[topic]; ok && handlers.Len() == 0 {
			delete(self.topics, topic)
			for i, t := range self.topicOrder {
				if t == topic {
					self.topicOrder = append(self.topicOrder[0:i], self.topicOrder[i+1:]...)
					break
				}
			}
		}
	}
}

// locked
func (self *EventChannel) subscribeMessage() *ControlMessage {
	channels := make([]string, len(self.topicOrder))
	copy(channels, self.topicOrder)
	return RequireControlMessage(MessageTypeSubscribe, &SubscribeData{
		Channels: channels,
	})
}

// Connect is idempotent: a no-op while open or while a connect attempt
// is in progress. A pending reconnect timer is folded into this
// attempt. Transport errors do not surface; they feed the reconnect
// path.
func (self *EventChannel) Connect() {
	self.mutex.Lock()
	self.stopped = false
	switch self.state {
	case ConnectionStateOpen, ConnectionStateConnecting:
		self.mutex.Unlock()
		return
	}
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	self.state = ConnectionStateConnecting
	self.generation += 1
	generation := self.generation
	self.mutex.Unlock()

	self.notifyState(ConnectionStateConnecting)
	go self.dial(generation)
}

func (self *EventChannel) dial(generation int) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.url, nil)

	self.mutex.Lock()
	if generation != self.generation || self.ctx.Err() != nil {
		self.mutex.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		self.state = ConnectionStateDisconnected
		self.scheduleReconnect()
		self.mutex.Unlock()
		glog.Infof("[ch]connect error = %s\n", err)
		self.notifyState(ConnectionStateDisconnected)
		return
	}
	self.conn = conn
	self.state = ConnectionStateOpen
	subscribe := self.subscribeMessage()
	self.mutex.Unlock()

	glog.V(2).Infof("[ch]open %s\n", self.url)
	// re-subscribe on every open, before anything else goes out
	self.writeControl(conn, subscribe)
	self.notifyState(ConnectionStateOpen)
	go self.readLoop(conn, generation)
}

func (self *EventChannel) readLoop(conn *websocket.Conn, generation int) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ch]<- closed = %s\n", err)
			break
		}
		self.dispatch(messageType, message)
	}

	self.mutex.Lock()
	if generation != self.generation || self.conn != conn {
		self.mutex.Unlock()
		return
	}
	conn.Close()
	self.conn = nil
	self.state = ConnectionStateDisconnected
	self.scheduleReconnect()
	self.mutex.Unlock()
	self.notifyState(ConnectionStateDisconnected)
}

// locked
func (self *EventChannel) scheduleReconnect() {
	if self.stopped || self.ctx.Err() != nil {
		return
	}
	if self.reconnectTimer != nil {
		// exactly one pending attempt, never stacked
		return
	}
	self.reconnectTimer = time.AfterFunc(self.settings.ReconnectDelay, self.reconnectAttempt)
}

func (self *EventChannel) reconnectAttempt() {
	self.mutex.Lock()
	self.reconnectTimer = nil
	if self.stopped || self.ctx.Err() != nil {
		self.mutex.Unlock()
		return
	}
	switch self.state {
	case ConnectionStateOpen, ConnectionStateConnecting:
		self.mutex.Unlock()
		return
	}
	self.state = ConnectionStateConnecting
	self.generation += 1
	generation := self.generation
	self.mutex.Unlock()

	self.notifyState(ConnectionStateConnecting)
	self.dial(generation)
}

func (self *EventChannel) dispatch(messageType int, message []byte) {
	switch messageType {
	case websocket.TextMessage:
		controlMessage, err := DecodeControlMessage(message)
		if err != nil {
			// a malformed message must never desynchronize the channel
			glog.V(2).Infof("[ch]drop message = %s\n", err)
			return
		}
		self.mutex.Lock()
		handlers := self.topics[controlMessage.Type]
		self.mutex.Unlock()
		if handlers == nil {
			glog.V(2).Infof("[ch]no handler %s<-\n", controlMessage.Type)
			return
		}
		// snapshot the handler set for this dispatch pass
		for _, handler := range handlers.Get() {
			handler := handler
			HandleCallback(func() {
				handler(controlMessage)
			})
		}
	case websocket.BinaryMessage:
		frame, err := DecodeFrame(message)
		if err != nil {
			glog.V(2).Infof("[ch]drop frame = %s\n", err)
			return
		}
		for _, callback := range self.frameCallbacks.Get() {
			callback := callback
			HandleCallback(func() {
				callback(frame)
			})
		}
	default:
		glog.V(2).Infof("[ch]other=%d<-\n", messageType)
	}
}

// Send transmits a control message when open. Returns whether the
// payload was written to an open connection; false means it was dropped
// and will not be retried here. Outbound messages are never queued.
func (self *EventChannel) Send(message *ControlMessage) bool {
	self.mutex.Lock()
	conn := self.conn
	open := self.state == ConnectionStateOpen
	self.mutex.Unlock()
	if !open || conn == nil {
		glog.V(2).Infof("[ch]drop send %s->\n", message.Type)
		return false
	}
	return self.writeControl(conn, message)
}

// SendFrame transmits a binary replication frame when open. Returns
// whether the frame was written to an open connection.
func (self *EventChannel) SendFrame(frame *Frame) bool {
	self.mutex.Lock()
	conn := self.conn
	open := self.state == ConnectionStateOpen
	self.mutex.Unlock()
	if !open || conn == nil {
		glog.V(2).Infof("[ch]drop frame %s->\n", frame.Key())
		return false
	}
	b, err := EncodeFrame(frame)
	if err != nil {
		glog.Infof("[ch]encode frame error = %s\n", err)
		return false
	}
	return self.write(conn, websocket.BinaryMessage, b) == nil
}

func (self *EventChannel) writeControl(conn *websocket.Conn, message *ControlMessage) bool {
	b, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[ch]encode message error = %s\n", err)
		return false
	}
	return self.write(conn, websocket.TextMessage, b) == nil
}

func (self *EventChannel) write(conn *websocket.Conn, messageType int, b []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := conn.WriteMessage(messageType, b); err != nil {
		// close feeds the read loop into the reconnect path
		glog.Infof("[ch]-> error = %s\n", err)
		conn.Close()
		return err
	}
	return nil
}

// Disconnect cancels any pending reconnect timer, closes the transport
// and stays down. No implicit reconnection follows; Connect re-arms.
func (self *EventChannel) Disconnect() {
	self.mutex.Lock()
	self.stopped = true
	self.generation += 1
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	conn := self.conn
	self.conn = nil
	previousState := self.state
	if conn != nil {
		self.state = ConnectionStateClosing
	} else {
		self.state = ConnectionStateDisconnected
	}
	self.mutex.Unlock()

	if conn != nil {
		self.notifyState(ConnectionStateClosing)
		conn.Close()
		self.mutex.Lock()
		if self.state == ConnectionStateClosing {
			self.state = ConnectionStateDisconnected
		}
		self.mutex.Unlock()
	}
	if previousState != ConnectionStateDisconnected {
		self.notifyState(ConnectionStateDisconnected)
	}
}

func (self *EventChannel) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *EventChannel) notifyState(state ConnectionState) {
	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		HandleCallback(func() {
			callback(state)
		})
	}
}

package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"fableworks.com/collab/logoot"
)

type CoordinatorState int

const (
	CoordinatorStateIdle CoordinatorState = iota
	CoordinatorStateBound
	CoordinatorStateReconciling
	CoordinatorStateSynced
)

func (self CoordinatorState) String() string {
	switch self {
	case CoordinatorStateIdle:
		return "idle"
	case CoordinatorStateBound:
		return "bound"
	case CoordinatorStateReconciling:
		return "reconciling"
	case CoordinatorStateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

type NotificationFunction func(message *ControlMessage)

// StructuralTopics are the notification classes the coordinator
// subscribes to and re-dispatches. The coordinator never interprets
// them; they are signals for the domain layer to re-fetch over the
// domain api.
var StructuralTopics = []string{
	TopicConnected,
	TopicTimelineChanged,
	TopicHierarchyChanged,
	TopicNodeUpdated,
	TopicStoryChanged,
	TopicProjectMutated,
}

// Coordinator glues the event channel to the field store.
//
// Inbound binary replication frames merge into the store; ops produced
// by local edits flow outward when synced. Ops produced while not
// synced mark their field dirty, and every transition to open triggers
// a reconciliation request for the dirty fields, covering anything the
// channel dropped while disconnected. An op written to an open
// connection counts as acknowledged; the transport is ordered and
// reliable per connection. A send that misses the connection marks the
// field dirty too, so the loss window around a drop is covered.
//
// One instance is created at session start and handed to consumers
// explicitly; nothing here is process global.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	channel *EventChannel
	store   *FieldStore

	notificationCallbacks *CallbackList[NotificationFunction]

	mutex   sync.Mutex
	state   CoordinatorState
	dirty   map[FieldKey]bool
	pending map[FieldKey]bool
	unsubs  []func()
}

func NewCoordinator(ctx context.Context, channel *EventChannel, store *FieldStore) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		ctx:                   cancelCtx,
		cancel:                cancel,
		channel:               channel,
		store:                 store,
		notificationCallbacks: NewCallbackList[NotificationFunction](),
		state:                 CoordinatorStateIdle,
		dirty:                 map[FieldKey]bool{},
		pending:               map[FieldKey]bool{},
	}
}

func (self *Coordinator) State() CoordinatorState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// Bind registers the coordinator against the channel and the store.
// Idempotent. Binding subscribes the structural topics, so they are
// part of the subscription set on the next open.
func (self *Coordinator) Bind() {
	self.mutex.Lock()
	if self.state != CoordinatorStateIdle {
		self.mutex.Unlock()
		return
	}
	self.state = CoordinatorStateBound
	self.mutex.Unlock()

	unsubs := []func(){}
	unsubs = append(unsubs, self.store.AddLocalOpsCallback(self.handleLocalOps))
	unsubs = append(unsubs, self.channel.AddFrameCallback(self.handleFrame))
	unsubs = append(unsubs, self.channel.AddConnectionStateCallback(self.handleConnectionState))
	for _, topic := range StructuralTopics {
		unsubs = append(unsubs, self.channel.Subscribe(topic, self.redispatch))
	}

	self.mutex.Lock()
	self.unsubs = unsubs
	self.mutex.Unlock()

	// the channel may already be open
	if self.channel.State() == ConnectionStateOpen {
		self.reconcile()
	}
}

func (self *Coordinator) Close() {
	self.mutex.Lock()
	unsubs := self.unsubs
	self.unsubs = nil
	self.state = CoordinatorStateIdle
	self.mutex.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	self.cancel()
}

// AddNotificationCallback registers a callback for re-dispatched
// structural notifications.
func (self *Coordinator) AddNotificationCallback(callback NotificationFunction) func() {
	return self.notificationCallbacks.Add(callback)
}

// edit surface

// Insert applies a local insert and forwards the replication ops when
// synced. The local replica reflects the edit immediately either way.
func (self *Coordinator) Insert(unitId string, fieldName FieldName, i int, s string) {
	field := self.store.GetField(unitId, fieldName)
	self.store.ApplyLocalInsert(field, i, s)
}

// Delete applies a local delete of n runes at i.
func (self *Coordinator) Delete(unitId string, fieldName FieldName, i int, n int) {
	field := self.store.GetField(unitId, fieldName)
	self.store.ApplyLocalDelete(field, i, n)
}

func (self *Coordinator) Read(unitId string, fieldName FieldName) string {
	return self.store.Read(unitId, fieldName)
}

// Resync requests a full-state pull of one field, e.g. when a view of
// it first opens. While not connected the field is marked dirty and the
// pull happens with the reconciliation pass on the next open.
func (self *Coordinator) Resync(unitId string, fieldName FieldName) {
	if err := fieldName.Validate(); err != nil {
		panic(err)
	}
	key := NewFieldKey(unitId, fieldName)
	self.mutex.Lock()
	switch self.state {
	case CoordinatorStateReconciling, CoordinatorStateSynced:
		self.state = CoordinatorStateReconciling
		self.pending[key] = true
		self.mutex.Unlock()
		self.sendSyncRequest([]FieldRef{{
			UnitId:    key.UnitId,
			FieldName: key.FieldName,
		}})
	default:
		self.dirty[key] = true
		self.mutex.Unlock()
	}
}

func (self *Coordinator) handleLocalOps(key FieldKey, ops []logoot.Op) {
	self.mutex.Lock()
	synced := self.state == CoordinatorStateSynced
	if !synced {
		self.dirty[key] = true
	}
	self.mutex.Unlock()

	if !synced {
		glog.V(2).Infof("[co]dirty %s\n", key)
		return
	}
	frame, err := NewUpdateFrame(key, ops)
	if err != nil {
		glog.Infof("[co]encode ops error = %s\n", err)
		return
	}
	if !self.channel.SendFrame(frame) {
		// the channel went down under the send. mark the field dirty so
		// the next reconciliation carries the ops instead of losing them
		self.mutex.Lock()
		self.dirty[key] = true
		self.mutex.Unlock()
		glog.V(2).Infof("[co]dirty %s\n", key)
	}
}

func (self *Coordinator) handleFrame(frame *Frame) {
	switch frame.Kind {
	case FrameKindUpdate:
		ops, err := logoot.DecodeOps(frame.Payload)
		if err != nil {
			// discard whole, apply nothing
			glog.V(2).Infof("[co]drop update %s = %s\n", frame.Key(), err)
			return
		}
		self.store.ApplyRemoteOps(frame.UnitId, frame.FieldName, ops)
	case FrameKindState:
		self.store.MergeRemoteState(frame.UnitId, frame.FieldName, frame.Payload)
		self.completeReconcile(frame.Key())
	}
}

func (self *Coordinator) completeReconcile(key FieldKey) {
	self.mutex.Lock()
	if !self.pending[key] {
		// an unsolicited full state, already merged
		self.mutex.Unlock()
		return
	}
	delete(self.pending, key)
	delete(self.dirty, key)
	self.mutex.Unlock()

	// answer with the merged local state so the server also converges
	// on ops that were dropped while disconnected. state merge is a
	// union, so the echo is harmless when nothing diverged.
	if state := self.store.EncodeState(key.UnitId, key.FieldName); state != nil {
		if !self.channel.SendFrame(NewStateFrame(key, state)) {
			// the echo missed the connection; redo the field next open
			self.mutex.Lock()
			self.dirty[key] = true
			self.mutex.Unlock()
		}
	}

	self.mutex.Lock()
	if self.state != CoordinatorStateReconciling || 0 < len(self.pending) {
		self.mutex.Unlock()
		return
	}
	// fields that went dirty while reconciling get their own pass
	refs := self.takeDirtyRefs()
	if len(refs) == 0 {
		self.state = CoordinatorStateSynced
		self.mutex.Unlock()
		glog.V(1).Infof("[co]synced\n")
		return
	}
	self.mutex.Unlock()
	self.sendSyncRequest(refs)
}

// locked. adds the dirty set to pending and returns the field refs.
// dirty entries clear when their state frames arrive.
func (self *Coordinator) takeDirtyRefs() []FieldRef {
	refs := []FieldRef{}
	for key := range self.dirty {
		self.pending[key] = true
		refs = append(refs, FieldRef{
			UnitId:    key.UnitId,
			FieldName: key.FieldName,
		})
	}
	return refs
}

func (self *Coordinator) handleConnectionState(state ConnectionState) {
	switch state {
	case ConnectionStateOpen:
		self.reconcile()
	case ConnectionStateDisconnected:
		self.mutex.Lock()
		switch self.state {
		case CoordinatorStateReconciling, CoordinatorStateSynced:
			self.state = CoordinatorStateBound
			// an interrupted pull retries with the next reconciliation
			for key := range self.pending {
				self.dirty[key] = true
			}
			self.pending = map[FieldKey]bool{}
		}
		self.mutex.Unlock()
	}
}

// reconcile runs on every transition to open, including reconnects.
// Fields with outstanding unacknowledged local ops get a full-state
// resync; without any, the coordinator is synced right away.
func (self *Coordinator) reconcile() {
	self.mutex.Lock()
	if self.state == CoordinatorStateIdle {
		self.mutex.Unlock()
		return
	}
	self.state = CoordinatorStateReconciling
	self.pending = map[FieldKey]bool{}
	refs := self.takeDirtyRefs()
	if len(refs) == 0 {
		self.state = CoordinatorStateSynced
		self.mutex.Unlock()
		glog.V(1).Infof("[co]synced\n")
		return
	}
	self.mutex.Unlock()

	glog.V(1).Infof("[co]reconcile %d fields\n", len(refs))
	self.sendSyncRequest(refs)
}

func (self *Coordinator) sendSyncRequest(refs []FieldRef) {
	message, err := NewControlMessage(MessageTypeSyncRequest, &SyncRequestData{
		Fields: refs,
	})
	if err != nil {
		glog.Infof("[co]encode sync request error = %s\n", err)
		return
	}
	self.channel.Send(message)
}

func (self *Coordinator) redispatch(message *ControlMessage) {
	for _, callback := range self.notificationCallbacks.Get() {
		callback := callback
		HandleCallback(func() {
			callback(message)
		})
	}
}

// dirtyKeys is a test hook.
func (self *Coordinator) dirtyKeys() []FieldKey {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	keys := make([]FieldKey, 0, len(self.dirty))
	for key := range self.dirty {
		keys = append(keys, key)
	}
	return keys
}

package collab

import (
	"sync"

	"github.com/golang/glog"

	"fableworks.com/collab/logoot"
)

type ChangeFunction func(key FieldKey, value string)
type LocalOpsFunction func(key FieldKey, ops []logoot.Op)

// FieldStore owns the field container: one replicated text sequence per
// (unit id, field name), created lazily on first access, local or
// remote. Fields are never destroyed by this layer; deleting the owning
// unit is a domain concern that can orphan a field but not corrupt it.
//
// Local edits mutate the local replica immediately, with no network
// round trip, and emit the ops to replicate through the local ops
// callbacks. Remote ops and full states merge idempotently in any
// delivery order.
type FieldStore struct {
	site logoot.Site

	changeCallbacks   *CallbackList[ChangeFunction]
	localOpsCallbacks *CallbackList[LocalOpsFunction]

	mutex  sync.Mutex
	fields map[FieldKey]*Field
}

func NewFieldStore(replicaId Id) *FieldStore {
	return &FieldStore{
		site:              replicaId.Site(),
		changeCallbacks:   NewCallbackList[ChangeFunction](),
		localOpsCallbacks: NewCallbackList[LocalOpsFunction](),
		fields:            map[FieldKey]*Field{},
	}
}

// AddChangeCallback registers a callback invoked after any mutation,
// local or remote, with the new visible value.
func (self *FieldStore) AddChangeCallback(callback ChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

// AddLocalOpsCallback registers a callback invoked with the replication
// ops produced by each local edit. The coordinator uses this to forward
// local edits outward.
func (self *FieldStore) AddLocalOpsCallback(callback LocalOpsFunction) func() {
	return self.localOpsCallbacks.Add(callback)
}

// Field is the live handle for one replicated text field. Reads go
// through the store's lock; the underlying structure never escapes.
type Field struct {
	store *FieldStore
	key   FieldKey
	text  *logoot.Text
}

func (self *Field) Key() FieldKey {
	return self.key
}

func (self *Field) String() string {
	self.store.mutex.Lock()
	defer self.store.mutex.Unlock()
	return self.text.String()
}

func (self *Field) Len() int {
	self.store.mutex.Lock()
	defer self.store.mutex.Unlock()
	return self.text.Len()
}

// GetField returns the live field, creating it if absent. Never fails.
// An invalid field name is a programming error and panics.
func (self *FieldStore) GetField(unitId string, fieldName FieldName) *Field {
	if err := fieldName.Validate(); err != nil {
		panic(err)
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.getOrCreate(NewFieldKey(unitId, fieldName))
}

// locked
func (self *FieldStore) getOrCreate(key FieldKey) *Field {
	if field, ok := self.fields[key]; ok {
		return field
	}
	field := &Field{
		store: self,
		key:   key,
		text:  logoot.NewText(self.site),
	}
	self.fields[key] = field
	glog.V(2).Infof("[st]create %s\n", key)
	return field
}

// EnsureUnit pre-materializes both text fields of a unit. Called when
// the domain layer creates a unit, so remote peers can merge into the
// fields without racing creation.
func (self *FieldStore) EnsureUnit(unitId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.getOrCreate(NewFieldKey(unitId, FieldNotes))
	self.getOrCreate(NewFieldKey(unitId, FieldContent))
}

// Read returns the current merged value, or the empty string when the
// field does not exist yet. Unlike GetField it never creates the field.
func (self *FieldStore) Read(unitId string, fieldName FieldName) string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if field, ok := self.fields[NewFieldKey(unitId, fieldName)]; ok {
		return field.text.String()
	}
	return ""
}

// Keys returns the keys of all materialized fields.
func (self *FieldStore) Keys() []FieldKey {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	keys := make([]FieldKey, 0, len(self.fields))
	for key := range self.fields {
		keys = append(keys, key)
	}
	return keys
}

// ApplyLocalInsert inserts s at visible rune index i. The edit is
// visible to Read immediately, before any network activity.
func (self *FieldStore) ApplyLocalInsert(field *Field, i int, s string) {
	self.mutex.Lock()
	ops := field.text.Insert(i, s)
	value := field.text.String()
	self.mutex.Unlock()
	self.notifyLocal(field.key, ops, value)
}

// ApplyLocalDelete tombstones n visible runes starting at i.
func (self *FieldStore) ApplyLocalDelete(field *Field, i int, n int) {
	self.mutex.Lock()
	ops := field.text.Delete(i, n)
	value := field.text.String()
	self.mutex.Unlock()
	self.notifyLocal(field.key, ops, value)
}

func (self *FieldStore) notifyLocal(key FieldKey, ops []logoot.Op, value string) {
	if len(ops) == 0 {
		return
	}
	for _, callback := range self.localOpsCallbacks.Get() {
		callback := callback
		HandleCallback(func() {
			callback(key, ops)
		})
	}
	self.notifyChange(key, value)
}

// ApplyRemoteOps merges ops received from another replica, creating the
// field if needed. Safe for duplicate and out-of-order delivery, and
// never reorders or drops already applied local edits. An invalid op
// batch is dropped whole before any of it is applied.
func (self *FieldStore) ApplyRemoteOps(unitId string, fieldName FieldName, ops []logoot.Op) {
	if err := fieldName.Validate(); err != nil {
		glog.V(2).Infof("[st]drop remote ops = %s\n", err)
		return
	}
	self.mutex.Lock()
	field := self.getOrCreate(NewFieldKey(unitId, fieldName))
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			self.mutex.Unlock()
			glog.V(2).Infof("[st]drop remote ops = %s\n", err)
			return
		}
	}
	for _, op := range ops {
		field.text.Apply(op)
	}
	value := field.text.String()
	self.mutex.Unlock()
	self.notifyChange(field.key, value)
}

// MergeRemoteState merges a full replica state, e.g. a reconciliation
// response. The merge is a union with tombstones winning; a divergent
// local replica converges without losing local edits.
func (self *FieldStore) MergeRemoteState(unitId string, fieldName FieldName, state []byte) {
	if err := fieldName.Validate(); err != nil {
		glog.V(2).Infof("[st]drop remote state = %s\n", err)
		return
	}
	self.mutex.Lock()
	field := self.getOrCreate(NewFieldKey(unitId, fieldName))
	if err := field.text.MergeState(state); err != nil {
		self.mutex.Unlock()
		glog.V(2).Infof("[st]drop remote state = %s\n", err)
		return
	}
	value := field.text.String()
	self.mutex.Unlock()
	self.notifyChange(field.key, value)
}

// EncodeState serializes the full state of one field, tombstones
// included. Returns nil when the field does not exist.
func (self *FieldStore) EncodeState(unitId string, fieldName FieldName) []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	field, ok := self.fields[NewFieldKey(unitId, fieldName)]
	if !ok {
		return nil
	}
	state, err := field.text.EncodeState()
	if err != nil {
		glog.Infof("[st]encode state error = %s\n", err)
		return nil
	}
	return state
}

func (self *FieldStore) notifyChange(key FieldKey, value string) {
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		HandleCallback(func() {
			callback(key, value)
		})
	}
}

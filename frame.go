package collab

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"fableworks.com/collab/logoot"
)

// The wire carries two message varieties on one connection:
// text frames are json control messages with a `type` discriminator,
// binary frames are msgpack replication frames. The transport frame
// type (text vs binary) is the only discriminator between the two.

// Topics pushed by the server. Structural notifications identify what
// changed without carrying the change; the receiver re-fetches via the
// domain api.
const (
	TopicConnected        = "connected"
	TopicTimelineChanged  = "timeline_changed"
	TopicHierarchyChanged = "hierarchy_changed"
	TopicNodeUpdated      = "node_updated"
	TopicStoryChanged     = "story_changed"
	TopicProjectMutated   = "project_mutated"
)

// control message types originated by the client
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeSyncRequest = "sync_request"
)

type ControlMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewControlMessage(messageType string, data any) (*ControlMessage, error) {
	if data == nil {
		return &ControlMessage{
			Type: messageType,
		}, nil
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &ControlMessage{
		Type: messageType,
		Data: dataBytes,
	}, nil
}

func RequireControlMessage(messageType string, data any) *ControlMessage {
	message, err := NewControlMessage(messageType, data)
	if err != nil {
		panic(err)
	}
	return message
}

func DecodeControlMessage(b []byte) (*ControlMessage, error) {
	message := &ControlMessage{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("control message without type")
	}
	return message, nil
}

type SubscribeData struct {
	Channels []string `json:"channels"`
}

type FieldRef struct {
	UnitId    string    `json:"unit_id"`
	FieldName FieldName `json:"field_name"`
}

type SyncRequestData struct {
	Fields []FieldRef `json:"fields"`
}

// NotificationData is the common shape of structural notifications.
// Most carry no payload; node_updated names the unit. Unknown extra
// keys stay in the raw message for handlers that need them.
type NotificationData struct {
	NodeId string `json:"node_id,omitempty"`
}

type FrameKind uint8

const (
	// one encoded op batch
	FrameKindUpdate FrameKind = 1
	// a full replica state, e.g. a reconciliation response
	FrameKindState FrameKind = 2
)

// Frame is a binary replication frame. The payload encoding is the
// logoot op/state encoding and must be identical on both ends.
type Frame struct {
	Kind      FrameKind `msgpack:"k"`
	UnitId    string    `msgpack:"u"`
	FieldName FieldName `msgpack:"f"`
	Payload   []byte    `msgpack:"b"`
}

func (self *Frame) Key() FieldKey {
	return NewFieldKey(self.UnitId, self.FieldName)
}

func NewUpdateFrame(key FieldKey, ops []logoot.Op) (*Frame, error) {
	payload, err := logoot.EncodeOps(ops)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:      FrameKindUpdate,
		UnitId:    key.UnitId,
		FieldName: key.FieldName,
		Payload:   payload,
	}, nil
}

func NewStateFrame(key FieldKey, state []byte) *Frame {
	return &Frame{
		Kind:      FrameKindState,
		UnitId:    key.UnitId,
		FieldName: key.FieldName,
		Payload:   state,
	}
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func RequireEncodeFrame(frame *Frame) []byte {
	b, err := EncodeFrame(frame)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeFrame decodes and validates a binary replication frame.
// A truncated or structurally invalid frame returns an error and must
// be discarded by the caller without applying any part of it.
func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := msgpack.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	switch frame.Kind {
	case FrameKindUpdate, FrameKindState:
	default:
		return nil, fmt.Errorf("unknown frame kind %d", frame.Kind)
	}
	if frame.UnitId == "" {
		return nil, fmt.Errorf("frame without unit id")
	}
	if err := frame.FieldName.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}

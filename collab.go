// Package collab is the client synchronization layer for collaborative
// editing of story documents.
//
// Text fields of a narrative unit (planning notes, script or outline
// content) are replicated text sequences that converge across
// uncoordinated replicas. The EventChannel carries JSON control
// messages and binary replication frames over one websocket connection
// and reconnects on loss. The FieldStore owns the replicated fields.
// The Coordinator binds the two and reconciles state after reconnect.
package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"fableworks.com/collab/logoot"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

// Site adapts the id for use as the replica tiebreak in position
// identifiers. Ulid creation order carries into site order.
func (self Id) Site() logoot.Site {
	return logoot.Site(self)
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// FieldName enumerates the replicated text fields of a narrative unit.
type FieldName string

const (
	// planning notes
	FieldNotes FieldName = "notes"
	// script/outline content
	FieldContent FieldName = "content"
	// project-level logline, addressed under ProjectUnitId
	FieldPremise FieldName = "premise"
)

// ProjectUnitId is the reserved unit id for project-level text fields.
const ProjectUnitId = "project"

func (self FieldName) Validate() error {
	switch self {
	case FieldNotes, FieldContent, FieldPremise:
		return nil
	default:
		return fmt.Errorf("unknown field name %q", string(self))
	}
}

// comparable
type FieldKey struct {
	UnitId    string
	FieldName FieldName
}

func NewFieldKey(unitId string, fieldName FieldName) FieldKey {
	return FieldKey{
		UnitId:    unitId,
		FieldName: fieldName,
	}
}

func (self FieldKey) String() string {
	return fmt.Sprintf("%s/%s", self.UnitId, self.FieldName)
}

package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"fableworks.com/collab/logoot"
)

func TestGetFieldCreates(t *testing.T) {
	store := NewFieldStore(NewId())

	field := store.GetField("unit-1", FieldNotes)
	assert.Equal(t, NewFieldKey("unit-1", FieldNotes), field.Key())
	assert.Equal(t, "", field.String())
	assert.Equal(t, 1, len(store.Keys()))

	// same handle on repeat access
	again := store.GetField("unit-1", FieldNotes)
	assert.Equal(t, field == again, true)
	assert.Equal(t, 1, len(store.Keys()))
}

func TestReadDoesNotCreate(t *testing.T) {
	store := NewFieldStore(NewId())

	assert.Equal(t, "", store.Read("unit-1", FieldContent))
	assert.Equal(t, 0, len(store.Keys()))
}

func TestInvalidFieldNamePanics(t *testing.T) {
	store := NewFieldStore(NewId())

	defer func() {
		assert.NotEqual(t, recover(), nil)
	}()
	store.GetField("unit-1", FieldName("beats"))
}

func TestLocalResponsiveness(t *testing.T) {
	// no channel anywhere: local edits are visible immediately while
	// fully disconnected
	store := NewFieldStore(NewId())

	field := store.GetField("unit-1", FieldContent)
	store.ApplyLocalInsert(field, 0, "fade in")
	assert.Equal(t, "fade in", store.Read("unit-1", FieldContent))

	store.ApplyLocalDelete(field, 0, 5)
	assert.Equal(t, "in", store.Read("unit-1", FieldContent))
}

func TestLocalOpsCallback(t *testing.T) {
	store := NewFieldStore(NewId())

	type emitted struct {
		key FieldKey
		ops []logoot.Op
	}
	emits := []emitted{}
	store.AddLocalOpsCallback(func(key FieldKey, ops []logoot.Op) {
		emits = append(emits, emitted{key: key, ops: ops})
	})

	field := store.GetField("unit-1", FieldNotes)
	store.ApplyLocalInsert(field, 0, "ab")
	assert.Equal(t, 1, len(emits))
	assert.Equal(t, field.Key(), emits[0].key)
	assert.Equal(t, 2, len(emits[0].ops))

	// a no-op edit emits nothing
	store.ApplyLocalDelete(field, 5, 1)
	assert.Equal(t, 1, len(emits))
}

func TestRemoteOpsCreateAndMerge(t *testing.T) {
	store := NewFieldStore(NewId())

	other := logoot.NewText(NewId().Site())
	ops := other.Insert(0, "remote")

	store.ApplyRemoteOps("unit-9", FieldNotes, ops)
	assert.Equal(t, "remote", store.Read("unit-9", FieldNotes))

	// duplicate delivery has no additional effect
	store.ApplyRemoteOps("unit-9", FieldNotes, ops)
	assert.Equal(t, "remote", store.Read("unit-9", FieldNotes))
}

func TestRemoteOpsInvalidBatchDropped(t *testing.T) {
	store := NewFieldStore(NewId())

	other := logoot.NewText(NewId().Site())
	ops := other.Insert(0, "ok")
	ops = append(ops, logoot.Op{Kind: logoot.OpKind(9)})

	// an invalid batch is dropped whole, nothing partial applies
	store.ApplyRemoteOps("unit-9", FieldNotes, ops)
	assert.Equal(t, "", store.Read("unit-9", FieldNotes))
}

func TestChangeCallback(t *testing.T) {
	store := NewFieldStore(NewId())

	values := []string{}
	unsubscribe := store.AddChangeCallback(func(key FieldKey, value string) {
		values = append(values, value)
	})

	field := store.GetField("unit-1", FieldContent)
	store.ApplyLocalInsert(field, 0, "a")
	store.ApplyLocalInsert(field, 1, "b")
	assert.Equal(t, []string{"a", "ab"}, values)

	unsubscribe()
	unsubscribe()
	store.ApplyLocalInsert(field, 2, "c")
	assert.Equal(t, 2, len(values))
}

func TestEnsureUnit(t *testing.T) {
	store := NewFieldStore(NewId())

	store.EnsureUnit("unit-3")
	keys := store.Keys()
	assert.Equal(t, 2, len(keys))
	assert.Equal(t, "", store.Read("unit-3", FieldNotes))
	assert.Equal(t, "", store.Read("unit-3", FieldContent))
}

func TestStateRoundTrip(t *testing.T) {
	a := NewFieldStore(NewId())
	b := NewFieldStore(NewId())

	fieldA := a.GetField(ProjectUnitId, FieldPremise)
	a.ApplyLocalInsert(fieldA, 0, "two rivals co-write a play")

	fieldB := b.GetField(ProjectUnitId, FieldPremise)
	b.ApplyLocalInsert(fieldB, 0, "working title. ")

	b.MergeRemoteState(ProjectUnitId, FieldPremise, a.EncodeState(ProjectUnitId, FieldPremise))
	a.MergeRemoteState(ProjectUnitId, FieldPremise, b.EncodeState(ProjectUnitId, FieldPremise))

	assert.Equal(t, a.Read(ProjectUnitId, FieldPremise), b.Read(ProjectUnitId, FieldPremise))
	assert.Equal(t, fieldA.Len(), fieldB.Len())
}

func TestEncodeStateMissingField(t *testing.T) {
	store := NewFieldStore(NewId())
	assert.Equal(t, store.EncodeState("unit-1", FieldNotes), nil)
	// EncodeState must not materialize the field either
	assert.Equal(t, 0, len(store.Keys()))
}

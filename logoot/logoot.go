// Package logoot implements a replicated text sequence with Logoot
// position identifiers.
//
// Each atom (one rune) carries a position identifier that totally orders
// it against every other atom ever inserted, on every replica, without
// coordination. Concurrent inserts at the same visible position are
// ordered by the site component of the identifier, so all replicas
// resolve the interleaving identically. Deletes tombstone the atom
// rather than removing it, which keeps position references unambiguous
// under any delivery order.
//
// Operations are replayable on any replica: applying the same operation
// twice is a no-op, and a delete that arrives before its insert leaves a
// tombstone behind that the late insert cannot resurrect.
package logoot

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Site identifies the replica that allocated a position identifier.
// Sites are compared bytewise and break ties between identical position
// digits, so they must be unique per replica.
type Site [16]byte

// Ident is one level of a position identifier.
type Ident struct {
	Pos  uint32 `msgpack:"p"`
	Site Site   `msgpack:"s"`
}

// Pid is a Logoot position identifier: a path of idents. Pids are
// compared level by level, (Pos, Site) within a level, and a strict
// prefix orders before its extensions.
type Pid struct {
	Idents []Ident `msgpack:"i"`
}

func (self Pid) Compare(other Pid) int {
	for i := 0; i < len(self.Idents) && i < len(other.Idents); i += 1 {
		a := self.Idents[i]
		b := other.Idents[i]
		if a.Pos != b.Pos {
			if a.Pos < b.Pos {
				return -1
			}
			return 1
		}
		if c := bytes.Compare(a.Site[:], b.Site[:]); c != 0 {
			return c
		}
	}
	if len(self.Idents) != len(other.Idents) {
		if len(self.Idents) < len(other.Idents) {
			return -1
		}
		return 1
	}
	return 0
}

func (self Pid) String() string {
	var out bytes.Buffer
	for i, ident := range self.Idents {
		if 0 < i {
			out.WriteByte('.')
		}
		fmt.Fprintf(&out, "%d~%x", ident.Pos, ident.Site[0:4])
	}
	return out.String()
}

type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is a unit of change replayable by any replica.
type Op struct {
	Kind  OpKind `msgpack:"k"`
	Pid   Pid    `msgpack:"p"`
	Value rune   `msgpack:"v"`
}

func (self Op) Validate() error {
	switch self.Kind {
	case OpInsert, OpDelete:
	default:
		return fmt.Errorf("unknown op kind %d", self.Kind)
	}
	if len(self.Pid.Idents) == 0 {
		return fmt.Errorf("op with empty pid")
	}
	return nil
}

// EncodeOps serializes a batch of ops. The encoding is the replication
// payload both directions on the wire and must match on all replicas.
func EncodeOps(ops []Op) ([]byte, error) {
	return msgpack.Marshal(ops)
}

func DecodeOps(b []byte) ([]Op, error) {
	var ops []Op
	if err := msgpack.Unmarshal(b, &ops); err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

type atom struct {
	pid     Pid
	value   rune
	deleted bool
}

// Text is one replica of a replicated text sequence.
// Not safe for concurrent use; the owner serializes access.
type Text struct {
	site  Site
	atoms []atom
}

func NewText(site Site) *Text {
	return &Text{
		site: site,
	}
}

// search returns the index of pid in the atom slice and whether an atom
// with exactly that pid exists. When absent, the index is the insertion
// point that keeps the slice sorted.
func (self *Text) search(pid Pid) (int, bool) {
	i := sort.Search(len(self.atoms), func(i int) bool {
		return 0 <= self.atoms[i].pid.Compare(pid)
	})
	if i < len(self.atoms) && self.atoms[i].pid.Compare(pid) == 0 {
		return i, true
	}
	return i, false
}

// visibleIndex returns the atom slice index of the i-th visible rune.
// Returns len(atoms) when i is at or past the end.
func (self *Text) visibleIndex(i int) int {
	if i < 0 {
		i = 0
	}
	seen := 0
	for j, a := range self.atoms {
		if a.deleted {
			continue
		}
		if seen == i {
			return j
		}
		seen += 1
	}
	return len(self.atoms)
}

// Insert inserts s at visible rune index i and returns the ops to
// replicate the edit. The index is clamped to the current visible
// length. The edit is visible to String immediately.
func (self *Text) Insert(i int, s string) []Op {
	at := self.visibleIndex(i)

	left := Pid{}
	// anchor on the nearest atom to the left, tombstoned or not
	if 0 < at {
		left = self.atoms[at-1].pid
	}

	ops := []Op{}
	for _, r := range s {
		right := Pid{}
		if at < len(self.atoms) {
			right = self.atoms[at].pid
		}
		pid := generatePid(left, right, self.site)
		self.atoms = append(self.atoms, atom{})
		copy(self.atoms[at+1:], self.atoms[at:])
		self.atoms[at] = atom{
			pid:   pid,
			value: r,
		}
		ops = append(ops, Op{
			Kind:  OpInsert,
			Pid:   pid,
			Value: r,
		})
		left = pid
		at += 1
	}
	return ops
}

// Delete tombstones n visible runes starting at visible index i and
// returns the ops to replicate the edit.
func (self *Text) Delete(i int, n int) []Op {
	ops := []Op{}
	at := self.visibleIndex(i)
	for 0 < n && at < len(self.atoms) {
		if self.atoms[at].deleted {
			at += 1
			continue
		}
		self.atoms[at].deleted = true
		ops = append(ops, Op{
			Kind: OpDelete,
			Pid:  self.atoms[at].pid,
		})
		at += 1
		n -= 1
	}
	return ops
}

// Apply merges one remote op. Duplicate delivery is a no-op. A delete
// for a pid not seen yet records a tombstone so that the insert, when it
// arrives, does not resurrect the atom.
func (self *Text) Apply(op Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	at, found := self.search(op.Pid)
	switch op.Kind {
	case OpInsert:
		if found {
			// duplicate delivery
			return nil
		}
		self.atoms = append(self.atoms, atom{})
		copy(self.atoms[at+1:], self.atoms[at:])
		self.atoms[at] = atom{
			pid:   op.Pid,
			value: op.Value,
		}
	case OpDelete:
		if found {
			self.atoms[at].deleted = true
		} else {
			// delete delivered before its insert
			self.atoms = append(self.atoms, atom{})
			copy(self.atoms[at+1:], self.atoms[at:])
			self.atoms[at] = atom{
				pid:     op.Pid,
				deleted: true,
			}
		}
	}
	return nil
}

// ApplyAll merges a batch of remote ops, stopping at the first invalid
// op. Valid ops before the invalid one stay applied.
func (self *Text) ApplyAll(ops []Op) error {
	for _, op := range ops {
		if err := self.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// String returns the visible text.
func (self *Text) String() string {
	var out bytes.Buffer
	for _, a := range self.atoms {
		if a.deleted {
			continue
		}
		out.WriteRune(a.value)
	}
	return out.String()
}

// Len returns the visible length in runes.
func (self *Text) Len() int {
	n := 0
	for _, a := range self.atoms {
		if !a.deleted {
			n += 1
		}
	}
	return n
}

type stateAtom struct {
	Pid     Pid  `msgpack:"p"`
	Value   rune `msgpack:"v"`
	Deleted bool `msgpack:"d"`
}

// EncodeState serializes the full replica state, tombstones included.
// A replica that merges this state converges with this one.
func (self *Text) EncodeState() ([]byte, error) {
	atoms := make([]stateAtom, len(self.atoms))
	for i, a := range self.atoms {
		atoms[i] = stateAtom{
			Pid:     a.pid,
			Value:   a.value,
			Deleted: a.deleted,
		}
	}
	return msgpack.Marshal(atoms)
}

// MergeState merges a full state produced by EncodeState on any replica.
// The merge is a union by pid with tombstones winning, so it is
// commutative and idempotent and never drops local atoms.
func (self *Text) MergeState(b []byte) error {
	var atoms []stateAtom
	if err := msgpack.Unmarshal(b, &atoms); err != nil {
		return err
	}
	for _, sa := range atoms {
		if len(sa.Pid.Idents) == 0 {
			return fmt.Errorf("state atom with empty pid")
		}
	}
	for _, sa := range atoms {
		at, found := self.search(sa.Pid)
		if found {
			if sa.Deleted {
				self.atoms[at].deleted = true
			}
			continue
		}
		self.atoms = append(self.atoms, atom{})
		copy(self.atoms[at+1:], self.atoms[at:])
		self.atoms[at] = atom{
			pid:     sa.Pid,
			value:   sa.Value,
			deleted: sa.Deleted,
		}
	}
	return nil
}

const posBoundary = 64

// generatePid allocates a pid strictly between left and right for site.
// An empty left is the virtual beginning of the document and an empty
// right the virtual end.
func generatePid(left Pid, right Pid, site Site) Pid {
	idents := []Ident{}
	// rightBounds is cleared once a copied ident orders strictly below
	// right at its level, after which right no longer constrains deeper
	// levels
	rightBounds := true
	for i := 0; ; i += 1 {
		leftIdent := Ident{}
		if i < len(left.Idents) {
			leftIdent = left.Idents[i]
		}
		rightPos := uint32(math.MaxUint32)
		if rightBounds && i < len(right.Idents) {
			rightPos = right.Idents[i].Pos
		}
		if leftIdent.Pos < math.MaxUint32 && leftIdent.Pos+1 < rightPos {
			// allocate close after left, leaving room for subsequent
			// appends at the same level
			gap := rightPos - leftIdent.Pos
			step := gap / 2
			if posBoundary < step {
				step = posBoundary
			}
			idents = append(idents, Ident{
				Pos:  leftIdent.Pos + step,
				Site: site,
			})
			return Pid{Idents: idents}
		}
		idents = append(idents, leftIdent)
		if rightBounds && i < len(right.Idents) {
			rightIdent := right.Idents[i]
			if leftIdent.Pos < rightIdent.Pos {
				rightBounds = false
			} else if leftIdent.Pos == rightIdent.Pos && bytes.Compare(leftIdent.Site[:], rightIdent.Site[:]) < 0 {
				rightBounds = false
			}
		}
	}
}

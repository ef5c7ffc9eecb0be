// Package scene holds the authoritative furniture objects of one room together
// with the change log that backs undo and redo.
//
// A Store is not safe for concurrent use. The owning room serializes access.
package scene

import (
	"errors"
	"sort"

	"github.com/manpreetbhatti/roomsync/internal/geom"
)

var (
	ErrDuplicateObject = errors.New("object already exists")
	ErrObjectNotFound  = errors.New("object not found")
	ErrInvalidObject   = errors.New("invalid object")
	ErrNothingToUndo   = errors.New("nothing to undo")
	ErrNothingToRedo   = errors.New("nothing to redo")
)

// Object is a placed piece of furniture.
type Object struct {
	ID          string    `json:"id" cbor:"id"`
	CatalogRef  string    `json:"catalog_ref" cbor:"catalog_ref"`
	Position    geom.Vec3 `json:"position" cbor:"position"`
	Rotation    geom.Vec3 `json:"rotation" cbor:"rotation"`
	Extent      geom.Vec3 `json:"extent" cbor:"extent"`
	IsColliding bool      `json:"is_colliding" cbor:"is_colliding"`
}

// Box returns the object's axis-aligned volume in room coordinates.
func (o Object) Box() geom.Box {
	return geom.Footprint(o.Position, o.Extent, o.Rotation.Y)
}

type OpKind string

const (
	OpAdd    OpKind = "add"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Origin tells whether an operation came from a direct edit or from history.
type Origin string

const (
	OriginEdit Origin = "edit"
	OriginUndo Origin = "undo"
	OriginRedo Origin = "redo"
)

// Operation is one entry of the change log.
type Operation struct {
	Seq       uint64 `json:"seq"`
	Kind      OpKind `json:"kind"`
	Origin    Origin `json:"origin"`
	ObjectID  string `json:"object_id"`
	SessionID string `json:"session_id"`
	// Object is the state after an add, or the state removed by a delete.
	Object        *Object   `json:"object,omitempty"`
	PositionDelta geom.Vec3 `json:"position_delta"`
	RotationDelta geom.Vec3 `json:"rotation_delta"`
}

// placement is an object's absolute position and rotation.
type placement struct {
	position geom.Vec3
	rotation geom.Vec3
}

// entry is a reversible step kept on a session's undo or redo stack. Updates
// keep the placement on both sides so replay restores exact values.
type entry struct {
	kind   OpKind
	object Object
	before placement
	after  placement
}

func (e entry) objectID() string { return e.object.ID }

func (e entry) inverse() entry {
	switch e.kind {
	case OpAdd:
		return entry{kind: OpDelete, object: e.object}
	case OpDelete:
		return entry{kind: OpAdd, object: e.object}
	default:
		return entry{kind: OpUpdate, object: e.object, before: e.after, after: e.before}
	}
}

type Options struct {
	// HistoryLimit bounds each session's undo stack and the retained log.
	// Zero means unbounded.
	HistoryLimit int
}

type Store struct {
	objects map[string]*Object
	log     []Operation
	seq     uint64
	undo    map[string][]entry
	redo    map[string][]entry
	limit   int
}

func New(opts Options) *Store {
	return &Store{
		objects: make(map[string]*Object),
		undo:    make(map[string][]entry),
		redo:    make(map[string][]entry),
		limit:   opts.HistoryLimit,
	}
}

// Load seeds the store with objects from durable storage. Loaded objects are
// not logged and cannot be undone. Duplicate ids keep the first occurrence.
func (s *Store) Load(objects []Object) {
	for _, o := range objects {
		if _, ok := s.objects[o.ID]; ok || o.ID == "" {
			continue
		}
		obj := o
		s.objects[o.ID] = &obj
	}
}

func (s *Store) Add(sessionID string, obj Object) (Operation, error) {
	if obj.ID == "" {
		return Operation{}, ErrInvalidObject
	}
	op, done, err := s.apply(sessionID, entry{kind: OpAdd, object: obj}, OriginEdit)
	if err != nil {
		return Operation{}, err
	}
	s.record(sessionID, done)
	return op, nil
}

// Update places an object at an absolute position and rotation.
func (s *Store) Update(sessionID, objectID string, position, rotation geom.Vec3) (Operation, error) {
	e := entry{kind: OpUpdate, object: Object{ID: objectID}, after: placement{position, rotation}}
	op, done, err := s.apply(sessionID, e, OriginEdit)
	if err != nil {
		return Operation{}, err
	}
	s.record(sessionID, done)
	return op, nil
}

func (s *Store) Delete(sessionID, objectID string) (Operation, error) {
	op, done, err := s.apply(sessionID, entry{kind: OpDelete, object: Object{ID: objectID}}, OriginEdit)
	if err != nil {
		return Operation{}, err
	}
	s.record(sessionID, done)
	return op, nil
}

// Undo reverts the most recent operation authored by sessionID that has not
// already been undone.
func (s *Store) Undo(sessionID string) (Operation, error) {
	stack := s.undo[sessionID]
	if len(stack) == 0 {
		return Operation{}, ErrNothingToUndo
	}
	top := stack[len(stack)-1]
	op, done, err := s.apply(sessionID, top.inverse(), OriginUndo)
	if err != nil {
		if stale(err) {
			s.undo[sessionID] = stack[:len(stack)-1]
		}
		return Operation{}, err
	}
	s.undo[sessionID] = stack[:len(stack)-1]
	// redo brings back the state as it was just before this undo
	s.redo[sessionID] = append(s.redo[sessionID], done.inverse())
	return op, nil
}

func (s *Store) Redo(sessionID string) (Operation, error) {
	stack := s.redo[sessionID]
	if len(stack) == 0 {
		return Operation{}, ErrNothingToRedo
	}
	top := stack[len(stack)-1]
	op, done, err := s.apply(sessionID, top, OriginRedo)
	if err != nil {
		if stale(err) {
			s.redo[sessionID] = stack[:len(stack)-1]
		}
		return Operation{}, err
	}
	s.redo[sessionID] = stack[:len(stack)-1]
	s.undo[sessionID] = s.trim(append(s.undo[sessionID], done))
	return op, nil
}

// PeekUndo returns the object the next Undo by sessionID would touch.
func (s *Store) PeekUndo(sessionID string) (string, bool) {
	stack := s.undo[sessionID]
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1].objectID(), true
}

func (s *Store) PeekRedo(sessionID string) (string, bool) {
	stack := s.redo[sessionID]
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1].objectID(), true
}

// Forget drops the history of a departed session.
func (s *Store) Forget(sessionID string) {
	delete(s.undo, sessionID)
	delete(s.redo, sessionID)
}

func (s *Store) Get(id string) (Object, bool) {
	o, ok := s.objects[id]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Objects returns a copy of all objects ordered by id.
func (s *Store) Objects() []Object {
	out := make([]Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int { return len(s.objects) }

// Seq is the sequence number of the last applied operation.
func (s *Store) Seq() uint64 { return s.seq }

// Log returns a copy of the retained change log, oldest first.
func (s *Store) Log() []Operation {
	out := make([]Operation, len(s.log))
	copy(out, s.log)
	return out
}

// MarkColliding sets the derived collision flag on every object and returns
// the ids whose flag changed.
func (s *Store) MarkColliding(colliding map[string]bool) []string {
	var changed []string
	for id, o := range s.objects {
		if o.IsColliding != colliding[id] {
			o.IsColliding = colliding[id]
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// apply mutates the object set and appends to the log. It returns the entry
// as actually applied: the object removed by a delete, the object stored by an
// add, and the placement an update replaced.
func (s *Store) apply(sessionID string, e entry, origin Origin) (Operation, entry, error) {
	id := e.objectID()
	op := Operation{Kind: e.kind, Origin: origin, ObjectID: id, SessionID: sessionID}

	done := e
	switch e.kind {
	case OpAdd:
		if _, ok := s.objects[id]; ok {
			return Operation{}, entry{}, ErrDuplicateObject
		}
		obj := e.object
		obj.IsColliding = false
		s.objects[id] = &obj
		done.object = obj
		added := obj
		op.Object = &added
	case OpUpdate:
		obj, ok := s.objects[id]
		if !ok {
			return Operation{}, entry{}, ErrObjectNotFound
		}
		done.before = placement{obj.Position, obj.Rotation}
		obj.Position = e.after.position
		obj.Rotation = e.after.rotation
		done.object = Object{ID: id}
		op.PositionDelta = done.after.position.Sub(done.before.position)
		op.RotationDelta = done.after.rotation.Sub(done.before.rotation)
	case OpDelete:
		obj, ok := s.objects[id]
		if !ok {
			return Operation{}, entry{}, ErrObjectNotFound
		}
		done.object = *obj
		done.object.IsColliding = false
		delete(s.objects, id)
		removed := done.object
		op.Object = &removed
	}

	s.seq++
	op.Seq = s.seq
	s.log = append(s.log, op)
	if s.limit > 0 && len(s.log) > s.limit*4 {
		s.log = append([]Operation(nil), s.log[len(s.log)-s.limit*2:]...)
	}
	if origin == OriginEdit {
		for sid := range s.redo {
			delete(s.redo, sid)
		}
	}
	return op, done, nil
}

// stale reports whether a history entry can never apply again because another
// session removed or recreated its object.
func stale(err error) bool {
	return errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrDuplicateObject)
}

func (s *Store) record(sessionID string, e entry) {
	s.undo[sessionID] = s.trim(append(s.undo[sessionID], e))
}

func (s *Store) trim(stack []entry) []entry {
	if s.limit > 0 && len(stack) > s.limit {
		return append([]entry(nil), stack[len(stack)-s.limit:]...)
	}
	return stack
}

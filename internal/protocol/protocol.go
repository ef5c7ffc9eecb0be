// Package protocol defines the messages exchanged with editor clients.
//
// Every frame carries one Envelope. The envelope type names the event and the
// data field holds the event payload, encoded with the connection's Codec.
package protocol

import (
	"time"

	"github.com/manpreetbhatti/roomsync/internal/collision"
	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/lock"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

// Inbound event types
const (
	TypeJoinRoom        = "join_room"
	TypeLeaveRoom       = "leave_room"
	TypeUpdatePresence  = "update_presence"
	TypeFurnitureAdd    = "furniture_add"
	TypeFurnitureUpdate = "furniture_update"
	TypeFurnitureDelete = "furniture_delete"
	TypeRequestLock     = "request_lock"
	TypeReleaseLock     = "release_lock"
	TypeValidateLayout  = "validate_layout"
	TypeUndo            = "undo"
	TypeRedo            = "redo"
	TypeRequestSnapshot = "request_snapshot"
	TypeSaveProject     = "save_project"
)

// Outbound event types
const (
	TypeRoomJoined        = "room_joined"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeCurrentUsers      = "current_users"
	TypeCurrentLocks      = "current_locks"
	TypePresenceUpdated   = "presence_updated"
	TypeFurnitureAdded    = "furniture_added"
	TypeFurnitureUpdated  = "furniture_updated"
	TypeFurnitureDeleted  = "furniture_deleted"
	TypeObjectLocked      = "object_locked"
	TypeObjectUnlocked    = "object_unlocked"
	TypeValidationResult  = "validation_result"
	TypeCollisionDetected = "collision_detected"
	TypeStateSnapshot     = "state_snapshot"
	TypeProjectSaved      = "project_saved"
	TypeError             = "error"
)

// Envelope is the unit of every frame. Data is decoded lazily by the handler
// that owns the event type.
type Envelope struct {
	Type      string `json:"type" cbor:"type"`
	RequestID string `json:"request_id,omitempty" cbor:"request_id,omitempty"`
	Data      any    `json:"data,omitempty" cbor:"data,omitempty"`
}

// Inbound is a decoded client frame whose payload is still raw.
type Inbound struct {
	Type      string
	RequestID string
	raw       []byte
	codec     Codec
}

// Bind decodes the payload into v.
func (in Inbound) Bind(v any) error {
	if len(in.raw) == 0 {
		return nil
	}
	return in.codec.decodeData(in.raw, v)
}

// NewInbound builds an Inbound from an already encoded payload. Used by tests
// and by the HTTP bridge.
func NewInbound(codec Codec, eventType string, data any) (Inbound, error) {
	in := Inbound{Type: eventType, codec: codec}
	if data == nil {
		return in, nil
	}
	raw, err := codec.encodeData(data)
	if err != nil {
		return Inbound{}, err
	}
	in.raw = raw
	return in, nil
}

// Inbound payloads

type JoinRoom struct {
	ProjectID string `json:"project_id" cbor:"project_id"`
	// Nickname overrides the display name supplied by authentication.
	Nickname string `json:"nickname,omitempty" cbor:"nickname,omitempty"`
}

type UpdatePresence struct {
	CursorPosition geom.Vec3 `json:"cursor_position" cbor:"cursor_position"`
}

type FurnitureAdd struct {
	Furniture scene.Object `json:"furniture" cbor:"furniture"`
}

// FurnitureUpdate carries absolute values. An omitted field keeps its
// current value; at least one must be present.
type FurnitureUpdate struct {
	FurnitureID string     `json:"furniture_id" cbor:"furniture_id"`
	Position    *geom.Vec3 `json:"position,omitempty" cbor:"position,omitempty"`
	Rotation    *geom.Vec3 `json:"rotation,omitempty" cbor:"rotation,omitempty"`
}

type FurnitureRef struct {
	FurnitureID string `json:"furniture_id" cbor:"furniture_id"`
}

type ValidateLayout struct {
	RoomDimensions *geom.Dimensions `json:"room_dimensions,omitempty" cbor:"room_dimensions,omitempty"`
}

// Outbound payloads

type Participant struct {
	SessionID      string     `json:"sid" cbor:"sid"`
	UserID         string     `json:"user_id" cbor:"user_id"`
	Nickname       string     `json:"nickname" cbor:"nickname"`
	Color          string     `json:"color" cbor:"color"`
	CursorPosition *geom.Vec3 `json:"cursor_position,omitempty" cbor:"cursor_position,omitempty"`
}

type Snapshot struct {
	ProjectID      string           `json:"project_id" cbor:"project_id"`
	Seq            uint64           `json:"seq" cbor:"seq"`
	RoomDimensions geom.Dimensions  `json:"room_dimensions" cbor:"room_dimensions"`
	Furniture      []scene.Object   `json:"furniture" cbor:"furniture"`
	Locks          []lock.Lock      `json:"locks" cbor:"locks"`
	Users          []Participant    `json:"users" cbor:"users"`
	Collisions     collision.Report `json:"collisions" cbor:"collisions"`
}

type RoomJoined struct {
	SessionID string   `json:"sid" cbor:"sid"`
	Color     string   `json:"color" cbor:"color"`
	State     Snapshot `json:"state" cbor:"state"`
}

type UserLeft struct {
	SessionID string `json:"sid" cbor:"sid"`
	UserID    string `json:"user_id" cbor:"user_id"`
}

type CurrentUsers struct {
	Users []Participant `json:"users" cbor:"users"`
}

type CurrentLocks struct {
	Locks []lock.Lock `json:"locks" cbor:"locks"`
}

type PresenceUpdated struct {
	SessionID      string    `json:"sid" cbor:"sid"`
	UserID         string    `json:"user_id" cbor:"user_id"`
	CursorPosition geom.Vec3 `json:"cursor_position" cbor:"cursor_position"`
	Color          string    `json:"color" cbor:"color"`
}

// FurnitureChanged is the payload of furniture_added, furniture_updated and
// furniture_deleted. SessionID names the originator so it can drop the echo of
// its own optimistic edit.
type FurnitureChanged struct {
	Seq         uint64        `json:"seq" cbor:"seq"`
	SessionID   string        `json:"sid" cbor:"sid"`
	Origin      scene.Origin  `json:"origin" cbor:"origin"`
	FurnitureID string        `json:"furniture_id" cbor:"furniture_id"`
	Furniture   *scene.Object `json:"furniture,omitempty" cbor:"furniture,omitempty"`
	Position    *geom.Vec3    `json:"position,omitempty" cbor:"position,omitempty"`
	Rotation    *geom.Vec3    `json:"rotation,omitempty" cbor:"rotation,omitempty"`
}

type ObjectLocked struct {
	FurnitureID string    `json:"furniture_id" cbor:"furniture_id"`
	LockedBy    string    `json:"locked_by" cbor:"locked_by"`
	AcquiredAt  time.Time `json:"acquired_at" cbor:"acquired_at"`
}

// Unlock reasons
const (
	ReasonReleased     = "released"
	ReasonDisconnected = "disconnected"
	ReasonExpired      = "expired"
	ReasonDeleted      = "deleted"
)

type ObjectUnlocked struct {
	FurnitureID string `json:"furniture_id" cbor:"furniture_id"`
	Reason      string `json:"reason" cbor:"reason"`
}

type ProjectSaved struct {
	ProjectID string `json:"project_id" cbor:"project_id"`
	Seq       uint64 `json:"seq" cbor:"seq"`
	Objects   int    `json:"objects" cbor:"objects"`
}

type Error struct {
	Code        string `json:"code" cbor:"code"`
	Message     string `json:"message" cbor:"message"`
	Request     string `json:"request" cbor:"request"`
	FurnitureID string `json:"furniture_id,omitempty" cbor:"furniture_id,omitempty"`
	LockedBy    string `json:"locked_by,omitempty" cbor:"locked_by,omitempty"`
}

// Error codes
const (
	CodeObjectNotFound = "object_not_found"
	CodeLockDenied     = "lock_denied"
	CodeLockNotHolder  = "lock_not_holder"
	CodeRoomNotFound   = "room_not_found"
	CodeNothingToUndo  = "nothing_to_undo"
	CodeNothingToRedo  = "nothing_to_redo"
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownEvent   = "unknown_event"
	CodeNotJoined      = "not_joined"
	CodeStorageError   = "storage_error"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

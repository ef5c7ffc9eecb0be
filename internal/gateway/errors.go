package gateway

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/roomsync/internal/lock"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrStorage        = errors.New("storage unavailable")
)

// objectError attaches the object, and the lock holder on denial, to a
// sentinel error so the client can tell which of its edits failed.
type objectError struct {
	furnitureID string
	lockedBy    string
	err         error
}

func (e *objectError) Error() string {
	if e.lockedBy != "" {
		return fmt.Sprintf("%s: %v (held by %s)", e.furnitureID, e.err, e.lockedBy)
	}
	return fmt.Sprintf("%s: %v", e.furnitureID, e.err)
}

func (e *objectError) Unwrap() error { return e.err }

func onObject(id string, err error) error {
	return &objectError{furnitureID: id, err: err}
}

func denied(l lock.Lock) error {
	return &objectError{furnitureID: l.ObjectID, lockedBy: l.HolderID, err: lock.ErrDenied}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

var codes = []struct {
	err  error
	code string
}{
	{room.ErrNotJoined, protocol.CodeNotJoined},
	{room.ErrRoomNotFound, protocol.CodeRoomNotFound},
	{room.ErrLoad, protocol.CodeStorageError},
	{ErrStorage, protocol.CodeStorageError},
	{scene.ErrObjectNotFound, protocol.CodeObjectNotFound},
	{scene.ErrInvalidObject, protocol.CodeInvalidPayload},
	{ErrInvalidPayload, protocol.CodeInvalidPayload},
	{lock.ErrDenied, protocol.CodeLockDenied},
	{lock.ErrNotHolder, protocol.CodeLockNotHolder},
	{scene.ErrNothingToUndo, protocol.CodeNothingToUndo},
	{scene.ErrNothingToRedo, protocol.CodeNothingToRedo},
	{ErrUnknownEvent, protocol.CodeUnknownEvent},
	{ratelimit.ErrRateLimited, protocol.CodeRateLimited},
}

// Code maps an error to its wire code.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return protocol.CodeInternal
}

func errorPayload(request string, err error) protocol.Error {
	payload := protocol.Error{Code: Code(err), Message: err.Error(), Request: request}
	var oe *objectError
	if errors.As(err, &oe) {
		payload.FurnitureID = oe.furnitureID
		payload.LockedBy = oe.lockedBy
	}
	if payload.Code == protocol.CodeInternal {
		payload.Message = "internal error"
	}
	return payload
}

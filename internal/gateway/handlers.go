package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/roomsync/internal/catalog"
	"github.com/manpreetbhatti/roomsync/internal/lock"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

func bind(in protocol.Inbound, v any) error {
	if err := in.Bind(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (g *Gateway) handleJoin(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.JoinRoom
	if err := bind(in, &req); err != nil {
		return err
	}
	if req.ProjectID == "" {
		return invalid("project_id is required")
	}
	if c.SessionID() != "" {
		if err := g.leave(ctx, c, protocol.ReasonReleased); err != nil && !errors.Is(err, room.ErrNotJoined) {
			return err
		}
	}

	name := req.Nickname
	if name == "" {
		name = c.displayName
	}
	if name == "" {
		name = "Anonymous"
	}

	var (
		departed []string
		joined   protocol.Participant
	)
	_, err := g.registry.Join(ctx, req.ProjectID, c.userID, name, c.peer, func(rm *room.Room, p *room.Participant) {
		c.bind(p.SessionID, rm.ProjectID)
		t := &tx{g: g, rm: rm, conn: c, sid: p.SessionID}

		snap := rm.Snapshot()
		t.reply(in, protocol.TypeRoomJoined, protocol.RoomJoined{SessionID: p.SessionID, Color: p.Color, State: snap})
		t.reply(in, protocol.TypeCurrentUsers, protocol.CurrentUsers{Users: snap.Users})
		if len(snap.Locks) > 0 {
			t.reply(in, protocol.TypeCurrentLocks, protocol.CurrentLocks{Locks: snap.Locks})
		}
		joined = p.View()
		t.broadcastOthers(protocol.TypeUserJoined, joined)
		t.evictSlow()
		departed = t.departed
	})
	if err != nil {
		return err
	}
	for _, sid := range departed {
		g.presence.Forget(ctx, req.ProjectID, sid)
	}
	g.presence.Announce(ctx, req.ProjectID, joined)
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, c *Conn, _ protocol.Inbound) error {
	return g.leave(ctx, c, protocol.ReasonReleased)
}

// leave runs the cascade for the connection's current session: locks are
// released and announced before the session disappears from the room.
func (g *Gateway) leave(ctx context.Context, c *Conn, reason string) error {
	sid, projectID := c.unbind()
	if sid == "" {
		return room.ErrNotJoined
	}
	var departed []string
	err := g.registry.Leave(sid, func(rm *room.Room, p *room.Participant) {
		t := &tx{g: g, rm: rm, sid: sid}
		t.depart(p, reason)
		t.evictSlow()
		departed = t.departed
	})
	for _, s := range departed {
		g.presence.Forget(ctx, projectID, s)
	}
	return err
}

func (g *Gateway) handlePresence(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.UpdatePresence
	if err := bind(in, &req); err != nil {
		return err
	}
	sid := c.SessionID()
	if sid == "" {
		return room.ErrNotJoined
	}
	err := g.presence.UpdateCursor(ctx, sid, req.CursorPosition)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return nil
	}
	return err
}

func (g *Gateway) handleAdd(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.FurnitureAdd
	if err := bind(in, &req); err != nil {
		return err
	}
	obj := req.Furniture
	if obj.ID == "" {
		return invalid("furniture.id is required")
	}
	if obj.Extent.IsZero() && obj.CatalogRef != "" && g.catalog != nil {
		extent, err := g.catalog.Resolve(ctx, obj.CatalogRef)
		switch {
		case errors.Is(err, catalog.ErrUnknownItem):
			return invalid("unknown catalog item %q", obj.CatalogRef)
		case err != nil:
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		obj.Extent = extent
	}
	if obj.Extent.X <= 0 || obj.Extent.Y <= 0 || obj.Extent.Z <= 0 {
		return onObject(obj.ID, invalid("extent must be positive, got %v", obj.Extent))
	}

	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	op, err := t.rm.Scene.Add(t.sid, obj)
	if errors.Is(err, scene.ErrDuplicateObject) {
		g.log.WithFields(logrus.Fields{
			"project_id":   t.rm.ProjectID,
			"session_id":   t.sid,
			"furniture_id": obj.ID,
		}).Info("Ignoring duplicate add")
		return nil
	}
	if err != nil {
		return onObject(obj.ID, err)
	}
	t.emit(op)
	return nil
}

func (g *Gateway) handleUpdate(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.FurnitureUpdate
	if err := bind(in, &req); err != nil {
		return err
	}
	if req.FurnitureID == "" {
		return invalid("furniture_id is required")
	}
	if req.Position == nil && req.Rotation == nil {
		return invalid("position or rotation is required")
	}

	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	cur, ok := t.rm.Scene.Get(req.FurnitureID)
	if !ok {
		return onObject(req.FurnitureID, scene.ErrObjectNotFound)
	}
	if err := g.checkLock(t, req.FurnitureID); err != nil {
		return err
	}

	position, rotation := cur.Position, cur.Rotation
	if req.Position != nil {
		position = *req.Position
	}
	if req.Rotation != nil {
		rotation = *req.Rotation
	}
	op, err := t.rm.Scene.Update(t.sid, req.FurnitureID, position, rotation)
	if err != nil {
		return onObject(req.FurnitureID, err)
	}
	t.emit(op)
	return nil
}

func (g *Gateway) handleDelete(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.FurnitureRef
	if err := bind(in, &req); err != nil {
		return err
	}
	if req.FurnitureID == "" {
		return invalid("furniture_id is required")
	}

	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	if err := g.checkLock(t, req.FurnitureID); err != nil {
		return err
	}
	op, err := t.rm.Scene.Delete(t.sid, req.FurnitureID)
	if err != nil {
		return onObject(req.FurnitureID, err)
	}
	t.emit(op)
	return nil
}

func (g *Gateway) handleUndo(ctx context.Context, c *Conn, _ protocol.Inbound) error {
	return g.replay(ctx, c, (*scene.Store).PeekUndo, (*scene.Store).Undo)
}

func (g *Gateway) handleRedo(ctx context.Context, c *Conn, _ protocol.Inbound) error {
	return g.replay(ctx, c, (*scene.Store).PeekRedo, (*scene.Store).Redo)
}

// replay applies the session's next undo or redo step, subject to the same
// lock rule as a direct edit of the affected object.
func (g *Gateway) replay(ctx context.Context, c *Conn,
	peek func(*scene.Store, string) (string, bool),
	apply func(*scene.Store, string) (scene.Operation, error),
) error {
	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	if id, ok := peek(t.rm.Scene, t.sid); ok {
		if err := g.checkLock(t, id); err != nil {
			return err
		}
	}
	op, err := apply(t.rm.Scene, t.sid)
	if err != nil {
		return err
	}
	t.emit(op)
	return nil
}

func (g *Gateway) checkLock(t *tx, objectID string) error {
	if err := t.rm.Locks.Check(objectID, t.sid); err != nil {
		if l, ok := t.rm.Locks.Holder(objectID); ok {
			return denied(l)
		}
		return onObject(objectID, err)
	}
	return nil
}

func (g *Gateway) handleRequestLock(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.FurnitureRef
	if err := bind(in, &req); err != nil {
		return err
	}
	if req.FurnitureID == "" {
		return invalid("furniture_id is required")
	}

	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	if _, ok := t.rm.Scene.Get(req.FurnitureID); !ok {
		return onObject(req.FurnitureID, scene.ErrObjectNotFound)
	}
	l, err := t.rm.Locks.Request(req.FurnitureID, t.sid)
	if errors.Is(err, lock.ErrDenied) {
		return denied(l)
	}
	if err != nil {
		return onObject(req.FurnitureID, err)
	}
	t.broadcast(protocol.TypeObjectLocked, protocol.ObjectLocked{
		FurnitureID: l.ObjectID,
		LockedBy:    l.HolderID,
		AcquiredAt:  l.AcquiredAt,
	})
	return nil
}

func (g *Gateway) handleReleaseLock(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.FurnitureRef
	if err := bind(in, &req); err != nil {
		return err
	}
	if req.FurnitureID == "" {
		return invalid("furniture_id is required")
	}

	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	if err := t.rm.Locks.Release(req.FurnitureID, t.sid); err != nil {
		return onObject(req.FurnitureID, err)
	}
	t.broadcast(protocol.TypeObjectUnlocked, protocol.ObjectUnlocked{FurnitureID: req.FurnitureID, Reason: protocol.ReasonReleased})
	return nil
}

func (g *Gateway) handleValidate(ctx context.Context, c *Conn, in protocol.Inbound) error {
	var req protocol.ValidateLayout
	if err := bind(in, &req); err != nil {
		return err
	}
	if req.RoomDimensions != nil && !req.RoomDimensions.Valid() {
		return invalid("room_dimensions must be positive")
	}

	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	if req.RoomDimensions != nil {
		t.rm.Dims = *req.RoomDimensions
	}
	changed := t.rm.Revalidate()
	t.reply(in, protocol.TypeValidationResult, t.rm.Report)
	if changed || !t.rm.Report.Valid {
		t.broadcast(protocol.TypeCollisionDetected, t.rm.Report)
	}
	return nil
}

func (g *Gateway) handleSnapshot(ctx context.Context, c *Conn, in protocol.Inbound) error {
	t, err := g.enter(c)
	if err != nil {
		return err
	}
	defer g.end(ctx, t)

	t.reply(in, protocol.TypeStateSnapshot, t.rm.Snapshot())
	return nil
}

func (g *Gateway) handleSave(ctx context.Context, c *Conn, in protocol.Inbound) error {
	if g.store == nil {
		return fmt.Errorf("%w: no project store configured", ErrStorage)
	}
	t, err := g.enter(c)
	if err != nil {
		return err
	}
	projectID := t.rm.ProjectID
	seq := t.rm.Scene.Seq()
	dims := t.rm.Dims
	objects := t.rm.Scene.Objects()
	g.end(ctx, t)

	if err := g.store.Save(ctx, projectID, dims, objects); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	g.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"seq":        seq,
		"objects":    len(objects),
	}).Info("Project saved")

	if !c.peer.Send(protocol.Envelope{
		Type:      protocol.TypeProjectSaved,
		RequestID: in.RequestID,
		Data:      protocol.ProjectSaved{ProjectID: projectID, Seq: seq, Objects: len(objects)},
	}) {
		c.peer.Close()
	}
	return nil
}

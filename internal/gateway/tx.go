package gateway

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

// tx is one pass through a room's critical section. Everything queued
// through it reaches peers in the order it was queued.
type tx struct {
	g        *Gateway
	rm       *room.Room
	conn     *Conn
	sid      string
	slow     []string
	departed []string
}

func (g *Gateway) begin(rm *room.Room, c *Conn, sessionID string) *tx {
	rm.Lock()
	return &tx{g: g, rm: rm, conn: c, sid: sessionID}
}

// end evicts peers that could not keep up, releases the room and runs the
// work that must happen outside the lock.
func (g *Gateway) end(ctx context.Context, t *tx) {
	t.evictSlow()
	projectID := t.rm.ProjectID
	departed := t.departed
	t.rm.Unlock()

	for _, sid := range departed {
		g.presence.Forget(ctx, projectID, sid)
	}
}

// enter opens a transaction for a joined connection.
func (g *Gateway) enter(c *Conn) (*tx, error) {
	sid := c.SessionID()
	if sid == "" {
		return nil, room.ErrNotJoined
	}
	rm, err := g.registry.RoomOf(sid)
	if err != nil {
		return nil, err
	}
	t := g.begin(rm, c, sid)
	if _, ok := rm.Participant(sid); !ok {
		rm.Unlock()
		return nil, room.ErrNotJoined
	}
	return t, nil
}

// broadcast queues an event for the whole room, originator included.
func (t *tx) broadcast(eventType string, data any) {
	t.slow = append(t.slow, t.rm.Broadcast(protocol.Envelope{Type: eventType, Data: data}, "")...)
}

func (t *tx) broadcastOthers(eventType string, data any) {
	t.slow = append(t.slow, t.rm.Broadcast(protocol.Envelope{Type: eventType, Data: data}, t.sid)...)
}

func (t *tx) reply(in protocol.Inbound, eventType string, data any) {
	if t.conn == nil {
		return
	}
	if !t.conn.peer.Send(protocol.Envelope{Type: eventType, RequestID: in.RequestID, Data: data}) {
		t.slow = append(t.slow, t.sid)
	}
}

// emit fans out an applied scene operation and the collision report if the
// operation changed it.
func (t *tx) emit(op scene.Operation) {
	changed := t.rm.Revalidate()

	ev := protocol.FurnitureChanged{
		Seq:         op.Seq,
		SessionID:   op.SessionID,
		Origin:      op.Origin,
		FurnitureID: op.ObjectID,
	}
	var eventType string
	switch op.Kind {
	case scene.OpAdd:
		eventType = protocol.TypeFurnitureAdded
		if obj, ok := t.rm.Scene.Get(op.ObjectID); ok {
			ev.Furniture = &obj
		}
	case scene.OpUpdate:
		eventType = protocol.TypeFurnitureUpdated
		if obj, ok := t.rm.Scene.Get(op.ObjectID); ok {
			ev.Furniture = &obj
			ev.Position = &obj.Position
			ev.Rotation = &obj.Rotation
		}
	case scene.OpDelete:
		eventType = protocol.TypeFurnitureDeleted
		ev.Furniture = op.Object
	}
	t.broadcast(eventType, ev)

	if op.Kind == scene.OpDelete {
		if _, held := t.rm.Locks.Drop(op.ObjectID); held {
			t.broadcast(protocol.TypeObjectUnlocked, protocol.ObjectUnlocked{FurnitureID: op.ObjectID, Reason: protocol.ReasonDeleted})
		}
	}
	if changed {
		t.broadcast(protocol.TypeCollisionDetected, t.rm.Report)
	}
	if t.g.journal != nil {
		t.g.journal.Record(t.rm.ProjectID, op)
	}
}

// depart releases everything a session holds and tells the rest of the room.
// The caller removes the session from the registry afterwards.
func (t *tx) depart(p *room.Participant, reason string) {
	for _, l := range t.rm.Locks.ReleaseAll(p.SessionID) {
		t.slow = append(t.slow, t.rm.Broadcast(protocol.Envelope{
			Type: protocol.TypeObjectUnlocked,
			Data: protocol.ObjectUnlocked{FurnitureID: l.ObjectID, Reason: reason},
		}, p.SessionID)...)
	}
	t.rm.Scene.Forget(p.SessionID)
	t.slow = append(t.slow, t.rm.Broadcast(protocol.Envelope{
		Type: protocol.TypeUserLeft,
		Data: protocol.UserLeft{SessionID: p.SessionID, UserID: p.UserID},
	}, p.SessionID)...)
	t.departed = append(t.departed, p.SessionID)
}

// evictSlow disconnects peers whose queue overflowed. Eviction broadcasts
// can overflow further peers, so it runs until no new ones appear.
func (t *tx) evictSlow() {
	for len(t.slow) > 0 {
		sid := t.slow[0]
		t.slow = t.slow[1:]
		p, ok := t.rm.Participant(sid)
		if !ok {
			continue
		}
		t.g.log.WithFields(logrus.Fields{
			"project_id": t.rm.ProjectID,
			"session_id": sid,
		}).Warn("Disconnecting slow peer")
		p.Peer().Close()
		t.depart(p, protocol.ReasonDisconnected)
		t.g.registry.Remove(t.rm, sid)
	}
}

// Package gateway is the single entry point for client events. It serializes
// every mutation of a room behind the room lock, applies it to the scene,
// recomputes collisions and fans the result out to the room.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/presence"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

// ProjectStore holds the durable layout of a project. Load of an unknown
// project returns its default dimensions and no objects.
type ProjectStore interface {
	Load(ctx context.Context, projectID string) (geom.Dimensions, []scene.Object, error)
	Save(ctx context.Context, projectID string, dims geom.Dimensions, objects []scene.Object) error
}

// Catalog resolves the bounding extent of a catalog item.
type Catalog interface {
	Resolve(ctx context.Context, catalogRef string) (geom.Vec3, error)
}

// Journal receives every accepted operation. Record must not block.
type Journal interface {
	Record(projectID string, op scene.Operation)
}

type Options struct {
	Store    ProjectStore
	Catalog  Catalog
	Journal  Journal
	Presence *presence.Tracker
	// RoomGrace is how long an empty room survives before teardown.
	RoomGrace time.Duration
	// Autosave writes a room's layout to the store when it is torn down.
	Autosave bool
}

type handlerFunc func(ctx context.Context, c *Conn, in protocol.Inbound) error

type Gateway struct {
	registry *room.Registry
	presence *presence.Tracker
	store    ProjectStore
	catalog  Catalog
	journal  Journal
	grace    time.Duration
	autosave bool
	handlers map[string]handlerFunc
	log      *logrus.Entry
}

func New(registry *room.Registry, opts Options) *Gateway {
	g := &Gateway{
		registry: registry,
		presence: opts.Presence,
		store:    opts.Store,
		catalog:  opts.Catalog,
		journal:  opts.Journal,
		grace:    opts.RoomGrace,
		autosave: opts.Autosave,
		log:      logrus.WithField("component", "gateway"),
	}
	if g.presence == nil {
		g.presence = presence.NewTracker(registry, nil, nil)
	}
	g.handlers = map[string]handlerFunc{
		protocol.TypeJoinRoom:        g.handleJoin,
		protocol.TypeLeaveRoom:       g.handleLeave,
		protocol.TypeUpdatePresence:  g.handlePresence,
		protocol.TypeFurnitureAdd:    g.handleAdd,
		protocol.TypeFurnitureUpdate: g.handleUpdate,
		protocol.TypeFurnitureDelete: g.handleDelete,
		protocol.TypeRequestLock:     g.handleRequestLock,
		protocol.TypeReleaseLock:     g.handleReleaseLock,
		protocol.TypeValidateLayout:  g.handleValidate,
		protocol.TypeUndo:            g.handleUndo,
		protocol.TypeRedo:            g.handleRedo,
		protocol.TypeRequestSnapshot: g.handleSnapshot,
		protocol.TypeSaveProject:     g.handleSave,
	}
	return g
}

// LoadFromStore adapts a ProjectStore to the registry's loader.
func LoadFromStore(store ProjectStore) room.Loader {
	return func(ctx context.Context, projectID string) (geom.Dimensions, []scene.Object, error) {
		if store == nil {
			d, _ := geom.Template(geom.DefaultTemplate)
			return d, nil, nil
		}
		return store.Load(ctx, projectID)
	}
}

// Conn is the gateway's view of one client connection. Events of one
// connection are dispatched sequentially.
type Conn struct {
	peer        room.Peer
	userID      string
	displayName string

	mu        sync.Mutex
	sessionID string
	projectID string
}

func NewConn(peer room.Peer, userID, displayName string) *Conn {
	return &Conn{peer: peer, userID: userID, displayName: displayName}
}

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

func (c *Conn) UserID() string { return c.userID }

func (c *Conn) bind(sessionID, projectID string) {
	c.mu.Lock()
	c.sessionID, c.projectID = sessionID, projectID
	c.mu.Unlock()
}

func (c *Conn) unbind() (sessionID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, projectID = c.sessionID, c.projectID
	c.sessionID, c.projectID = "", ""
	return sessionID, projectID
}

// Dispatch handles one inbound event. Failures are reported to the
// originating connection only.
func (g *Gateway) Dispatch(ctx context.Context, c *Conn, in protocol.Inbound) {
	h, ok := g.handlers[in.Type]
	if !ok {
		g.fail(c, in, ErrUnknownEvent)
		return
	}
	if err := h(ctx, c, in); err != nil {
		g.fail(c, in, err)
	}
}

// Throttled reports a frame the connection's rate limit refused. Presence is
// lossy and dropped silently; any other event is answered with rate_limited so
// the client can roll back what it applied optimistically.
func (g *Gateway) Throttled(c *Conn, in protocol.Inbound) {
	if in.Type == protocol.TypeUpdatePresence {
		return
	}
	g.fail(c, in, ratelimit.ErrRateLimited)
}

// Disconnect runs the leave cascade for a closed connection.
func (g *Gateway) Disconnect(ctx context.Context, c *Conn) {
	if err := g.leave(ctx, c, protocol.ReasonDisconnected); err != nil && !errors.Is(err, room.ErrNotJoined) {
		g.log.WithError(err).WithField("user_id", c.userID).Warn("Leave on disconnect failed")
	}
}

func (g *Gateway) fail(c *Conn, in protocol.Inbound, err error) {
	payload := errorPayload(in.Type, err)
	entry := g.log.WithFields(logrus.Fields{
		"event":      in.Type,
		"session_id": c.SessionID(),
		"code":       payload.Code,
	})
	if payload.Code == protocol.CodeInternal || payload.Code == protocol.CodeStorageError {
		entry.WithError(err).Error("Event failed")
	} else {
		entry.WithError(err).Debug("Event rejected")
	}
	if !c.peer.Send(protocol.Envelope{Type: protocol.TypeError, RequestID: in.RequestID, Data: payload}) {
		c.peer.Close()
	}
}

// Snapshot returns the live state of an open room.
func (g *Gateway) Snapshot(projectID string) (protocol.Snapshot, error) {
	rm, err := g.registry.Get(projectID)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	rm.Lock()
	defer rm.Unlock()
	if rm.Closed() {
		return protocol.Snapshot{}, room.ErrRoomNotFound
	}
	return rm.Snapshot(), nil
}

func (g *Gateway) Registry() *room.Registry { return g.registry }

// Sweep expires idle locks and tears down rooms that stayed empty past the
// grace period. It returns the number of locks expired and rooms closed.
func (g *Gateway) Sweep(ctx context.Context) (int, int) {
	expired := 0
	for _, rm := range g.registry.Rooms() {
		t := g.begin(rm, nil, "")
		for _, l := range rm.Locks.Expire() {
			expired++
			t.broadcast(protocol.TypeObjectUnlocked, protocol.ObjectUnlocked{FurnitureID: l.ObjectID, Reason: protocol.ReasonExpired})
		}
		g.end(ctx, t)
	}

	closed := g.registry.Reap(g.grace, func(rm *room.Room) {
		if !g.autosave || g.store == nil {
			return
		}
		if err := g.store.Save(ctx, rm.ProjectID, rm.Dims, rm.Scene.Objects()); err != nil {
			g.log.WithError(err).WithField("project_id", rm.ProjectID).Error("Autosave on teardown failed")
		}
	})
	if g.presence != nil {
		g.presence.Prune(time.Hour)
		g.presence.Refresh(ctx)
	}
	if expired > 0 || len(closed) > 0 {
		g.log.WithFields(logrus.Fields{
			"locks_expired": expired,
			"rooms_closed":  len(closed),
		}).Info("Sweep finished")
	}
	return expired, len(closed)
}

// Flush saves the layout of every open room. The server calls it on shutdown
// so edits made since the last save or teardown survive a restart.
func (g *Gateway) Flush(ctx context.Context) (int, error) {
	if g.store == nil {
		return 0, nil
	}
	saved := 0
	var errs []error
	for _, rm := range g.registry.Rooms() {
		rm.Lock()
		if rm.Closed() {
			rm.Unlock()
			continue
		}
		dims, objects := rm.Dims, rm.Scene.Objects()
		rm.Unlock()

		if err := g.store.Save(ctx, rm.ProjectID, dims, objects); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrStorage, rm.ProjectID, err))
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

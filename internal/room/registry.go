package room

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotJoined    = errors.New("session has not joined a room")
	ErrLoad         = errors.New("failed to load project")
)

// Loader fetches the durable layout of a project when its room opens.
type Loader func(ctx context.Context, projectID string) (geom.Dimensions, []scene.Object, error)

type Options struct {
	HistoryLimit int
	LockIdle     time.Duration
	Now          func() time.Time
}

// Registry maps project ids to open rooms and session ids to their room.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	sessions map[string]*Room
	load     Loader
	group    singleflight.Group
	opts     Options
	log      *logrus.Entry
}

func NewRegistry(load Loader, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		rooms:    make(map[string]*Room),
		sessions: make(map[string]*Room),
		load:     load,
		opts:     opts,
		log:      logrus.WithField("component", "room"),
	}
}

// Open returns the room for projectID, loading it on first use. Concurrent
// callers for the same project share one load.
func (r *Registry) Open(ctx context.Context, projectID string) (*Room, error) {
	if rm := r.lookup(projectID); rm != nil {
		return rm, nil
	}
	v, err, _ := r.group.Do(projectID, func() (any, error) {
		if rm := r.lookup(projectID); rm != nil {
			return rm, nil
		}
		dims, objects, err := r.load(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrLoad, projectID, err)
		}
		rm := newRoom(projectID, dims, objects, r.opts)

		r.mu.Lock()
		r.rooms[projectID] = rm
		r.mu.Unlock()

		r.log.WithFields(logrus.Fields{
			"project_id": projectID,
			"objects":    rm.Scene.Len(),
		}).Info("Room opened")
		return rm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (r *Registry) lookup(projectID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[projectID]
}

// Join admits a new session into the project's room. admitted runs while the
// room lock is held, so anything it broadcasts is ordered before later events.
func (r *Registry) Join(ctx context.Context, projectID, userID, displayName string, peer Peer, admitted func(*Room, *Participant)) (*Participant, error) {
	for {
		rm, err := r.Open(ctx, projectID)
		if err != nil {
			return nil, err
		}

		rm.Lock()
		if rm.closed {
			rm.Unlock()
			r.forget(rm)
			continue
		}
		p := &Participant{
			SessionID:   uuid.NewString(),
			UserID:      userID,
			DisplayName: displayName,
			Color:       ColorFor(userID),
			JoinedAt:    r.opts.Now(),
			peer:        peer,
		}
		rm.add(p)
		r.mu.Lock()
		r.sessions[p.SessionID] = rm
		r.mu.Unlock()
		if admitted != nil {
			admitted(rm, p)
		}
		rm.Unlock()

		r.log.WithFields(logrus.Fields{
			"project_id": projectID,
			"session_id": p.SessionID,
			"user_id":    userID,
		}).Info("Participant joined")
		return p, nil
	}
}

// Leave removes a session. departed runs under the room lock before the
// session is removed, so the session still holds its locks while it runs.
func (r *Registry) Leave(sessionID string, departed func(*Room, *Participant)) error {
	rm, err := r.RoomOf(sessionID)
	if err != nil {
		return err
	}
	rm.Lock()
	defer rm.Unlock()
	p, ok := rm.participants[sessionID]
	if !ok {
		return ErrNotJoined
	}
	if departed != nil {
		departed(rm, p)
	}
	r.Remove(rm, sessionID)
	return nil
}

// Remove detaches a session from rm. The caller must hold the room lock.
func (r *Registry) Remove(rm *Room, sessionID string) {
	if _, ok := rm.participants[sessionID]; !ok {
		return
	}
	rm.remove(sessionID, r.opts.Now())
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"project_id": rm.ProjectID,
		"session_id": sessionID,
		"remaining":  rm.Len(),
	}).Info("Participant left")
}

// RoomOf returns the room a session is in.
func (r *Registry) RoomOf(sessionID string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotJoined
	}
	return rm, nil
}

// Get returns an open room without loading it.
func (r *Registry) Get(projectID string) (*Room, error) {
	rm := r.lookup(projectID)
	if rm == nil {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// ListParticipants returns the sessions of a project in join order.
func (r *Registry) ListParticipants(projectID string) ([]protocol.Participant, error) {
	rm, err := r.Get(projectID)
	if err != nil {
		return nil, err
	}
	rm.Lock()
	defer rm.Unlock()
	out := make([]protocol.Participant, 0, rm.Len())
	for _, p := range rm.Participants() {
		out = append(out, p.View())
	}
	return out, nil
}

// Rooms returns the open rooms ordered by project id.
func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	out := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap tears down rooms that have been empty for at least grace. closing runs
// under the room lock just before the room is discarded.
func (r *Registry) Reap(grace time.Duration, closing func(*Room)) []string {
	now := r.opts.Now()
	var reaped []string
	for _, rm := range r.Rooms() {
		rm.Lock()
		if rm.closed || rm.Len() > 0 || now.Sub(rm.emptySince) < grace {
			rm.Unlock()
			continue
		}
		if closing != nil {
			closing(rm)
		}
		rm.closed = true
		rm.Unlock()

		r.forget(rm)
		reaped = append(reaped, rm.ProjectID)
		r.log.WithField("project_id", rm.ProjectID).Info("Room torn down")
	}
	return reaped
}

func (r *Registry) forget(rm *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[rm.ProjectID] == rm {
		delete(r.rooms, rm.ProjectID)
	}
}

// ColorFor derives a stable display color from a user id. Numeric ids follow
// the editor's own formula so colors match across clients.
func ColorFor(userID string) string {
	if n, err := strconv.ParseInt(userID, 10, 64); err == nil {
		v := math.Floor(math.Abs(math.Sin(float64(n))) * 16777215)
		return fmt.Sprintf("#%06x", int64(v))
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	return fmt.Sprintf("#%06x", h.Sum32()&0xffffff)
}

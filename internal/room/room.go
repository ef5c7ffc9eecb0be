// Package room tracks which sessions are in which project and owns the live
// state of every open project.
package room

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/roomsync/internal/collision"
	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/lock"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

// Peer is the outbound side of a connection. Send must not block; it reports
// false when the peer's queue is full or closed.
type Peer interface {
	Send(env protocol.Envelope) bool
	Close()
}

// A session in a room
type Participant struct {
	SessionID   string
	UserID      string
	DisplayName string
	Color       string
	Cursor      *geom.Vec3
	JoinedAt    time.Time
	peer        Peer
}

func (p *Participant) Peer() Peer { return p.peer }

func (p *Participant) View() protocol.Participant {
	v := protocol.Participant{
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Nickname:  p.DisplayName,
		Color:     p.Color,
	}
	if p.Cursor != nil {
		c := *p.Cursor
		v.CursorPosition = &c
	}
	return v
}

// A live collaborative project. Every field below mu, and the Scene and Locks
// it owns, may only be touched while holding the room lock.
type Room struct {
	ProjectID string

	mu           sync.Mutex
	Scene        *scene.Store
	Locks        *lock.Manager
	Dims         geom.Dimensions
	Report       collision.Report
	participants map[string]*Participant
	order        []string
	emptySince   time.Time
	closed       bool
}

func newRoom(projectID string, dims geom.Dimensions, objects []scene.Object, opts Options) *Room {
	rm := &Room{
		ProjectID:    projectID,
		Scene:        scene.New(scene.Options{HistoryLimit: opts.HistoryLimit}),
		Locks:        lock.NewManager(opts.LockIdle, opts.Now),
		Dims:         dims,
		participants: make(map[string]*Participant),
		emptySince:   opts.Now(),
	}
	rm.Scene.Load(objects)
	rm.Report = collision.Validate(rm.Scene.Objects(), dims)
	rm.Scene.MarkColliding(rm.Report.Colliding())
	return rm
}

func (rm *Room) Lock()   { rm.mu.Lock() }
func (rm *Room) Unlock() { rm.mu.Unlock() }

func (rm *Room) Participant(sessionID string) (*Participant, bool) {
	p, ok := rm.participants[sessionID]
	return p, ok
}

// Participants returns the sessions in join order.
func (rm *Room) Participants() []*Participant {
	out := make([]*Participant, 0, len(rm.order))
	for _, sid := range rm.order {
		out = append(out, rm.participants[sid])
	}
	return out
}

func (rm *Room) Len() int { return len(rm.participants) }

func (rm *Room) Closed() bool { return rm.closed }

// Broadcast queues env for every participant except the given session and
// returns the sessions whose queue refused it.
func (rm *Room) Broadcast(env protocol.Envelope, except string) []string {
	var slow []string
	for _, sid := range rm.order {
		if sid == except {
			continue
		}
		if !rm.participants[sid].peer.Send(env) {
			slow = append(slow, sid)
		}
	}
	return slow
}

// Snapshot captures the full state a client needs to resync.
func (rm *Room) Snapshot() protocol.Snapshot {
	users := make([]protocol.Participant, 0, len(rm.order))
	for _, p := range rm.Participants() {
		users = append(users, p.View())
	}
	return protocol.Snapshot{
		ProjectID:      rm.ProjectID,
		Seq:            rm.Scene.Seq(),
		RoomDimensions: rm.Dims,
		Furniture:      rm.Scene.Objects(),
		Locks:          rm.Locks.Locks(),
		Users:          users,
		Collisions:     rm.Report,
	}
}

// Revalidate recomputes the collision report and the derived per-object flags.
// It reports whether the report differs from the previous one.
func (rm *Room) Revalidate() bool {
	report := collision.Validate(rm.Scene.Objects(), rm.Dims)
	rm.Scene.MarkColliding(report.Colliding())
	changed := !report.Equal(rm.Report)
	rm.Report = report
	return changed
}

func (rm *Room) add(p *Participant) {
	rm.participants[p.SessionID] = p
	rm.order = append(rm.order, p.SessionID)
	rm.emptySince = time.Time{}
}

func (rm *Room) remove(sessionID string, now time.Time) {
	delete(rm.participants, sessionID)
	for i, sid := range rm.order {
		if sid == sessionID {
			rm.order = append(rm.order[:i:i], rm.order[i+1:]...)
			break
		}
	}
	if len(rm.participants) == 0 {
		rm.emptySince = now
	}
}

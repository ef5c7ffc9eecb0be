// Package presence relays live cursor positions between the participants of
// a room. Presence is lossy: throttled updates are dropped and a full peer
// queue just misses the frame.
package presence

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
	"github.com/manpreetbhatti/roomsync/internal/room"
)

const DefaultInterval = 50 * time.Millisecond

// Mirror publishes presence outside the process, e.g. to a shared cache.
type Mirror interface {
	// Touch records or renews a session's membership without a cursor.
	Touch(ctx context.Context, projectID, sessionID, userID string) error
	SetCursor(ctx context.Context, projectID string, p protocol.PresenceUpdated) error
	RemoveSession(ctx context.Context, projectID, sessionID string) error
}

type Tracker struct {
	registry *room.Registry
	throttle *ratelimit.Throttle
	mirror   Mirror
	log      *logrus.Entry
}

// NewTracker creates a tracker. A nil mirror keeps presence in memory only.
func NewTracker(registry *room.Registry, throttle *ratelimit.Throttle, mirror Mirror) *Tracker {
	if throttle == nil {
		throttle = ratelimit.NewThrottle(DefaultInterval)
	}
	return &Tracker{
		registry: registry,
		throttle: throttle,
		mirror:   mirror,
		log:      logrus.WithField("component", "presence"),
	}
}

// UpdateCursor stores the session's cursor and relays it to every other
// participant. Updates arriving faster than the throttle interval return
// ratelimit.ErrRateLimited and change nothing.
func (t *Tracker) UpdateCursor(ctx context.Context, sessionID string, pos geom.Vec3) error {
	rm, err := t.registry.RoomOf(sessionID)
	if err != nil {
		return err
	}
	if err := t.throttle.Allow(sessionID); err != nil {
		return err
	}

	rm.Lock()
	p, ok := rm.Participant(sessionID)
	if !ok {
		rm.Unlock()
		return room.ErrNotJoined
	}
	cursor := pos
	p.Cursor = &cursor
	update := protocol.PresenceUpdated{
		SessionID:      sessionID,
		UserID:         p.UserID,
		CursorPosition: pos,
		Color:          p.Color,
	}
	dropped := rm.Broadcast(protocol.Envelope{Type: protocol.TypePresenceUpdated, Data: update}, sessionID)
	rm.Unlock()

	if len(dropped) > 0 {
		t.log.WithFields(logrus.Fields{
			"project_id": rm.ProjectID,
			"dropped":    len(dropped),
		}).Debug("Presence frame dropped for busy peers")
	}

	if t.mirror != nil {
		if err := t.mirror.SetCursor(ctx, rm.ProjectID, update); err != nil {
			t.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to mirror cursor")
		}
	}
	return nil
}

// Announce mirrors a session that just joined so it is visible before its
// first cursor move.
func (t *Tracker) Announce(ctx context.Context, projectID string, p protocol.Participant) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.Touch(ctx, projectID, p.SessionID, p.UserID); err != nil {
		t.log.WithError(err).WithField("session_id", p.SessionID).Warn("Failed to mirror membership")
	}
}

// Refresh renews the mirrored membership of every live participant so idle
// sessions do not age out. It returns how many sessions were renewed.
func (t *Tracker) Refresh(ctx context.Context) int {
	if t.mirror == nil {
		return 0
	}
	type member struct{ projectID, sessionID, userID string }
	var live []member
	for _, rm := range t.registry.Rooms() {
		rm.Lock()
		if !rm.Closed() {
			for _, p := range rm.Participants() {
				live = append(live, member{rm.ProjectID, p.SessionID, p.UserID})
			}
		}
		rm.Unlock()
	}

	renewed := 0
	for _, m := range live {
		if err := t.mirror.Touch(ctx, m.projectID, m.sessionID, m.userID); err != nil {
			t.log.WithError(err).WithField("project_id", m.projectID).Warn("Failed to refresh mirrored membership")
			return renewed
		}
		renewed++
	}
	return renewed
}

// Forget drops throttle and mirror state for a departed session.
func (t *Tracker) Forget(ctx context.Context, projectID, sessionID string) {
	t.throttle.Forget(sessionID)
	if t.mirror == nil {
		return
	}
	if err := t.mirror.RemoveSession(ctx, projectID, sessionID); err != nil {
		t.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to clear mirrored presence")
	}
}

// Prune discards throttle entries of sessions idle for longer than maxIdle.
func (t *Tracker) Prune(maxIdle time.Duration) int {
	return t.throttle.Prune(maxIdle)
}

// Package lock grants exclusive edit locks on individual objects.
//
// A Manager is not safe for concurrent use; the owning room serializes access.
package lock

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrDenied    = errors.New("object is locked by another session")
	ErrNotHolder = errors.New("session does not hold the lock")
)

type Lock struct {
	ObjectID   string    `json:"furniture_id"`
	HolderID   string    `json:"locked_by"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type Manager struct {
	locks map[string]Lock
	idle  time.Duration
	now   func() time.Time
}

// NewManager creates a manager whose locks expire after idle without activity.
// A zero idle disables expiry.
func NewManager(idle time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		locks: make(map[string]Lock),
		idle:  idle,
		now:   now,
	}
}

func (m *Manager) expired(l Lock, at time.Time) bool {
	return m.idle > 0 && at.Sub(l.AcquiredAt) >= m.idle
}

// Request grants the lock to sessionID unless another session holds a live
// lock on the object. A holder asking again refreshes its lock.
func (m *Manager) Request(objectID, sessionID string) (Lock, error) {
	now := m.now()
	if cur, ok := m.locks[objectID]; ok && cur.HolderID != sessionID && !m.expired(cur, now) {
		return cur, ErrDenied
	}
	l := Lock{ObjectID: objectID, HolderID: sessionID, AcquiredAt: now}
	m.locks[objectID] = l
	return l, nil
}

func (m *Manager) Release(objectID, sessionID string) error {
	cur, ok := m.locks[objectID]
	if !ok || cur.HolderID != sessionID {
		return ErrNotHolder
	}
	delete(m.locks, objectID)
	return nil
}

// Check returns ErrDenied when another session holds a live lock on objectID.
// When sessionID is the holder, the lock is refreshed.
func (m *Manager) Check(objectID, sessionID string) error {
	cur, ok := m.locks[objectID]
	if !ok {
		return nil
	}
	now := m.now()
	if cur.HolderID == sessionID {
		cur.AcquiredAt = now
		m.locks[objectID] = cur
		return nil
	}
	if m.expired(cur, now) {
		return nil
	}
	return ErrDenied
}

// Holder returns the live lock on objectID, if any.
func (m *Manager) Holder(objectID string) (Lock, bool) {
	cur, ok := m.locks[objectID]
	if !ok || m.expired(cur, m.now()) {
		return Lock{}, false
	}
	return cur, true
}

// Drop removes whatever lock exists on objectID, used when the object is deleted.
func (m *Manager) Drop(objectID string) (Lock, bool) {
	cur, ok := m.locks[objectID]
	if ok {
		delete(m.locks, objectID)
	}
	return cur, ok
}

// ReleaseAll removes every lock held by sessionID.
func (m *Manager) ReleaseAll(sessionID string) []Lock {
	var released []Lock
	for id, l := range m.locks {
		if l.HolderID == sessionID {
			released = append(released, l)
			delete(m.locks, id)
		}
	}
	sortLocks(released)
	return released
}

// Expire removes locks idle for longer than the timeout.
func (m *Manager) Expire() []Lock {
	now := m.now()
	var expired []Lock
	for id, l := range m.locks {
		if m.expired(l, now) {
			expired = append(expired, l)
			delete(m.locks, id)
		}
	}
	sortLocks(expired)
	return expired
}

// Locks returns the live locks ordered by object id.
func (m *Manager) Locks() []Lock {
	now := m.now()
	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		if !m.expired(l, now) {
			out = append(out, l)
		}
	}
	sortLocks(out)
	return out
}

func sortLocks(ls []Lock) {
	sort.Slice(ls, func(i, j int) bool { return ls[i].ObjectID < ls[j].ObjectID })
}

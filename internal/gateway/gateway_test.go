package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/roomsync/internal/collision"
	"github.com/manpreetbhatti/roomsync/internal/geom"
	"github.com/manpreetbhatti/roomsync/internal/presence"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/scene"
)

type testPeer struct {
	mu       sync.Mutex
	events   []protocol.Envelope
	capacity int
	closed   bool
}

func (p *testPeer) Send(env protocol.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || (p.capacity > 0 && len(p.events) >= p.capacity) {
		return false
	}
	p.events = append(p.events, env)
	return true
}

func (p *testPeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *testPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *testPeer) ofType(eventType string) []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range p.events {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (p *testPeer) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, env := range p.events {
		out = append(out, env.Type)
	}
	return out
}

func (p *testPeer) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]scene.Object
	saves   int
}

func newMemStore() *memStore { return &memStore{objects: map[string][]scene.Object{}} }

func (s *memStore) Load(_ context.Context, id string) (geom.Dimensions, []scene.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return geom.Dimensions{Width: 3, Depth: 4, Height: 2.5}, s.objects[id], nil
}

func (s *memStore) Save(_ context.Context, id string, _ geom.Dimensions, objects []scene.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = objects
	s.saves++
	return nil
}

type journalRecorder struct {
	mu  sync.Mutex
	ops []scene.Operation
}

func (j *journalRecorder) Record(_ string, op scene.Operation) {
	j.mu.Lock()
	j.ops = append(j.ops, op)
	j.mu.Unlock()
}

type mirrorRecorder struct {
	mu      sync.Mutex
	touched map[string]int
	removed []string
}

func (m *mirrorRecorder) Touch(_ context.Context, _ string, sid, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[sid]++
	return nil
}

func (m *mirrorRecorder) SetCursor(context.Context, string, protocol.PresenceUpdated) error {
	return nil
}

func (m *mirrorRecorder) RemoveSession(_ context.Context, _ string, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, sid)
	return nil
}

func (m *mirrorRecorder) touches(sid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched[sid]
}

type harness struct {
	t       *testing.T
	gw      *Gateway
	store   *memStore
	journal *journalRecorder
	now     time.Time
	mu      sync.Mutex
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, store: newMemStore(), journal: &journalRecorder{}, now: time.Unix(1_700_000_000, 0)}
	reg := room.NewRegistry(LoadFromStore(h.store), room.Options{
		HistoryLimit: 100,
		LockIdle:     30 * time.Second,
		Now:          h.clock,
	})
	h.gw = New(reg, Options{Store: h.store, Journal: h.journal, RoomGrace: time.Minute, Autosave: true})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) send(c *Conn, eventType string, data any) {
	h.t.Helper()
	in, err := protocol.NewInbound(protocol.JSON, eventType, data)
	require.NoError(h.t, err)
	h.gw.Dispatch(context.Background(), c, in)
}

func (h *harness) join(projectID, userID string) (*Conn, *testPeer) {
	h.t.Helper()
	p := &testPeer{}
	c := NewConn(p, userID, "user "+userID)
	h.send(c, protocol.TypeJoinRoom, protocol.JoinRoom{ProjectID: projectID})
	require.NotEmpty(h.t, c.SessionID(), "join failed: %v", p.types())
	return c, p
}

func box(id string, pos geom.Vec3) scene.Object {
	return scene.Object{ID: id, CatalogRef: "cube", Position: pos, Extent: geom.Vec3{X: 1, Y: 1, Z: 1}}
}

func at(v geom.Vec3) *geom.Vec3 { return &v }

func lastError(t *testing.T, p *testPeer) protocol.Error {
	t.Helper()
	errs := p.ofType(protocol.TypeError)
	require.NotEmpty(t, errs, "expected an error event")
	return errs[len(errs)-1].Data.(protocol.Error)
}

func TestJoinSendsStateToJoinerAndAnnouncesToOthers(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.send(a, protocol.TypeRequestLock, protocol.FurnitureRef{FurnitureID: "O1"})

	b, pb := h.join("P1", "2")

	assert.Equal(t, []string{protocol.TypeRoomJoined, protocol.TypeCurrentUsers, protocol.TypeCurrentLocks}, pb.types())
	joined := pb.ofType(protocol.TypeRoomJoined)[0].Data.(protocol.RoomJoined)
	assert.Equal(t, b.SessionID(), joined.SessionID)
	assert.Equal(t, "#e8c7b6", joined.Color)
	require.Len(t, joined.State.Furniture, 1)
	assert.Equal(t, "O1", joined.State.Furniture[0].ID)
	assert.Equal(t, uint64(1), joined.State.Seq)
	require.Len(t, joined.State.Users, 2)
	assert.Equal(t, a.SessionID(), joined.State.Users[0].SessionID)

	locks := pb.ofType(protocol.TypeCurrentLocks)[0].Data.(protocol.CurrentLocks)
	require.Len(t, locks.Locks, 1)
	assert.Equal(t, a.SessionID(), locks.Locks[0].HolderID)

	announced := pa.ofType(protocol.TypeUserJoined)
	require.Len(t, announced, 1)
	assert.Equal(t, b.SessionID(), announced[0].Data.(protocol.Participant).SessionID)
}

func TestLockUndoScenario(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	require.Len(t, pa.ofType(protocol.TypeFurnitureAdded), 1)

	b, pb := h.join("P1", "2")

	h.send(b, protocol.TypeRequestLock, protocol.FurnitureRef{FurnitureID: "O1"})
	locked := pb.ofType(protocol.TypeObjectLocked)
	require.Len(t, locked, 1)
	assert.Equal(t, b.SessionID(), locked[0].Data.(protocol.ObjectLocked).LockedBy)

	h.send(a, protocol.TypeRequestLock, protocol.FurnitureRef{FurnitureID: "O1"})
	denial := lastError(t, pa)
	assert.Equal(t, protocol.CodeLockDenied, denial.Code)
	assert.Equal(t, b.SessionID(), denial.LockedBy)
	assert.Equal(t, "O1", denial.FurnitureID)
	assert.Empty(t, pb.ofType(protocol.TypeError), "errors go to the originator only")

	h.send(b, protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "O1", Position: at(geom.Vec3{X: 5})})
	updated := pa.ofType(protocol.TypeFurnitureUpdated)
	require.Len(t, updated, 1)
	ev := updated[0].Data.(protocol.FurnitureChanged)
	assert.Equal(t, geom.Vec3{X: 5}, *ev.Position)
	assert.Equal(t, b.SessionID(), ev.SessionID)

	h.send(b, protocol.TypeReleaseLock, protocol.FurnitureRef{FurnitureID: "O1"})
	require.Len(t, pa.ofType(protocol.TypeObjectUnlocked), 1)

	h.send(a, protocol.TypeUndo, nil)
	deleted := pb.ofType(protocol.TypeFurnitureDeleted)
	require.Len(t, deleted, 1)
	del := deleted[0].Data.(protocol.FurnitureChanged)
	assert.Equal(t, "O1", del.FurnitureID)
	assert.Equal(t, scene.OriginUndo, del.Origin)
	assert.Equal(t, uint64(3), del.Seq)

	snap, err := h.gw.Snapshot("P1")
	require.NoError(t, err)
	assert.Empty(t, snap.Furniture)
}

func TestCollisionScenario(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	_, pb := h.join("P1", "2")

	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O2", geom.Vec3{X: 0.5})})

	reports := pb.ofType(protocol.TypeCollisionDetected)
	require.Len(t, reports, 1)
	report := reports[0].Data.(collision.Report)
	assert.False(t, report.Valid)
	assert.Equal(t, []collision.Pair{{ID1: "O1", ID2: "O2"}}, report.Collisions)

	added := pb.ofType(protocol.TypeFurnitureAdded)
	require.Len(t, added, 2)
	assert.True(t, added[1].Data.(protocol.FurnitureChanged).Furniture.IsColliding)

	h.send(a, protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "O2", Position: at(geom.Vec3{Z: 1.5})})
	reports = pb.ofType(protocol.TypeCollisionDetected)
	require.Len(t, reports, 2)
	report = reports[1].Data.(collision.Report)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Collisions)

	pa.reset()
	h.send(a, protocol.TypeValidateLayout, protocol.ValidateLayout{})
	results := pa.ofType(protocol.TypeValidationResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Data.(collision.Report).Valid)
}

func TestValidateWithNewDimensionsFlagsOutOfBounds(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{X: 1})})

	h.send(a, protocol.TypeValidateLayout, protocol.ValidateLayout{RoomDimensions: &geom.Dimensions{Width: 2, Depth: 2, Height: 2}})
	result := pa.ofType(protocol.TypeValidationResult)[0].Data.(collision.Report)
	assert.Equal(t, []string{"O1"}, result.OutOfBounds)
	assert.NotEmpty(t, pa.ofType(protocol.TypeCollisionDetected))

	h.send(a, protocol.TypeValidateLayout, protocol.ValidateLayout{RoomDimensions: &geom.Dimensions{Width: -1, Depth: 2, Height: 2}})
	assert.Equal(t, protocol.CodeInvalidPayload, lastError(t, pa).Code)
}

func TestFurnitureEventsCarrySeqAndOriginator(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	_, pb := h.join("P1", "2")

	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.send(a, protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{
		FurnitureID: "O1",
		Position:    at(geom.Vec3{X: 0.5}),
		Rotation:    &geom.Vec3{Y: 1},
	})
	h.send(a, protocol.TypeFurnitureDelete, protocol.FurnitureRef{FurnitureID: "O1"})

	for _, p := range []*testPeer{pa, pb} {
		var seqs []uint64
		for _, env := range p.events {
			if ev, ok := env.Data.(protocol.FurnitureChanged); ok {
				seqs = append(seqs, ev.Seq)
				assert.Equal(t, a.SessionID(), ev.SessionID)
				assert.Equal(t, "O1", ev.FurnitureID)
			}
		}
		assert.Equal(t, []uint64{1, 2, 3}, seqs)
	}

	upd := pb.ofType(protocol.TypeFurnitureUpdated)[0].Data.(protocol.FurnitureChanged)
	assert.Equal(t, geom.Vec3{Y: 1}, *upd.Rotation)

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	assert.Len(t, h.journal.ops, 3)
}

func TestConcurrentEditsReachEveryPeerInOneOrder(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	b, pb := h.join("P1", "2")

	var wg sync.WaitGroup
	for _, c := range []*Conn{a, b} {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := c.UserID() + "-" + string(rune('a'+i))
				in, err := protocol.NewInbound(protocol.JSON, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box(id, geom.Vec3{X: float64(i)})})
				if err != nil {
					t.Error(err)
					return
				}
				h.gw.Dispatch(context.Background(), c, in)
			}
		}(c)
	}
	wg.Wait()

	seqsOf := func(p *testPeer) []uint64 {
		var out []uint64
		for _, env := range p.ofType(protocol.TypeFurnitureAdded) {
			out = append(out, env.Data.(protocol.FurnitureChanged).Seq)
		}
		return out
	}
	sa, sb := seqsOf(pa), seqsOf(pb)
	require.Len(t, sa, 40)
	assert.Equal(t, sa, sb)
	for i := range sa {
		assert.Equal(t, uint64(i+1), sa[i])
	}
}

func TestRotateOnlyUpdateKeepsPosition(t *testing.T) {
	h := newHarness(t)
	a, _ := h.join("P1", "1")
	_, pb := h.join("P1", "2")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{X: 1, Z: 1})})

	h.send(a, protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "O1", Rotation: at(geom.Vec3{Y: 1.57})})
	updated := pb.ofType(protocol.TypeFurnitureUpdated)
	require.Len(t, updated, 1)
	ev := updated[0].Data.(protocol.FurnitureChanged)
	assert.Equal(t, geom.Vec3{X: 1, Z: 1}, *ev.Position)
	assert.Equal(t, geom.Vec3{Y: 1.57}, *ev.Rotation)

	h.send(a, protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "O1", Position: at(geom.Vec3{X: -0.5})})
	snap, err := h.gw.Snapshot("P1")
	require.NoError(t, err)
	require.Len(t, snap.Furniture, 1)
	assert.Equal(t, geom.Vec3{X: -0.5}, snap.Furniture[0].Position)
	assert.Equal(t, geom.Vec3{Y: 1.57}, snap.Furniture[0].Rotation)
}

func TestUpdateAndUndoKeepExactValues(t *testing.T) {
	h := newHarness(t)
	a, _ := h.join("P1", "1")
	_, pb := h.join("P1", "2")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{X: 0.3, Z: 0.001})})

	h.send(a, protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "O1", Position: at(geom.Vec3{X: 0.1, Z: 1.23})})
	h.send(a, protocol.TypeUndo, nil)

	updated := pb.ofType(protocol.TypeFurnitureUpdated)
	require.Len(t, updated, 2)
	assert.Equal(t, geom.Vec3{X: 0.1, Z: 1.23}, *updated[0].Data.(protocol.FurnitureChanged).Position)
	assert.Equal(t, geom.Vec3{X: 0.3, Z: 0.001}, *updated[1].Data.(protocol.FurnitureChanged).Position)
}

func TestAddWithNonPositiveExtentIsRejected(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")

	flat := box("O1", geom.Vec3{})
	flat.Extent = geom.Vec3{X: 1, Y: 0, Z: 1}
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: flat})
	got := lastError(t, pa)
	assert.Equal(t, protocol.CodeInvalidPayload, got.Code)
	assert.Equal(t, "O1", got.FurnitureID)

	inverted := box("O2", geom.Vec3{})
	inverted.Extent = geom.Vec3{X: -1, Y: 1, Z: 1}
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: inverted})
	assert.Equal(t, protocol.CodeInvalidPayload, lastError(t, pa).Code)
	assert.Empty(t, pa.ofType(protocol.TypeFurnitureAdded))
}

func TestThrottledFramesReportAllButPresence(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	pa.reset()

	cursor, err := protocol.NewInbound(protocol.JSON, protocol.TypeUpdatePresence, protocol.UpdatePresence{})
	require.NoError(t, err)
	h.gw.Throttled(a, cursor)
	assert.Empty(t, pa.types())

	add, err := protocol.NewInbound(protocol.JSON, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	require.NoError(t, err)
	h.gw.Throttled(a, add)
	got := lastError(t, pa)
	assert.Equal(t, protocol.CodeRateLimited, got.Code)
	assert.Equal(t, protocol.TypeFurnitureAdd, got.Request)
	assert.Empty(t, pa.ofType(protocol.TypeFurnitureAdded))
}

func TestErrorsStayWithOriginator(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	_, pb := h.join("P1", "2")
	pb.reset()

	cases := []struct {
		eventType string
		data      any
		code      string
	}{
		{protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "ghost", Position: at(geom.Vec3{})}, protocol.CodeObjectNotFound},
		{protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "ghost"}, protocol.CodeInvalidPayload},
		{protocol.TypeFurnitureDelete, protocol.FurnitureRef{FurnitureID: "ghost"}, protocol.CodeObjectNotFound},
		{protocol.TypeRequestLock, protocol.FurnitureRef{FurnitureID: "ghost"}, protocol.CodeObjectNotFound},
		{protocol.TypeReleaseLock, protocol.FurnitureRef{FurnitureID: "ghost"}, protocol.CodeLockNotHolder},
		{protocol.TypeUndo, nil, protocol.CodeNothingToUndo},
		{protocol.TypeRedo, nil, protocol.CodeNothingToRedo},
		{protocol.TypeFurnitureDelete, protocol.FurnitureRef{}, protocol.CodeInvalidPayload},
		{"teleport", nil, protocol.CodeUnknownEvent},
	}
	for _, tc := range cases {
		h.send(a, tc.eventType, tc.data)
		got := lastError(t, pa)
		assert.Equal(t, tc.code, got.Code, tc.eventType)
		assert.Equal(t, tc.eventType, got.Request)
	}
	assert.Empty(t, pb.types())
}

func TestEventsBeforeJoinAreRejected(t *testing.T) {
	h := newHarness(t)
	p := &testPeer{}
	c := NewConn(p, "1", "Ann")

	h.send(c, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	assert.Equal(t, protocol.CodeNotJoined, lastError(t, p).Code)

	h.send(c, protocol.TypeJoinRoom, protocol.JoinRoom{})
	assert.Equal(t, protocol.CodeInvalidPayload, lastError(t, p).Code)
}

func TestDuplicateAddIsSilent(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{X: 1})})

	assert.Len(t, pa.ofType(protocol.TypeFurnitureAdded), 1)
	assert.Empty(t, pa.ofType(protocol.TypeError))
}

func TestEditOfObjectLockedByAnotherIsDenied(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	b, pb := h.join("P1", "2")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.send(b, protocol.TypeRequestLock, protocol.FurnitureRef{FurnitureID: "O1"})

	h.send(a, protocol.TypeFurnitureUpdate, protocol.FurnitureUpdate{FurnitureID: "O1", Position: at(geom.Vec3{X: 1})})
	assert.Equal(t, protocol.CodeLockDenied, lastError(t, pa).Code)
	h.send(a, protocol.TypeUndo, nil)
	assert.Equal(t, protocol.CodeLockDenied, lastError(t, pa).Code)

	snap, err := h.gw.Snapshot("P1")
	require.NoError(t, err)
	require.Len(t, snap.Furniture, 1)
	assert.Equal(t, geom.Vec3{}, snap.Furniture[0].Position)

	// the holder may delete, which also drops the lock
	h.send(b, protocol.TypeFurnitureDelete, protocol.FurnitureRef{FurnitureID: "O1"})
	unlocked := pa.ofType(protocol.TypeObjectUnlocked)
	require.Len(t, unlocked, 1)
	assert.Equal(t, protocol.ReasonDeleted, unlocked[0].Data.(protocol.ObjectUnlocked).Reason)
	assert.Empty(t, pb.ofType(protocol.TypeError))
}

func TestDisconnectReleasesLocksBeforeLeaving(t *testing.T) {
	h := newHarness(t)
	a, _ := h.join("P1", "1")
	_, pb := h.join("P1", "2")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.send(a, protocol.TypeRequestLock, protocol.FurnitureRef{FurnitureID: "O1"})
	pb.reset()

	h.gw.Disconnect(context.Background(), a)

	assert.Equal(t, []string{protocol.TypeObjectUnlocked, protocol.TypeUserLeft}, pb.types())
	unlocked := pb.ofType(protocol.TypeObjectUnlocked)[0].Data.(protocol.ObjectUnlocked)
	assert.Equal(t, protocol.ReasonDisconnected, unlocked.Reason)

	snap, err := h.gw.Snapshot("P1")
	require.NoError(t, err)
	assert.Empty(t, snap.Locks)
	assert.Len(t, snap.Users, 1)
	assert.Empty(t, a.SessionID())

	// a second close is harmless
	h.gw.Disconnect(context.Background(), a)
}

func TestSlowPeerIsDisconnected(t *testing.T) {
	h := newHarness(t)
	a, _ := h.join("P1", "1")
	b, pb := h.join("P1", "2")
	_, pc := h.join("P1", "3")

	pb.mu.Lock()
	pb.capacity = len(pb.events)
	pb.mu.Unlock()

	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})

	assert.True(t, pb.isClosed())
	left := pc.ofType(protocol.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, b.SessionID(), left[0].Data.(protocol.UserLeft).SessionID)

	users, err := h.gw.Registry().ListParticipants("P1")
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestPresenceIsRelayedAndThrottled(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	_, pb := h.join("P1", "2")

	h.send(a, protocol.TypeUpdatePresence, protocol.UpdatePresence{CursorPosition: geom.Vec3{X: 1}})
	h.send(a, protocol.TypeUpdatePresence, protocol.UpdatePresence{CursorPosition: geom.Vec3{X: 2}})

	assert.Len(t, pb.ofType(protocol.TypePresenceUpdated), 1)
	assert.Empty(t, pa.ofType(protocol.TypePresenceUpdated))
	assert.Empty(t, pa.ofType(protocol.TypeError), "throttled updates are dropped silently")
}

func TestSweepExpiresIdleLocksAndClosesEmptyRooms(t *testing.T) {
	h := newHarness(t)
	a, _ := h.join("P1", "1")
	b, pb := h.join("P1", "2")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.send(a, protocol.TypeRequestLock, protocol.FurnitureRef{FurnitureID: "O1"})

	h.advance(31 * time.Second)
	expired, closed := h.gw.Sweep(context.Background())
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, closed)
	unlocked := pb.ofType(protocol.TypeObjectUnlocked)
	require.Len(t, unlocked, 1)
	assert.Equal(t, protocol.ReasonExpired, unlocked[0].Data.(protocol.ObjectUnlocked).Reason)

	h.send(a, protocol.TypeLeaveRoom, nil)
	h.send(b, protocol.TypeLeaveRoom, nil)
	h.advance(2 * time.Minute)
	_, closed = h.gw.Sweep(context.Background())
	assert.Equal(t, 1, closed)

	_, err := h.gw.Snapshot("P1")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)

	_, saved, err := h.store.Load(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "O1", saved[0].ID)

	// the room comes back from the store
	_, pc := h.join("P1", "3")
	joined := pc.ofType(protocol.TypeRoomJoined)[0].Data.(protocol.RoomJoined)
	require.Len(t, joined.State.Furniture, 1)
}

func TestIdleMembersStayMirroredUntilTheyLeave(t *testing.T) {
	h := newHarness(t)
	m := &mirrorRecorder{touched: map[string]int{}}
	h.gw.presence = presence.NewTracker(h.gw.registry, nil, m)
	ctx := context.Background()

	a, _ := h.join("P1", "1")
	sid := a.SessionID()
	assert.Equal(t, 1, m.touches(sid), "join is mirrored before any cursor move")

	h.gw.Sweep(ctx)
	assert.Equal(t, 2, m.touches(sid), "sweep renews idle members")

	h.send(a, protocol.TypeLeaveRoom, nil)
	assert.Equal(t, []string{sid}, m.removed)
	h.gw.Sweep(ctx)
	assert.Equal(t, 2, m.touches(sid))
}

func TestSaveProjectAndSnapshot(t *testing.T) {
	h := newHarness(t)
	a, pa := h.join("P1", "1")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})

	h.send(a, protocol.TypeSaveProject, nil)
	saved := pa.ofType(protocol.TypeProjectSaved)
	require.Len(t, saved, 1)
	assert.Equal(t, protocol.ProjectSaved{ProjectID: "P1", Seq: 1, Objects: 1}, saved[0].Data)
	assert.Equal(t, 1, h.store.saves)

	h.send(a, protocol.TypeRequestSnapshot, nil)
	snaps := pa.ofType(protocol.TypeStateSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(1), snaps[0].Data.(protocol.Snapshot).Seq)
}

func TestFlushSavesOpenRooms(t *testing.T) {
	h := newHarness(t)
	a, _ := h.join("P1", "1")
	h.send(a, protocol.TypeFurnitureAdd, protocol.FurnitureAdd{Furniture: box("O1", geom.Vec3{})})
	h.join("P2", "2")

	saved, err := h.gw.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
	assert.Len(t, h.store.objects["P1"], 1)
}

func TestRejoinMovesSessionToNewRoom(t *testing.T) {
	h := newHarness(t)
	a, _ := h.join("P1", "1")
	_, pb := h.join("P1", "2")
	first := a.SessionID()

	h.send(a, protocol.TypeJoinRoom, protocol.JoinRoom{ProjectID: "P2"})
	assert.NotEqual(t, first, a.SessionID())
	assert.Equal(t, "P2", a.ProjectID())
	assert.Len(t, pb.ofType(protocol.TypeUserLeft), 1)
}

func TestCodeMapping(t *testing.T) {
	assert.Equal(t, protocol.CodeStorageError, Code(room.ErrLoad))
	assert.Equal(t, protocol.CodeRateLimited, Code(ratelimit.ErrRateLimited))
	assert.Equal(t, protocol.CodeInternal, Code(assert.AnError))
	payload := errorPayload("x", assert.AnError)
	assert.Equal(t, "internal error", payload.Message)
}

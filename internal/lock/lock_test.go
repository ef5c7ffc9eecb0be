package lock

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(idle time.Duration) (*Manager, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(idle, clk.Now), clk
}

func TestFirstComeFirstServed(t *testing.T) {
	m, _ := newManager(time.Minute)

	l, err := m.Request("o1", "b")
	require.NoError(t, err)
	assert.Equal(t, "b", l.HolderID)

	cur, err := m.Request("o1", "a")
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, "b", cur.HolderID)

	holder, ok := m.Holder("o1")
	require.True(t, ok)
	assert.Equal(t, "b", holder.HolderID)
}

func TestReleaseByNonHolderMutatesNothing(t *testing.T) {
	m, _ := newManager(time.Minute)
	_, err := m.Request("o1", "b")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release("o1", "a"), ErrNotHolder)
	assert.ErrorIs(t, m.Release("o2", "a"), ErrNotHolder)
	assert.Len(t, m.Locks(), 1)

	require.NoError(t, m.Release("o1", "b"))
	assert.Empty(t, m.Locks())
}

func TestIdleExpiry(t *testing.T) {
	m, clk := newManager(30 * time.Second)
	_, err := m.Request("o1", "b")
	require.NoError(t, err)

	clk.Advance(20 * time.Second)
	assert.ErrorIs(t, m.Check("o1", "a"), ErrDenied)
	require.NoError(t, m.Check("o1", "b"))

	clk.Advance(20 * time.Second)
	assert.Empty(t, m.Expire(), "edit by the holder refreshes the lock")

	clk.Advance(31 * time.Second)
	_, ok := m.Holder("o1")
	assert.False(t, ok)
	require.NoError(t, m.Check("o1", "a"))

	expired := m.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, "b", expired[0].HolderID)
}

func TestExpiredLockCanBeTaken(t *testing.T) {
	m, clk := newManager(time.Second)
	_, err := m.Request("o1", "b")
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	l, err := m.Request("o1", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", l.HolderID)
}

func TestReleaseAll(t *testing.T) {
	m, _ := newManager(0)
	for _, id := range []string{"o3", "o1", "o2"} {
		_, err := m.Request(id, "b")
		require.NoError(t, err)
	}
	_, err := m.Request("o4", "a")
	require.NoError(t, err)

	released := m.ReleaseAll("b")
	require.Len(t, released, 3)
	assert.Equal(t, "o1", released[0].ObjectID)
	assert.Equal(t, "o3", released[2].ObjectID)
	assert.Len(t, m.Locks(), 1)
}

func TestDrop(t *testing.T) {
	m, _ := newManager(0)
	_, err := m.Request("o1", "b")
	require.NoError(t, err)
	l, ok := m.Drop("o1")
	assert.True(t, ok)
	assert.Equal(t, "b", l.HolderID)
	_, ok = m.Drop("o1")
	assert.False(t, ok)
}

func TestAtMostOneHolderUnderContention(t *testing.T) {
	m, _ := newManager(time.Minute)
	var mu sync.Mutex
	granted := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if _, err := m.Request("o1", fmt.Sprintf("session-%d", i)); err == nil {
				granted++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Len(t, m.Locks(), 1)
}

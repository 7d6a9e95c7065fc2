package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/meshsec/pkg/logger"
)

// newTestLedger returns a ledger with a controllable clock. The sweep
// interval is long enough that the sweeper never fires during a test.
func newTestLedger(t *testing.T, ttl time.Duration) (*Ledger, *time.Time) {
	t.Helper()

	l := NewLedger(ttl, time.Hour, logger.NewNoopLogger())
	t.Cleanup(l.Close)

	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLedger_CreateAndGet(t *testing.T) {
	l, _ := newTestLedger(t, 30*time.Minute)

	created := l.Create("service-b", []byte("0123456789abcdef0123456789abcdef"), map[string]string{"proto": "v1"})
	require.NotEmpty(t, created.ID)

	got, ok := l.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "service-b", got.PeerServiceID)
	assert.Equal(t, created.SessionKey, got.SessionKey)
	assert.Equal(t, "v1", got.Metadata["proto"])
}

func TestLedger_GetSlidesExpiration(t *testing.T) {
	l, now := newTestLedger(t, 10*time.Minute)

	s := l.Create("service-b", []byte("key"), nil)

	// Touch the session every 8 minutes; each read pushes the deadline
	// out, so it stays alive far past the original 10 minute TTL.
	for i := 0; i < 5; i++ {
		*now = now.Add(8 * time.Minute)
		_, ok := l.Get(s.ID)
		require.True(t, ok, "session expired after %d slides", i)
	}

	// Once idle past the TTL it is gone.
	*now = now.Add(11 * time.Minute)
	_, ok := l.Get(s.ID)
	assert.False(t, ok)
}

func TestLedger_ExpiredSessionRemovedOnRead(t *testing.T) {
	l, now := newTestLedger(t, time.Minute)

	s := l.Create("service-b", []byte("key"), nil)
	*now = now.Add(2 * time.Minute)

	_, ok := l.Get(s.ID)
	assert.False(t, ok)
	// The lazy expiry deleted it, not just hid it.
	assert.Equal(t, 0, l.Len())
}

func TestLedger_FindByPeerPrefersMostRecentlyActive(t *testing.T) {
	l, now := newTestLedger(t, time.Hour)

	older := l.Create("service-b", []byte("old"), nil)
	*now = now.Add(time.Minute)
	newer := l.Create("service-b", []byte("new"), nil)

	found, ok := l.FindByPeer("service-b")
	require.True(t, ok)
	assert.Equal(t, newer.ID, found.ID)
	assert.NotEqual(t, older.ID, found.ID)

	_, ok = l.FindByPeer("service-x")
	assert.False(t, ok)
}

func TestLedger_AdoptUsesPeerAssignedID(t *testing.T) {
	l, _ := newTestLedger(t, time.Hour)

	s := l.Adopt("peer-assigned-id", "service-b", []byte("key"), nil)
	assert.Equal(t, "peer-assigned-id", s.ID)

	got, ok := l.Get("peer-assigned-id")
	require.True(t, ok)
	assert.Equal(t, "service-b", got.PeerServiceID)
}

func TestLedger_SnapshotExcludesExpired(t *testing.T) {
	l, now := newTestLedger(t, time.Minute)

	l.Create("service-b", []byte("k1"), nil)
	*now = now.Add(30 * time.Second)
	l.Create("service-c", []byte("k2"), nil)

	*now = now.Add(45 * time.Second)

	snapshot := l.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "service-c", snapshot[0].PeerServiceID)
	// Snapshot does not slide; the survivor keeps its deadline.
	assert.Equal(t, 2, l.Len())
}

func TestLedger_Invalidate(t *testing.T) {
	l, _ := newTestLedger(t, time.Hour)

	s := l.Create("service-b", []byte("key"), nil)
	assert.True(t, l.Invalidate(s.ID))
	assert.False(t, l.Invalidate(s.ID))

	_, ok := l.Get(s.ID)
	assert.False(t, ok)
}

func TestLedger_SweepExpired(t *testing.T) {
	l, now := newTestLedger(t, time.Minute)

	l.Create("service-b", []byte("k1"), nil)
	l.Create("service-c", []byte("k2"), nil)
	*now = now.Add(30 * time.Second)
	keeper := l.Create("service-d", []byte("k3"), nil)

	*now = now.Add(45 * time.Second)

	assert.Equal(t, 2, l.SweepExpired())
	assert.Equal(t, 1, l.Len())

	_, ok := l.Get(keeper.ID)
	assert.True(t, ok)
}

func TestLedger_ConcurrentAccess(t *testing.T) {
	l := NewLedger(time.Hour, time.Hour, logger.NewNoopLogger())
	defer l.Close()

	s := l.Create("service-b", []byte("key"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Get(s.ID)
				l.FindByPeer("service-b")
			}
		}()
	}
	wg.Wait()

	_, ok := l.Get(s.ID)
	assert.True(t, ok)
}

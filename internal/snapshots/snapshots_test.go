package snapshots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
)

func TestCreate_PrependsNewest(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Hour}, nil, nil)
	m.Create("sbx-1", "sess-1", "c1", false)
	second := m.Create("sbx-1", "sess-1", "c2", false)

	latest, ok := m.GetLatest("sess-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, latest.ID)
}

func TestCreate_EvictsOldestAtCap(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 2, TTL: time.Hour}, nil, nil)
	first := m.Create("sbx-1", "sess-1", "c1", false)
	m.Create("sbx-1", "sess-1", "c2", false)
	m.Create("sbx-1", "sess-1", "c3", false)

	m.mu.Lock()
	_, stillExists := m.byID[first.ID]
	count := len(m.bySession["sess-1"])
	m.mu.Unlock()

	assert.False(t, stillExists)
	assert.Equal(t, 2, count)
}

func TestGetLatest_SkipsExpiredEntries(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Hour}, nil, nil)
	snap := m.Create("sbx-1", "sess-1", "c1", false)

	m.mu.Lock()
	m.byID[snap.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	_, ok := m.GetLatest("sess-1")
	assert.False(t, ok)

	m.mu.Lock()
	expiredNow := m.byID[snap.ID].Expired
	m.mu.Unlock()
	assert.True(t, expiredNow)
}

func TestHasValidSnapshot(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Hour}, nil, nil)
	assert.False(t, m.HasValidSnapshot("sess-1"))
	m.Create("sbx-1", "sess-1", "c1", false)
	assert.True(t, m.HasValidSnapshot("sess-1"))
}

func TestRestore_DelegatesToCallback(t *testing.T) {
	var restoredSandbox string
	restoreFn := func(ctx context.Context, snap Snapshot) (string, error) {
		restoredSandbox = "new-sbx-1"
		return restoredSandbox, nil
	}
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Hour}, restoreFn, nil)
	m.Create("sbx-1", "sess-1", "c1", false)

	id, err := m.Restore(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "new-sbx-1", id)
	assert.Equal(t, "new-sbx-1", restoredSandbox)
}

func TestRestore_NoValidSnapshotReturnsError(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Hour}, nil, nil)
	_, err := m.Restore(context.Background(), "sess-unknown")
	assert.Error(t, err)
}

func TestExpire_IsIdempotent(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Hour}, nil, nil)
	snap := m.Create("sbx-1", "sess-1", "c1", false)
	m.Expire(snap.ID)
	m.Expire(snap.ID) // no panic, no-op second time

	m.mu.Lock()
	expired := m.byID[snap.ID].Expired
	m.mu.Unlock()
	assert.True(t, expired)
}

func TestRemove_FixesSessionIndexAndPrimaryMap(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Hour}, nil, nil)
	snap := m.Create("sbx-1", "sess-1", "c1", false)
	m.Remove(snap.ID)

	m.mu.Lock()
	_, exists := m.byID[snap.ID]
	_, sessionExists := m.bySession["sess-1"]
	m.mu.Unlock()

	assert.False(t, exists)
	assert.False(t, sessionExists)
}

func TestCleanupExpired_RemovesElapsedEvenIfFlagFalse(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 5, TTL: time.Millisecond}, nil, nil)
	m.Create("sbx-1", "sess-1", "c1", false)
	m.Create("sbx-1", "sess-1", "c2", false)

	time.Sleep(5 * time.Millisecond)

	removed := m.CleanupExpired()
	assert.Equal(t, 2, removed)

	m.mu.Lock()
	count := len(m.byID)
	m.mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestInvariant_ValidCountNeverExceedsCap(t *testing.T) {
	m := New(config.SnapshotOptions{MaxSnapshotsPerSession: 3, TTL: time.Hour}, nil, nil)
	for i := 0; i < 10; i++ {
		m.Create("sbx-1", "sess-1", "c", false)
	}
	m.mu.Lock()
	count := len(m.bySession["sess-1"])
	m.mu.Unlock()
	assert.LessOrEqual(t, count, 3)
}

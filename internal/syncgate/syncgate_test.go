package syncgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassReadonly, Classify("read"))
	assert.Equal(t, ClassReadonly, Classify("grep"))
	assert.Equal(t, ClassWrite, Classify("edit"))
	assert.Equal(t, ClassWrite, Classify("bash"))
	assert.Equal(t, ClassUnknown, Classify("totally-made-up-tool"))
}

func TestCheck_ReadonlyAlwaysAllowed(t *testing.T) {
	g := New(config.SyncGateOptions{})
	d := g.Check("read", sandbox.SyncPending)
	assert.True(t, d.Allowed)
}

func TestCheck_UnknownFailsOpen(t *testing.T) {
	g := New(config.SyncGateOptions{})
	d := g.Check("some-future-tool", sandbox.SyncPending)
	assert.True(t, d.Allowed)
}

func TestCheck_WriteBlockedUnlessSynced(t *testing.T) {
	g := New(config.SyncGateOptions{RetryInterval: time.Second})
	blocked := g.Check("edit", sandbox.SyncSyncing)
	assert.False(t, blocked.Allowed)
	assert.Equal(t, time.Second, blocked.RetryAfter)

	allowed := g.Check("edit", sandbox.SyncSynced)
	assert.True(t, allowed.Allowed)
}

func statusSource(initial sandbox.SyncStatus) (GetSyncStatusFunc, func(sandbox.SyncStatus)) {
	var mu sync.Mutex
	status := initial
	get := func(ctx context.Context, sandboxID string) (sandbox.SyncStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		return status, nil
	}
	set := func(s sandbox.SyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		status = s
	}
	return get, set
}

func TestWait_WriteBlockedThenReleasedBySyncComplete(t *testing.T) {
	g := New(config.SyncGateOptions{RetryInterval: 10 * time.Millisecond, MaxWaitTime: time.Second})
	get, _ := statusSource(sandbox.SyncSyncing)

	done := make(chan Decision, 1)
	go func() {
		done <- g.Wait(context.Background(), "edit", "sbx-1", "call-1", get)
	}()

	require.Eventually(t, func() bool { return g.PendingCount("sbx-1") == 1 }, time.Second, 2*time.Millisecond)

	g.NotifySyncComplete("sbx-1")

	select {
	case d := <-done:
		assert.True(t, d.Allowed)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after notify")
	}
	assert.Equal(t, 0, g.PendingCount("sbx-1"))
}

func TestWait_ReleasedBySyncFailed(t *testing.T) {
	g := New(config.SyncGateOptions{RetryInterval: 10 * time.Millisecond, MaxWaitTime: time.Second})
	get, _ := statusSource(sandbox.SyncSyncing)

	done := make(chan Decision, 1)
	go func() {
		done <- g.Wait(context.Background(), "edit", "sbx-2", "call-2", get)
	}()
	require.Eventually(t, func() bool { return g.PendingCount("sbx-2") == 1 }, time.Second, 2*time.Millisecond)

	g.NotifySyncFailed("sbx-2", "clone exploded")

	d := <-done
	assert.False(t, d.Allowed)
	assert.Equal(t, "clone exploded", d.Reason)
}

func TestWait_TimesOutAfterMaxWaitTime(t *testing.T) {
	g := New(config.SyncGateOptions{RetryInterval: 5 * time.Millisecond, MaxWaitTime: 30 * time.Millisecond})
	get, _ := statusSource(sandbox.SyncPending)

	d := g.Wait(context.Background(), "edit", "sbx-3", "call-3", get)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, g.PendingCount("sbx-3"))
}

func TestWait_PollingObservesSyncedWithoutNotify(t *testing.T) {
	g := New(config.SyncGateOptions{RetryInterval: 5 * time.Millisecond, MaxWaitTime: time.Second})
	get, set := statusSource(sandbox.SyncSyncing)

	go func() {
		time.Sleep(15 * time.Millisecond)
		set(sandbox.SyncSynced)
	}()

	d := g.Wait(context.Background(), "edit", "sbx-4", "call-4", get)
	assert.True(t, d.Allowed)
}

func TestWait_ReadonlyNeverBlocks(t *testing.T) {
	g := New(config.SyncGateOptions{RetryInterval: time.Hour, MaxWaitTime: time.Hour})
	get, _ := statusSource(sandbox.SyncPending)

	start := time.Now()
	d := g.Wait(context.Background(), "read", "sbx-5", "call-5", get)
	assert.True(t, d.Allowed)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

// fakeProvider is an in-memory providers.Provider stub that transitions
// every created sandbox straight to ready, for deterministic pool tests.
type fakeProvider struct {
	mu      sync.Mutex
	infos   map[string]sandbox.Info
	counter int64

	createDelay time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{infos: make(map[string]sandbox.Info)}
}

func (f *fakeProvider) Create(ctx context.Context, in sandbox.CreateInput) (sandbox.Info, error) {
	id := fmt.Sprintf("sbx-%d", atomic.AddInt64(&f.counter, 1))
	info := sandbox.Info{ID: id, ProjectID: in.ProjectID, Status: sandbox.StatusInitializing}
	f.mu.Lock()
	f.infos[id] = info
	f.mu.Unlock()

	go func() {
		if f.createDelay > 0 {
			time.Sleep(f.createDelay)
		}
		f.mu.Lock()
		i := f.infos[id]
		i.Status = sandbox.StatusReady
		f.infos[id] = i
		f.mu.Unlock()
	}()
	return info, nil
}

func (f *fakeProvider) Get(ctx context.Context, id string) (sandbox.Info, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	return info, ok, nil
}

func (f *fakeProvider) List(ctx context.Context, projectID string) ([]sandbox.Info, error) {
	return nil, nil
}

func (f *fakeProvider) Start(ctx context.Context, id string) (sandbox.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return sandbox.Info{}, fmt.Errorf("unknown sandbox %s", id)
	}
	info.Status = sandbox.StatusRunning
	f.infos[id] = info
	return info, nil
}

func (f *fakeProvider) Stop(ctx context.Context, id string) (sandbox.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return sandbox.Info{}, fmt.Errorf("unknown sandbox %s", id)
	}
	info.Status = sandbox.StatusReady
	f.infos[id] = info
	return info, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return nil
	}
	info.Status = sandbox.StatusTerminated
	f.infos[id] = info
	return nil
}

func (f *fakeProvider) Snapshot(ctx context.Context, id string) (string, error) { return "", nil }
func (f *fakeProvider) Restore(ctx context.Context, snapshotID string) (sandbox.Info, error) {
	return sandbox.Info{}, nil
}
func (f *fakeProvider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}
func (f *fakeProvider) StreamLogs(ctx context.Context, id, service string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeProvider) SyncGit(ctx context.Context, id string) error { return nil }
func (f *fakeProvider) GetGitStatus(ctx context.Context, id string) (sandbox.GitInfo, error) {
	return sandbox.GitInfo{}, nil
}

func newTestPool(t *testing.T, opts config.PoolOptions) (*Pool, *fakeProvider) {
	t.Helper()
	fp := newFakeProvider()
	opts.WaitForReadyPoll = 5 * time.Millisecond
	opts.WaitForReadyCeil = time.Second
	p := New(opts, fp, nil)
	return p, fp
}

func TestClaim_ColdStartWhenPoolEmpty(t *testing.T) {
	p, _ := newTestPool(t, config.PoolOptions{Size: 1})
	result, err := p.Claim(context.Background(), ClaimInput{Repository: "acme/widgets"})
	require.NoError(t, err)
	assert.False(t, result.FromWarmPool)
	assert.Equal(t, sandbox.StatusRunning, result.Sandbox.Status)
}

func TestClaim_WarmHitAfterRelease(t *testing.T) {
	p, fp := newTestPool(t, config.PoolOptions{Size: 1, ReplenishInterval: time.Hour})
	first, err := p.Claim(context.Background(), ClaimInput{Repository: "acme/widgets"})
	require.NoError(t, err)

	require.NoError(t, p.Release(context.Background(), first.Sandbox.ID, DefaultTag("acme/widgets")))
	assert.Equal(t, 1, p.Size(DefaultTag("acme/widgets")))

	second, err := p.Claim(context.Background(), ClaimInput{Repository: "acme/widgets"})
	require.NoError(t, err)
	assert.True(t, second.FromWarmPool)
	assert.Equal(t, first.Sandbox.ID, second.Sandbox.ID)

	_ = fp
}

func TestRelease_RejectsTerminated(t *testing.T) {
	p, fp := newTestPool(t, config.PoolOptions{Size: 1})
	info, err := p.Claim(context.Background(), ClaimInput{Repository: "acme/widgets"})
	require.NoError(t, err)
	require.NoError(t, fp.Terminate(context.Background(), info.Sandbox.ID))

	err = p.Release(context.Background(), info.Sandbox.ID, DefaultTag("acme/widgets"))
	assert.Error(t, err)
}

func TestMaybeReplenish_OnlyOneInFlightPerTag(t *testing.T) {
	p, fp := newTestPool(t, config.PoolOptions{Size: 3, ReplenishInterval: time.Hour})
	fp.createDelay = 20 * time.Millisecond
	tag := DefaultTag("acme/widgets")

	p.maybeReplenish(tag)
	p.maybeReplenish(tag) // should be a no-op, warming already true

	require.Eventually(t, func() bool {
		return p.Size(tag) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSweep_RemovesExpiredEntries(t *testing.T) {
	p, fp := newTestPool(t, config.PoolOptions{Size: 1, TTL: time.Millisecond})
	tag := DefaultTag("acme/widgets")

	info, err := fp.Create(context.Background(), sandbox.CreateInput{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _, _ := fp.Get(context.Background(), info.ID)
		return got.Status == sandbox.StatusReady
	}, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	p.entries[tag] = []Entry{{SandboxID: info.ID, Tag: tag, AddedAt: time.Now().Add(-time.Hour)}}
	p.mu.Unlock()

	removed := p.Sweep(context.Background())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, p.Size(tag))

	got, _, _ := fp.Get(context.Background(), info.ID)
	assert.Equal(t, sandbox.StatusTerminated, got.Status)
}

func TestWaitForReady_ErrorsOnTerminated(t *testing.T) {
	p, fp := newTestPool(t, config.PoolOptions{})
	info, err := fp.Create(context.Background(), sandbox.CreateInput{})
	require.NoError(t, err)
	require.NoError(t, fp.Terminate(context.Background(), info.ID))

	err = p.waitForReady(context.Background(), info.ID)
	assert.Error(t, err)
}

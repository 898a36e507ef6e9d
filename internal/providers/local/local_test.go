package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

const (
	assertEventuallyTimeout = 2 * time.Second
	assertEventuallyTick    = 10 * time.Millisecond
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	base := t.TempDir()
	p, err := New(filepath.Join(base, "sandboxes"), filepath.Join(base, "snapshots"))
	require.NoError(t, err)
	return p
}

func TestCreate_NoRepoBecomesReadyWithoutClone(t *testing.T) {
	p := newTestProvider(t)
	info, err := p.Create(context.Background(), sandbox.CreateInput{ProjectID: "proj1"})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusInitializing, info.Status)

	// the background clone step (a no-op without a Repo) must flip the
	// sandbox to ready synchronously-enough for this poll to observe it.
	require.Eventually(t, func() bool {
		got, ok, err := p.Get(context.Background(), info.ID)
		return err == nil && ok && got.Status == sandbox.StatusReady
	}, assertEventuallyTimeout, assertEventuallyTick)
}

func TestTerminate_Idempotent(t *testing.T) {
	p := newTestProvider(t)
	info, err := p.Create(context.Background(), sandbox.CreateInput{ProjectID: "proj1"})
	require.NoError(t, err)

	require.NoError(t, p.Terminate(context.Background(), info.ID))
	require.NoError(t, p.Terminate(context.Background(), info.ID)) // idempotent

	got, ok, err := p.Get(context.Background(), info.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sandbox.StatusTerminated, got.Status)
}

func TestStart_ForbidsTerminated(t *testing.T) {
	p := newTestProvider(t)
	info, err := p.Create(context.Background(), sandbox.CreateInput{ProjectID: "proj1"})
	require.NoError(t, err)
	require.NoError(t, p.Terminate(context.Background(), info.ID))

	_, err = p.Start(context.Background(), info.ID)
	assert.Error(t, err)
}

func TestSnapshotRestore_RoundTripsWorkdirContents(t *testing.T) {
	p := newTestProvider(t)
	info, err := p.Create(context.Background(), sandbox.CreateInput{ProjectID: "proj1"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(p.workdir(info.ID), "hello.txt"), []byte("world"), 0o644))

	snapID, err := p.Snapshot(context.Background(), info.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snapID)

	restored, err := p.Restore(context.Background(), snapID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusReady, restored.Status)

	data, err := os.ReadFile(filepath.Join(p.workdir(restored.ID), "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestExecute_ReturnsExitCodeAndOutput(t *testing.T) {
	p := newTestProvider(t)
	info, err := p.Create(context.Background(), sandbox.CreateInput{ProjectID: "proj1"})
	require.NoError(t, err)

	result, err := p.Execute(context.Background(), info.ID, []string{"sh", "-c", "echo hi"}, sandbox.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hi")
}

func TestExecute_UnknownSandbox(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Execute(context.Background(), "missing", []string{"echo"}, sandbox.ExecOptions{})
	assert.Error(t, err)
}

func TestIsGitWorkdir_DistinguishesPopulatedRestoreTargetFromFreshDir(t *testing.T) {
	fresh := t.TempDir()
	assert.False(t, isGitWorkdir(fresh), "an empty workdir has no .git yet, so Create must still clone into it")

	restored := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(restored, ".git"), 0o755))
	assert.True(t, isGitWorkdir(restored), "a workdir copied from a snapshot carries its .git, so resync must fetch-and-reset rather than clone")
}

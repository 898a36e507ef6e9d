package multiplayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
)

func newTestManager(maxUsers, maxQueue int) *Manager {
	return New(config.MultiplayerOptions{MaxUsersPerSession: maxUsers, MaxQueueLength: maxQueue})
}

func TestJoin_FailsWhenSessionFull(t *testing.T) {
	m := newTestManager(1, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	_, err := m.Join(s.ID, "alice", "red")
	require.NoError(t, err)

	_, err = m.Join(s.ID, "bob", "blue")
	assert.Error(t, err)
}

func TestLeave_ReleasesLockAndDisconnectsClients(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, err := m.Join(s.ID, "alice", "red")
	require.NoError(t, err)

	require.NoError(t, s.Connect("client-1", alice.ID))
	lock := s.AcquireLock(alice.ID)
	require.True(t, lock.Success)

	left := s.Leave(alice.ID)
	assert.True(t, left)
	assert.Equal(t, "", s.State().EditLock)
	assert.Empty(t, s.GetClients())
}

func TestAcquireLock_SecondHolderRejected(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	bob, _ := m.Join(s.ID, "bob", "blue")

	first := s.AcquireLock(alice.ID)
	assert.True(t, first.Success)

	second := s.AcquireLock(bob.ID)
	assert.False(t, second.Success)
	assert.Contains(t, second.Reason, alice.ID)
}

func TestReleaseLock_OnlyHolderCanRelease(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	bob, _ := m.Join(s.ID, "bob", "blue")
	s.AcquireLock(alice.ID)

	res := s.ReleaseLock(bob.ID)
	assert.False(t, res.Success)

	res = s.ReleaseLock(alice.ID)
	assert.True(t, res.Success)
}

func TestAddPrompt_PriorityOrderingWithFIFOWithinTier(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")

	p1, err := s.AddPrompt(alice.ID, "first normal", PriorityNormal)
	require.NoError(t, err)
	_, err = s.AddPrompt(alice.ID, "urgent one", PriorityUrgent)
	require.NoError(t, err)
	p3, err := s.AddPrompt(alice.ID, "second normal", PriorityNormal)
	require.NoError(t, err)

	prompts := s.GetPrompts()
	require.Len(t, prompts, 3)
	assert.Equal(t, "urgent one", prompts[0].Content)
	assert.Equal(t, p1.ID, prompts[1].ID)
	assert.Equal(t, p3.ID, prompts[2].ID)
}

func TestAddPrompt_FailsWhenQueueFull(t *testing.T) {
	m := newTestManager(5, 1)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")

	_, err := s.AddPrompt(alice.ID, "one", PriorityNormal)
	require.NoError(t, err)
	_, err = s.AddPrompt(alice.ID, "two", PriorityNormal)
	assert.Error(t, err)
}

func TestCancelPrompt_OnlyOwnerCanCancel(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	bob, _ := m.Join(s.ID, "bob", "blue")

	p, err := s.AddPrompt(alice.ID, "mine", PriorityNormal)
	require.NoError(t, err)

	err = s.CancelPrompt(p.ID, bob.ID)
	assert.Error(t, err)

	err = s.CancelPrompt(p.ID, alice.ID)
	assert.NoError(t, err)
}

func TestCancelPrompt_CannotCancelExecuting(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	p, err := s.AddPrompt(alice.ID, "mine", PriorityNormal)
	require.NoError(t, err)

	started, ok := s.StartNextPrompt()
	require.True(t, ok)
	require.Equal(t, p.ID, started.ID)

	err = s.CancelPrompt(p.ID, alice.ID)
	assert.Error(t, err)
}

func TestStartNextPrompt_OnlyOneExecutingAtATime(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	s.AddPrompt(alice.ID, "one", PriorityNormal)
	s.AddPrompt(alice.ID, "two", PriorityNormal)

	_, ok := s.StartNextPrompt()
	require.True(t, ok)

	_, ok = s.StartNextPrompt()
	assert.False(t, ok)
}

func TestCompletePrompt_NoOpWhenNothingExecuting(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	_, ok := s.CompletePrompt()
	assert.False(t, ok)
}

func TestCompletePrompt_ClearsExecutingSlot(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	s.AddPrompt(alice.ID, "one", PriorityNormal)

	started, ok := s.StartNextPrompt()
	require.True(t, ok)

	completed, ok := s.CompletePrompt()
	require.True(t, ok)
	assert.Equal(t, started.ID, completed.ID)
	assert.Equal(t, PromptCompleted, completed.Status)

	status := s.GetQueueStatus()
	assert.False(t, status.HasExecuting)
}

func TestReorderPrompt_OnlyOwnerCanReorder(t *testing.T) {
	m := newTestManager(5, 10)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	bob, _ := m.Join(s.ID, "bob", "blue")

	p, err := s.AddPrompt(alice.ID, "one", PriorityNormal)
	require.NoError(t, err)
	s.AddPrompt(alice.ID, "two", PriorityNormal)

	err = s.ReorderPrompt(p.ID, bob.ID, 1)
	assert.Error(t, err)

	err = s.ReorderPrompt(p.ID, alice.ID, 1)
	assert.NoError(t, err)
}

func TestGetQueueStatus_ReportsLengthAndFullness(t *testing.T) {
	m := newTestManager(5, 2)
	s := m.Create(CreateInput{ProjectID: "p1"})
	alice, _ := m.Join(s.ID, "alice", "red")
	s.AddPrompt(alice.ID, "one", PriorityNormal)

	status := s.GetQueueStatus()
	assert.Equal(t, 1, status.Length)
	assert.False(t, status.IsFull)

	s.AddPrompt(alice.ID, "two", PriorityNormal)
	status = s.GetQueueStatus()
	assert.True(t, status.IsFull)
}

// Package multiplayer implements the Multiplayer Session (C7, §4.7): a
// per-collaboration roster of users and clients, a single-holder edit
// lock, and a priority prompt queue. Adapted from the teacher's
// explicit-success-return style (no panics/exceptions for expected
// control flow, mirroring the teacher's Sandbox interface methods that
// return (result, error) rather than throwing on "not found" or
// "conflict"). The package publishes no events.
package multiplayer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
)

// Priority is a prompt's queue tier (§3, §4.7).
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// PromptStatus is a prompt queue item's lifecycle status (§3).
type PromptStatus string

const (
	PromptQueued    PromptStatus = "queued"
	PromptExecuting PromptStatus = "executing"
	PromptCompleted PromptStatus = "completed"
	PromptCancelled PromptStatus = "cancelled"
)

// User is a collaborator joined to a session (§3).
type User struct {
	ID       string
	Name     string
	Color    string
	Cursor   any
	JoinedAt time.Time
}

// Client is a connected client attributed to a User (§3).
type Client struct {
	ID       string
	UserID   string
	LastSeen time.Time
}

// Prompt is a queued collaborative prompt (§3).
type Prompt struct {
	ID          string
	UserID      string
	Content     string
	Priority    Priority
	EnqueuedAt  time.Time
	Status      PromptStatus
}

// State is the session's shared agent/git state (§3).
type State struct {
	EditLock      string // userID, empty if unheld
	GitSyncStatus string
	AgentStatus   string
}

// CreateInput is the input to Create (§4.7).
type CreateInput struct {
	ProjectID string
}

// Session is a Multiplayer Session (§3).
type Session struct {
	ID        string
	ProjectID string
	CreatedAt time.Time

	maxQueueLength int

	mu        sync.Mutex
	users     map[string]*User
	clients   map[string]*Client
	state     State
	prompts   map[string]*Prompt
	order     []string // queued prompt IDs, insertion order unless reordered; grouped by priority on read
	executing string   // id of the currently-executing prompt, empty if none
}

// Manager holds every live Session (C7).
type Manager struct {
	opts config.MultiplayerOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Manager.
func New(opts config.MultiplayerOptions) *Manager {
	return &Manager{
		opts:     config.InitMultiplayerOptions(opts),
		sessions: make(map[string]*Session),
	}
}

// Create starts a new Session.
func (m *Manager) Create(in CreateInput) *Session {
	s := &Session{
		ID:             uuid.NewString(),
		ProjectID:      in.ProjectID,
		CreatedAt:      time.Now(),
		maxQueueLength: m.opts.MaxQueueLength,
		users:          make(map[string]*User),
		clients:        make(map[string]*Client),
		prompts:        make(map[string]*Prompt),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove deletes a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// All returns every live session.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Join adds a user to the session, failing if it's at capacity (§4.7).
func (m *Manager) Join(sessionID string, name, color string) (User, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return User{}, errs.Newf(errs.NotFound, "session %s not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.users) >= m.opts.MaxUsersPerSession {
		return User{}, errs.Newf(errs.Conflict, "session %s is full", sessionID)
	}
	u := User{ID: uuid.NewString(), Name: name, Color: color, JoinedAt: time.Now()}
	s.users[u.ID] = &u
	return u, nil
}

// Leave removes a user, releasing the edit lock if they held it and
// disconnecting all their clients (§4.7).
func (s *Session) Leave(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false
	}
	delete(s.users, userID)
	if s.state.EditLock == userID {
		s.state.EditLock = ""
	}
	for cid, c := range s.clients {
		if c.UserID == userID {
			delete(s.clients, cid)
		}
	}
	return true
}

// UpdateCursor sets a user's cursor position.
func (s *Session) UpdateCursor(userID string, cursor any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return errs.Newf(errs.NotFound, "user %s not in session", userID)
	}
	u.Cursor = cursor
	return nil
}

// LockResult is the outcome of AcquireLock/ReleaseLock (§4.7).
type LockResult struct {
	Success bool
	Reason  string
}

// AcquireLock succeeds iff no other user holds the lock (§4.7); the
// current holder acquiring it again also succeeds.
func (s *Session) AcquireLock(userID string) LockResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.EditLock != "" && s.state.EditLock != userID {
		return LockResult{Success: false, Reason: "Lock held by " + s.state.EditLock}
	}
	s.state.EditLock = userID
	return LockResult{Success: true}
}

// ReleaseLock succeeds iff editLock == userID (§4.7).
func (s *Session) ReleaseLock(userID string) LockResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.EditLock != userID {
		return LockResult{Success: false, Reason: "lock not held by " + userID}
	}
	s.state.EditLock = ""
	return LockResult{Success: true}
}

// Connect registers a client against userID.
func (s *Session) Connect(clientID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return errs.Newf(errs.NotFound, "user %s not in session", userID)
	}
	s.clients[clientID] = &Client{ID: clientID, UserID: userID, LastSeen: time.Now()}
	return nil
}

// Disconnect removes a client.
func (s *Session) Disconnect(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
}

// GetUsers returns a snapshot of every user in the session.
func (s *Session) GetUsers() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out
}

// GetClients returns a snapshot of every connected client.
func (s *Session) GetClients() []Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	return out
}

// UpdateState sets each non-empty argument on the session state; empty
// arguments leave the current value unchanged.
func (s *Session) UpdateState(gitSyncStatus, agentStatus string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gitSyncStatus != "" {
		s.state.GitSyncStatus = gitSyncStatus
	}
	if agentStatus != "" {
		s.state.AgentStatus = agentStatus
	}
}

// State returns a copy of the session's shared state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

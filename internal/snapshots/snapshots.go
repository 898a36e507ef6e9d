// Package snapshots implements the Snapshot Manager (C6, §4.6): a
// per-session, newest-first list of snapshot records with cap eviction,
// lazy TTL expiry, and a restore hook into a Provider. Adapted from the
// teacher's events.Eventer-driven lifecycle notifications
// (restored/expired/cleaned mirror the teacher's own emitted events for
// Sandbox state changes) and from the Registry's remove-fixes-index
// discipline in this module's own registry package.
package snapshots

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/events"
)

const (
	EventRestored events.Type = "snapshot:restored"
	EventExpired  events.Type = "snapshot:expired"
	EventCleaned  events.Type = "snapshot:cleaned"
)

// Snapshot is a single captured sandbox state (§3, §4.6).
type Snapshot struct {
	ID                    string
	SandboxID             string
	SessionID             string
	GitCommit             string
	HasUncommittedChanges bool
	CreatedAt             time.Time
	Expired               bool
}

// RestoreFunc materializes a new sandbox from a snapshot, internally
// calling Provider.Restore (§4.6).
type RestoreFunc func(ctx context.Context, snap Snapshot) (sandboxID string, err error)

// Manager is the Snapshot Manager (C6).
type Manager struct {
	opts    config.SnapshotOptions
	restore RestoreFunc
	bus     *events.Bus

	mu       sync.Mutex
	byID     map[string]*Snapshot
	bySession map[string][]string // sessionID -> snapshot IDs, newest-first
}

// New constructs a Manager. restore may be nil if Restore will never be
// called (e.g. in tests exercising only create/expire/cleanup).
func New(opts config.SnapshotOptions, restore RestoreFunc, bus *events.Bus) *Manager {
	return &Manager{
		opts:      config.InitSnapshotOptions(opts),
		restore:   restore,
		bus:       bus,
		byID:      make(map[string]*Snapshot),
		bySession: make(map[string][]string),
	}
}

// Create records a new snapshot for session, evicting the oldest entry
// first if the session is already at cap (§4.6).
func (m *Manager) Create(sandboxID, sessionID, gitCommit string, hasUncommittedChanges bool) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.bySession[sessionID]
	if len(list) >= m.opts.MaxSnapshotsPerSession {
		oldestID := list[len(list)-1]
		m.removeLocked(oldestID)
	}

	snap := Snapshot{
		ID:                    uuid.NewString(),
		SandboxID:             sandboxID,
		SessionID:             sessionID,
		GitCommit:             gitCommit,
		HasUncommittedChanges: hasUncommittedChanges,
		CreatedAt:             time.Now(),
	}
	m.byID[snap.ID] = &snap
	m.bySession[sessionID] = append([]string{snap.ID}, m.bySession[sessionID]...)
	return snap
}

// GetLatest scans session's list head-to-tail (newest-first), lazily
// expiring any entry whose TTL has elapsed, and returns the first
// non-expired snapshot (§4.6).
func (m *Manager) GetLatest(sessionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, id := range m.bySession[sessionID] {
		snap, ok := m.byID[id]
		if !ok {
			continue
		}
		if snap.Expired || now.Sub(snap.CreatedAt) >= m.opts.TTL {
			if !snap.Expired {
				snap.Expired = true
				m.emitLocked(EventExpired, *snap)
			}
			continue
		}
		return *snap, true
	}
	return Snapshot{}, false
}

// HasValidSnapshot reports whether GetLatest would succeed (§4.6).
func (m *Manager) HasValidSnapshot(sessionID string) bool {
	_, ok := m.GetLatest(sessionID)
	return ok
}

// Restore finds the latest valid snapshot for session, delegates to the
// registered RestoreFunc, and emits `restored` carrying both the
// snapshot and the new sandbox id (§4.6).
func (m *Manager) Restore(ctx context.Context, sessionID string) (string, error) {
	snap, ok := m.GetLatest(sessionID)
	if !ok {
		return "", errs.Newf(errs.NotFound, "no valid snapshot for session %s", sessionID)
	}
	if m.restore == nil {
		return "", errs.New(errs.Internal, "no restore callback configured")
	}
	sandboxID, err := m.restore(ctx, snap)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.emitPayloadLocked(EventRestored, map[string]any{"snapshot": snap, "sandboxID": sandboxID})
	m.mu.Unlock()
	return sandboxID, nil
}

// Expire flips the expired flag and emits `expired` (§4.6). A no-op if
// id is unknown or already expired.
func (m *Manager) Expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.byID[id]
	if !ok || snap.Expired {
		return
	}
	snap.Expired = true
	m.emitLocked(EventExpired, *snap)
}

// Remove deletes the record, fixes the per-session list, and emits
// `cleaned` (§4.6).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	snap, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	list := m.bySession[snap.SessionID]
	for i, sid := range list {
		if sid == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.bySession, snap.SessionID)
	} else {
		m.bySession[snap.SessionID] = list
	}
	m.emitLocked(EventCleaned, *snap)
}

// CleanupExpired walks every snapshot and removes any whose TTL has
// elapsed, setting the expired flag first even if it was still false
// (§4.6).
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	now := time.Now()
	var toRemove []string
	for id, snap := range m.byID {
		if now.Sub(snap.CreatedAt) >= m.opts.TTL {
			if !snap.Expired {
				snap.Expired = true
			}
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		m.removeLocked(id)
	}
	m.mu.Unlock()
	return len(toRemove)
}

func (m *Manager) emitLocked(typ events.Type, snap Snapshot) {
	m.emitPayloadLocked(typ, snap)
}

func (m *Manager) emitPayloadLocked(typ events.Type, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.TriggerAsync(events.Event{
		Type:    typ,
		Source:  "snapshots",
		Payload: payload,
		Context: context.Background(),
	})
}

// Package syncgate implements the Sync Gate (C5, §4.5): a tool-name
// classifier that blocks write-class tool calls until a sandbox's git
// clone has finished syncing. Adapted from the teacher's wait-hook
// idiom (pkg/sandbox-manager/infra/sandboxcr/cache.go's
// WaitForSandboxSatisfied: register-poll-cleanup-on-every-exit-path)
// generalized from a single Kubernetes watch to a plain polling
// callback since this core has no cluster informer to piggyback on.
package syncgate

import (
	"context"
	"sync"
	"time"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

// Class is the policy bucket a tool name falls into (§4.5).
type Class string

const (
	ClassReadonly Class = "readonly"
	ClassWrite    Class = "write"
	ClassUnknown  Class = "unknown"
)

var readonlyTools = map[string]struct{}{
	"read": {}, "glob": {}, "grep": {}, "ls": {}, "codesearch": {}, "tree": {}, "find": {},
}

var writeTools = map[string]struct{}{
	"edit": {}, "write": {}, "patch": {}, "bash": {}, "multiedit": {}, "mv": {}, "rm": {}, "mkdir": {},
}

// Classify returns the policy class of tool (§4.5 table).
func Classify(tool string) Class {
	if _, ok := readonlyTools[tool]; ok {
		return ClassReadonly
	}
	if _, ok := writeTools[tool]; ok {
		return ClassWrite
	}
	return ClassUnknown
}

// Decision is the outcome of a Check or Wait call.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// GetSyncStatusFunc resolves the current git sync status of a sandbox.
type GetSyncStatusFunc func(ctx context.Context, sandboxID string) (sandbox.SyncStatus, error)

type pendingEdit struct {
	callID    string
	sandboxID string
	result    chan Decision
}

// Gate is the Sync Gate (C5).
type Gate struct {
	opts config.SyncGateOptions

	mu      sync.Mutex
	pending map[string][]*pendingEdit // sandboxID -> waiters
}

// New constructs a Gate.
func New(opts config.SyncGateOptions) *Gate {
	return &Gate{
		opts:    config.InitSyncGateOptions(opts),
		pending: make(map[string][]*pendingEdit),
	}
}

// Check is the non-blocking classification-only decision: readonly is
// always allowed, write is allowed iff syncStatus is synced, and
// unknown is fail-open allowed (§4.5 invariant).
func (g *Gate) Check(tool string, status sandbox.SyncStatus) Decision {
	switch Classify(tool) {
	case ClassReadonly, ClassUnknown:
		return Decision{Allowed: true}
	case ClassWrite:
		if status == sandbox.SyncSynced {
			return Decision{Allowed: true}
		}
		return Decision{Allowed: false, Reason: "sandbox is not synced", RetryAfter: g.opts.RetryInterval}
	}
	return Decision{Allowed: true}
}

// Wait implements the blocking wait in §4.5: a write tool against a
// not-yet-synced sandbox registers a PendingEdit and polls
// getSyncStatus every RetryInterval until synced (allow), error (deny),
// or MaxWaitTime elapses (deny with timeout). The PendingEdit is
// removed on every exit path.
func (g *Gate) Wait(ctx context.Context, tool, sandboxID, callID string, getSyncStatus GetSyncStatusFunc) Decision {
	status, err := getSyncStatus(ctx, sandboxID)
	if err != nil {
		return Decision{Allowed: false, Reason: err.Error()}
	}
	if d := g.Check(tool, status); d.Allowed || Classify(tool) != ClassWrite {
		return d
	}

	pe := &pendingEdit{callID: callID, sandboxID: sandboxID, result: make(chan Decision, 1)}
	g.register(pe)
	defer g.unregister(pe)

	ticker := time.NewTicker(g.opts.RetryInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(g.opts.MaxWaitTime)
	defer deadline.Stop()

	for {
		select {
		case d := <-pe.result:
			return d
		case <-ctx.Done():
			return Decision{Allowed: false, Reason: ctx.Err().Error()}
		case <-deadline.C:
			return Decision{Allowed: false, Reason: "timed out waiting for sync"}
		case <-ticker.C:
			status, err := getSyncStatus(ctx, sandboxID)
			if err != nil {
				return Decision{Allowed: false, Reason: err.Error()}
			}
			switch status {
			case sandbox.SyncSynced:
				return Decision{Allowed: true}
			case sandbox.SyncError:
				return Decision{Allowed: false, Reason: "sync failed"}
			}
		}
	}
}

func (g *Gate) register(pe *pendingEdit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[pe.sandboxID] = append(g.pending[pe.sandboxID], pe)
}

func (g *Gate) unregister(pe *pendingEdit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	waiters := g.pending[pe.sandboxID]
	for i, w := range waiters {
		if w == pe {
			g.pending[pe.sandboxID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(g.pending[pe.sandboxID]) == 0 {
		delete(g.pending, pe.sandboxID)
	}
}

// NotifySyncComplete releases every waiter registered for sandboxID
// with an allow decision and clears its PendingEdits (§4.5).
func (g *Gate) NotifySyncComplete(sandboxID string) {
	g.release(sandboxID, Decision{Allowed: true})
}

// NotifySyncFailed releases every waiter registered for sandboxID with
// a deny decision (§4.5).
func (g *Gate) NotifySyncFailed(sandboxID, reason string) {
	g.release(sandboxID, Decision{Allowed: false, Reason: reason})
}

func (g *Gate) release(sandboxID string, d Decision) {
	g.mu.Lock()
	waiters := append([]*pendingEdit(nil), g.pending[sandboxID]...)
	g.mu.Unlock()

	for _, w := range waiters {
		select {
		case w.result <- d:
		default:
		}
	}
}

// PendingCount returns the number of PendingEdits registered for
// sandboxID, for tests and diagnostics.
func (g *Gate) PendingCount(sandboxID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[sandboxID])
}

// TotalPendingCount returns the number of PendingEdits registered across
// every sandbox, for the debug introspection surface.
func (g *Gate) TotalPendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, waiters := range g.pending {
		total += len(waiters)
	}
	return total
}

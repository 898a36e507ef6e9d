// Package providers defines the Provider contract every sandbox backend
// satisfies (C1, §4.1), adapted from the teacher's
// pkg/sandbox-manager/infra.Infrastructure / Sandbox interfaces — but
// generalized away from Kubernetes object metadata to the plain,
// backend-neutral sandbox.Info value type, since this core runs
// standalone processes and a hosted serverless API alongside an optional
// Kubernetes backend rather than only ever talking to a cluster.
package providers

import (
	"context"
	"io"

	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

// Provider is the minimal contract every backend (local, hosted, k8s)
// satisfies. All operations are suspension points (§5): implementations
// must honor ctx cancellation and must never leak a sandbox created
// mid-cancel.
type Provider interface {
	// Create allocates a sandbox in StatusInitializing and kicks off the
	// git clone asynchronously; it returns as soon as the record exists.
	// A failed create leaves no record.
	Create(ctx context.Context, in sandbox.CreateInput) (sandbox.Info, error)

	// Get is a pure observation, refreshing cached status from the
	// backend where the backend requires polling. The second return is
	// false if the sandbox is unknown to this provider.
	Get(ctx context.Context, id string) (sandbox.Info, bool, error)

	// List returns every sandbox known to this provider, optionally
	// filtered to one project.
	List(ctx context.Context, projectID string) ([]sandbox.Info, error)

	// Start forbids StatusTerminated.
	Start(ctx context.Context, id string) (sandbox.Info, error)

	// Stop transitions a running sandbox toward StatusSuspended.
	Stop(ctx context.Context, id string) (sandbox.Info, error)

	// Terminate is idempotent after the first call.
	Terminate(ctx context.Context, id string) error

	// Snapshot captures workspace (and, backend-permitting, process)
	// state without changing the sandbox's status, returning a snapshot
	// id opaque to the caller.
	Snapshot(ctx context.Context, id string) (string, error)

	// Restore materializes a fresh sandbox pre-populated from the named
	// snapshot. Its git.syncStatus is copied from the snapshot but MUST
	// be refreshed via SyncGit before write tools are allowed (§4.1,
	// Open Question resolved: a fresh sync is mandatory after restore).
	Restore(ctx context.Context, snapshotID string) (sandbox.Info, error)

	// Execute runs argv inside the sandbox and updates lastActivity.
	Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (sandbox.ExecResult, error)

	// StreamLogs returns a lazily-read, cancellable stream of UTF-8
	// decoded log chunks for the named service. Callers must Close it.
	StreamLogs(ctx context.Context, id, service string) (io.ReadCloser, error)

	// SyncGit kicks off (or re-kicks-off) the sandbox's git clone/sync.
	SyncGit(ctx context.Context, id string) error

	// GetGitStatus is a pure observation of the sandbox's GitInfo.
	GetGitStatus(ctx context.Context, id string) (sandbox.GitInfo, error)
}

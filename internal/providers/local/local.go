// Package local implements the Local backend (§4.1.a): sandboxes are
// plain host OS processes rooted at a per-sandbox working directory.
// Clones run via the host git binary; commands execute via os/exec
// inheriting the sandbox cwd and a merged environment; snapshots are a
// recursive copy of the working directory.
package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/logs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

// record is the provider's internal bookkeeping for one sandbox. Info is
// the value callers get back; pid is local-backend-only (the workdir is
// derived from the id).
type record struct {
	mu   sync.Mutex
	info sandbox.Info
	pid  int // 0 once the sandbox has no live process
}

// Provider is a Provider implementation backed by host OS processes.
// BaseDir is the configurable base path under which every sandbox gets
// its own working directory; SnapshotDir holds the recursive-copy
// snapshots.
type Provider struct {
	BaseDir     string
	SnapshotDir string

	mu        sync.RWMutex
	sandboxes map[string]*record
	snapshots map[string]snapshotRecord
	clock     func() time.Time
}

type snapshotRecord struct {
	sourceDir string
	gitInfo   sandbox.GitInfo
	projectID string
}

// New constructs a Provider rooted at baseDir/snapshotDir, creating both
// if they don't exist.
func New(baseDir, snapshotDir string) (*Provider, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("local provider: create base dir: %w", err)
	}
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("local provider: create snapshot dir: %w", err)
	}
	return &Provider{
		BaseDir:     baseDir,
		SnapshotDir: snapshotDir,
		sandboxes:   make(map[string]*record),
		snapshots:   make(map[string]snapshotRecord),
		clock:       time.Now,
	}, nil
}

func (p *Provider) workdir(id string) string {
	return filepath.Join(p.BaseDir, id)
}

// Create allocates a per-sandbox directory in StatusInitializing and
// kicks off the clone in the background; the post-step check in
// cloneRepository ensures a concurrent Terminate always wins (§4.1).
func (p *Provider) Create(ctx context.Context, in sandbox.CreateInput) (sandbox.Info, error) {
	id := uuid.NewString()
	now := p.clock()
	rec := &record{
		info: sandbox.Info{
			ID:        id,
			ProjectID: in.ProjectID,
			Status:    sandbox.StatusInitializing,
			Git: sandbox.GitInfo{
				Repo:       in.Repo,
				Branch:     in.Branch,
				SyncStatus: sandbox.SyncPending,
			},
			Network: sandbox.Network{Ports: map[string]int{}},
			Time:    sandbox.Times{Created: now, LastActivity: now},
		},
	}
	dir := p.workdir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sandbox.Info{}, errs.Newf(errs.Internal, "create workdir: %v", err)
	}

	p.mu.Lock()
	p.sandboxes[id] = rec
	p.mu.Unlock()

	go p.cloneRepository(logs.NewContext("sandboxID", id), rec, dir, in)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.info, nil
}

// cloneRepository runs in the background; it re-reads the current status
// before every mutation and aborts if a concurrent Terminate already won
// (§4.1's race-safety requirement). dir may already hold a populated
// working tree with its own .git metadata — the case after Restore
// copies a snapshot's tree into a fresh sandbox's workdir — in which
// case it fetches and resets in place rather than cloning, since `git
// clone` refuses a non-empty destination.
func (p *Provider) cloneRepository(ctx context.Context, rec *record, dir string, in sandbox.CreateInput) {
	log := klog.FromContext(ctx)

	rec.mu.Lock()
	if rec.info.Status == sandbox.StatusTerminated {
		rec.mu.Unlock()
		return
	}
	rec.info.Git.SyncStatus = sandbox.SyncSyncing
	rec.mu.Unlock()

	var commit string
	var cloneErr error
	if in.Repo != "" {
		if isGitWorkdir(dir) {
			commit, cloneErr = fetchAndReset(ctx, dir, in.Branch)
		} else {
			commit, cloneErr = cloneFresh(ctx, dir, in.Repo, in.Branch)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.info.Status == sandbox.StatusTerminated {
		log.Info("clone finished but sandbox was terminated concurrently, discarding result")
		return
	}
	now := p.clock()
	if cloneErr != nil {
		log.Error(cloneErr, "clone failed")
		rec.info.Git.SyncStatus = sandbox.SyncError
	} else {
		rec.info.Git.SyncStatus = sandbox.SyncSynced
		rec.info.Git.Commit = commit
		rec.info.Git.SyncedAt = &now
	}
	rec.info.Status = sandbox.StatusReady
	rec.info.Time.Ready = &now
}

// isGitWorkdir reports whether dir already holds a git working tree, the
// signal that a resync must fetch-and-reset in place instead of cloning.
func isGitWorkdir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// cloneFresh shallow-clones repo/branch into an empty dir and returns the
// checked-out commit, the original create-path behavior.
func cloneFresh(ctx context.Context, dir, repo, branch string) (string, error) {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repo, dir)
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git clone failed: %w: %s", err, stderr.String())
	}
	return revParseHead(ctx, dir)
}

// fetchAndReset brings an already-cloned workdir's origin/branch to its
// current tip and hard-resets onto it, the resync path used after Restore
// materializes a sandbox from a snapshot's copied tree (§4.1 Open
// Question: mandatory post-restore resync).
func fetchAndReset(ctx context.Context, dir, branch string) (string, error) {
	fetchArgs := []string{"-C", dir, "fetch", "--depth", "1", "origin"}
	if branch != "" {
		fetchArgs = append(fetchArgs, branch)
	}
	var fetchStderr bytes.Buffer
	fetchCmd := exec.CommandContext(ctx, "git", fetchArgs...)
	fetchCmd.Stderr = &fetchStderr
	if err := fetchCmd.Run(); err != nil {
		return "", fmt.Errorf("git fetch failed: %w: %s", err, fetchStderr.String())
	}

	var resetStderr bytes.Buffer
	resetCmd := exec.CommandContext(ctx, "git", "-C", dir, "reset", "--hard", "FETCH_HEAD")
	resetCmd.Stderr = &resetStderr
	if err := resetCmd.Run(); err != nil {
		return "", fmt.Errorf("git reset failed: %w: %s", err, resetStderr.String())
	}
	return revParseHead(ctx, dir)
}

func revParseHead(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD failed: %w", err)
	}
	return string(bytes.TrimSpace(out)), nil
}

func (p *Provider) lookup(id string) (*record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.sandboxes[id]
	return rec, ok
}

// Get returns a value copy of the sandbox's current state, refreshing
// process liveness via gopsutil if a pid is tracked.
func (p *Provider) Get(ctx context.Context, id string) (sandbox.Info, bool, error) {
	rec, ok := p.lookup(id)
	if !ok {
		return sandbox.Info{}, false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.pid != 0 && rec.info.Status == sandbox.StatusRunning {
		if alive, _ := process.PidExists(int32(rec.pid)); !alive {
			rec.info.Status = sandbox.StatusSuspended
			rec.pid = 0
		}
	}
	return rec.info, true, nil
}

// List returns every sandbox this provider knows about, optionally
// filtered by project.
func (p *Provider) List(ctx context.Context, projectID string) ([]sandbox.Info, error) {
	p.mu.RLock()
	recs := make([]*record, 0, len(p.sandboxes))
	for _, rec := range p.sandboxes {
		recs = append(recs, rec)
	}
	p.mu.RUnlock()

	out := make([]sandbox.Info, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		info := rec.info
		rec.mu.Unlock()
		if projectID == "" || info.ProjectID == projectID {
			out = append(out, info)
		}
	}
	return out, nil
}

// Start forbids StatusTerminated (§4.1).
func (p *Provider) Start(ctx context.Context, id string) (sandbox.Info, error) {
	rec, ok := p.lookup(id)
	if !ok {
		return sandbox.Info{}, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.info.Status == sandbox.StatusTerminated {
		return sandbox.Info{}, errs.Newf(errs.Conflict, "sandbox %s is terminated", id)
	}
	rec.info.Status = sandbox.StatusRunning
	rec.info.Time.LastActivity = p.clock()
	return rec.info, nil
}

// Stop moves a running sandbox to suspended, signaling any tracked child
// process to stop via SIGTERM the way a process supervisor would.
func (p *Provider) Stop(ctx context.Context, id string) (sandbox.Info, error) {
	rec, ok := p.lookup(id)
	if !ok {
		return sandbox.Info{}, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.info.Status == sandbox.StatusTerminated {
		return sandbox.Info{}, errs.Newf(errs.Conflict, "sandbox %s is terminated", id)
	}
	if rec.pid != 0 {
		_ = unix.Kill(rec.pid, syscall.SIGTERM)
		rec.pid = 0
	}
	rec.info.Status = sandbox.StatusSuspended
	return rec.info, nil
}

// Terminate is idempotent after the first call (§4.1): a second call on
// an already-terminated sandbox is a no-op success.
func (p *Provider) Terminate(ctx context.Context, id string) error {
	rec, ok := p.lookup(id)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	if rec.info.Status == sandbox.StatusTerminated {
		rec.mu.Unlock()
		return nil
	}
	if rec.pid != 0 {
		_ = unix.Kill(rec.pid, syscall.SIGKILL)
		rec.pid = 0
	}
	rec.info.Status = sandbox.StatusTerminated
	rec.mu.Unlock()
	return os.RemoveAll(p.workdir(id))
}

// Snapshot recursively copies the sandbox's working directory into
// SnapshotDir and records enough metadata to restore it later (§4.1,
// §4.6).
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	rec, ok := p.lookup(id)
	if !ok {
		return "", errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	rec.mu.Lock()
	gitInfo := rec.info.Git
	projectID := rec.info.ProjectID
	rec.mu.Unlock()

	snapID := uuid.NewString()
	dst := filepath.Join(p.SnapshotDir, snapID)
	if err := copyDir(p.workdir(id), dst); err != nil {
		return "", errs.Newf(errs.Internal, "snapshot copy failed: %v", err)
	}

	p.mu.Lock()
	p.snapshots[snapID] = snapshotRecord{sourceDir: dst, gitInfo: gitInfo, projectID: projectID}
	p.mu.Unlock()
	return snapID, nil
}

// Restore materializes a fresh sandbox from a snapshot's copied tree,
// returning it in StatusReady. Its SyncStatus is copied from the
// snapshot; callers MUST call SyncGit before permitting writes (§4.1).
func (p *Provider) Restore(ctx context.Context, snapshotID string) (sandbox.Info, error) {
	p.mu.RLock()
	snap, ok := p.snapshots[snapshotID]
	p.mu.RUnlock()
	if !ok {
		return sandbox.Info{}, errs.Newf(errs.NotFound, "snapshot %s not found", snapshotID)
	}

	id := uuid.NewString()
	dir := p.workdir(id)
	if err := copyDir(snap.sourceDir, dir); err != nil {
		return sandbox.Info{}, errs.Newf(errs.Internal, "restore copy failed: %v", err)
	}

	now := p.clock()
	rec := &record{
		info: sandbox.Info{
			ID:        id,
			ProjectID: snap.projectID,
			Status:    sandbox.StatusReady,
			Git:       snap.gitInfo,
			Network:   sandbox.Network{Ports: map[string]int{}},
			Time:      sandbox.Times{Created: now, Ready: &now, LastActivity: now},
		},
	}
	p.mu.Lock()
	p.sandboxes[id] = rec
	p.mu.Unlock()
	return rec.info, nil
}

// Execute runs argv inside the sandbox's working directory. Transport or
// spawn failures surface as exit code 1 with the error in stderr (§4.1).
func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	rec, ok := p.lookup(id)
	if !ok {
		return sandbox.ExecResult{}, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	if len(argv) == 0 {
		return sandbox.ExecResult{}, errs.New(errs.BadRequest, "argv must not be empty")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cwd := p.workdir(id)
	if opts.Cwd != "" {
		cwd = filepath.Join(cwd, opts.Cwd)
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergedEnv(opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	rec.mu.Lock()
	rec.info.Time.LastActivity = p.clock()
	rec.mu.Unlock()

	result := sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	if runErr == nil {
		result.ExitCode = 0
		return result, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(runErr, &exitErr); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	result.ExitCode = 1
	result.Stderr += runErr.Error()
	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// StreamLogs tails the sandbox's workdir/.logs/<service>.log as a
// best-effort local equivalent of a hosted log stream.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (io.ReadCloser, error) {
	rec, ok := p.lookup(id)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	rec.mu.Lock()
	dir := p.workdir(id)
	rec.mu.Unlock()
	path := filepath.Join(dir, ".logs", service+".log")
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Newf(errs.NotFound, "no log file for service %s: %v", service, err)
	}
	return f, nil
}

// SyncGit synchronously re-runs the clone/sync step that Create starts in
// the background; it is the resync used after Restore (§4.1 Open
// Question: mandatory post-restore resync).
func (p *Provider) SyncGit(ctx context.Context, id string) error {
	rec, ok := p.lookup(id)
	if !ok {
		return errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	rec.mu.Lock()
	dir := p.workdir(id)
	repo := rec.info.Git.Repo
	branch := rec.info.Git.Branch
	rec.info.Git.SyncStatus = sandbox.SyncSyncing
	rec.mu.Unlock()

	in := sandbox.CreateInput{Repo: repo, Branch: branch}
	p.cloneRepository(ctx, rec, dir, in)
	return nil
}

// GetGitStatus is a pure observation of the sandbox's GitInfo.
func (p *Provider) GetGitStatus(ctx context.Context, id string) (sandbox.GitInfo, error) {
	rec, ok := p.lookup(id)
	if !ok {
		return sandbox.GitInfo{}, errs.Newf(errs.NotFound, "sandbox %s not found", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.info.Git, nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, fi.Mode())
	})
}

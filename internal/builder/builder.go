// Package builder implements the Image Builder (C3, §4.3): a bounded
// concurrent build queue that clones a repository using a GitHub App
// installation token, runs install/build/test/push steps through a
// pluggable Backend, and republishes the result under two tags. Adapted
// from the teacher's Pool claim/retry idiom
// (pkg/sandbox-manager/infra/sandboxcr/pool.go) for the worker-pool
// shape, and from its events.Eventer for stage notifications.
package builder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/events"
	"github.com/opencode-labs/sandbox-orchestrator/internal/logs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/registry"
)

// Stage is a step of the build state machine (§4.3).
type Stage string

const (
	StageQueued     Stage = "queued"
	StageCloning    Stage = "cloning"
	StageInstalling Stage = "installing"
	StageBuilding   Stage = "building"
	StageTesting    Stage = "testing"
	StagePushing    Stage = "pushing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

const (
	EventBuildStart    events.Type = "build:start"
	EventBuildProgress events.Type = "build:progress"
	EventBuildComplete events.Type = "build:complete"
	EventBuildError    events.Type = "build:error"
	EventScheduleTick  events.Type = "schedule:tick"
)

// Request describes a build to run (§4.3).
type Request struct {
	Org    string
	Repo   string
	Branch string
}

// Result is the terminal outcome of a completed build.
type Result struct {
	BuildID   string
	Commit    string
	Tag       string
	LatestTag string
	Digest    string
	TestsPass bool
	Stage     Stage
	Error     string
}

// Backend performs the backend-specific install/build/test/push steps.
// Clone is handled by the builder itself (it owns GitHub App auth); the
// backend receives the already-cloned working directory.
type Backend interface {
	Install(ctx context.Context, workdir string) error
	Build(ctx context.Context, workdir string) error
	Test(ctx context.Context, workdir string) (passed bool, err error)
	Push(ctx context.Context, workdir, tag, latestTag string) (digest string, sizeBytes int64, err error)
}

// Cloner shallow-clones a repository branch into a working directory
// using a bearer token, returning the resolved working directory and
// the commit SHA (`git rev-parse HEAD`). Implementations must never let
// the token leak into a returned error string.
type Cloner interface {
	Clone(ctx context.Context, org, repo, branch, token string) (workdir, commit string, err error)
}

type buildState struct {
	id      string
	req     Request
	stage   Stage
	err     string
	started time.Time
}

// Builder runs the Image Builder build queue.
type Builder struct {
	opts    config.BuilderOptions
	auth    *githubAppAuth
	cloner  Cloner
	backend Backend
	reg     *registry.Registry
	bus     *events.Bus

	sem  chan struct{}
	wake chan struct{} // signals the dispatcher that the queue changed

	mu     sync.Mutex
	states map[string]*buildState
	queue  []string // build IDs waiting to be dispatched, FIFO (§4.3)

	scheduleMu sync.Mutex
	stopSched  chan struct{}
}

// New constructs a Builder. creds may be zero-valued when no GitHub App
// clone capability is needed (e.g. tests using a stub Cloner); in that
// case auth is left nil and Clone must not be called.
func New(opts config.BuilderOptions, creds config.GitHubAppCredentials, cloner Cloner, backend Backend, reg *registry.Registry, bus *events.Bus) (*Builder, error) {
	opts = config.InitBuilderOptions(opts)
	b := &Builder{
		opts:    opts,
		cloner:  cloner,
		backend: backend,
		reg:     reg,
		bus:     bus,
		sem:     make(chan struct{}, opts.MaxConcurrentBuilds),
		wake:    make(chan struct{}, 1),
		states:  make(map[string]*buildState),
	}
	if creds.AppID != "" {
		auth, err := newGitHubAppAuth(creds, nil)
		if err != nil {
			return nil, err
		}
		b.auth = auth
	}
	go b.dispatch()
	return b, nil
}

// Submit enqueues a build and returns its build ID immediately. The
// build itself starts once the dispatcher reaches its turn in the FIFO
// queue and a concurrency slot is free (§4.3).
func (b *Builder) Submit(ctx context.Context, req Request) string {
	id := uuid.NewString()
	state := &buildState{id: id, req: req, stage: StageQueued, started: time.Now()}

	b.mu.Lock()
	b.states[id] = state
	b.queue = append(b.queue, id)
	b.mu.Unlock()

	b.emit(ctx, EventBuildStart, id, req, nil)

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return id
}

// dispatch pulls build IDs off the head of the FIFO queue in order,
// claiming a concurrency slot for each before moving on to the next —
// so builds START in the order they were submitted even though several
// may run concurrently once dispatched (§4.3 "accumulate in an ordered
// FIFO queue").
func (b *Builder) dispatch() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 {
			b.mu.Unlock()
			<-b.wake
			b.mu.Lock()
		}
		id := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.sem <- struct{}{}
		go b.run(id)
	}
}

// Status returns a snapshot of a build's current stage, or ok=false if
// unknown.
func (b *Builder) Status(id string) (Stage, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[id]
	if !ok {
		return "", "", false
	}
	return s.stage, s.err, true
}

// Cancel transitions a build still in StageQueued directly to
// failed("Cancelled") (§4.3). Running builds are not interruptible and
// Cancel returns an error for them.
func (b *Builder) Cancel(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[id]
	if !ok {
		return errs.Newf(errs.NotFound, "build %s not found", id)
	}
	if s.stage != StageQueued {
		return errs.Newf(errs.Conflict, "build %s is running and cannot be cancelled", id)
	}
	s.stage = StageFailed
	s.err = "Cancelled"
	for i, qid := range b.queue {
		if qid == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	return nil
}

// run executes a build that the dispatcher has already popped off the
// queue and claimed a semaphore slot for; it releases that slot on
// every exit path.
func (b *Builder) run(id string) {
	defer func() { <-b.sem }()

	b.mu.Lock()
	s, ok := b.states[id]
	if !ok || s.stage == StageFailed {
		b.mu.Unlock()
		return
	}
	req := s.req
	b.mu.Unlock()

	ctx := logs.NewContext("build", id, "repo", req.Org+"/"+req.Repo, "branch", req.Branch)
	log := klog.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, b.opts.BuildTimeout)
	defer cancel()

	result, err := b.execute(ctx, id, req)
	if err != nil {
		b.setStage(id, StageFailed, err.Error())
		log.Error(err, "build failed")
		b.emit(ctx, EventBuildError, id, req, err.Error())
		return
	}

	b.setStage(id, StageCompleted, "")
	log.Info("build completed", "tag", result.Tag, "digest", result.Digest)
	b.emit(ctx, EventBuildComplete, id, req, result)
}

func (b *Builder) execute(ctx context.Context, id string, req Request) (Result, error) {
	b.setStage(id, StageCloning, "")
	b.emit(ctx, EventBuildProgress, id, req, StageCloning)

	if b.auth == nil || b.cloner == nil {
		return Result{}, errs.New(errs.Internal, "builder has no clone capability configured")
	}
	token, err := b.auth.Token(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("obtain installation token: %w", err)
	}
	workdir, commit, err := b.cloner.Clone(ctx, req.Org, req.Repo, req.Branch, token)
	if err != nil {
		return Result{}, fmt.Errorf("clone: %w", redactErr(err, token))
	}

	b.setStage(id, StageInstalling, "")
	b.emit(ctx, EventBuildProgress, id, req, StageInstalling)
	if err := b.backend.Install(ctx, workdir); err != nil {
		return Result{}, fmt.Errorf("install: %w", err)
	}

	b.setStage(id, StageBuilding, "")
	b.emit(ctx, EventBuildProgress, id, req, StageBuilding)
	if err := b.backend.Build(ctx, workdir); err != nil {
		return Result{}, fmt.Errorf("build: %w", err)
	}

	testsPass := false
	if b.opts.TestTimeout > 0 {
		b.setStage(id, StageTesting, "")
		b.emit(ctx, EventBuildProgress, id, req, StageTesting)
		testCtx, testCancel := context.WithTimeout(ctx, b.opts.TestTimeout)
		passed, testErr := b.backend.Test(testCtx, workdir)
		testCancel()
		// testing is non-fatal: a failing or erroring test step is
		// recorded on the result but never fails the build (§4.3).
		testsPass = testErr == nil && passed
	}

	b.setStage(id, StagePushing, "")
	b.emit(ctx, EventBuildProgress, id, req, StagePushing)

	builtAt := time.Now()
	tag := registry.GenerateTag(req.Org, req.Repo, req.Branch, builtAt.Unix())
	latestTag := registry.GenerateTag(req.Org, req.Repo, req.Branch, 0)

	digest, sizeBytes, err := b.backend.Push(ctx, workdir, tag, latestTag)
	if err != nil {
		return Result{}, fmt.Errorf("push: %w", err)
	}

	if b.reg != nil {
		b.reg.Register(registry.Image{
			ID:         id,
			Tag:        tag,
			Digest:     digest,
			Repository: req.Org + "/" + req.Repo,
			Branch:     req.Branch,
			Commit:     commit,
			BuiltAt:    builtAt,
			SizeBytes:  sizeBytes,
		})
	}

	return Result{
		BuildID:   id,
		Commit:    commit,
		Tag:       tag,
		LatestTag: latestTag,
		Digest:    digest,
		TestsPass: testsPass,
		Stage:     StageCompleted,
	}, nil
}

// QueueLength returns the number of builds still waiting for the
// dispatcher to pop them, for the debug introspection surface.
func (b *Builder) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// InFlightCount returns the number of builds currently holding a
// concurrency slot, for the debug introspection surface.
func (b *Builder) InFlightCount() int {
	return len(b.sem)
}

func (b *Builder) setStage(id string, stage Stage, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[id]; ok {
		s.stage = stage
		s.err = errMsg
	}
}

func (b *Builder) emit(ctx context.Context, typ events.Type, buildID string, req Request, payload any) {
	if b.bus == nil {
		return
	}
	b.bus.TriggerAsync(events.Event{
		Type:    typ,
		Key:     buildID,
		Source:  "builder",
		Message: fmt.Sprintf("%s/%s@%s", req.Org, req.Repo, req.Branch),
		Payload: payload,
		Context: ctx,
	})
}

// StartSchedule triggers an immediate build pass over reqs, then
// repeats every rebuildInterval until StopSchedule is called (§4.3).
func (b *Builder) StartSchedule(reqs []Request) {
	b.scheduleMu.Lock()
	if b.stopSched != nil {
		close(b.stopSched)
	}
	stop := make(chan struct{})
	b.stopSched = stop
	b.scheduleMu.Unlock()

	go func() {
		tick := func() {
			next := time.Now().Add(b.opts.RebuildInterval)
			b.emit(context.Background(), EventScheduleTick, "", Request{}, next)
			for _, req := range reqs {
				b.Submit(context.Background(), req)
			}
		}
		tick()
		ticker := time.NewTicker(b.opts.RebuildInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// StopSchedule stops the background rebuild loop started by
// StartSchedule, if any.
func (b *Builder) StopSchedule() {
	b.scheduleMu.Lock()
	defer b.scheduleMu.Unlock()
	if b.stopSched != nil {
		close(b.stopSched)
		b.stopSched = nil
	}
}

// ClearTokenCache forces the next clone to obtain a fresh installation
// token (§4.3).
func (b *Builder) ClearTokenCache() {
	if b.auth != nil {
		b.auth.ClearCache()
	}
}

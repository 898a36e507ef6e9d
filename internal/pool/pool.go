// Package pool implements the Warm Pool (C4, §4.4): a per-image-tag
// reserve of pre-started sandboxes that lets a claim skip cold-start
// latency. Adapted from the teacher's Pool claim idiom
// (pkg/sandbox-manager/infra/sandboxcr/pool.go) — LIFO pick with a
// per-key in-flight guard in place of the teacher's per-object
// pickCache, since a warm-pool entry is owned outright once popped
// rather than merely locked.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/events"
	"github.com/opencode-labs/sandbox-orchestrator/internal/logs"
	"github.com/opencode-labs/sandbox-orchestrator/internal/providers"
	"github.com/opencode-labs/sandbox-orchestrator/internal/sandbox"
)

const (
	EventClaimed      events.Type = "pool:claimed"
	EventReleased     events.Type = "pool:released"
	EventReplenished  events.Type = "pool:replenished"
	EventExpirationRun events.Type = "pool:expired"
)

// Entry is a reserved, pre-started sandbox sitting in the pool for a
// given image tag (§4.4).
type Entry struct {
	SandboxID string
	Tag       string
	AddedAt   time.Time
}

// ClaimInput names what the caller wants to claim (§4.4).
type ClaimInput struct {
	Repository string // "org/repo", used to derive the default tag
	ProjectID  string
	ImageTag   string // optional override
}

// ClaimResult reports whether the claim was served from the pool.
type ClaimResult struct {
	Sandbox      sandbox.Info
	FromWarmPool bool
}

// Pool is the Warm Pool (C4).
type Pool struct {
	opts     config.PoolOptions
	provider providers.Provider
	bus      *events.Bus

	mu      sync.Mutex
	entries map[string][]Entry // tag -> LIFO stack, last element is MRU
	warming map[string]bool    // tag -> replenishment in flight
}

// New constructs a Pool backed by provider.
func New(opts config.PoolOptions, provider providers.Provider, bus *events.Bus) *Pool {
	return &Pool{
		opts:     config.InitPoolOptions(opts),
		provider: provider,
		bus:      bus,
		entries:  make(map[string][]Entry),
		warming:  make(map[string]bool),
	}
}

// DefaultTag derives "{org}/{repo}:latest" from a repository, the
// fallback used when the caller supplies no explicit imageTag (§4.4).
func DefaultTag(repository string) string {
	return fmt.Sprintf("%s:latest", repository)
}

// Claim implements the four-step claim algorithm in §4.4: pop an MRU
// entry for the tag; if it's ready, promote it to running and return a
// warm hit; otherwise cold-start through the provider. Either path
// schedules async replenishment if the pool is below its target size.
func (p *Pool) Claim(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	tag := in.ImageTag
	if tag == "" {
		tag = DefaultTag(in.Repository)
	}
	ctx = logs.FromContext(ctx, "pool", "claim", "tag", tag)
	log := klog.FromContext(ctx)

	entry, popped := p.popMRU(tag)
	if popped {
		info, ok, err := p.provider.Get(ctx, entry.SandboxID)
		if err == nil && ok && info.Status == sandbox.StatusReady {
			started, err := p.provider.Start(ctx, entry.SandboxID)
			if err == nil {
				log.Info("claim served from warm pool", "sandbox", entry.SandboxID)
				p.emit(ctx, EventClaimed, entry.SandboxID, tag, true)
				p.maybeReplenish(tag)
				claimResponses.WithLabelValues("warm").Inc()
				return ClaimResult{Sandbox: started, FromWarmPool: true}, nil
			}
			log.Error(err, "failed to start popped warm entry, falling back to cold start")
		}
	}

	info, err := p.provider.Create(ctx, sandbox.CreateInput{ProjectID: in.ProjectID, Repo: in.Repository, ImageTag: tag})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("cold-start create: %w", err)
	}
	if err := p.waitForReady(ctx, info.ID); err != nil {
		return ClaimResult{}, err
	}
	started, err := p.provider.Start(ctx, info.ID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("cold-start start: %w", err)
	}
	log.Info("claim served from cold start", "sandbox", info.ID)
	p.emit(ctx, EventClaimed, info.ID, tag, false)
	p.maybeReplenish(tag)
	claimResponses.WithLabelValues("cold").Inc()
	return ClaimResult{Sandbox: started, FromWarmPool: false}, nil
}

// Release returns a sandbox to the pool (§4.4). Terminated sandboxes
// are rejected; a running sandbox is stopped first.
func (p *Pool) Release(ctx context.Context, sandboxID, tag string) error {
	info, ok, err := p.provider.Get(ctx, sandboxID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "sandbox %s not found", sandboxID)
	}
	if info.Status == sandbox.StatusTerminated {
		return errs.Newf(errs.Conflict, "cannot release a terminated sandbox %s", sandboxID)
	}

	if info.Status == sandbox.StatusRunning {
		info, err = p.provider.Stop(ctx, sandboxID)
		if err != nil {
			return fmt.Errorf("stop before release: %w", err)
		}
	}
	if info.Status != sandbox.StatusReady && info.Status != sandbox.StatusSuspended {
		return errs.Newf(errs.Conflict, "sandbox %s is not in a releasable state (%s)", sandboxID, info.Status)
	}

	p.mu.Lock()
	p.entries[tag] = append(p.entries[tag], Entry{SandboxID: sandboxID, Tag: tag, AddedAt: time.Now()})
	size := len(p.entries[tag])
	p.mu.Unlock()
	poolSize.WithLabelValues(tag).Set(float64(size))

	p.emit(ctx, EventReleased, sandboxID, tag, false)
	return nil
}

// popMRU pops the most-recently-added entry for tag (LIFO, §4.4 step 2).
func (p *Pool) popMRU(tag string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stack := p.entries[tag]
	if len(stack) == 0 {
		return Entry{}, false
	}
	last := stack[len(stack)-1]
	p.entries[tag] = stack[:len(stack)-1]
	poolSize.WithLabelValues(tag).Set(float64(len(p.entries[tag])))
	return last, true
}

func (p *Pool) currentSize(tag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries[tag])
}

// maybeReplenish schedules a single background replenishment pass for
// tag if one isn't already running and the pool is under its target
// size (§4.4).
func (p *Pool) maybeReplenish(tag string) {
	p.mu.Lock()
	if p.warming[tag] {
		p.mu.Unlock()
		return
	}
	current := len(p.entries[tag])
	if current >= p.opts.Size {
		p.mu.Unlock()
		return
	}
	p.warming[tag] = true
	p.mu.Unlock()

	go p.replenish(tag)
}

func (p *Pool) replenish(tag string) {
	defer func() {
		p.mu.Lock()
		p.warming[tag] = false
		p.mu.Unlock()
	}()

	ctx := logs.NewContext("pool", "replenish", "tag", tag)
	log := klog.FromContext(ctx)

	need := p.opts.Size - p.currentSize(tag)
	if need <= 0 {
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < need; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := p.provider.Create(ctx, sandbox.CreateInput{ImageTag: tag})
			if err != nil {
				log.Error(err, "replenish create failed")
				return
			}
			if err := p.waitForReady(ctx, info.ID); err != nil {
				log.Error(err, "replenish wait-for-ready failed", "sandbox", info.ID)
				return
			}
			p.mu.Lock()
			p.entries[tag] = append(p.entries[tag], Entry{SandboxID: info.ID, Tag: tag, AddedAt: time.Now()})
			p.mu.Unlock()
		}()
	}
	wg.Wait()
	log.Info("replenishment pass complete", "added", need)
	p.emit(ctx, EventReplenished, "", tag, need)
}

// notReadyYet marks a poll attempt as retriable, the same sentinel shape
// the teacher's pool.go uses for its own claim-retry loop.
type notReadyYet struct{ sandboxID string }

func (e notReadyYet) Error() string { return fmt.Sprintf("sandbox %s not ready yet", e.sandboxID) }

// waitForReady polls Provider.Get every WaitForReadyPoll (a wait.Backoff
// with Factor 1.0, so the interval stays constant) until the sandbox
// reaches StatusReady, erroring on StatusTerminated or once
// WaitForReadyCeil/WaitForReadyPoll polls are used up (§4.4), mirroring
// the teacher's retry.OnError(wait.Backoff{...}) claim-retry idiom.
func (p *Pool) waitForReady(ctx context.Context, id string) error {
	steps := int(p.opts.WaitForReadyCeil / p.opts.WaitForReadyPoll)
	if steps < 1 {
		steps = 1
	}
	backoff := wait.Backoff{
		Steps:    steps,
		Duration: p.opts.WaitForReadyPoll,
		Cap:      p.opts.WaitForReadyCeil,
		Factor:   1.0,
	}

	err := retry.OnError(backoff, func(err error) bool {
		_, retriable := err.(notReadyYet)
		return retriable
	}, func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		info, ok, err := p.provider.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return notReadyYet{sandboxID: id}
		}
		if info.Status == sandbox.StatusTerminated {
			return errs.Newf(errs.Conflict, "sandbox %s terminated while waiting for ready", id)
		}
		if info.Status != sandbox.StatusReady {
			return notReadyYet{sandboxID: id}
		}
		return nil
	})
	if _, stillNotReady := err.(notReadyYet); stillNotReady {
		return errs.Newf(errs.Timeout, "sandbox %s did not become ready within %s", id, p.opts.WaitForReadyCeil)
	}
	return err
}

// Sweep removes every entry whose addedAt+ttl has elapsed, terminating
// its underlying sandbox best-effort, and deletes empty tag buckets
// (§4.4 "Expiration sweep").
func (p *Pool) Sweep(ctx context.Context) int {
	log := klog.FromContext(ctx)
	now := time.Now()

	p.mu.Lock()
	var expired []Entry
	for tag, stack := range p.entries {
		kept := stack[:0]
		for _, e := range stack {
			if now.Sub(e.AddedAt) >= p.opts.TTL {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(p.entries, tag)
		} else {
			p.entries[tag] = kept
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		if err := p.provider.Terminate(ctx, e.SandboxID); err != nil {
			log.Error(err, "best-effort terminate of expired pool entry failed", "sandbox", e.SandboxID)
		}
	}
	if len(expired) > 0 {
		p.emit(ctx, EventExpirationRun, "", "", len(expired))
	}
	return len(expired)
}

// Run starts a background goroutine that calls Sweep every
// ReplenishInterval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReplenishInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Size returns the current number of reserved entries for tag, for
// tests and diagnostics.
func (p *Pool) Size(tag string) int {
	return p.currentSize(tag)
}

// Sizes returns a snapshot of every tag's current pool size, keyed by
// tag, for the debug introspection surface.
func (p *Pool) Sizes() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.entries))
	for tag, stack := range p.entries {
		out[tag] = len(stack)
	}
	return out
}

func (p *Pool) emit(ctx context.Context, typ events.Type, sandboxID, tag string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.TriggerAsync(events.Event{
		Type:    typ,
		Key:     sandboxID,
		Source:  "pool",
		Message: tag,
		Payload: payload,
		Context: ctx,
	})
}

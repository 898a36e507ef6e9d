// Package events provides the publisher/subscriber used by every
// component that emits lifecycle events: the Image Builder (build:*),
// the Warm Pool (pool:*) and the Snapshot Manager (restored/expired/cleaned).
// The Sync Gate publishes no events. Adapted from the teacher's
// pkg/sandbox-manager/events.Eventer, generalized from a Kubernetes-object
// keyed channel suite to a plain string key so it can subscribe on any
// entity id (sandbox, session, build, tag).
package events

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/opencode-labs/sandbox-orchestrator/internal/logs"
)

// Type identifies an event kind. Each component defines its own constants
// (see builder.EventBuildStart, pool.EventClaimed, snapshots.EventRestored,
// and so on) in the same string-constant style.
type Type string

// Event is a fully-formed, immutable value delivered to every subscriber
// of its Type. Context carries the contextID of whatever request or loop
// triggered it; Payload carries the type-specific body (a build result, a
// pool entry, a snapshot record) as an any, cast back by the subscriber.
type Event struct {
	Type    Type
	Key     string // entity id this event is about: sandbox id, session id, build id, tag
	Source  string
	Message string
	Payload any
	Context context.Context
}

// HandleFunc processes one delivered Event.
type HandleFunc func(Event) error

// OnErrorFunc is invoked when HandleFunc returns an error, instead of the
// failure simply being logged and swallowed.
type OnErrorFunc func(Event, error)

// Handler pairs a name (for logging) with its callback pair.
type Handler struct {
	Name string
	HandleFunc
	OnErrorFunc
}

// Bus fans out Trigger calls to every Handler registered for the event's
// Type, running them in parallel and waiting for all of them, matching
// the teacher's Eventer.Trigger semantics minus the per-object lock/cancel
// channel suite (this core has no concept of "object being deleted"
// outside the Sandbox's own status machine, which components already
// serialize themselves).
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]*Handler
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]*Handler)}
}

// Subscribe registers handler for evt and returns an unregister func.
func (b *Bus) Subscribe(evt Type, handler *Handler) (unregister func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[evt] = append(b.handlers[evt], handler)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[evt]
		for i, h := range list {
			if h == handler {
				b.handlers[evt] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Trigger fans the event out to every handler registered for evt.Type,
// running them concurrently and waiting for all to finish. It returns the
// number of handlers that returned an error. Handlers are never allowed
// to fail the publisher: a panicking handler is recovered and logged.
func (b *Bus) Trigger(evt Event) int {
	if evt.Context == nil {
		evt.Context = logs.NewContext()
	}
	log := klog.FromContext(evt.Context).WithValues(
		"eventType", evt.Type, "key", evt.Key, "source", evt.Source, "message", evt.Message,
	).V(logs.DebugLevel)

	b.mu.RLock()
	subscribers := append([]*Handler(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	if len(subscribers) == 0 {
		log.Info("event has no subscribers")
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	for _, handler := range subscribers {
		wg.Add(1)
		go func(h *Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error(fmt.Errorf("event handler panic: %v", r), "panic recovered in event handler", "handler", h.Name)
				}
			}()
			log.Info("dispatching event to handler", "handler", h.Name)
			if err := h.HandleFunc(evt); err != nil {
				log.Error(err, "event handler failed", "handler", h.Name)
				mu.Lock()
				failures++
				mu.Unlock()
				if h.OnErrorFunc != nil {
					h.OnErrorFunc(evt, err)
				}
			}
		}(handler)
	}
	wg.Wait()
	log.Info("event handled", "failures", failures)
	return failures
}

// TriggerAsync triggers the event without blocking the caller.
func (b *Bus) TriggerAsync(evt Event) {
	go b.Trigger(evt)
}

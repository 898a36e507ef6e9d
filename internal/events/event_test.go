package events

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	typeA Type = "a"
	typeB Type = "b"
)

func TestBus_TriggerFanOut(t *testing.T) {
	bus := NewBus()
	var calls int32
	bus.Subscribe(typeA, &Handler{
		Name: "h1",
		HandleFunc: func(Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})
	bus.Subscribe(typeA, &Handler{
		Name: "h2",
		HandleFunc: func(Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})
	failures := bus.Trigger(Event{Type: typeA, Key: "k1"})
	assert.Equal(t, 0, failures)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus()
	failures := bus.Trigger(Event{Type: typeB, Key: "k1"})
	assert.Equal(t, 0, failures)
}

func TestBus_HandlerErrorInvokesOnError(t *testing.T) {
	bus := NewBus()
	var onErrorCalled bool
	bus.Subscribe(typeA, &Handler{
		Name:       "failing",
		HandleFunc: func(Event) error { return errors.New("boom") },
		OnErrorFunc: func(evt Event, err error) {
			onErrorCalled = true
			assert.EqualError(t, err, "boom")
		},
	})
	failures := bus.Trigger(Event{Type: typeA, Key: "k1"})
	assert.Equal(t, 1, failures)
	assert.True(t, onErrorCalled)
}

func TestBus_PanicRecovered(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(typeA, &Handler{
		Name: "panicker",
		HandleFunc: func(Event) error {
			panic("oh no")
		},
	})
	assert.NotPanics(t, func() {
		bus.Trigger(Event{Type: typeA, Key: "k1"})
	})
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	var calls int32
	unregister := bus.Subscribe(typeA, &Handler{
		Name: "h1",
		HandleFunc: func(Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})
	unregister()
	bus.Trigger(Event{Type: typeA, Key: "k1"})
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

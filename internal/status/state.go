// Package status tracks the client runtime state and enforces its
// transitions.
package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/crewlink/crewchat/internal/bus"
)

// State represents a client runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Connecting State = "CONNECTING"
	Syncing    State = "SYNCING"
	Online     State = "ONLINE"
	Offline    State = "OFFLINE"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Connecting, Error},
	Connecting: {Syncing, Online, Offline, Error},
	Syncing:    {Online, Offline, Error},
	Online:     {Syncing, Offline, Error},
	Offline:    {Connecting, Syncing, Error},
	Error:      {Booting},
}

// Machine tracks and enforces client runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Watch drives the machine from transport and sync events until ctx
// ends. Invalid transitions are dropped: events can race the machine
// (a flush finishing right as the transport reports a drop), and the
// machine, not the event order, is authoritative.
func (m *Machine) Watch(ctx context.Context) {
	ch, unsub := m.bus.Subscribe("", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.apply(evt.Kind)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Machine) apply(kind string) {
	switch kind {
	case "transport.connected":
		_ = m.Transition(Syncing)
	case "transport.disconnected":
		_ = m.Transition(Offline)
	case "sync.pull_completed", "sync.pass_completed":
		// Either sync surface finishing means the server is reachable.
		// A failed pull alone must not leave the machine in SYNCING
		// while flushes keep landing.
		_ = m.Transition(Online)
	}
}

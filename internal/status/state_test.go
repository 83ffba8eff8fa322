package status

import (
	"context"
	"testing"
	"time"

	"github.com/crewlink/crewchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Connecting},
		{Booting, Error},
		{Connecting, Syncing},
		{Connecting, Offline},
		{Syncing, Online},
		{Online, Offline},
		{Offline, Syncing},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Online); err == nil {
		t.Error("Transition(BOOTING -> ONLINE) should fail")
	}
	if m.Current() != Booting {
		t.Errorf("state = %s, want BOOTING (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "session.status_changed" {
		t.Errorf("event kind = %q, want session.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Connecting {
		t.Errorf("change = %v -> %v, want BOOTING -> CONNECTING", change.From, change.To)
	}
}

// TestOfflineOnlineCycle simulates a connection drop and recovery:
// ONLINE -> OFFLINE -> SYNCING -> ONLINE
func TestOfflineOnlineCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Online)

	steps := []State{Offline, Syncing, Online}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Online {
		t.Errorf("final state = %s, want ONLINE", m.Current())
	}
}

func TestWatchFollowsTransportEvents(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	walkTo(t, m, Connecting)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch(ctx)

	b.Emit("transport.connected", nil)
	waitForState(t, m, Syncing)

	b.Emit("sync.pull_completed", nil)
	waitForState(t, m, Online)

	b.Emit("transport.disconnected", nil)
	waitForState(t, m, Offline)
}

// A connect where the pull fails still reaches ONLINE once a flush
// pass completes.
func TestWatchReachesOnlineWithoutPull(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	walkTo(t, m, Connecting)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch(ctx)

	b.Emit("transport.connected", nil)
	waitForState(t, m, Syncing)

	b.Emit("sync.pass_completed", nil)
	waitForState(t, m, Online)
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for m.Current() != want {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", m.Current(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:    {},
		Connecting: {Connecting},
		Syncing:    {Connecting, Syncing},
		Online:     {Connecting, Syncing, Online},
		Offline:    {Connecting, Offline},
		Error:      {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

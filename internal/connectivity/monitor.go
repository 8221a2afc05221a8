// Package connectivity turns a raw, possibly flapping reachability signal
// into a debounced two-state stream consumed by the sync queue and UI.
package connectivity

import (
	"log/slog"
	"sync"
	"time"
)

// State of the connection as seen after debouncing.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// DefaultDebounce is how long a raw signal must hold steady before the
// monitor commits to a transition. Flaky connections otherwise trigger a
// drain storm on every blip.
const DefaultDebounce = 2 * time.Second

// Monitor debounces raw online/offline reports and fans out committed
// transitions to subscribers. Exactly one Online event is emitted per actual
// recovery, regardless of how often the raw signal flapped on the way up.
type Monitor struct {
	logger *slog.Logger

	mu       sync.Mutex
	debounce time.Duration
	state    State
	raw      State
	timer    *time.Timer
	subs     []chan State
}

// NewMonitor creates a Monitor starting in the Offline state. A debounce
// <= 0 falls back to DefaultDebounce.
func NewMonitor(debounce time.Duration, logger *slog.Logger) *Monitor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{debounce: debounce, logger: logger}
}

// State returns the current debounced state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Report feeds a raw reachability observation into the monitor. The
// transition is committed only if the raw signal still agrees after the
// debounce window; an opposite report in between cancels it.
func (m *Monitor) Report(online bool) {
	raw := Offline
	if online {
		raw = Online
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if raw == m.raw {
		return
	}
	m.raw = raw

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if raw == m.state {
		// Blip back to the committed state before the window elapsed.
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() { m.commit(raw) })
}

func (m *Monitor) commit(raw State) {
	m.mu.Lock()
	if m.raw != raw || m.state == raw {
		m.mu.Unlock()
		return
	}
	m.state = raw
	m.timer = nil
	subs := make([]chan State, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "state", raw.String())
	for _, ch := range subs {
		// Non-blocking: a slow subscriber drops intermediate transitions,
		// which is fine, only the latest state matters.
		select {
		case ch <- raw:
		default:
		}
	}
}

// Subscribe returns a channel receiving committed state transitions. The
// channel is buffered; subscribers that fall behind see only the most recent
// transitions.
func (m *Monitor) Subscribe() <-chan State {
	ch := make(chan State, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

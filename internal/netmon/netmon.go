// Package netmon observes connectivity and reports online/offline
// transitions.
//
// The monitor polls a probe at a fixed interval and emits an event on every
// transition. No sync work happens while offline; the daemon listens for
// the offline→online edge to trigger a full drain of the action queue.
package netmon

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// State is the observed connectivity state.
type State int

const (
	// StateOffline means the probe is failing.
	StateOffline State = iota
	// StateOnline means the probe is succeeding.
	StateOnline
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Event is one connectivity transition.
type Event struct {
	State State
	At    time.Time
}

// Probe reports whether the network currently looks reachable.
type Probe func(ctx context.Context) bool

// DialProbe returns a probe that attempts a TCP connection to addr.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Config holds configuration for the monitor.
type Config struct {
	// PollInterval is how often to run the probe (default: 5s).
	PollInterval time.Duration

	// Probe checks reachability. Required.
	Probe Probe

	// InitialState is assumed until the first probe completes.
	InitialState State

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults around the given probe.
func DefaultConfig(probe Probe) *Config {
	return &Config{
		PollInterval: 5 * time.Second,
		Probe:        probe,
		InitialState: StateOffline,
		Logger:       log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor polls connectivity and publishes transitions.
type Monitor struct {
	config *Config

	mu    sync.RWMutex
	state State

	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. Use Start to begin polling.
func New(config *Config) *Monitor {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return &Monitor{
		config: config,
		state:  config.InitialState,
		events: make(chan Event, 16),
	}
}

// IsOnline reports the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateOnline
}

// Events returns the transition channel. Only transitions are delivered,
// not every poll result. The channel closes when the monitor stops.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Start begins polling in a background goroutine.
// An immediate probe runs before the first tick so consumers don't wait a
// full interval for the initial state.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.poll(ctx)
}

// Stop halts polling and closes the event channel.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	close(m.events)
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	m.probeOnce(ctx)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	next := StateOffline
	if m.config.Probe(ctx) {
		next = StateOnline
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev == next {
		return
	}

	m.config.Logger.Printf("Connectivity transition: %s -> %s", prev, next)

	select {
	case m.events <- Event{State: next, At: time.Now()}:
	default:
		// Slow consumer; drop rather than stall the poll loop.
		m.config.Logger.Printf("Warning: dropped %s transition, event channel full", next)
	}
}

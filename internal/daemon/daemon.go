// Package daemon runs the background sync loop for one client process.
//
// The daemon:
// 1. Watches connectivity through the network monitor
// 2. Drains the action queue on every offline→online transition
// 3. Periodically re-drains while online (retry backoffs, deferred leases)
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rosewoodhq/synckit/internal/coordinator"
	"github.com/rosewoodhq/synckit/internal/netmon"
)

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often to re-drain while online.
	// Deferred actions (lease contention, retry backoff) get picked up here.
	DrainInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates connectivity watching and queue draining.
type Daemon struct {
	coord   *coordinator.Coordinator
	monitor *netmon.Monitor
	config  *Config

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon instance.
//
// The coordinator must already be wired to its store and shared tables;
// the monitor must not have been started. Use Start() to begin syncing.
func New(coord *coordinator.Coordinator, monitor *netmon.Monitor, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("network monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		coord:   coord,
		monitor: monitor,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Recover any actions a previous crash left in-flight
// 2. Start the connectivity monitor
// 3. Drain on reconnect and periodically while online
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	if err := d.coord.Recover(d.ctx); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}

	d.monitor.Start(d.ctx)

	d.wg.Add(2)
	go d.watchConnectivity()
	go d.periodicDrain()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Safe to call more than once;
// later calls are no-ops.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping sync daemon")

		d.cancel()
		d.monitor.Stop()
		d.wg.Wait()

		d.config.Logger.Println("Sync daemon stopped")
	})
	return nil
}

// watchConnectivity drains the queue whenever the client comes back online.
func (d *Daemon) watchConnectivity() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.monitor.Events():
			if !ok {
				return
			}
			if event.State != netmon.StateOnline {
				d.config.Logger.Println("Offline: queueing only, no sync attempts")
				continue
			}

			d.config.Logger.Println("Back online, draining queue")
			d.drain()
		}
	}
}

// periodicDrain re-drains on a timer while online, so retry backoffs and
// lease-deferred actions don't wait for the next connectivity transition.
func (d *Daemon) periodicDrain() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.monitor.IsOnline() {
				continue
			}
			d.drain()
		}
	}
}

func (d *Daemon) drain() {
	result, err := d.coord.Drain(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Drain error: %v", err)
		return
	}

	if result.Synced+result.Skipped+result.Retried+result.Conflicted+result.Failed > 0 {
		d.config.Logger.Printf("Drain: synced=%d skipped=%d retried=%d conflicted=%d failed=%d",
			result.Synced, result.Skipped, result.Retried, result.Conflicted, result.Failed)
	}
}

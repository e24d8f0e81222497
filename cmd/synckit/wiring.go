package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/rosewoodhq/synckit/internal/coordinator"
	"github.com/rosewoodhq/synckit/internal/lease"
	"github.com/rosewoodhq/synckit/internal/retry"
	"github.com/rosewoodhq/synckit/internal/store"
	"github.com/rosewoodhq/synckit/internal/version"
)

// runtime bundles the wired sync components for one CLI invocation.
type runtime struct {
	queue    *store.Store
	shared   *store.Store
	leases   *lease.Manager
	versions *version.Tracker
	coord    *coordinator.Coordinator
}

// openRuntime wires the queue store, shared store, and coordinator from
// viper config. The caller must call close() when done.
func openRuntime(ctx context.Context, logger *log.Logger) (*runtime, error) {
	queue, err := store.Open(viper.GetString("queue_db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	if err := queue.InitSchemaContext(ctx); err != nil {
		_ = queue.Close()
		return nil, err
	}

	shared, err := store.Open(viper.GetString("shared_db"))
	if err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("failed to open shared store: %w", err)
	}

	leases := lease.NewManager(shared.RawDB())
	if err := leases.InitSchema(ctx); err != nil {
		_ = queue.Close()
		_ = shared.Close()
		return nil, err
	}

	versions := version.NewTracker(shared.RawDB())
	if err := versions.InitSchema(ctx); err != nil {
		_ = queue.Close()
		_ = shared.Close()
		return nil, err
	}

	cfg := coordinator.DefaultConfig()
	if id := viper.GetString("holder_id"); id != "" {
		cfg.HolderID = id
	}
	cfg.LeaseTTL = viper.GetDuration("lease_ttl")
	cfg.Retry = retry.Policy{
		MaxRetries: viper.GetInt("max_retries"),
		BaseDelay:  viper.GetDuration("retry_base_delay"),
		MaxDelay:   viper.GetDuration("retry_max_delay"),
	}
	cfg.Logger = logger

	applier := newHTTPApplier(viper.GetString("apply_endpoint"), 10*time.Second)

	coord, err := coordinator.New(queue, leases, versions, nil, applier, cfg)
	if err != nil {
		_ = queue.Close()
		_ = shared.Close()
		return nil, err
	}

	return &runtime{
		queue:    queue,
		shared:   shared,
		leases:   leases,
		versions: versions,
		coord:    coord,
	}, nil
}

func (r *runtime) close() {
	_ = r.queue.Close()
	_ = r.shared.Close()
}

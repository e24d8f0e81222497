package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rosewoodhq/synckit/internal/action"
	"github.com/rosewoodhq/synckit/internal/coordinator"
	"github.com/rosewoodhq/synckit/internal/lease"
	"github.com/rosewoodhq/synckit/internal/netmon"
	"github.com/rosewoodhq/synckit/internal/store"
	"github.com/rosewoodhq/synckit/internal/version"
)

func setupTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init queue schema: %v", err)
	}

	shared, err := sql.Open("sqlite3", "file:"+filepath.Join(dir, "shared.db"))
	if err != nil {
		t.Fatalf("failed to open shared database: %v", err)
	}
	t.Cleanup(func() { shared.Close() })
	if _, err := shared.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("failed to set pragma: %v", err)
	}

	leases := lease.NewManager(shared)
	if err := leases.InitSchema(ctx); err != nil {
		t.Fatalf("failed to init lease schema: %v", err)
	}
	versions := version.NewTracker(shared)
	if err := versions.InitSchema(ctx); err != nil {
		t.Fatalf("failed to init version schema: %v", err)
	}

	applier := coordinator.ApplierFunc(func(ctx context.Context, a *action.QueuedAction) error {
		return nil
	})
	coord, err := coordinator.New(st, leases, versions, nil, applier, nil)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return coord
}

func TestDrainsOnReconnect(t *testing.T) {
	coord := setupTestCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Submit(ctx, "resident", "42", action.OpCreate,
		json.RawMessage(`{"name":"Ada"}`), 0); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	var online atomic.Bool
	monitor := netmon.New(&netmon.Config{
		PollInterval: 10 * time.Millisecond,
		Probe:        func(ctx context.Context) bool { return online.Load() },
		Logger:       log.New(testWriter{t}, "[netmon] ", 0),
	})

	d, err := New(coord, monitor, &Config{
		DrainInterval: time.Hour, // only the reconnect edge should drain
		Logger:        log.New(testWriter{t}, "[daemon] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Start(runCtx) }()

	// Still offline: the action stays queued.
	time.Sleep(50 * time.Millisecond)
	status, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.PendingCount != 1 {
		t.Fatalf("expected 1 pending while offline, got %d", status.PendingCount)
	}

	// Reconnect and wait for the drain.
	online.Store(true)
	deadline := time.After(2 * time.Second)
	for {
		status, err := coord.Status(ctx)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if status.PendingCount == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconnect drain")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for daemon shutdown")
	}
}

func TestStopIdempotent(t *testing.T) {
	coord := setupTestCoordinator(t)

	monitor := netmon.New(&netmon.Config{
		PollInterval: 10 * time.Millisecond,
		Probe:        func(ctx context.Context) bool { return false },
		Logger:       log.New(testWriter{t}, "[netmon] ", 0),
	})

	d, err := New(coord, monitor, &Config{
		DrainInterval: time.Hour,
		Logger:        log.New(testWriter{t}, "[daemon] ", 0),
	})
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(runCtx) }()

	// Cancelling the run context already stops the daemon once.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for daemon shutdown")
	}

	// Callers that stop again after shutdown must get a clean no-op.
	if err := d.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("third stop failed: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	monitor := netmon.New(&netmon.Config{
		Probe: func(ctx context.Context) bool { return false },
	})

	if _, err := New(nil, monitor, nil); err == nil {
		t.Error("expected error for nil coordinator")
	}
	if _, err := New(setupTestCoordinator(t), nil, nil); err == nil {
		t.Error("expected error for nil monitor")
	}
}

// testWriter routes daemon logs through the test harness.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

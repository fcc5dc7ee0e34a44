package connwatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// fastBackoff keeps tests quick.
func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 10 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func TestWatcher_ReadyOnFirstProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil)
	defer m.Stop()

	readyCh := make(chan struct{}, 1)
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
		OnReady: func() { readyCh <- struct{}{} },
	})

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("OnReady not called")
	}

	if !w.IsReady() {
		t.Error("watcher should report ready")
	}
	if w.LastError() != nil {
		t.Errorf("LastError = %v, want nil", w.LastError())
	}
}

func TestWatcher_RetriesUntilReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil)
	defer m.Stop()

	var calls atomic.Int32
	readyCh := make(chan struct{}, 1)
	m.Watch(ctx, WatcherConfig{
		Name: "flaky",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		},
		Backoff: fastBackoff(),
		OnReady: func() { readyCh <- struct{}{} },
	})

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("watcher never became ready")
	}

	if got := calls.Load(); got < 3 {
		t.Errorf("probe calls = %d, want >= 3", got)
	}
}

func TestWatcher_DownTransition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil)
	defer m.Stop()

	var healthy atomic.Bool
	healthy.Store(true)
	downCh := make(chan struct{}, 1)

	w := m.Watch(ctx, WatcherConfig{
		Name: "dropout",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("gone")
		},
		Backoff: fastBackoff(),
		OnDown:  func(error) { downCh <- struct{}{} },
	})

	// Wait for initial ready, then kill the service.
	awaitCtx, awaitCancel := context.WithTimeout(ctx, time.Second)
	defer awaitCancel()
	if err := w.AwaitReady(awaitCtx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	healthy.Store(false)

	select {
	case <-downCh:
	case <-time.After(time.Second):
		t.Fatal("OnDown not called after service went away")
	}
	if w.IsReady() {
		t.Error("watcher should report not ready")
	}
}

func TestWatcher_AwaitReadyTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(ctx, WatcherConfig{
		Name:    "never",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: fastBackoff(),
	})

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer awaitCancel()
	if err := w.AwaitReady(awaitCtx); err == nil {
		t.Error("AwaitReady should time out for a down service")
	}
}

func TestManager_Status(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil)
	defer m.Stop()

	for i := range 3 {
		m.Watch(ctx, WatcherConfig{
			Name:    fmt.Sprintf("svc-%d", i),
			Probe:   func(context.Context) error { return nil },
			Backoff: fastBackoff(),
		})
	}

	status := m.Status()
	if len(status) != 3 {
		t.Errorf("Status() has %d entries, want 3", len(status))
	}
	for name, s := range status {
		if s.Name != name {
			t.Errorf("status key %q has Name %q", name, s.Name)
		}
	}
}

func TestManager_WatchPanicsOnMissingFields(t *testing.T) {
	m := NewManager(nil)

	defer func() {
		if recover() == nil {
			t.Error("Watch with empty name should panic")
		}
	}()
	m.Watch(context.Background(), WatcherConfig{Probe: func(context.Context) error { return nil }})
}

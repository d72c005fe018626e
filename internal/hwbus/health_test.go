package hwbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newUnreachableClient creates a Redis client pointed at a
// non-existent address so pings will fail.
func newUnreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 100 * time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
	})
}

func TestNewLinkMonitorDefaults(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	m := NewLinkMonitor(rdb)
	if m.interval != 5*time.Second {
		t.Errorf("expected default interval 5s, got %v", m.interval)
	}
	if !m.connected {
		t.Error("expected initial state to be connected")
	}
}

func TestNewLinkMonitorWithOptions(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	called := false
	m := NewLinkMonitor(rdb,
		WithPingInterval(1*time.Second),
		WithOnLinkDown(func() { called = true }),
	)
	if m.interval != 1*time.Second {
		t.Errorf("expected interval 1s, got %v", m.interval)
	}
	if called {
		t.Error("onDown should not be called at construction")
	}
}

func TestLinkCheckFailsAndSetsDisconnected(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	var downCalled atomic.Int32
	m := NewLinkMonitor(rdb,
		WithPingInterval(50*time.Millisecond),
		WithOnLinkDown(func() { downCalled.Add(1) }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.check(ctx)

	if m.IsConnected() {
		t.Error("expected disconnected after failed ping")
	}
	if downCalled.Load() != 1 {
		t.Errorf("expected onDown called once, got %d", downCalled.Load())
	}

	status := m.Status()
	if status.Connected {
		t.Error("expected status.Connected=false")
	}
	if status.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestLinkOnDownCalledOncePerTransition(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	var downCount atomic.Int32
	m := NewLinkMonitor(rdb,
		WithPingInterval(50*time.Millisecond),
		WithOnLinkDown(func() { downCount.Add(1) }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.check(ctx)
	if downCount.Load() != 1 {
		t.Fatalf("expected onDown called once, got %d", downCount.Load())
	}

	m.check(ctx)
	if downCount.Load() != 1 {
		t.Errorf("expected onDown still called once, got %d", downCount.Load())
	}
}

func TestLinkStatusWhenConnected(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	m := NewLinkMonitor(rdb)
	status := m.Status()
	if !status.Connected {
		t.Error("expected connected=true in initial state")
	}
	if status.Reconnects != 0 {
		t.Errorf("expected 0 reconnects, got %d", status.Reconnects)
	}
}

func TestLinkMonitorRunStopsOnContextCancel(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	m := NewLinkMonitor(rdb, WithPingInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}

func TestLinkReconnectContextCancelled(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	m := NewLinkMonitor(rdb)
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m.reconnect(ctx)
}

func TestLinkIsConnectedConcurrentAccess(t *testing.T) {
	rdb := newUnreachableClient()
	defer rdb.Close()

	m := NewLinkMonitor(rdb)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.IsConnected()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Status()
		}()
	}
	wg.Wait()
}

package hwbus

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LinkStatus is a point-in-time snapshot of the rig's Redis link
// health, suitable for JSON serialization over the status API.
type LinkStatus struct {
	Connected  bool      `json:"connected"`
	LastPingOK time.Time `json:"last_ping_ok,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects int       `json:"reconnects"`
	Latency    string    `json:"latency,omitempty"`
}

// LinkMonitor pings the Redis link the rig's Client publishes commands
// and reads responses over, and reconnects with exponential backoff
// when the link drops. A lost link means every ValveGate/SampleBus
// call will start timing out, so the rig's operator surface needs to
// know about it independent of any one command's failure.
type LinkMonitor struct {
	rdb      *redis.Client
	interval time.Duration

	mu         sync.RWMutex
	connected  bool
	lastPing   time.Time
	lastErr    string
	reconnects int
	latency    time.Duration

	onDown func()
	onUp   func()
}

// LinkOption configures a LinkMonitor.
type LinkOption func(*LinkMonitor)

// WithPingInterval sets the health check interval (default 5s).
func WithPingInterval(d time.Duration) LinkOption {
	return func(m *LinkMonitor) { m.interval = d }
}

// WithOnLinkDown is called when the link transitions from up to down.
func WithOnLinkDown(fn func()) LinkOption {
	return func(m *LinkMonitor) { m.onDown = fn }
}

// WithOnLinkUp is called when the link transitions from down to up.
func WithOnLinkUp(fn func()) LinkOption {
	return func(m *LinkMonitor) { m.onUp = fn }
}

// NewLinkMonitor creates a monitor over the same *redis.Client a
// hwbus.Client uses to reach the rig.
func NewLinkMonitor(rdb *redis.Client, opts ...LinkOption) *LinkMonitor {
	m := &LinkMonitor{
		rdb:       rdb,
		interval:  5 * time.Second,
		connected: true, // assume connected at start
		lastPing:  time.Now(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run starts the health check loop. It blocks until ctx is cancelled.
func (m *LinkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *LinkMonitor) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := m.rdb.Ping(pingCtx).Err()
	elapsed := time.Since(start)

	m.mu.Lock()
	wasConnected := m.connected

	if err != nil {
		m.connected = false
		m.lastErr = err.Error()
		m.mu.Unlock()

		if wasConnected {
			log.Printf("hwbus: link lost: %v", err)
			if m.onDown != nil {
				m.onDown()
			}
		}

		m.reconnect(ctx)
		return
	}

	m.connected = true
	m.lastPing = time.Now()
	m.latency = elapsed
	m.lastErr = ""
	m.mu.Unlock()

	if !wasConnected {
		log.Printf("hwbus: link restored (latency=%v)", elapsed)
		if m.onUp != nil {
			m.onUp()
		}
	}
}

// reconnect retries the ping with exponential backoff, up to 10
// attempts per cycle, falling back to the next scheduled check if all
// of them fail.
func (m *LinkMonitor) reconnect(ctx context.Context) {
	const maxAttempts = 10
	const baseDelay = 500 * time.Millisecond
	const maxDelay = 30 * time.Second

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
		if delay > maxDelay {
			delay = maxDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := m.rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			m.mu.Lock()
			m.connected = true
			m.lastPing = time.Now()
			m.lastErr = ""
			m.reconnects++
			m.mu.Unlock()

			log.Printf("hwbus: link reconnected after %d attempts", attempt+1)
			if m.onUp != nil {
				m.onUp()
			}
			return
		}

		log.Printf("hwbus: link reconnect attempt %d/%d failed: %v", attempt+1, maxAttempts, err)
	}

	log.Printf("hwbus: link reconnect failed after %d attempts, will retry on next health check", maxAttempts)
}

// IsConnected returns whether the last health check succeeded.
func (m *LinkMonitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Status returns the current link health snapshot.
func (m *LinkMonitor) Status() LinkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := LinkStatus{
		Connected:  m.connected,
		LastPingOK: m.lastPing,
		Reconnects: m.reconnects,
	}
	if m.lastErr != "" {
		s.LastError = m.lastErr
	}
	if m.latency > 0 {
		s.Latency = m.latency.String()
	}
	return s
}

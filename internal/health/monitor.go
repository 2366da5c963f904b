// Package health runs the periodic broker probe sequence and exposes a
// read-only status with rolling latency statistics. The monitor never
// mutates business state.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AInTandem/agentbus/internal/queue"
)

// Status is the overall bus health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Broker is the slice of the broker connection the monitor needs.
type Broker interface {
	Client() *redis.Client
}

// Check is a single probe. Critical checks flip the status to unhealthy
// when they fail; others only degrade it.
type Check struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

// CheckResult is the outcome of one probe in the latest sequence.
type CheckResult struct {
	Name      string  `json:"name"`
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// Stats are rolling latency statistics over the sample window.
type Stats struct {
	AvgMs float64 `json:"avg"`
	MinMs float64 `json:"min"`
	MaxMs float64 `json:"max"`
}

// Snapshot is the read-only view handed to the router and monitoring.
type Snapshot struct {
	Status      Status        `json:"status"`
	LastChecked time.Time     `json:"lastChecked"`
	LastError   string        `json:"lastError,omitempty"`
	Latency     Stats         `json:"latency"`
	Checks      []CheckResult `json:"checks,omitempty"`
}

// Config holds monitor tuning.
type Config struct {
	CheckInterval time.Duration // probe cadence
	WindowSize    int           // rolling latency sample count
	WarnLatency   time.Duration // degraded threshold per check
	CheckTimeout  time.Duration // per-check deadline
}

// Monitor runs the check sequence on a timer.
type Monitor struct {
	cfg    Config
	checks []Check

	mu          sync.RWMutex
	status      Status
	lastChecked time.Time
	lastErr     string
	results     []CheckResult
	window      []float64 // latency samples, ms
}

// NewWithChecks creates a Monitor over an explicit check sequence.
func NewWithChecks(cfg Config, checks ...Check) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.WarnLatency <= 0 {
		cfg.WarnLatency = 250 * time.Millisecond
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	return &Monitor{cfg: cfg, checks: checks, status: StatusHealthy}
}

// New creates a Monitor with the standard probe sequence: connectivity
// ping, key write/read round trip, pub/sub round trip on a private
// topic, and an enqueue/dequeue round trip on a private queue.
func New(b Broker, q *queue.Queue, cfg Config) *Monitor {
	return NewWithChecks(cfg,
		Check{Name: "connectivity", Critical: true, Run: func(ctx context.Context) error {
			return b.Client().Ping(ctx).Err()
		}},
		Check{Name: "readwrite", Critical: true, Run: func(ctx context.Context) error {
			key := "agentbus:health:" + uuid.NewString()
			nonce := uuid.NewString()
			if err := b.Client().Set(ctx, key, nonce, 30*time.Second).Err(); err != nil {
				return err
			}
			got, err := b.Client().Get(ctx, key).Result()
			if err != nil {
				return err
			}
			if got != nonce {
				return fmt.Errorf("read back %q, wrote %q", got, nonce)
			}
			return b.Client().Del(ctx, key).Err()
		}},
		Check{Name: "pubsub", Run: func(ctx context.Context) error {
			topic := "agentbus:health:ps:" + uuid.NewString()
			ps := b.Client().Subscribe(ctx, topic)
			defer ps.Close()
			if _, err := ps.Receive(ctx); err != nil { // wait for subscribe ack
				return err
			}
			if err := b.Client().Publish(ctx, topic, "ping").Err(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ps.Channel():
				if !ok {
					return fmt.Errorf("pubsub channel closed")
				}
				if msg.Payload != "ping" {
					return fmt.Errorf("unexpected payload %q", msg.Payload)
				}
				return nil
			}
		}},
		Check{Name: "queue", Run: func(ctx context.Context) error {
			name := "agentbus:health:queue"
			id := uuid.NewString()
			item := queue.Item{ID: id, Payload: []byte(`{}`), Priority: 5, CreatedAt: time.Now(), TTLSeconds: 30}
			if err := q.Enqueue(ctx, name, item); err != nil {
				return err
			}
			got, err := q.Dequeue(ctx, name, time.Second)
			if err != nil {
				return err
			}
			if got == nil {
				return fmt.Errorf("queue round trip returned nothing")
			}
			return q.Acknowledge(ctx, name, got.ID)
		}},
	)
}

// Run probes immediately, then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.RunOnce(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce executes the full check sequence and updates the status.
func (m *Monitor) RunOnce(ctx context.Context) {
	results := make([]CheckResult, 0, len(m.checks))
	status := StatusHealthy
	lastErr := ""

	for _, check := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
		start := time.Now()
		err := check.Run(checkCtx)
		latency := time.Since(start)
		cancel()

		result := CheckResult{
			Name:      check.Name,
			OK:        err == nil,
			LatencyMs: float64(latency.Microseconds()) / 1000,
		}
		switch {
		case err != nil:
			result.Error = err.Error()
			lastErr = fmt.Sprintf("%s: %v", check.Name, err)
			if check.Critical {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		case latency > m.cfg.WarnLatency && status == StatusHealthy:
			status = StatusDegraded
		}
		results = append(results, result)
	}

	m.mu.Lock()
	prev := m.status
	m.status = status
	m.lastChecked = time.Now()
	m.lastErr = lastErr
	m.results = results
	for _, r := range results {
		if r.OK {
			m.window = append(m.window, r.LatencyMs)
		}
	}
	if excess := len(m.window) - m.cfg.WindowSize; excess > 0 {
		m.window = m.window[excess:]
	}
	m.mu.Unlock()

	if prev != status {
		log.Printf("[Health] Status %s → %s (%s)", prev, status, lastErr)
	}
}

// ReportFatal flips the status to unhealthy immediately. Called by
// components that hit a fatal broker error between probe ticks.
func (m *Monitor) ReportFatal(err error) {
	m.mu.Lock()
	m.status = StatusUnhealthy
	m.lastErr = err.Error()
	m.mu.Unlock()
	log.Printf("[Health] ❌ Fatal broker error reported: %v", err)
}

// Snapshot returns the current status and rolling latency stats.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Status:      m.status,
		LastChecked: m.lastChecked,
		LastError:   m.lastErr,
		Checks:      append([]CheckResult(nil), m.results...),
	}
	if len(m.window) > 0 {
		min, max, sum := m.window[0], m.window[0], 0.0
		for _, v := range m.window {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			sum += v
		}
		snap.Latency = Stats{AvgMs: sum / float64(len(m.window)), MinMs: min, MaxMs: max}
	}
	return snap
}

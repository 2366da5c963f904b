// Package broker manages the pooled Redis connection every other bus
// component routes its store operations through. It owns reconnection,
// command retry with capped exponential backoff, and an availability
// flag dependents can consult to short-circuit instead of blocking on
// a dead link.
package broker

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the broker link is known-dead and the
// operation was short-circuited without touching the network.
var ErrUnavailable = errors.New("broker unavailable")

// FatalError wraps a non-retryable broker failure (auth, config).
// It propagates immediately instead of being retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal broker error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// fatalPrefixes are Redis reply prefixes that no amount of retrying fixes.
var fatalPrefixes = []string{"NOAUTH", "WRONGPASS", "NOPERM", "ERR invalid password"}

// IsFatal reports whether err is a non-retryable broker failure: a
// wrapped FatalError or a fatal server reply. Ordinary application
// errors and redis.Nil are neither fatal nor transient.
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	msg := err.Error()
	for _, p := range fatalPrefixes {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying: connection blips,
// timeouts, and broken pipes. Fatal replies and ordinary application
// errors are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	msg := err.Error()
	for _, p := range fatalPrefixes {
		if strings.HasPrefix(msg, p) {
			return false
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

// Config holds broker connection settings.
type Config struct {
	URL           string
	Password      string
	DB            int
	PoolSize      int
	MaxRetries    int           // Execute retry attempts on transient errors
	ProbeInterval time.Duration // liveness probe cadence
}

// Conn is the single choke point for all Redis traffic.
type Conn struct {
	client     *redis.Client
	maxRetries int
	probeEvery time.Duration

	available atomic.Bool

	mu          sync.Mutex
	onReconnect []func()
	onFatal     []func(error)
}

// Connect establishes the pooled connection and verifies it with a ping.
// An unparseable URL is a FatalError; an unreachable server is transient
// and returned as-is so callers may decide to start anyway.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, &FatalError{Err: err}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 0 // retries handled in Execute

	c := &Conn{
		client:     redis.NewClient(opts),
		maxRetries: cfg.MaxRetries,
		probeEvery: cfg.ProbeInterval,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.probeEvery <= 0 {
		c.probeEvery = 15 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.client.Ping(pingCtx).Err(); err != nil {
		log.Printf("[Broker] ❌ Connection failed: %v", err)
		c.client.Close()
		return nil, err
	}

	c.available.Store(true)
	log.Printf("[Broker] ✅ Connected: %s (db=%d, pool=%d)", opts.Addr, opts.DB, opts.PoolSize)
	return c, nil
}

// Client exposes the underlying go-redis client for pub/sub and scripting.
func (c *Conn) Client() *redis.Client { return c.client }

// Available reports whether the last liveness probe (or command) succeeded.
func (c *Conn) Available() bool { return c.available.Load() }

// OnReconnect registers a callback fired when the link transitions from
// down to up. PubSub uses this to replay active subscriptions.
func (c *Conn) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// OnFatal registers a callback fired when a command hits a fatal,
// non-retryable failure. The health monitor uses this to flip to
// unhealthy without waiting for its next probe tick.
func (c *Conn) OnFatal(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFatal = append(c.onFatal, fn)
}

func (c *Conn) notifyFatal(err error) {
	c.mu.Lock()
	hooks := make([]func(error), len(c.onFatal))
	copy(hooks, c.onFatal)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Execute runs op with bounded exponential-backoff retry on transient
// failures. When the link is known-dead it fails fast with ErrUnavailable.
func (c *Conn) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if !c.available.Load() {
		return ErrUnavailable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.Printf("[Broker] ⚠️ %s transient failure, retrying: %v", name, err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))

	if err != nil && IsTransient(err) {
		// Retries exhausted on a dead link: flip the flag so dependents
		// short-circuit until the probe sees the server again.
		if c.available.CompareAndSwap(true, false) {
			log.Printf("[Broker] ❌ Link down after %s: %v", name, err)
		}
	}
	if IsFatal(err) {
		log.Printf("[Broker] ❌ Fatal failure on %s: %v", name, err)
		c.notifyFatal(err)
	}
	return err
}

// Watch runs the liveness probe loop until ctx is cancelled.
func (c *Conn) Watch(ctx context.Context) {
	ticker := time.NewTicker(c.probeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Conn) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := c.client.Ping(pingCtx).Err()
	cancel()

	if err != nil {
		if c.available.CompareAndSwap(true, false) {
			log.Printf("[Broker] ❌ Liveness probe failed: %v", err)
		}
		return
	}

	if c.available.CompareAndSwap(false, true) {
		log.Println("[Broker] ✅ Link restored")
		c.mu.Lock()
		hooks := make([]func(), len(c.onReconnect))
		copy(hooks, c.onReconnect)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

// Close shuts down the connection pool.
func (c *Conn) Close() error {
	c.available.Store(false)
	log.Println("[Broker] Connection closed")
	return c.client.Close()
}

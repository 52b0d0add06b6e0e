// Package health periodically probes every configured backend and tracks
// its reachability, so a sync run can skip a server that is currently down
// rather than stall every adapter call on it in turn. Adapted from the
// teacher's backend.HealthChecker — same two-consecutive-failures-to-trip /
// one-success-to-recover hysteresis, retargeted at adapter.Adapter.GetVersion
// instead of a direct HTTP ping against an ent-backed server row.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/watchstate/syncengine/adapter"
)

const (
	defaultInterval   = 30 * time.Second
	checkTimeout      = 5 * time.Second
	failuresToTrip    = 2
	failuresToRequest = 5 // per-request failures before RecordFailure trips early
)

// Backend is the minimal view of a configured backend the checker needs:
// a name to key status by and an adapter to probe.
type Backend struct {
	Name    string
	Adapter adapter.Adapter
}

type status struct {
	available    bool
	lastChecked  time.Time
	lastErr      string
	failureCount int
}

// Checker periodically probes every backend's GetVersion and maintains an
// in-memory availability map. Orchestrator runs consult IsAvailable so a
// full Import/Export doesn't pay the adapter's full retry/backoff ladder
// against a server that's already known to be down.
type Checker struct {
	backends []Backend
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	statuses map[string]*status

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Checker bound to the given backends. Call Start to begin
// background probing.
func New(backends []Backend, interval time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		backends: backends,
		interval: interval,
		logger:   logger,
		statuses: make(map[string]*status),
		done:     make(chan struct{}),
	}
}

// Start begins the background probe loop: an immediate check, then one
// every interval, until Stop is called.
func (c *Checker) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		defer close(c.done)
		c.checkAll(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.checkAll(ctx)
			}
		}
	}()
}

// Stop signals the probe loop to stop and waits for it to exit.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// IsAvailable reports whether the named backend is currently considered
// reachable. A backend never probed yet is assumed available.
func (c *Checker) IsAvailable(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[name]
	if !ok {
		return true
	}
	return s.available
}

// RecordFailure lets a live adapter call (outside the probe loop) report a
// failure immediately, tripping availability early instead of waiting for
// the next scheduled probe.
func (c *Checker) RecordFailure(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[name]
	if !ok {
		s = &status{available: true}
		c.statuses[name] = s
	}
	s.failureCount++
	if s.failureCount >= failuresToRequest && s.available {
		c.logger.Warn("backend marked unavailable after repeated request failures", "backend", name, "failures", s.failureCount)
		s.available = false
	}
}

// RecordSuccess resets the live-call failure counter without overriding the
// probe loop's own availability verdict.
func (c *Checker) RecordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.statuses[name]; ok && s.available {
		s.failureCount = 0
	}
}

// Status is a snapshot of one backend's health.
type Status struct {
	Name         string
	Available    bool
	LastChecked  time.Time
	LastError    string
	FailureCount int
}

// Statuses returns a snapshot of every tracked backend's health.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.statuses))
	for name, s := range c.statuses {
		out = append(out, Status{
			Name: name, Available: s.available, LastChecked: s.lastChecked,
			LastError: s.lastErr, FailureCount: s.failureCount,
		})
	}
	return out
}

func (c *Checker) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range c.backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			c.checkOne(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (c *Checker) checkOne(ctx context.Context, b Backend) {
	reqCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	res := b.Adapter.GetVersion(reqCtx)
	if res.OK {
		c.recordResult(b.Name, nil)
		return
	}
	c.recordResult(b.Name, res.Err)
}

func (c *Checker) recordResult(name string, err *adapter.Err) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.statuses[name]
	if !ok {
		s = &status{available: true}
		c.statuses[name] = s
	}
	s.lastChecked = time.Now()

	if err == nil {
		if !s.available {
			c.logger.Info("backend came back online", "backend", name)
		}
		s.available = true
		s.failureCount = 0
		s.lastErr = ""
		return
	}

	s.failureCount++
	s.lastErr = err.Message
	if s.failureCount >= failuresToTrip && s.available {
		c.logger.Warn("backend marked unavailable", "backend", name, "failures", s.failureCount, "error", err.Message)
		s.available = false
	}
}

package proxy

import (
	"context"
	"sync"
	"time"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes over the proxy's two long-lived
// background workers (the balance cache janitor and the billing retry
// scanner) and the upstream circuit breaker, and exposes the latest results
// for GET /readiness.
type HealthChecker struct {
	balanceAlive  func() bool
	reporterAlive func() bool
	breaker       *CircuitBreaker
	baseCtx       context.Context

	balanceStatus  componentStatus
	reporterStatus componentStatus
	upstreamStatus componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. balanceAlive and reporterAlive report whether the balance cache's
// janitor and the billing reporter's retry scanner goroutines are running;
// breaker may be nil if upstream circuit breaking is disabled.
func NewHealthChecker(
	ctx context.Context,
	balanceAlive func() bool,
	reporterAlive func() bool,
	breaker *CircuitBreaker,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		balanceAlive:  balanceAlive,
		reporterAlive: reporterAlive,
		breaker:       breaker,
		startTime:     time.Now(),
		done:          make(chan struct{}),
		baseCtx:       ctx,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BalanceCache  string `json:"balance_cache"`
	BillingQueue  string `json:"billing_queue"`
	Upstream      string `json:"upstream"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	balance := hc.balanceStatus.get()
	reporter := hc.reporterStatus.get()
	upstream := hc.upstreamStatus.get()

	if balance != "ok" || reporter != "ok" {
		overall = "degraded"
	}
	if upstream == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		BalanceCache:  balance,
		BillingQueue:  reporter,
		Upstream:      upstream,
	}
}

// ReadinessOK returns true once both background workers have started — used
// by GET /readiness for orchestrator probes.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.balanceStatus.get() == "ok" && hc.reporterStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	_, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	if hc.balanceAlive == nil || hc.balanceAlive() {
		hc.balanceStatus.set("ok")
	} else {
		hc.balanceStatus.set("degraded")
	}

	if hc.reporterAlive == nil || hc.reporterAlive() {
		hc.reporterStatus.set("ok")
	} else {
		hc.reporterStatus.set("degraded")
	}

	if hc.breaker == nil {
		hc.upstreamStatus.set("ok")
	} else {
		switch hc.breaker.State(upstreamBreaker) {
		case cbOpen:
			hc.upstreamStatus.set("down")
		case cbHalfOpen:
			hc.upstreamStatus.set("degraded")
		default:
			hc.upstreamStatus.set("ok")
		}
	}
}

// Package billing implements the fire-and-forget usage reporter: it POSTs a
// usage record to the billing service and, on failure, enqueues it onto a
// bounded retry queue with capped exponential backoff.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/metering-proxy/internal/metrics"
)

// UsageReport is the immutable record produced by the request handler after
// observing a completed upstream response.
type UsageReport struct {
	UserID              string
	Model               string
	InputTokens         uint32
	OutputTokens        uint32
	CacheReadTokens     uint32
	CacheCreationTokens uint32
	Cost                float64
}

// usagePayload is the JSON body POSTed to {baseURL}/api/billing/usage.
type usagePayload struct {
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	InputTokens      uint32  `json:"inputTokens"`
	OutputTokens     uint32  `json:"outputTokens"`
	CacheReadTokens  uint32  `json:"cacheReadTokens"`
	CacheWriteTokens uint32  `json:"cacheWriteTokens"`
	TotalTokens      uint32  `json:"totalTokens"`
	Cost             float64 `json:"cost"`
	Currency         string  `json:"currency"`
}

func buildPayload(r UsageReport) usagePayload {
	return usagePayload{
		Model:            r.Model,
		Provider:         "anthropic",
		InputTokens:      r.InputTokens,
		OutputTokens:     r.OutputTokens,
		CacheReadTokens:  r.CacheReadTokens,
		CacheWriteTokens: r.CacheCreationTokens,
		TotalTokens:      r.InputTokens + r.OutputTokens + r.CacheReadTokens + r.CacheCreationTokens,
		Cost:             r.Cost,
		Currency:         "USD",
	}
}

// retryEntry is one queued, not-yet-delivered usage report.
type retryEntry struct {
	credential string
	payload    []byte
	retries    int
	nextRetry  time.Time
}

// Reporter implements component C5. Construct with New; call Report from the
// request handler and Close during shutdown.
type Reporter struct {
	httpClient *http.Client
	baseURL    string
	invalidate func(userID string)

	maxQueued    int
	maxRetries   int
	baseBackoff  time.Duration
	scanInterval time.Duration

	log     *slog.Logger
	metrics *metrics.Registry

	mu    sync.Mutex
	queue []*retryEntry

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	alive bool
}

// Option configures a Reporter constructed by New.
type Option func(*Reporter)

// WithHTTPClient overrides the default HTTP client used for usage POSTs.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.httpClient = c }
}

// WithMetrics wires a metrics registry for retry-queue and outcome counters.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Reporter) { r.metrics = m }
}

// New creates a Reporter and starts its background retry scanner.
// invalidate is called with a report's userId before the initial POST
// attempt — it is expected to be balance.Cache.Invalidate.
func New(
	ctx context.Context,
	baseURL string,
	maxQueued, maxRetries int,
	baseBackoff, scanInterval time.Duration,
	invalidate func(userID string),
	log *slog.Logger,
	opts ...Option,
) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	r := &Reporter{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		invalidate:   invalidate,
		maxQueued:    maxQueued,
		maxRetries:   maxRetries,
		baseBackoff:  baseBackoff,
		scanInterval: scanInterval,
		log:          log,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.runScanner(ctx)

	return r
}

// Report is fire-and-forget: it returns immediately and performs the POST
// (and any retry-queue enqueue) on a background goroutine.
func (r *Reporter) Report(credential string, report UsageReport) {
	if r.invalidate != nil {
		r.invalidate(report.UserID)
	}
	payload, err := json.Marshal(buildPayload(report))
	if err != nil {
		r.log.Error("billing: failed to marshal usage payload", slog.String("error", err.Error()))
		return
	}
	go r.send(credential, payload)
}

func (r *Reporter) send(credential string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.post(ctx, credential, payload); err != nil {
		r.log.Warn("billing: usage report send failed, enqueuing for retry", slog.String("error", err.Error()))
		r.enqueue(credential, payload)
		return
	}
	r.recordOutcome("sent")
}

// enqueue appends a new retry entry, dropping the oldest entry first if the
// queue is already at capacity.
func (r *Reporter) enqueue(credential string, payload []byte) {
	r.mu.Lock()
	if len(r.queue) >= r.maxQueued {
		dropped := r.queue[0]
		r.queue = r.queue[1:]
		r.log.Error("billing: retry queue full, dropping oldest entry",
			slog.String("model", "unknown"), slog.Time("enqueued_next_retry", dropped.nextRetry))
		r.recordOutcome("dropped_overflow")
	}
	r.queue = append(r.queue, &retryEntry{
		credential: credential,
		payload:    payload,
		retries:    0,
		nextRetry:  time.Now().Add(r.baseBackoff),
	})
	depth := len(r.queue)
	r.mu.Unlock()

	r.recordOutcome("enqueued")
	r.setQueueDepth(depth)
}

// QueueLen reports the current retry-queue depth. Exposed for test inspection.
func (r *Reporter) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Reset clears the retry queue. Exposed for test inspection.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
}

// Alive reports whether the retry scanner goroutine has started — used by
// the readiness endpoint.
func (r *Reporter) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Close stops the retry scanner goroutine. Safe to call multiple times.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Reporter) post(ctx context.Context, credential string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/billing/usage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("billing: usage endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *Reporter) runScanner(ctx context.Context) {
	defer r.wg.Done()

	r.mu.Lock()
	r.alive = true
	r.mu.Unlock()

	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.scan()
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// scan pulls every due entry off the queue and dispatches them concurrently.
func (r *Reporter) scan() {
	now := time.Now()

	r.mu.Lock()
	var due []*retryEntry
	remaining := r.queue[:0:0]
	for _, e := range r.queue {
		if !e.nextRetry.After(now) {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	r.queue = remaining
	depth := len(r.queue)
	r.mu.Unlock()

	r.setQueueDepth(depth)

	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		go func(e *retryEntry) {
			defer wg.Done()
			r.attempt(e)
		}(e)
	}
	wg.Wait()
}

func (r *Reporter) attempt(e *retryEntry) {
	e.retries++

	if e.retries > r.maxRetries {
		r.log.Error("billing: retry quota exhausted, dropping usage report")
		r.recordOutcome("dropped_exhausted")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.post(ctx, e.credential, e.payload); err == nil {
		r.recordOutcome("sent")
		return
	}

	if e.retries == r.maxRetries {
		r.log.Error("billing: retry quota exhausted after final attempt, dropping usage report")
		r.recordOutcome("dropped_exhausted")
		return
	}

	backoff := r.baseBackoff * time.Duration(1<<uint(e.retries-1))
	e.nextRetry = time.Now().Add(backoff)
	r.requeue(e)
	r.recordOutcome("retried")
}

func (r *Reporter) requeue(e *retryEntry) {
	r.mu.Lock()
	if len(r.queue) >= r.maxQueued {
		r.queue = r.queue[1:]
		r.recordOutcomeLocked("dropped_overflow")
	}
	r.queue = append(r.queue, e)
	depth := len(r.queue)
	r.mu.Unlock()
	r.setQueueDepth(depth)
}

func (r *Reporter) recordOutcome(result string) {
	if r.metrics != nil {
		r.metrics.RecordUsageReport(result)
	}
}

func (r *Reporter) recordOutcomeLocked(result string) {
	// Called while r.mu is held; metrics counters are independently safe for
	// concurrent use so this is just a naming aid at call sites.
	r.recordOutcome(result)
}

func (r *Reporter) setQueueDepth(n int) {
	if r.metrics != nil {
		r.metrics.SetRetryQueueDepth(n)
	}
}

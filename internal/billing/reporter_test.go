package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReporter(t *testing.T, maxQueued, maxRetries int, baseBackoff, scanInterval time.Duration, handler http.HandlerFunc) (*Reporter, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	var invalidated []string
	var mu sync.Mutex
	r := New(context.Background(), srv.URL, maxQueued, maxRetries, baseBackoff, scanInterval,
		func(userID string) {
			mu.Lock()
			invalidated = append(invalidated, userID)
			mu.Unlock()
		}, nil)
	t.Cleanup(r.Close)
	return r, &calls
}

func TestReportSendsOnSuccessWithoutEnqueue(t *testing.T) {
	r, calls := newTestReporter(t, 10, 3, time.Hour, time.Hour, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Report("cred", UsageReport{UserID: "U", Model: "claude-sonnet-4-6", InputTokens: 10})

	require.Eventually(t, func() bool { return atomic.LoadInt32(calls) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.QueueLen())
}

func TestReportEnqueuesOnFailure(t *testing.T) {
	r, calls := newTestReporter(t, 10, 3, time.Hour, time.Hour, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.Report("cred", UsageReport{UserID: "U", Model: "m"})

	require.Eventually(t, func() bool { return atomic.LoadInt32(calls) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.QueueLen() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	r, _ := newTestReporter(t, 2, 3, time.Hour, time.Hour, func(w http.ResponseWriter, req *http.Request) {})

	r.enqueue("cred", []byte(`{"model":"first"}`))
	r.enqueue("cred", []byte(`{"model":"second"}`))
	r.enqueue("cred", []byte(`{"model":"third"}`))

	require.Equal(t, 2, r.QueueLen())
	assert.Equal(t, []byte(`{"model":"second"}`), r.queue[0].payload)
	assert.Equal(t, []byte(`{"model":"third"}`), r.queue[1].payload)
}

func TestRetryLadderDropsAfterMaxRetries(t *testing.T) {
	r, calls := newTestReporter(t, 10, 3, time.Hour, time.Hour, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	e := &retryEntry{credential: "cred", payload: []byte(`{}`), retries: 0, nextRetry: time.Now()}

	r.attempt(e) // retry 1
	assert.Equal(t, 1, e.retries)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	r.attempt(e) // retry 2
	r.attempt(e) // retry 3 — exhausts MAX_RETRIES, dropped permanently

	assert.Equal(t, 3, e.retries)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestAttemptBacksOffCorrectly(t *testing.T) {
	r, _ := newTestReporter(t, 10, 3, 30*time.Second, time.Hour, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	e := &retryEntry{credential: "cred", payload: []byte(`{}`), retries: 0, nextRetry: time.Now()}
	before := time.Now()
	r.attempt(e)

	assert.Equal(t, 1, e.retries)
	assert.WithinDuration(t, before.Add(30*time.Second), e.nextRetry, 2*time.Second)
}

func TestScanOnlyDispatchesDueEntries(t *testing.T) {
	r, calls := newTestReporter(t, 10, 3, time.Hour, time.Hour, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.queue = []*retryEntry{
		{credential: "c", payload: []byte(`{}`), nextRetry: time.Now().Add(time.Hour)},   // not due
		{credential: "c", payload: []byte(`{}`), nextRetry: time.Now().Add(-time.Minute)}, // due
	}

	r.scan()

	require.Eventually(t, func() bool { return atomic.LoadInt32(calls) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.QueueLen())
}

package balance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, handler http.HandlerFunc) (*Cache, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := New(context.Background(), srv.URL, 2*time.Minute, 10*time.Minute, time.Hour, nil)
	t.Cleanup(c.Close)
	return c, &calls
}

func TestCheckFreshCacheHitIssuesNoOutboundCall(t *testing.T) {
	c, calls := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not be called on fresh hit")
	})
	c.upsert("U", &snapshot{balance: 5, freeTokens: 100, claudeBalance: 2.5, expiry: time.Now().Add(time.Minute)})

	res := c.Check(context.Background(), "U", "cred")
	assert.True(t, res.OK)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestCheckMissFetchesAndUpserts(t *testing.T) {
	c, calls := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cred", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]float64{"balance": 5, "freeTokens": 100, "claudeBalance": 2.5})
	})

	res := c.Check(context.Background(), "U", "cred")
	assert.True(t, res.OK)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Equal(t, 1, c.Len())
}

func TestCheckBillingOutageNoPriorCacheFailsClosed(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	res := c.Check(context.Background(), "U", "cred")
	assert.False(t, res.OK)
	assert.True(t, res.ServiceUnavailable)
}

func TestCheckBillingOutageStaleWithinGraceFallsBack(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	// FreshTTL=2m, StaleTTL=10m; expiry 3 minutes ago is within the 10m grace window.
	c.upsert("U", &snapshot{balance: 5, freeTokens: 100, claudeBalance: 2.5, expiry: time.Now().Add(-3 * time.Minute)})

	res := c.Check(context.Background(), "U", "cred")
	assert.True(t, res.OK)
	assert.False(t, res.ServiceUnavailable)
}

func TestInvalidateMarksExpiredButKeepsSnapshotForStaleFallback(t *testing.T) {
	c, calls := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c.upsert("U", &snapshot{balance: 5, freeTokens: 100, claudeBalance: 2.5, expiry: time.Now().Add(time.Minute)})

	c.Invalidate("U")
	res := c.Check(context.Background(), "U", "cred")

	require.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.True(t, res.OK) // billing unreachable, but the pre-invalidation snapshot covers it
}

func TestSweepEvictsEntriesOlderThanStaleTTL(t *testing.T) {
	c, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {})
	c.upsert("old", &snapshot{expiry: time.Now().Add(-20 * time.Minute)})
	c.upsert("recent", &snapshot{expiry: time.Now().Add(-1 * time.Minute)})

	c.sweep()

	assert.Equal(t, 1, c.Len())
	_, ok := c.lookup("recent")
	assert.True(t, ok)
}

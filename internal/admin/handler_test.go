package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/livelock/internal/lock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type listResponse struct {
	Pattern   string     `json:"pattern"`
	Locks     []LockView `json:"locks"`
	Count     int        `json:"count"`
	Truncated bool       `json:"truncated"`
}

func setupRouter(t *testing.T) (*gin.Engine, *lock.MemoryStorage) {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	storage := lock.NewMemoryStorage(lock.WithClock(func() time.Time { return now }))
	return NewRouter(NewHandler(storage, zerolog.Nop())), storage
}

func get(t *testing.T, router *gin.Engine, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := setupRouter(t)

	w := get(t, router, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestListLocks(t *testing.T) {
	router, storage := setupRouter(t)
	require.True(t, storage.Acquire("c1", "user:2", false))
	require.True(t, storage.Acquire("c1", "user:1", false))
	require.True(t, storage.Acquire("c2", "order:1", false))

	tests := []struct {
		name    string
		target  string
		wantIDs []string
	}{
		{"default pattern", "/locks", []string{"order:1", "user:1", "user:2"}},
		{"prefix pattern", "/locks?pattern=user:*", []string{"user:1", "user:2"}},
		{"single char wildcard", "/locks?pattern=user:?", []string{"user:1", "user:2"}},
		{"no match", "/locks?pattern=none", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, router, tt.target)
			require.Equal(t, http.StatusOK, w.Code)

			var resp listResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

			ids := make([]string, 0, len(resp.Locks))
			for _, l := range resp.Locks {
				ids = append(ids, l.ID)
				assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), l.AcquiredAt)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, len(tt.wantIDs), resp.Count)
			assert.False(t, resp.Truncated)
		})
	}
}

func TestListLocks_Limit(t *testing.T) {
	router, storage := setupRouter(t)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, storage.Acquire("c1", id, false))
	}

	w := get(t, router, "/locks?limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.True(t, resp.Truncated)
}

func TestListLocks_InvalidLimit(t *testing.T) {
	router, _ := setupRouter(t)

	for _, limit := range []string{"0", "-1", "many"} {
		w := get(t, router, "/locks?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestGetStats(t *testing.T) {
	router, storage := setupRouter(t)
	require.True(t, storage.Acquire("c1", "a", false))
	require.True(t, storage.Acquire("c1", "b", false))
	storage.SetClientLastAddress("c1", "127.0.0.1:5000")
	storage.ReleaseAll("c1")

	w := get(t, router, "/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats lock.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Locks)
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, 2, stats.PendingRelease)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupRouter(t)
	get(t, router, "/health")

	w := get(t, router, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "livelock_http_requests_total")
}

func TestServer_ListenAndServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := NewServer(addr, NewHandler(lock.NewMemoryStorage(), zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("admin server did not stop")
	}
}

package simstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, base, key, value string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, base+"/kv/"+key, bytes.NewBufferString(value))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func get(t *testing.T, base, key string) (int, string) {
	t.Helper()
	resp, err := http.Get(base + "/kv/" + key)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_PutGetDelete(t *testing.T) {
	s := New(ServerConfig{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusNoContent, put(t, srv.URL, "a", "one"))
	code, body := get(t, srv.URL, "a")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "one", body)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/kv/a", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	code, _ = get(t, srv.URL, "a")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, uint64(1), s.Stats().Deletes)
}

func TestServer_CacheServesStaleUntilTTL(t *testing.T) {
	s := New(ServerConfig{CacheTTL: 200 * time.Millisecond}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	put(t, srv.URL, "k", "v1")
	_, body := get(t, srv.URL, "k")
	assert.Equal(t, "v1", body)

	put(t, srv.URL, "k", "v2")
	_, body = get(t, srv.URL, "k")
	assert.Equal(t, "v1", body, "cached value survives the write")

	time.Sleep(250 * time.Millisecond)
	_, body = get(t, srv.URL, "k")
	assert.Equal(t, "v2", body)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.CacheHits)
	assert.Equal(t, uint64(2), st.CacheMisses)
}

func TestServer_InvalidateOnWrite(t *testing.T) {
	s := New(ServerConfig{CacheTTL: time.Minute, Invalidate: true}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	put(t, srv.URL, "k", "v1")
	get(t, srv.URL, "k")
	put(t, srv.URL, "k", "v2")
	_, body := get(t, srv.URL, "k")
	assert.Equal(t, "v2", body)
}

func TestServer_FaultInjection(t *testing.T) {
	s := New(ServerConfig{ErrorRate: 1}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusInternalServerError, put(t, srv.URL, "k", "v"))
	assert.Equal(t, uint64(1), s.Stats().Injected)

	// Health and stats are never faulted.
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CorruptReads(t *testing.T) {
	s := New(ServerConfig{CorruptRate: 1}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	put(t, srv.URL, "k", "abc")
	_, body := get(t, srv.URL, "k")
	assert.Equal(t, "cba~", body)
	assert.Equal(t, uint64(1), s.Stats().Corrupted)
}

func TestServer_Latency(t *testing.T) {
	s := New(ServerConfig{MinLatency: 30 * time.Millisecond, MaxLatency: 40 * time.Millisecond}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	start := time.Now()
	put(t, srv.URL, "k", "v")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestServer_StatsEndpoint(t *testing.T) {
	s := New(ServerConfig{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	put(t, srv.URL, "a", "1")
	put(t, srv.URL, "b", "2")

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 2, st.Keys)
	assert.Equal(t, uint64(2), st.Writes)
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := New(ServerConfig{Addr: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	base := "http://" + s.Addr()
	assert.Equal(t, http.StatusNoContent, put(t, base, "k", "v"))

	require.NoError(t, s.Shutdown(context.Background()))
	_, err := http.Get(base + "/healthz")
	assert.Error(t, err)
}

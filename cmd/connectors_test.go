package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermancell/bitquery-chart/internal/config"
	"github.com/supermancell/bitquery-chart/internal/store"
)

func healthCode(t *testing.T, h http.Handler) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	return rec.Code
}

func TestConnectStores_MemoryOnly(t *testing.T) {
	deps := ConnectStores(context.Background(), config.Resolve(nil, t.TempDir()))

	assert.IsType(t, &store.Memory{}, deps.Store)
	assert.Nil(t, deps.Pinned)
	assert.Nil(t, deps.RedisPinger)
	assert.Equal(t, http.StatusOK, healthCode(t, deps.Health))
}

func TestConnectStores_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	deps := ConnectStores(context.Background(), config.Resolve(map[string]string{"REDIS_ADDR": addr}, t.TempDir()))

	assert.IsType(t, &store.Memory{}, deps.Store)
	assert.Nil(t, deps.Pinned)
	assert.Nil(t, deps.RedisPinger)
	assert.Equal(t, http.StatusOK, healthCode(t, deps.Health), "a skipped Redis is not reported as down")
}

func TestConnectStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	deps := ConnectStores(context.Background(), config.Resolve(map[string]string{"REDIS_ADDR": mr.Addr()}, t.TempDir()))
	t.Cleanup(func() { deps.Store.Close() })

	multi, ok := deps.Store.(store.Multi)
	require.True(t, ok)
	require.Len(t, multi, 2)
	assert.IsType(t, &store.Redis{}, multi[0])
	assert.IsType(t, &store.Memory{}, multi[1])
	assert.NotNil(t, deps.Pinned)
	assert.NotNil(t, deps.RedisPinger)
}

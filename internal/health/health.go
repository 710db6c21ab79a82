package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("component", "health")

// Status tracks liveness of the streaming server's dependencies. The zero
// value reports upstream unhealthy and Redis not tracked.
type Status struct {
	upstream     atomic.Bool
	redis        atomic.Bool
	redisTracked atomic.Bool
}

// CheckResponse represents the health check response structure
type CheckResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Upstream Component  `json:"upstream"`
		Redis    *Component `json:"redis,omitempty"`
	} `json:"data"`
}

// Component is the health of a single dependency.
type Component struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// SetUpstreamHealthy sets the Bitquery stream health status
func (s *Status) SetUpstreamHealthy(healthy bool) {
	s.upstream.Store(healthy)
}

// SetRedisHealthy sets the Redis health status and starts reporting it.
func (s *Status) SetRedisHealthy(healthy bool) {
	s.redisTracked.Store(true)
	s.redis.Store(healthy)
}

// UpstreamHealthy reports the last upstream status.
func (s *Status) UpstreamHealthy() bool {
	return s.upstream.Load()
}

// RedisHealthy reports the last Redis status.
func (s *Status) RedisHealthy() bool {
	return s.redis.Load()
}

// DefaultCheckInterval is how often WatchRedis pings.
const DefaultCheckInterval = 10 * time.Second

// Pinger is a dependency that can be health-checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WatchRedis pings p every interval and records the result until ctx is
// cancelled. The first check runs immediately.
func (s *Status) WatchRedis(ctx context.Context, p Pinger, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := p.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		healthy := err == nil
		if healthy != s.RedisHealthy() || !s.redisTracked.Load() {
			if healthy {
				logger.Info("Redis connection is healthy")
			} else {
				logger.WithError(err).Warn("Redis health check failed")
			}
		}
		s.SetRedisHealthy(healthy)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ServeHTTP implements the /health endpoint.
func (s *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    405,
			"message": "method not allowed",
		})
		return
	}

	now := time.Now().Unix()
	response := CheckResponse{
		Code:    200,
		Message: "success",
	}

	if s.upstream.Load() {
		response.Data.Upstream = Component{Status: "healthy", Message: "Bitquery stream is connected", Timestamp: now}
	} else {
		response.Data.Upstream = Component{Status: "unhealthy", Message: "Bitquery stream is disconnected or not yet needed", Timestamp: now}
	}

	if s.redisTracked.Load() {
		if s.redis.Load() {
			response.Data.Redis = &Component{Status: "healthy", Message: "Redis connection is active", Timestamp: now}
		} else {
			response.Data.Redis = &Component{Status: "unhealthy", Message: "Redis connection failed or closed", Timestamp: now}
			response.Code = 503
		}
	}

	if response.Code == 503 {
		response.Message = "service unavailable"
	}

	w.WriteHeader(response.Code)
	json.NewEncoder(w).Encode(response)
}
